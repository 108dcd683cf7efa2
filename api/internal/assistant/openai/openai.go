// Package openai talks to the OpenAI Assistants v2 thread/run API.
package openai

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"snapish/api/internal/assistant"
)

const DefaultBaseURL = "https://api.openai.com/v1"

type Provider struct {
	APIKey      string
	AssistantID string
	BaseURL     string
	httpc       *http.Client
}

func New(key, assistantID, baseURL string) *Provider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Provider{
		APIKey:      strings.TrimSpace(key),
		AssistantID: strings.TrimSpace(assistantID),
		BaseURL:     strings.TrimRight(baseURL, "/"),
		httpc:       &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *Provider) Name() string { return "openai" }

func (p *Provider) CreateThread(ctx context.Context) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := p.do(ctx, http.MethodPost, "/threads", map[string]any{}, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (p *Provider) AddMessage(ctx context.Context, threadID, text string) error {
	body := map[string]any{"role": "user", "content": text}
	return p.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/messages", body, nil)
}

func (p *Provider) CreateRun(ctx context.Context, threadID string) (string, error) {
	if p.AssistantID == "" {
		return "", fmt.Errorf("OPENAI_ASSISTANT_KEY is empty")
	}
	var out struct {
		ID string `json:"id"`
	}
	body := map[string]any{"assistant_id": p.AssistantID}
	if err := p.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/runs", body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (p *Provider) RunStatus(ctx context.Context, threadID, runID string) (assistant.RunStatus, error) {
	var out struct {
		Status string `json:"status"`
	}
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID)
	if err := p.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", err
	}
	return assistant.RunStatus(out.Status), nil
}

func (p *Provider) Messages(ctx context.Context, threadID string) ([]assistant.Message, error) {
	var out struct {
		Data []struct {
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text struct {
					Value string `json:"value"`
				} `json:"text"`
			} `json:"content"`
		} `json:"data"`
	}
	path := "/threads/" + url.PathEscape(threadID) + "/messages?order=desc&limit=20"
	if err := p.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	msgs := make([]assistant.Message, 0, len(out.Data))
	for _, m := range out.Data {
		var text string
		for _, c := range m.Content {
			if c.Type == "text" {
				text = c.Text.Value
				break
			}
		}
		msgs = append(msgs, assistant.Message{Role: m.Role, Text: text})
	}
	return msgs, nil
}

func (p *Provider) do(ctx context.Context, method, path string, body any, out any) error {
	if p.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is empty")
	}
	var rd io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+p.APIKey)
	req.Header.Set("OpenAI-Beta", "assistants=v2")

	resp, err := p.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		x, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("openai %s %s %d: %s", method, strings.SplitN(path, "?", 2)[0], resp.StatusCode, strings.TrimSpace(string(x)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
