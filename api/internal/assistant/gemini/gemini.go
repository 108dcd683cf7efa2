// Package gemini runs assistant jobs on Gemini. Gemini has no thread/run API,
// so threads and runs are kept in memory and each run generates in the
// background.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/option"

	"snapish/api/internal/assistant"
	"snapish/api/internal/logging"
)

const (
	DefaultModel = "gemini-2.5-flash"
	threadTTL    = time.Hour
	runTimeout   = 60 * time.Second
)

var (
	ErrUnknownThread = errors.New("gemini: unknown thread or run")
	ErrClosed        = errors.New("gemini: provider closed")
)

const guideInstruction = `당신은 한국 바다낚시 어종 안내 도우미입니다.
사용자가 어종 이름을 보내면 다음을 간결한 한국어 문장으로 설명하세요.
어종의 특징과 구별법, 주 서식지와 제철, 금어기와 포획 금지 체장, 추천 조리법.
목록 기호나 마크다운 없이 평문으로 답하세요.`

// GenerateFunc produces the reply for a single user prompt.
type GenerateFunc func(ctx context.Context, prompt string) (string, error)

type Provider struct {
	generate GenerateFunc
	closer   func() error

	mu      sync.Mutex
	threads map[string]*thread
	now     func() time.Time
	closed  bool
	wg      sync.WaitGroup // in-flight runs; Add only under mu while !closed
}

type thread struct {
	created time.Time
	msgs    []assistant.Message // oldest first
	runs    map[string]assistant.RunStatus
}

// New creates the genai client once; callers must Close the provider.
func New(ctx context.Context, apiKey, model string) (*Provider, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY is empty")
	}
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	m := cl.GenerativeModel(strings.TrimSpace(model))
	m.GenerationConfig = genai.GenerationConfig{
		Temperature: ptrFloat32(0.4),
	}
	m.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(guideInstruction)},
	}

	p := NewWithGenerator(func(ctx context.Context, prompt string) (string, error) {
		resp, err := m.GenerateContent(ctx, genai.Text(prompt))
		if err != nil {
			return "", err
		}
		return firstText(resp), nil
	})
	p.closer = cl.Close
	return p, nil
}

func NewWithGenerator(gen GenerateFunc) *Provider {
	return &Provider{
		generate: gen,
		threads:  make(map[string]*thread),
		now:      time.Now,
	}
}

func (p *Provider) Name() string { return "gemini" }

// Close rejects new runs, waits for in-flight ones and releases the client.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
	if p.closer != nil {
		return p.closer()
	}
	return nil
}

func (p *Provider) CreateThread(ctx context.Context) (string, error) {
	id := "thread_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneLocked()
	p.threads[id] = &thread{created: p.now(), runs: make(map[string]assistant.RunStatus)}
	return id, nil
}

func (p *Provider) AddMessage(ctx context.Context, threadID, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	th, ok := p.threads[threadID]
	if !ok {
		return ErrUnknownThread
	}
	th.msgs = append(th.msgs, assistant.Message{Role: "user", Text: text})
	return nil
}

func (p *Provider) CreateRun(ctx context.Context, threadID string) (string, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrClosed
	}
	th, ok := p.threads[threadID]
	if !ok {
		p.mu.Unlock()
		return "", ErrUnknownThread
	}
	prompt := lastUserText(th.msgs)
	runID := "run_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	th.runs[runID] = assistant.StatusQueued
	p.wg.Add(1)
	p.mu.Unlock()

	go p.execute(context.WithoutCancel(ctx), threadID, runID, prompt)
	return runID, nil
}

func (p *Provider) execute(ctx context.Context, threadID, runID, prompt string) {
	defer p.wg.Done()
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	p.setStatus(threadID, runID, assistant.StatusInProgress)
	text, err := p.generate(ctx, prompt)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("thread_id", threadID).Str("run_id", runID).Msg("gemini run failed")
		p.setStatus(threadID, runID, assistant.StatusFailed)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	th, ok := p.threads[threadID]
	if !ok {
		return
	}
	if text = strings.TrimSpace(text); text != "" {
		th.msgs = append(th.msgs, assistant.Message{Role: "assistant", Text: text})
	}
	th.runs[runID] = assistant.StatusCompleted
}

func (p *Provider) setStatus(threadID, runID string, st assistant.RunStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if th, ok := p.threads[threadID]; ok {
		th.runs[runID] = st
	}
}

func (p *Provider) RunStatus(ctx context.Context, threadID, runID string) (assistant.RunStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	th, ok := p.threads[threadID]
	if !ok {
		return "", ErrUnknownThread
	}
	st, ok := th.runs[runID]
	if !ok {
		return "", ErrUnknownThread
	}
	return st, nil
}

func (p *Provider) Messages(ctx context.Context, threadID string) ([]assistant.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	th, ok := p.threads[threadID]
	if !ok {
		return nil, ErrUnknownThread
	}
	out := make([]assistant.Message, len(th.msgs))
	for i, m := range th.msgs {
		out[len(th.msgs)-1-i] = m
	}
	return out, nil
}

func (p *Provider) pruneLocked() {
	cutoff := p.now().Add(-threadTTL)
	for id, th := range p.threads {
		if th.created.Before(cutoff) {
			delete(p.threads, id)
		}
	}
}

func lastUserText(msgs []assistant.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Text
		}
	}
	return ""
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}

func ptrFloat32(v float32) *float32 { return &v }
