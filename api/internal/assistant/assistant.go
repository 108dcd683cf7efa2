// Package assistant launches species-guide jobs on an external assistant and
// polls them for the generated text.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"snapish/api/internal/logging"
	"snapish/api/internal/metrics"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultTimeout      = 30 * time.Second
)

var (
	ErrLaunch    = errors.New("assistant launch failed")
	ErrRunFailed = errors.New("assistant run failed")
	ErrTimeout   = errors.New("assistant run timed out")
	ErrNoReply   = errors.New("no response from assistant")
	ErrBadHandle = errors.New("invalid assistant handle")
)

// Handle identifies a launched job. It is serialized as a two-element array.
type Handle struct {
	ThreadID string
	RunID    string
}

func (h Handle) IsZero() bool { return h.ThreadID == "" || h.RunID == "" }

func (h Handle) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{h.ThreadID, h.RunID})
}

func (h *Handle) UnmarshalJSON(b []byte) error {
	var pair []string
	if err := json.Unmarshal(b, &pair); err != nil {
		return fmt.Errorf("%w: %v", ErrBadHandle, err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("%w: want 2 elements, got %d", ErrBadHandle, len(pair))
	}
	h.ThreadID, h.RunID = pair[0], pair[1]
	return nil
}

type RunStatus string

const (
	StatusQueued         RunStatus = "queued"
	StatusInProgress     RunStatus = "in_progress"
	StatusRequiresAction RunStatus = "requires_action"
	StatusCompleted      RunStatus = "completed"
	StatusFailed         RunStatus = "failed"
	StatusError          RunStatus = "error"
	StatusCancelled      RunStatus = "cancelled"
	StatusExpired        RunStatus = "expired"
	StatusIncomplete     RunStatus = "incomplete"
)

// failed reports whether the run ended without a reply.
func (s RunStatus) failed() bool {
	switch s {
	case StatusFailed, StatusError, StatusCancelled, StatusExpired, StatusIncomplete:
		return true
	}
	return false
}

type Message struct {
	Role string
	Text string
}

// Provider is the thread/run API of an assistant backend.
// Messages returns the thread's messages newest first.
type Provider interface {
	Name() string
	CreateThread(ctx context.Context) (string, error)
	AddMessage(ctx context.Context, threadID, text string) error
	CreateRun(ctx context.Context, threadID string) (string, error)
	RunStatus(ctx context.Context, threadID, runID string) (RunStatus, error)
	Messages(ctx context.Context, threadID string) ([]Message, error)
}

type Client struct {
	provider Provider
	interval time.Duration
	timeout  time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(p Provider, interval, timeout time.Duration) *Client {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		provider: p,
		interval: interval,
		timeout:  timeout,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func (c *Client) Provider() string { return c.provider.Name() }

// Launch opens a thread, posts label as the user message and starts a run.
func (c *Client) Launch(ctx context.Context, label string) (Handle, error) {
	h, err := c.launch(ctx, label)
	if err != nil {
		metrics.AssistantLaunches.WithLabelValues("error").Inc()
		return Handle{}, fmt.Errorf("%w: %s: %v", ErrLaunch, c.provider.Name(), err)
	}
	metrics.AssistantLaunches.WithLabelValues("ok").Inc()
	logging.Ctx(ctx).Debug().
		Str("provider", c.provider.Name()).
		Str("thread_id", h.ThreadID).
		Str("run_id", h.RunID).
		Msg("assistant job launched")
	return h, nil
}

func (c *Client) launch(ctx context.Context, label string) (Handle, error) {
	thread, err := c.provider.CreateThread(ctx)
	if err != nil {
		return Handle{}, fmt.Errorf("create thread: %w", err)
	}
	if err := c.provider.AddMessage(ctx, thread, label); err != nil {
		return Handle{}, fmt.Errorf("add message: %w", err)
	}
	run, err := c.provider.CreateRun(ctx, thread)
	if err != nil {
		return Handle{}, fmt.Errorf("create run: %w", err)
	}
	return Handle{ThreadID: thread, RunID: run}, nil
}

// Wait polls h until it completes, fails or the default timeout elapses.
func (c *Client) Wait(ctx context.Context, h Handle) (string, error) {
	return c.Poll(ctx, h, c.now().Add(c.timeout))
}

// Poll checks the run every interval until it completes, fails or deadline
// passes, then returns the cleaned-up first reply.
func (c *Client) Poll(ctx context.Context, h Handle, deadline time.Time) (string, error) {
	text, err := c.poll(ctx, h, deadline)
	metrics.AssistantPolls.WithLabelValues(pollResult(err)).Inc()
	return text, err
}

func (c *Client) poll(ctx context.Context, h Handle, deadline time.Time) (string, error) {
	if h.IsZero() {
		return "", ErrBadHandle
	}
	for {
		st, err := c.provider.RunStatus(ctx, h.ThreadID, h.RunID)
		if err != nil {
			return "", fmt.Errorf("retrieve run %s: %w", h.RunID, err)
		}
		if st == StatusCompleted {
			break
		}
		if st.failed() {
			return "", fmt.Errorf("%w: status %s", ErrRunFailed, st)
		}
		if !c.now().Before(deadline) {
			return "", ErrTimeout
		}
		if err := c.sleep(ctx, c.interval); err != nil {
			return "", err
		}
	}

	msgs, err := c.provider.Messages(ctx, h.ThreadID)
	if err != nil {
		return "", fmt.Errorf("list messages: %w", err)
	}
	text := Reply(msgs)
	if text == "" {
		return "", ErrNoReply
	}
	return text, nil
}

var citation = regexp.MustCompile(`【.*?】`)

// Reply extracts the newest non-empty message when the assistant wrote it.
func Reply(msgs []Message) string {
	for _, m := range msgs {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		if m.Role != "assistant" {
			return ""
		}
		return Clean(m.Text)
	}
	return ""
}

// Clean strips 【…】 citation markers and puts each sentence on its own line.
func Clean(s string) string {
	s = citation.ReplaceAllString(s, "")
	return strings.ReplaceAll(s, ". ", ".\n")
}

func pollResult(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, ErrRunFailed):
		return "failed"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrNoReply):
		return "empty"
	default:
		return "error"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
