package handle

import (
	"context"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"snapish/api/internal/assistant"
	"snapish/api/internal/pipeline"
	"snapish/api/internal/store"
)

type Predictor interface {
	Run(ctx context.Context, in pipeline.Input) (*pipeline.Output, error)
}

type Poller interface {
	Wait(ctx context.Context, h assistant.Handle) (string, error)
}

type CatchStore interface {
	List(ctx context.Context, userID int64) ([]store.Catch, error)
	Get(ctx context.Context, id, userID int64) (*store.Catch, error)
	Create(ctx context.Context, c *store.Catch) (int64, error)
	UpdateDetails(ctx context.Context, id, userID int64, d store.Details) (*store.Catch, error)
	Delete(ctx context.Context, id, userID int64) error
	FindByImage(ctx context.Context, userID int64, imageRef string) (*store.Catch, error)
}

// Check is a named readiness probe for /healthz.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

type Deps struct {
	Pipeline  Predictor
	Assistant Poller // nil disables the chat endpoint
	Catches   CatchStore
	Checks    []Check

	PublicURL      string
	MaxUploadBytes int64
}

type Handle struct {
	pipeline  Predictor
	assistant Poller
	catches   CatchStore
	checks    []Check

	publicURL string
	maxUpload int64
}

func New(d Deps) *Handle {
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = 16 << 20
	}
	return &Handle{
		pipeline:  d.Pipeline,
		assistant: d.Assistant,
		catches:   d.Catches,
		checks:    d.Checks,
		publicURL: strings.TrimRight(d.PublicURL, "/"),
		maxUpload: d.MaxUploadBytes,
	}
}

// imageURL is the client-facing form of a stored file reference. Without a
// public base URL the bare reference is returned.
func (h *Handle) imageURL(ref string) string {
	if ref == "" || h.publicURL == "" {
		return ref
	}
	return h.publicURL + "/uploads/" + ref
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
