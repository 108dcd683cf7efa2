// Package remote calls a detection model served over HTTP.
//
// The service receives the normalized JPEG as multipart field "file" on
// POST <base>/predict and answers
//
//	{"detections":[{"class_id":3,"confidence":0.91,"box":[x1,y1,x2,y2]}]}
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"snapish/api/internal/detect"
	"snapish/api/internal/imaging"
	"snapish/api/internal/logging"
)

type Model struct {
	baseURL string
	httpc   *http.Client
	cb      *gobreaker.CircuitBreaker[[]detect.Candidate]
}

func New(baseURL string, timeout time.Duration) *Model {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	m := &Model{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: timeout},
	}
	m.cb = gobreaker.NewCircuitBreaker[[]detect.Candidate](gobreaker.Settings{
		Name:        "inference",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("inference circuit breaker state changed")
		},
		// a context cancelled by the caller says nothing about the service
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return m
}

func (m *Model) Name() string { return "remote" }

type wireDetection struct {
	ClassID    int        `json:"class_id"`
	Confidence float64    `json:"confidence"`
	Box        [4]float64 `json:"box"`
}

func (m *Model) Infer(ctx context.Context, img *imaging.Image) ([]detect.Candidate, error) {
	return m.cb.Execute(func() ([]detect.Candidate, error) {
		return m.predict(ctx, img.Data, img.Width, img.Height)
	})
}

func (m *Model) predict(ctx context.Context, jpeg []byte, width, height int) ([]detect.Candidate, error) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("file", "image.jpg")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(jpeg); err != nil {
		return nil, fmt.Errorf("copy image data: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/predict", body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := m.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		x, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("inference %d: %s", resp.StatusCode, strings.TrimSpace(string(x)))
	}

	var out struct {
		Detections []wireDetection `json:"detections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	cands := make([]detect.Candidate, 0, len(out.Detections))
	for _, d := range out.Detections {
		c, ok := d.candidate(width, height)
		if !ok {
			logging.Ctx(ctx).Debug().Int("class_id", d.ClassID).Float64("confidence", d.Confidence).
				Floats64("box", d.Box[:]).Msg("dropping invalid detection")
			continue
		}
		cands = append(cands, c)
	}
	return cands, nil
}

// candidate clamps the box to the image when its size is known and rejects
// confidences outside [0,1] and empty boxes.
func (d wireDetection) candidate(width, height int) (detect.Candidate, bool) {
	if math.IsNaN(d.Confidence) || d.Confidence < 0 || d.Confidence > 1 {
		return detect.Candidate{}, false
	}
	b := detect.Box(d.Box)
	for _, v := range b {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return detect.Candidate{}, false
		}
	}
	if width > 0 && height > 0 {
		w, h := float64(width), float64(height)
		b = detect.Box{clamp(b[0], 0, w), clamp(b[1], 0, h), clamp(b[2], 0, w), clamp(b[3], 0, h)}
	}
	if b[0] >= b[2] || b[1] >= b[3] {
		return detect.Candidate{}, false
	}
	return detect.Candidate{ClassID: d.ClassID, Confidence: d.Confidence, Box: b}, true
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

// Health checks GET <base>/health.
func (m *Model) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := m.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference service unhealthy: %d", resp.StatusCode)
	}
	return nil
}
