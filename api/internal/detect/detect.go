// Package detect wraps the object-detection model behind a confidence filter.
//
// Backends live in subpackages (remote, onnx) and only return raw candidates;
// species naming happens later in package species.
package detect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"snapish/api/internal/imaging"
	"snapish/api/internal/metrics"
)

// DefaultThreshold is the minimum confidence a candidate must exceed.
const DefaultThreshold = 0.5

var ErrInference = errors.New("inference failed")

// Box is [x1, y1, x2, y2] in pixels of the normalized image.
type Box [4]float64

// Candidate is one raw model output before naming.
type Candidate struct {
	ClassID    int
	Confidence float64
	Box        Box
}

// Detection is the enriched, client-facing result stored with a catch.
type Detection struct {
	Label           string  `json:"label"`
	Confidence      float64 `json:"confidence"`
	ProhibitedDates string  `json:"prohibited_dates"`
	BBox            Box     `json:"bbox"`
}

// Model is a detection backend. Implementations must not keep per-call state.
type Model interface {
	Name() string
	Infer(ctx context.Context, img *imaging.Image) ([]Candidate, error)
}

type Outcome int

const (
	OutcomeDetected Outcome = iota
	OutcomeNoDetection
	OutcomeLowConfidence
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDetected:
		return "detected"
	case OutcomeNoDetection:
		return "no_detection"
	case OutcomeLowConfidence:
		return "low_confidence"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result is what survived the threshold, in model order, plus the size of
// the unfiltered output.
type Result struct {
	Candidates []Candidate
	Raw        int
}

func (r Result) Outcome() Outcome {
	switch {
	case len(r.Candidates) > 0:
		return OutcomeDetected
	case r.Raw == 0:
		return OutcomeNoDetection
	default:
		return OutcomeLowConfidence
	}
}

type Detector struct {
	model     Model
	threshold float64
}

func New(model Model, threshold float64) *Detector {
	if threshold < 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Detector{model: model, threshold: threshold}
}

func (d *Detector) Threshold() float64 { return d.threshold }

// Detect runs the model and drops every candidate with confidence <= threshold.
func (d *Detector) Detect(ctx context.Context, img *imaging.Image) (Result, error) {
	start := time.Now()
	raw, err := d.model.Infer(ctx, img)
	metrics.RecordInference(d.model.Name(), time.Since(start), err)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %v", ErrInference, d.model.Name(), err)
	}

	kept := make([]Candidate, 0, len(raw))
	for _, c := range raw {
		if c.Confidence > d.threshold {
			kept = append(kept, c)
		}
	}
	return Result{Candidates: kept, Raw: len(raw)}, nil
}

// HealthChecker is implemented by backends that can report readiness.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Health reports the backend's readiness when it supports a check.
func (d *Detector) Health(ctx context.Context) error {
	if hc, ok := d.model.(HealthChecker); ok {
		return hc.Health(ctx)
	}
	return nil
}
