// Package pipeline runs one detection request end to end: normalize, detect,
// enrich, persist according to the caller's identity, and start the
// assistant guide for the top species.
package pipeline

import (
	"context"
	"time"

	"snapish/api/internal/assistant"
	"snapish/api/internal/catch"
	"snapish/api/internal/detect"
	"snapish/api/internal/imaging"
	"snapish/api/internal/logging"
	"snapish/api/internal/metrics"
	"snapish/api/internal/species"
)

type Normalizer interface {
	Normalize(data []byte, filename string) (*imaging.Image, error)
}

type Detector interface {
	Detect(ctx context.Context, img *imaging.Image) (detect.Result, error)
}

type Resolver interface {
	Resolve(ctx context.Context, plan catch.Plan, img *imaging.Image, dets []detect.Detection) (*catch.Resolution, error)
}

type Launcher interface {
	Launch(ctx context.Context, label string) (assistant.Handle, error)
}

type Options struct {
	// LaunchTimeout bounds the assistant launch itself.
	LaunchTimeout time.Duration
	// LaunchWait is how long Run waits for the handle after persistence
	// finished. A launch still pending then is left to finish on its own
	// and its handle is not reported.
	LaunchWait time.Duration
}

// Input is one upload. UserID <= 0 means the caller is anonymous.
type Input struct {
	Image     []byte
	Filename  string
	UserID    int64
	RecordRef string
}

type Output struct {
	Outcome    detect.Outcome
	Detections []detect.Detection
	// Resolution is nil when nothing was detected.
	Resolution *catch.Resolution
	// Assistant is nil when no job was launched or the launch failed.
	Assistant *assistant.Handle
}

type Service struct {
	norm     Normalizer
	det      Detector
	res      Resolver
	launcher Launcher
	opts     Options
}

// New builds the service. launcher may be nil to disable assistant jobs.
func New(n Normalizer, d Detector, r Resolver, l Launcher, opts Options) *Service {
	if opts.LaunchTimeout <= 0 {
		opts.LaunchTimeout = 20 * time.Second
	}
	return &Service{norm: n, det: d, res: r, launcher: l, opts: opts}
}

// Run returns the detections with the resolution and assistant handle.
// Input errors (imaging.ErrUnsupportedFormat, imaging.ErrCorruptImage,
// catch.ErrRecordNotFound for a malformed ref) are returned before the model
// runs; an empty result is an Output with no Resolution, not an error.
func (s *Service) Run(ctx context.Context, in Input) (*Output, error) {
	log := logging.Ctx(ctx)

	img, err := s.norm.Normalize(in.Image, in.Filename)
	if err != nil {
		return nil, err
	}
	plan, err := catch.Decide(in.UserID, in.RecordRef)
	if err != nil {
		return nil, err
	}

	res, err := s.det.Detect(ctx, img)
	if err != nil {
		return nil, err
	}
	out := &Output{
		Outcome:    res.Outcome(),
		Detections: species.Enrich(res.Candidates),
	}
	if out.Outcome != detect.OutcomeDetected {
		metrics.PredictionsTotal.WithLabelValues(out.Outcome.String(), plan.Kind.String()).Inc()
		log.Info().Str("outcome", out.Outcome.String()).Int("raw", res.Raw).Msg("nothing to report")
		return out, nil
	}

	launched := s.launch(ctx, out.Detections[0].Label)

	resolution, err := s.res.Resolve(ctx, plan, img, out.Detections)
	if err != nil {
		return nil, err
	}
	out.Resolution = resolution
	out.Assistant = s.await(ctx, launched)

	metrics.PredictionsTotal.WithLabelValues(out.Outcome.String(), plan.Kind.String()).Inc()
	log.Info().
		Str("plan", plan.Kind.String()).
		Str("top", out.Detections[0].Label).
		Float64("confidence", out.Detections[0].Confidence).
		Int("detections", len(out.Detections)).
		Int64("catch_id", resolution.RecordID).
		Bool("assistant", out.Assistant != nil).
		Msg("prediction complete")
	return out, nil
}

// launch starts the assistant job in the background. The job outlives ctx
// so a client disconnect does not abort it half-created.
func (s *Service) launch(ctx context.Context, label string) <-chan *assistant.Handle {
	if s.launcher == nil {
		return nil
	}
	ch := make(chan *assistant.Handle, 1)
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.LaunchTimeout)
	go func() {
		defer cancel()
		h, err := s.launcher.Launch(lctx, label)
		if err != nil {
			logging.Ctx(lctx).Warn().Err(err).Str("label", label).Msg("assistant launch failed")
			ch <- nil
			return
		}
		ch <- &h
	}()
	return ch
}

func (s *Service) await(ctx context.Context, ch <-chan *assistant.Handle) *assistant.Handle {
	if ch == nil {
		return nil
	}
	select {
	case h := <-ch:
		return h
	default:
	}
	if s.opts.LaunchWait <= 0 {
		metrics.AssistantLaunches.WithLabelValues("late").Inc()
		return nil
	}
	t := time.NewTimer(s.opts.LaunchWait)
	defer t.Stop()
	select {
	case h := <-ch:
		return h
	case <-t.C:
		metrics.AssistantLaunches.WithLabelValues("late").Inc()
		logging.Ctx(ctx).Warn().Dur("waited", s.opts.LaunchWait).Msg("assistant launch still pending, handle omitted")
		return nil
	case <-ctx.Done():
		return nil
	}
}
