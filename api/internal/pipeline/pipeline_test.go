package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"reflect"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"snapish/api/internal/assistant"
	"snapish/api/internal/catch"
	"snapish/api/internal/detect"
	"snapish/api/internal/filestore"
	"snapish/api/internal/imaging"
	"snapish/api/internal/store"
)

type stubModel struct {
	cands []detect.Candidate
	err   error
	calls atomic.Int32
}

func (m *stubModel) Name() string { return "stub" }

func (m *stubModel) Infer(context.Context, *imaging.Image) ([]detect.Candidate, error) {
	m.calls.Add(1)
	return m.cands, m.err
}

type stubLauncher struct {
	delay time.Duration
	err   error
	calls atomic.Int32
	label atomic.Value
}

func (l *stubLauncher) Launch(ctx context.Context, label string) (assistant.Handle, error) {
	l.calls.Add(1)
	l.label.Store(label)
	if l.delay > 0 {
		select {
		case <-time.After(l.delay):
		case <-ctx.Done():
			return assistant.Handle{}, ctx.Err()
		}
	}
	if l.err != nil {
		return assistant.Handle{}, l.err
	}
	return assistant.Handle{ThreadID: "thread_1", RunID: "run_1"}, nil
}

type fixture struct {
	svc      *Service
	model    *stubModel
	launcher *stubLauncher
	repo     *store.CatchRepo
}

func newFixture(t *testing.T, cands []detect.Candidate, l *stubLauncher) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, store.SQLite, filepath.Join(t.TempDir(), "catches.db"), store.PoolConfig{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.Migrate(ctx, db, store.SQLite); err != nil {
		t.Fatal(err)
	}
	files, err := filestore.NewDisk(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	repo := store.NewCatchRepo(db, store.SQLite)
	model := &stubModel{cands: cands}
	svc := New(
		imaging.NewNormalizer(imaging.DefaultMaxSide, imaging.DefaultQuality),
		detect.New(model, detect.DefaultThreshold),
		catch.NewResolver(repo, files),
		l,
		Options{LaunchTimeout: time.Second, LaunchWait: time.Second},
	)
	return &fixture{svc: svc, model: model, launcher: l, repo: repo}
}

func photo(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: 90, B: uint8(y * 5), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestKnownSpeciesAuthenticatedCreatesRecord(t *testing.T) {
	cands := []detect.Candidate{
		{ClassID: 11, Confidence: 0.62, Box: detect.Box{1, 1, 20, 20}},
		{ClassID: 0, Confidence: 0.91, Box: detect.Box{5, 5, 40, 30}},
		{ClassID: 3, Confidence: 0.31},
	}
	f := newFixture(t, cands, &stubLauncher{})
	ctx := context.Background()

	out, err := f.svc.Run(ctx, Input{Image: photo(t), Filename: "catch.png", UserID: 7})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Outcome != detect.OutcomeDetected {
		t.Errorf("Outcome = %v", out.Outcome)
	}
	if len(out.Detections) != 2 {
		t.Fatalf("Detections = %+v, want 2 above threshold", out.Detections)
	}
	top := out.Detections[0]
	if top.Label != "감성돔" || top.ProhibitedDates != "05.01~05.31" {
		t.Errorf("top detection = %+v", top)
	}
	if out.Resolution == nil || out.Resolution.RecordID <= 0 || out.Resolution.ImageRef == "" {
		t.Fatalf("Resolution = %+v", out.Resolution)
	}
	if out.Assistant == nil || *out.Assistant != (assistant.Handle{ThreadID: "thread_1", RunID: "run_1"}) {
		t.Errorf("Assistant = %v", out.Assistant)
	}
	if got, _ := f.launcher.label.Load().(string); got != "감성돔" {
		t.Errorf("launched with %q, want top label", got)
	}

	list, err := f.repo.List(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != out.Resolution.RecordID {
		t.Fatalf("List() = %+v, want exactly the new record", list)
	}
	if !reflect.DeepEqual(list[0].Detections, out.Detections) {
		t.Errorf("stored detections = %+v, want %+v", list[0].Detections, out.Detections)
	}
}

func TestEmptyOutcomes(t *testing.T) {
	tests := []struct {
		name  string
		cands []detect.Candidate
		want  detect.Outcome
	}{
		{"no detection", nil, detect.OutcomeNoDetection},
		{"low confidence", []detect.Candidate{{ClassID: 0, Confidence: 0.5}, {ClassID: 1, Confidence: 0.2}}, detect.OutcomeLowConfidence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.cands, &stubLauncher{})
			out, err := f.svc.Run(context.Background(), Input{Image: photo(t), UserID: 7})
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if out.Outcome != tt.want {
				t.Errorf("Outcome = %v, want %v", out.Outcome, tt.want)
			}
			if len(out.Detections) != 0 || out.Resolution != nil || out.Assistant != nil {
				t.Errorf("Run() = %+v, want empty result", out)
			}
			if n := f.launcher.calls.Load(); n != 0 {
				t.Errorf("launcher called %d times", n)
			}
			list, _ := f.repo.List(context.Background(), 7)
			if len(list) != 0 {
				t.Errorf("%d records persisted", len(list))
			}
		})
	}
}

func TestAnonymousKeepsNothing(t *testing.T) {
	f := newFixture(t, []detect.Candidate{{ClassID: 11, Confidence: 0.8}}, &stubLauncher{})
	out, err := f.svc.Run(context.Background(), Input{Image: photo(t), RecordRef: "3"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Resolution.Plan.Kind != catch.Anonymous || out.Resolution.ImageBase64 == "" || out.Resolution.RecordID != 0 {
		t.Errorf("Resolution = %+v", out.Resolution)
	}
	if out.Assistant == nil {
		t.Error("anonymous result should still report the assistant handle")
	}
}

func TestLaunchFailureIsSwallowed(t *testing.T) {
	for _, ref := range []string{"", "existing"} {
		f := newFixture(t, []detect.Candidate{{ClassID: 0, Confidence: 0.9}}, &stubLauncher{err: errors.New("assistant down")})
		ctx := context.Background()
		if ref == "existing" {
			id, err := f.repo.Create(ctx, &store.Catch{UserID: 7, ImageRef: "old.jpg"})
			if err != nil {
				t.Fatal(err)
			}
			ref = itoa(id)
		}
		out, err := f.svc.Run(ctx, Input{Image: photo(t), UserID: 7, RecordRef: ref})
		if err != nil {
			t.Fatalf("Run(ref=%q) error = %v", ref, err)
		}
		if out.Resolution == nil || out.Resolution.RecordID <= 0 {
			t.Errorf("Run(ref=%q) Resolution = %+v", ref, out.Resolution)
		}
		if out.Assistant != nil {
			t.Errorf("Run(ref=%q) Assistant = %v, want nil", ref, out.Assistant)
		}
	}
}

func TestSlowLaunchDoesNotHoldResponse(t *testing.T) {
	f := newFixture(t, []detect.Candidate{{ClassID: 0, Confidence: 0.9}}, &stubLauncher{delay: 500 * time.Millisecond})
	f.svc.opts.LaunchWait = 10 * time.Millisecond

	start := time.Now()
	out, err := f.svc.Run(context.Background(), Input{Image: photo(t), UserID: 7})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 400*time.Millisecond {
		t.Errorf("Run() took %v, waited on the launch", elapsed)
	}
	if out.Assistant != nil || out.Resolution == nil {
		t.Errorf("Run() = %+v", out)
	}
}

func TestInputErrorsShortCircuit(t *testing.T) {
	tests := []struct {
		name string
		in   Input
		want error
	}{
		{"gif extension", Input{Image: []byte("GIF89a"), Filename: "x.gif", UserID: 7}, imaging.ErrUnsupportedFormat},
		{"unknown bytes", Input{Image: []byte("hello world")}, imaging.ErrUnsupportedFormat},
		{"truncated png", Input{Image: []byte("\x89PNG\r\n\x1a\n\x00"), Filename: "x.png"}, imaging.ErrCorruptImage},
		{"empty payload before ref check", Input{Image: nil, UserID: 7, RecordRef: "abc"}, imaging.ErrCorruptImage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, []detect.Candidate{{ClassID: 0, Confidence: 0.9}}, &stubLauncher{})
			_, err := f.svc.Run(context.Background(), tt.in)
			if !errors.Is(err, tt.want) {
				t.Errorf("Run() error = %v, want %v", err, tt.want)
			}
			if n := f.model.calls.Load(); n != 0 {
				t.Errorf("model called %d times", n)
			}
		})
	}
}

func TestBadRecordRef(t *testing.T) {
	f := newFixture(t, []detect.Candidate{{ClassID: 0, Confidence: 0.9}}, &stubLauncher{})
	ctx := context.Background()

	_, err := f.svc.Run(ctx, Input{Image: photo(t), UserID: 7, RecordRef: "abc"})
	if !errors.Is(err, catch.ErrRecordNotFound) {
		t.Errorf("Run(abc) error = %v, want ErrRecordNotFound", err)
	}
	if n := f.model.calls.Load(); n != 0 {
		t.Errorf("model called %d times for malformed ref", n)
	}

	other, _ := f.repo.Create(ctx, &store.Catch{UserID: 8, ImageRef: "theirs.jpg"})
	_, err = f.svc.Run(ctx, Input{Image: photo(t), UserID: 7, RecordRef: itoa(other)})
	if !errors.Is(err, catch.ErrRecordNotFound) {
		t.Errorf("Run(other user's record) error = %v, want ErrRecordNotFound", err)
	}
}

func TestDetectorFailure(t *testing.T) {
	f := newFixture(t, nil, &stubLauncher{})
	f.model.err = errors.New("connection refused")
	_, err := f.svc.Run(context.Background(), Input{Image: photo(t)})
	if !errors.Is(err, detect.ErrInference) {
		t.Errorf("Run() error = %v, want ErrInference", err)
	}
}

func TestNilLauncher(t *testing.T) {
	f := newFixture(t, []detect.Candidate{{ClassID: 0, Confidence: 0.9}}, &stubLauncher{})
	f.svc.launcher = nil
	out, err := f.svc.Run(context.Background(), Input{Image: photo(t)})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Assistant != nil {
		t.Errorf("Assistant = %v, want nil", out.Assistant)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
