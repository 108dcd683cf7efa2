// Package onnx runs a YOLOv8-style detector in process through onnxruntime.
package onnx

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/nfnt/resize"
	ort "github.com/yalue/onnxruntime_go"

	"snapish/api/internal/detect"
	"snapish/api/internal/imaging"
)

type Config struct {
	ModelPath   string
	LibraryPath string // onnxruntime shared library; empty uses the platform default
	InputSize   int
	InputName   string
	OutputName  string
	NumClasses  int
	// Floor drops candidates the model itself is unsure about. It must stay
	// below the detector threshold so low-confidence results stay visible.
	Floor float64
	IoU   float64
}

type Model struct {
	cfg     Config
	anchors int

	mu      sync.Mutex // the session is bound to one input/output pair
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func New(cfg Config) (*Model, error) {
	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("init onnxruntime: %w", err)
	}

	size := int64(cfg.InputSize)
	anchors := anchorCount(cfg.InputSize)

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size))
	if err != nil {
		return nil, fmt.Errorf("input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(4+cfg.NumClasses), int64(anchors)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("output tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{cfg.InputName}, []string{cfg.OutputName},
		[]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output},
		nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("create session: %w", err)
	}

	return &Model{cfg: cfg, anchors: anchors, session: session, input: input, output: output}, nil
}

func (m *Model) Name() string { return "onnx" }

func (m *Model) Infer(ctx context.Context, img *imaging.Image) ([]detect.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src := img.Pixels
	if src == nil {
		return nil, fmt.Errorf("image has no decoded pixels")
	}
	b := src.Bounds()
	size := m.cfg.InputSize

	m.mu.Lock()
	defer m.mu.Unlock()

	fillCHW(m.input.GetData(), resize.Resize(uint(size), uint(size), src, resize.Lanczos3), size)
	if err := m.session.Run(); err != nil {
		return nil, fmt.Errorf("run session: %w", err)
	}

	cands := decode(m.output.GetData(), m.cfg.NumClasses, m.anchors, m.cfg.Floor)
	cands = nms(cands, m.cfg.IoU)
	scaleBoxes(cands, float64(b.Dx())/float64(size), float64(b.Dy())/float64(size), float64(b.Dx()), float64(b.Dy()))
	return cands, nil
}

func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session.Destroy()
	m.input.Destroy()
	m.output.Destroy()
	return ort.DestroyEnvironment()
}

// anchorCount is the number of prediction cells over the stride 8/16/32 heads.
func anchorCount(size int) int {
	n := 0
	for _, s := range []int{8, 16, 32} {
		n += (size / s) * (size / s)
	}
	return n
}

// fillCHW writes the RGB planes of img into dst scaled to [0,1].
func fillCHW(dst []float32, img image.Image, size int) {
	plane := size * size
	b := img.Bounds()
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := y*size + x
			dst[i] = float32(r) / 65535
			dst[plane+i] = float32(g) / 65535
			dst[2*plane+i] = float32(bl) / 65535
		}
	}
}
