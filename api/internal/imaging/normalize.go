// Package imaging turns uploaded photos into the bounded JPEG the detector and
// the file store work with.
package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"

	"github.com/nfnt/resize"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrCorruptImage      = errors.New("corrupt image")
)

const (
	DefaultMaxSide = 1024
	DefaultQuality = 85
)

// Image is a normalized photo: opaque RGB, longest side bounded, JPEG encoded.
type Image struct {
	Data   []byte
	Width  int
	Height int
	// Pixels holds the decoded RGB raster that Data encodes.
	Pixels image.Image
}

// Base64 returns Data in standard base64, the inline form used for anonymous responses.
func (im *Image) Base64() string {
	return base64.StdEncoding.EncodeToString(im.Data)
}

type Normalizer struct {
	maxSide int
	quality int
}

func NewNormalizer(maxSide, quality int) *Normalizer {
	if maxSide <= 0 {
		maxSide = DefaultMaxSide
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	return &Normalizer{maxSide: maxSide, quality: quality}
}

// Normalize validates and re-encodes an image. filename may be empty for
// payloads that did not arrive as a named upload; when present its extension
// must be on the allow-list. Running Normalize on its own output keeps the
// dimensions unchanged.
func (n *Normalizer) Normalize(data []byte, filename string) (*Image, error) {
	if filename != "" && !AllowedFilename(filename) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filename)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrCorruptImage)
	}

	var (
		src image.Image
		err error
	)
	switch SniffMIME(data) {
	case MIMEJPEG:
		src, err = jpeg.Decode(bytes.NewReader(data))
	case MIMEPNG:
		src, err = png.Decode(bytes.NewReader(data))
	default:
		return nil, ErrUnsupportedFormat
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptImage, err)
	}

	b := src.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("%w: zero-sized image", ErrCorruptImage)
	}

	var out image.Image = toRGB(src)
	out = resize.Thumbnail(uint(n.maxSide), uint(n.maxSide), out, resize.Lanczos3)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: n.quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	ob := out.Bounds()
	return &Image{
		Data:   buf.Bytes(),
		Width:  ob.Dx(),
		Height: ob.Dy(),
		Pixels: out,
	}, nil
}

// toRGB flattens any transparency onto white and returns an opaque raster at origin.
func toRGB(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	return dst
}
