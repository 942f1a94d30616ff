// Package imageprocessor decodes uploaded pictures and normalises them into
// the fixed-size RGB input expected by the embedding model.
package imageprocessor

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // Register WebP decoder
)

// DefaultInputSize is the square edge length the model is trained on.
const DefaultInputSize = 160

// ErrUndecodable is returned for payloads that are not a supported picture.
var ErrUndecodable = errors.New("image could not be decoded")

// Info describes a decoded picture.
type Info struct {
	Format string
	Width  int
	Height int
}

// Inspect reads only the header of data.
func Inspect(data []byte) (Info, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	return Info{Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}

// Decode decodes data, applying the EXIF orientation when present.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrUndecodable)
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if b := img.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("%w: zero-sized image", ErrUndecodable)
	}
	return img, nil
}

// Preprocessor resizes pictures to a square model input.
type Preprocessor struct {
	Size int
}

// New returns a Preprocessor for size×size inputs. Non-positive sizes use
// DefaultInputSize.
func New(size int) *Preprocessor {
	if size <= 0 {
		size = DefaultInputSize
	}
	return &Preprocessor{Size: size}
}

// Normalize decodes data, converts it to RGB, stretches it to Size×Size with
// a Lanczos filter and re-encodes it as PNG.
func (p *Preprocessor) Normalize(data []byte) ([]byte, error) {
	img, err := Decode(data)
	if err != nil {
		return nil, err
	}

	resized := imaging.Resize(img, p.Size, p.Size, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode normalized image: %w", err)
	}
	return buf.Bytes(), nil
}
