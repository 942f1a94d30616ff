// Package embedding adapts embedding model backends to the faceauth.Provider
// capability and layers concurrency limits and caching on top of them.
package embedding

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/example/face-verify/internal/faceauth"
)

// ModelInfo describes the loaded model.
type ModelInfo struct {
	Loaded          bool
	ModelType       string
	Device          string
	TotalParameters int64
	EmbeddingSize   int
	ClassNames      []string
	Metric          Metric
}

// Provider is a faceauth.Provider that can also describe its model.
type Provider interface {
	faceauth.Provider
	Info(ctx context.Context) (ModelInfo, error)
}

// EncodeVector encodes v as little-endian IEEE 754 float32 values.
func EncodeVector(v faceauth.Vector) []byte {
	b := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b
}

// DecodeVector decodes a blob produced by EncodeVector.
func DecodeVector(b []byte) (faceauth.Vector, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("embedding: empty vector blob")
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding: invalid vector blob length %d (not multiple of 4)", len(b))
	}
	v := make(faceauth.Vector, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
