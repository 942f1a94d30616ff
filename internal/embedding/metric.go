package embedding

import (
	"fmt"
	"math"
	"strings"

	"github.com/example/face-verify/internal/faceauth"
)

// Metric turns two embeddings into a similarity score where higher means more
// alike. The score scale, and therefore the threshold scale, depends on the
// metric.
type Metric string

const (
	// MetricCosine scores with cosine similarity in [-1, 1].
	MetricCosine Metric = "cosine"
	// MetricEuclidean scores with 1/(1+L2 distance) in (0, 1].
	MetricEuclidean Metric = "euclidean"
)

// Default decision thresholds per metric family.
const (
	DefaultCosineThreshold    = 0.6
	DefaultEuclideanThreshold = 0.5
)

// ParseMetric maps a configuration value onto a Metric.
func ParseMetric(value string) (Metric, error) {
	switch m := Metric(strings.ToLower(strings.TrimSpace(value))); m {
	case "", MetricCosine:
		return MetricCosine, nil
	case MetricEuclidean, "l2":
		return MetricEuclidean, nil
	default:
		return "", fmt.Errorf("embedding: unknown metric %q", value)
	}
}

// DefaultThreshold returns the documented default threshold for the metric.
func (m Metric) DefaultThreshold() float64 {
	if m == MetricEuclidean {
		return DefaultEuclideanThreshold
	}
	return DefaultCosineThreshold
}

// Similarity scores a and b. Vectors must be non-empty and of equal length.
func (m Metric) Similarity(a, b faceauth.Vector) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("embedding: dimension mismatch: %d vs %d", len(a), len(b))
	}
	if len(a) == 0 {
		return 0, fmt.Errorf("embedding: empty vectors")
	}

	switch m {
	case MetricEuclidean:
		var sum float64
		for i := range a {
			d := float64(a[i]) - float64(b[i])
			sum += d * d
		}
		return 1 / (1 + math.Sqrt(sum)), nil
	default:
		var dot, na2, nb2 float64
		for i := range a {
			va, vb := float64(a[i]), float64(b[i])
			dot += va * vb
			na2 += va * va
			nb2 += vb * vb
		}
		if na2 == 0 || nb2 == 0 {
			return 0, fmt.Errorf("embedding: cosine similarity with zero-magnitude vector")
		}
		return dot / (math.Sqrt(na2) * math.Sqrt(nb2)), nil
	}
}
