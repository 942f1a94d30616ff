package faceauth

import (
	"context"
	"errors"
	"math"
)

var errInvalidScore = errors.New("similarity is not a finite number")

// Default confidence breakpoints on |score - threshold|.
const (
	DefaultMediumConfidenceDistance = 0.1
	DefaultHighConfidenceDistance   = 0.3
)

// ConfidenceBands holds the breakpoints used to classify a score.
type ConfidenceBands struct {
	Medium float64
	High   float64
}

// DefaultConfidenceBands returns the 0.1 / 0.3 breakpoints.
func DefaultConfidenceBands() ConfidenceBands {
	return ConfidenceBands{Medium: DefaultMediumConfidenceDistance, High: DefaultHighConfidenceDistance}
}

// Classify returns the band for a score relative to threshold.
// distance > High is high, Medium < distance <= High is medium, anything
// closer is low.
func (b ConfidenceBands) Classify(score, threshold float64) ConfidenceBand {
	distance := math.Abs(score - threshold)
	switch {
	case distance > b.High:
		return ConfidenceHigh
	case distance > b.Medium:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// Decide builds a MatchResult from a score. A score equal to the threshold is
// not a match.
func (b ConfidenceBands) Decide(score, threshold float64) MatchResult {
	return MatchResult{
		Score:      score,
		Threshold:  threshold,
		IsMatch:    score > threshold,
		Confidence: b.Classify(score, threshold),
	}
}

// Matcher compares two images through the embedding provider.
type Matcher struct {
	provider Provider
	bands    ConfidenceBands
}

// NewMatcher builds a Matcher with the default confidence bands.
func NewMatcher(provider Provider) *Matcher {
	return &Matcher{provider: provider, bands: DefaultConfidenceBands()}
}

// WithBands returns a copy of the matcher using the given breakpoints.
func (m *Matcher) WithBands(bands ConfidenceBands) *Matcher {
	return &Matcher{provider: m.provider, bands: bands}
}

// Match embeds both images and decides whether they show the same person.
// Any embedding or scoring failure yields an *EmbeddingError and no result.
func (m *Matcher) Match(ctx context.Context, a, b Image, threshold float64) (MatchResult, error) {
	va, err := m.embed(ctx, "a", a)
	if err != nil {
		return MatchResult{}, err
	}
	vb, err := m.embed(ctx, "b", b)
	if err != nil {
		return MatchResult{}, err
	}
	return m.score(va, vb, threshold)
}

func (m *Matcher) embed(ctx context.Context, side string, img Image) (Vector, error) {
	if m == nil || m.provider == nil {
		return nil, &EmbeddingError{Side: side, Source: img.Source, Err: ErrProviderUnavailable}
	}
	if err := ctx.Err(); err != nil {
		return nil, &EmbeddingError{Side: side, Source: img.Source, Err: err}
	}
	v, err := m.provider.Embed(ctx, img)
	if err != nil {
		return nil, &EmbeddingError{Side: side, Source: img.Source, Err: err}
	}
	return v, nil
}

// score decides a pair from vectors that were already embedded.
func (m *Matcher) score(va, vb Vector, threshold float64) (MatchResult, error) {
	score, err := m.provider.Similarity(va, vb)
	if err != nil {
		return MatchResult{}, &EmbeddingError{Side: "score", Err: err}
	}
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return MatchResult{}, &EmbeddingError{Side: "score", Err: errInvalidScore}
	}
	return m.bands.Decide(score, threshold), nil
}
