// Package faceauth turns pairwise face similarity scores into match
// decisions, confidence bands and per-user verification verdicts.
package faceauth

import (
	"context"
	"strings"
)

// Image is an opaque picture payload with an optional source label
// (filename or index) used in logs and results.
type Image struct {
	Data   []byte
	Source string
}

// Vector is an embedding produced by a Provider.
type Vector []float32

// Provider is the embedding capability shared by all requests. Implementations
// must be safe for concurrent use and must not be mutated by callers.
type Provider interface {
	Embed(ctx context.Context, img Image) (Vector, error)
	Similarity(a, b Vector) (float64, error)
}

// ConfidenceBand is a coarse signal of how far a score lies from the threshold.
type ConfidenceBand int

const (
	ConfidenceLow ConfidenceBand = iota
	ConfidenceMedium
	ConfidenceHigh
)

func (b ConfidenceBand) String() string {
	switch b {
	case ConfidenceHigh:
		return "high"
	case ConfidenceMedium:
		return "medium"
	default:
		return "low"
	}
}

// MarshalText renders the band as its lowercase name.
func (b ConfidenceBand) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// MatchResult is the outcome of one pairwise comparison.
type MatchResult struct {
	Score      float64
	Threshold  float64
	IsMatch    bool
	Confidence ConfidenceBand
}

// Reference is one downloaded reference image.
type Reference struct {
	Filename string
	Image    Image
}

// ReferenceSet is the deterministic, bounded collection of a user's enrolled
// images. Items are in lexicographic filename order.
type ReferenceSet struct {
	Items           []Reference
	TotalDiscovered int
	UsedFilenames   []string
}

// Len returns the number of usable references.
func (s *ReferenceSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Items)
}

// ImagePair is a single input of a comparison batch.
type ImagePair struct {
	A Image
	B Image
}

// PassPolicy decides the overall verdict from per-candidate outcomes.
type PassPolicy string

const (
	// PassAnyMatch passes when at least one candidate matched.
	PassAnyMatch PassPolicy = "any"
	// PassAllMatch passes only when every candidate matched.
	PassAllMatch PassPolicy = "all"
)

// ParsePassPolicy maps a configuration string onto a PassPolicy.
func ParsePassPolicy(value string) (PassPolicy, bool) {
	switch PassPolicy(strings.ToLower(strings.TrimSpace(value))) {
	case "", PassAnyMatch:
		return PassAnyMatch, true
	case PassAllMatch:
		return PassAllMatch, true
	default:
		return "", false
	}
}

// Passed applies the policy to the matched and total candidate counts.
func (p PassPolicy) Passed(matched, total int) bool {
	if p == PassAllMatch {
		return total > 0 && matched == total
	}
	return matched > 0
}

// TieBreak picks which reference wins when several share the best score.
type TieBreak string

const (
	// TieBreakFirst keeps the first best reference in sorted order.
	TieBreakFirst TieBreak = "first"
	// TieBreakLast keeps the last best reference in sorted order.
	TieBreakLast TieBreak = "last"
)

// VerificationRequest asks whether the candidate images belong to UserID.
type VerificationRequest struct {
	UserID            string
	Candidates        []Image
	Threshold         float64
	MinReferenceCount int
	MaxReferenceCount int
}

// ReferenceMatch is one cell of the candidate × reference cross product.
// Exactly one of Result and Err is set.
type ReferenceMatch struct {
	Reference string
	Result    *MatchResult
	Err       error
}

// CandidateResult aggregates one candidate's comparisons.
type CandidateResult struct {
	Source        string
	HasMatch      bool
	BestScore     float64
	BestReference string
	Matches       []ReferenceMatch
}

// VerificationResult is the per-user verdict.
type VerificationResult struct {
	UserID                string
	Candidates            []CandidateResult
	MatchedCandidateCount int
	TotalCandidateCount   int
	MatchPercentage       float64
	ReferenceSetSize      int
	ReferencesDiscovered  int
	ReferenceFilenames    []string
	Passed                bool
	Policy                PassPolicy
	// Incomplete is set when the request deadline expired before every
	// comparison ran.
	Incomplete bool
}
