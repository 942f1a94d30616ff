package faceauth

import (
	"context"

	"go.uber.org/zap"
)

// BatchItem is the outcome at one batch position. Exactly one of Result and
// Err is set.
type BatchItem struct {
	Index  int
	Result *MatchResult
	Err    error
}

// BatchResult holds one item per input pair, in input order.
type BatchResult struct {
	Items      []BatchItem
	Threshold  float64
	Incomplete bool
}

// SuccessfulCount returns the number of pairs that produced a result.
func (r BatchResult) SuccessfulCount() int {
	n := 0
	for _, item := range r.Items {
		if item.Result != nil {
			n++
		}
	}
	return n
}

// Matches projects the batch onto booleans; failed positions are false.
func (r BatchResult) Matches() []bool {
	matches := make([]bool, len(r.Items))
	for i, item := range r.Items {
		matches[i] = item.Result != nil && item.Result.IsMatch
	}
	return matches
}

// Err returns a request-level error only when a non-empty batch produced no
// result at all.
func (r BatchResult) Err() error {
	if len(r.Items) == 0 || r.SuccessfulCount() > 0 {
		return nil
	}
	errs := make([]error, len(r.Items))
	for i, item := range r.Items {
		errs[i] = item.Err
	}
	return allFailed(requestCause(errs))
}

// Comparator evaluates independent image pairs with per-item failure isolation.
type Comparator struct {
	matcher *Matcher
	workers int
	logger  *zap.Logger
}

// NewComparator builds a Comparator running at most workers pairs at once.
func NewComparator(matcher *Matcher, workers int, logger *zap.Logger) *Comparator {
	if workers < 1 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Comparator{matcher: matcher, workers: workers, logger: logger.Named("batch_comparator")}
}

// CompareBatch matches every pair. A failure at position i is recorded at i
// and never prevents the other positions from being evaluated. The output has
// the same length and order as pairs.
func (c *Comparator) CompareBatch(ctx context.Context, pairs []ImagePair, threshold float64) BatchResult {
	result := BatchResult{Items: make([]BatchItem, len(pairs)), Threshold: threshold}

	forEach(ctx, len(pairs), c.workers,
		func(i int) {
			item := BatchItem{Index: i}
			match, err := c.matcher.Match(ctx, pairs[i].A, pairs[i].B, threshold)
			if err != nil {
				item.Err = err
				c.logger.Warn("pair comparison failed", zap.Int("pair_index", i), zap.Error(err))
			} else {
				item.Result = &match
			}
			result.Items[i] = item
		},
		func(i int, err error) {
			result.Items[i] = BatchItem{Index: i, Err: err}
		},
	)

	// Only the request context decides completeness; a per-call timeout
	// reported by the provider is an ordinary item failure.
	if ctx.Err() != nil && result.SuccessfulCount() < len(result.Items) {
		result.Incomplete = true
	}
	return result
}
