package faceauth

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DefaultWorkers bounds in-request parallelism when none is configured.
const DefaultWorkers = 4

// forEach calls run(i) for every i in [0, n) on at most limit goroutines.
// Indices that have not started when ctx is done are handed to skip instead.
// Callers write into pre-allocated slots so completion order never matters.
func forEach(ctx context.Context, n, limit int, run func(i int), skip func(i int, err error)) {
	if limit < 1 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)

	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			skip(i, err)
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				skip(i, err)
				return nil
			}
			run(i)
			return nil
		})
	}
	_ = g.Wait()
}
