package embedding

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/example/face-verify/internal/faceauth"
)

type limited struct {
	Provider
	sem *semaphore.Weighted
}

// Limit bounds the number of concurrent Embed calls reaching p across all
// requests. n < 1 returns p unchanged.
func Limit(p Provider, n int64) Provider {
	if n < 1 {
		return p
	}
	return &limited{Provider: p, sem: semaphore.NewWeighted(n)}
}

func (l *limited) Embed(ctx context.Context, img faceauth.Image) (faceauth.Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	return l.Provider.Embed(ctx, img)
}
