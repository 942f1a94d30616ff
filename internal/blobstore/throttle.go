package blobstore

import (
	"context"

	"golang.org/x/time/rate"
)

type throttled struct {
	store   Store
	limiter *rate.Limiter
}

// Throttle limits the rate of List and Get calls reaching store. A nil
// limiter returns store unchanged.
func Throttle(store Store, limiter *rate.Limiter) Store {
	if limiter == nil {
		return store
	}
	return &throttled{store: store, limiter: limiter}
}

// NewLimiter returns a token bucket allowing opsPerSecond with a burst of the
// same size, or nil when opsPerSecond is not positive.
func NewLimiter(opsPerSecond float64) *rate.Limiter {
	if opsPerSecond <= 0 {
		return nil
	}
	burst := int(opsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(opsPerSecond), burst)
}

func (t *throttled) List(ctx context.Context, prefix string) ([]string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.store.List(ctx, prefix)
}

func (t *throttled) Get(ctx context.Context, key string) ([]byte, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.store.Get(ctx, key)
}
