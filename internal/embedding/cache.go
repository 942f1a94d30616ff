package embedding

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-verify/internal/cache"
	"github.com/example/face-verify/internal/faceauth"
)

type cached struct {
	Provider
	store  cache.Cache
	ttl    time.Duration
	model  string
	logger *zap.Logger
}

// Cached memoises embeddings by the SHA-1 of the image payload. The key also
// carries model so that switching models never serves stale vectors. Cache
// failures are logged and fall through to p.
func Cached(p Provider, store cache.Cache, model string, ttl time.Duration, logger *zap.Logger) Provider {
	if store == nil {
		return p
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &cached{Provider: p, store: store, ttl: ttl, model: model, logger: logger.Named("embedding_cache")}
}

// CacheKey returns the cache key of data under model.
func CacheKey(model string, data []byte) string {
	sum := sha1.Sum(data)
	return "embedding:" + model + ":" + hex.EncodeToString(sum[:])
}

func (c *cached) Embed(ctx context.Context, img faceauth.Image) (faceauth.Vector, error) {
	key := CacheKey(c.model, img.Data)

	value, err := c.store.Get(ctx, key)
	switch {
	case err == nil:
		vec, decodeErr := DecodeVector([]byte(value))
		if decodeErr == nil {
			return vec, nil
		}
		c.logger.Warn("discarding corrupt cached embedding", zap.String("key", key), zap.Error(decodeErr))
	case !cache.IsMiss(err):
		c.logger.Warn("failed to read embedding cache", zap.String("key", key), zap.Error(err))
	}

	vec, err := c.Provider.Embed(ctx, img)
	if err != nil {
		return nil, err
	}
	if err := c.store.Set(ctx, key, EncodeVector(vec), c.ttl); err != nil {
		c.logger.Warn("failed to write embedding cache", zap.String("key", key), zap.Error(err))
	}
	return vec, nil
}
