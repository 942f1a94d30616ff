// Package config loads service settings from environment variables.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/face-verify/internal/embedding"
	"github.com/example/face-verify/internal/faceauth"
	"github.com/example/face-verify/internal/imageprocessor"
	"github.com/example/face-verify/internal/retry"
)

// Store backends.
const (
	StoreMinio = "minio"
	StoreS3    = "s3"
	StoreLocal = "local"
)

// Config holds every tunable of the service.
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration
	LogLevel        string

	EmbeddingAddr        string
	EmbeddingModel       string
	EmbeddingMetric      embedding.Metric
	MatchThreshold       float64
	EmbeddingConcurrency int
	ImageInputSize       int

	StoreBackend   string
	StoreBucket    string
	StorePrefix    string
	StoreEndpoint  string
	StoreRegion    string
	StoreAccessKey string
	StoreSecretKey string
	StoreUseSSL    bool
	StoreLocalDir  string
	StoreRateLimit float64

	MinReferenceImages int
	MaxReferenceImages int
	Workers            int
	PassPolicy         faceauth.PassPolicy
	TieBreak           faceauth.TieBreak
	Retry              retry.Policy

	DatabaseDSN       string
	RedisAddr         string
	EmbeddingCacheTTL time.Duration
	ResultCacheTTL    time.Duration

	MQTTBroker string
	MQTTTopic  string

	JWTSecret   string
	JWTAudience string
}

// Load reads the configuration from the process environment.
func Load() (*Config, error) {
	return FromLookup(os.LookupEnv)
}

// FromLookup reads the configuration through lookup, which has the signature
// of os.LookupEnv.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	r := reader{lookup: lookup}
	cfg := &Config{
		HTTPAddr:        r.str("HTTP_ADDR", ":8080"),
		ShutdownTimeout: r.duration("SHUTDOWN_TIMEOUT", 15*time.Second),
		RequestTimeout:  r.duration("REQUEST_TIMEOUT", 30*time.Second),
		LogLevel:        r.str("LOG_LEVEL", "info"),

		EmbeddingAddr:        r.str("EMBEDDING_ADDR", "embedding-service:50051"),
		EmbeddingModel:       r.str("EMBEDDING_MODEL", "default"),
		EmbeddingConcurrency: r.integer("EMBEDDING_CONCURRENCY", 4),
		ImageInputSize:       r.integer("IMAGE_INPUT_SIZE", imageprocessor.DefaultInputSize),

		StoreBackend:   strings.ToLower(r.str("STORE_BACKEND", StoreMinio)),
		StoreBucket:    r.str("STORE_BUCKET", "verification-images"),
		StorePrefix:    r.str("STORE_PREFIX", ""),
		StoreEndpoint:  r.str("STORE_ENDPOINT", ""),
		StoreRegion:    r.str("STORE_REGION", "us-east-1"),
		StoreAccessKey: r.str("STORE_ACCESS_KEY", ""),
		StoreSecretKey: r.str("STORE_SECRET_KEY", ""),
		StoreUseSSL:    r.boolean("STORE_USE_SSL", false),
		StoreLocalDir:  r.str("STORE_LOCAL_DIR", "./verification_images"),
		StoreRateLimit: r.float("STORE_RATE_LIMIT", 0),

		MinReferenceImages: r.integer("MIN_REFERENCE_IMAGES", faceauth.DefaultMinReferenceCount),
		MaxReferenceImages: r.integer("MAX_REFERENCE_IMAGES", faceauth.DefaultMaxReferenceCount),
		Workers:            r.integer("WORKERS", faceauth.DefaultWorkers),
		TieBreak:           faceauth.TieBreak(strings.ToLower(r.str("TIE_BREAK", string(faceauth.TieBreakFirst)))),
		Retry: retry.Policy{
			MaxAttempts:    r.integer("RETRY_ATTEMPTS", 3),
			InitialBackoff: r.duration("RETRY_INITIAL_BACKOFF", 50*time.Millisecond),
			MaxBackoff:     r.duration("RETRY_MAX_BACKOFF", time.Second),
		},

		DatabaseDSN:       r.str("DATABASE_DSN", ""),
		RedisAddr:         r.str("REDIS_ADDR", ""),
		EmbeddingCacheTTL: r.duration("EMBEDDING_CACHE_TTL", 24*time.Hour),
		ResultCacheTTL:    r.duration("RESULT_CACHE_TTL", 5*time.Minute),

		MQTTBroker: r.str("MQTT_BROKER", ""),
		MQTTTopic:  r.str("MQTT_TOPIC", ""),

		JWTSecret:   r.str("JWT_SECRET", ""),
		JWTAudience: r.str("JWT_AUDIENCE", ""),
	}

	if cfg.StoreBackend == StoreMinio && cfg.StoreEndpoint == "" {
		cfg.StoreEndpoint = "minio:9000"
	}

	metric, err := embedding.ParseMetric(r.str("EMBEDDING_METRIC", string(embedding.MetricCosine)))
	if err != nil {
		r.fail("EMBEDDING_METRIC", err)
	}
	cfg.EmbeddingMetric = metric
	cfg.MatchThreshold = r.float("MATCH_THRESHOLD", metric.DefaultThreshold())

	policy, ok := faceauth.ParsePassPolicy(r.str("PASS_POLICY", string(faceauth.PassAnyMatch)))
	if !ok {
		r.fail("PASS_POLICY", errors.New(`must be "any" or "all"`))
	}
	cfg.PassPolicy = policy

	if len(r.errs) > 0 {
		return nil, errors.Join(r.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.HTTPAddr != "", "HTTP_ADDR must not be empty")
	check(c.EmbeddingAddr != "", "EMBEDDING_ADDR must not be empty")
	check(c.EmbeddingConcurrency > 0, "EMBEDDING_CONCURRENCY must be positive")
	check(c.ImageInputSize > 0, "IMAGE_INPUT_SIZE must be positive")
	check(c.Workers > 0, "WORKERS must be positive")
	check(!math.IsNaN(c.MatchThreshold) && !math.IsInf(c.MatchThreshold, 0), "MATCH_THRESHOLD must be a finite number")
	check(c.RequestTimeout > 0, "REQUEST_TIMEOUT must be positive")
	check(c.MinReferenceImages >= 1, "MIN_REFERENCE_IMAGES must be at least 1")
	check(c.MaxReferenceImages <= faceauth.MaxReferenceCap, "MAX_REFERENCE_IMAGES must be at most %d", faceauth.MaxReferenceCap)
	check(c.MinReferenceImages <= c.MaxReferenceImages, "MIN_REFERENCE_IMAGES must not exceed MAX_REFERENCE_IMAGES")
	check(c.Retry.MaxAttempts >= 1, "RETRY_ATTEMPTS must be at least 1")
	check(c.StoreRateLimit >= 0, "STORE_RATE_LIMIT must not be negative")
	check(c.TieBreak == faceauth.TieBreakFirst || c.TieBreak == faceauth.TieBreakLast, `TIE_BREAK must be "first" or "last"`)

	switch c.StoreBackend {
	case StoreMinio:
		check(c.StoreBucket != "", "STORE_BUCKET is required for the minio backend")
		check(c.StoreEndpoint != "", "STORE_ENDPOINT is required for the minio backend")
	case StoreS3:
		check(c.StoreBucket != "", "STORE_BUCKET is required for the s3 backend")
	case StoreLocal:
		check(c.StoreLocalDir != "", "STORE_LOCAL_DIR is required for the local backend")
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND %q is not one of minio, s3, local", c.StoreBackend))
	}
	return errors.Join(errs...)
}

type reader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *reader) fail(key string, err error) {
	r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
}

func (r *reader) str(key, fallback string) string {
	if value, ok := r.lookup(key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func (r *reader) integer(key string, fallback int) int {
	raw := r.str(key, "")
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		r.fail(key, err)
		return fallback
	}
	return value
}

func (r *reader) float(key string, fallback float64) float64 {
	raw := r.str(key, "")
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		r.fail(key, err)
		return fallback
	}
	return value
}

func (r *reader) boolean(key string, fallback bool) bool {
	raw := r.str(key, "")
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		r.fail(key, err)
		return fallback
	}
	return value
}

func (r *reader) duration(key string, fallback time.Duration) time.Duration {
	raw := r.str(key, "")
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		r.fail(key, err)
		return fallback
	}
	return value
}
