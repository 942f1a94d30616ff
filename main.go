package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/auth"
	"github.com/example/face-verify/internal/blobstore"
	miniostore "github.com/example/face-verify/internal/blobstore/minio"
	s3store "github.com/example/face-verify/internal/blobstore/s3"
	"github.com/example/face-verify/internal/cache"
	"github.com/example/face-verify/internal/config"
	"github.com/example/face-verify/internal/embedding"
	"github.com/example/face-verify/internal/events"
	"github.com/example/face-verify/internal/faceauth"
	"github.com/example/face-verify/internal/grpcclient"
	"github.com/example/face-verify/internal/handlers"
	"github.com/example/face-verify/internal/imageprocessor"
	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/repository"
	"github.com/example/face-verify/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	repo := initRepository(ctx, cfg, logger)

	redisClient := initRedis(ctx, cfg, logger)
	var store cache.Cache = cache.Nop{}
	if redisClient != nil {
		defer redisClient.Close()
		store = cache.NewRedisCache(redisClient, "face-verify:")
	}

	conn, err := grpcclient.Dial(ctx, cfg.EmbeddingAddr, false, logger)
	if err != nil {
		logger.Fatal("failed to connect to embedding service", zap.Error(err))
	}
	defer conn.Close()

	remote := embedding.NewGRPCProvider(conn, cfg.EmbeddingMetric, imageprocessor.New(cfg.ImageInputSize), logger)
	readyCtx, readyCancel := context.WithTimeout(ctx, 3*time.Second)
	if err := remote.Ready(readyCtx); err != nil {
		logger.Warn("embedding service not ready yet", zap.String("addr", cfg.EmbeddingAddr), zap.Error(err))
	}
	readyCancel()

	var provider embedding.Provider = remote
	if redisClient != nil && cfg.EmbeddingCacheTTL > 0 {
		provider = embedding.Cached(provider, store, cfg.EmbeddingModel, cfg.EmbeddingCacheTTL, logger)
	}
	provider = embedding.Limit(provider, int64(cfg.EmbeddingConcurrency))

	references, err := initReferenceStore(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialise reference store", zap.String("backend", cfg.StoreBackend), zap.Error(err))
	}

	publisher := initEvents(cfg, logger)
	defer publisher.Close()

	matcher := faceauth.NewMatcher(provider)
	resolver := faceauth.NewResolver(references, cfg.Retry, cfg.Workers, logger)
	comparator := faceauth.NewComparator(matcher, cfg.Workers, logger)
	verifier := faceauth.NewVerifier(resolver, matcher, faceauth.VerifierOptions{
		Workers:  cfg.Workers,
		Policy:   cfg.PassPolicy,
		TieBreak: cfg.TieBreak,
	}, logger)
	uc := usecase.NewVerificationUseCase(matcher, comparator, verifier, repo, store, publisher, usecase.Options{
		RequestTimeout: cfg.RequestTimeout,
		ResultTTL:      cfg.ResultCacheTTL,
		Retry:          cfg.Retry,
	}, logger)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), logging.GinMiddleware(logger))

	handlers.RegisterRoutes(r, uc, provider, handlers.Options{
		DefaultThreshold:   cfg.MatchThreshold,
		MinReferenceImages: cfg.MinReferenceImages,
		MaxReferenceImages: cfg.MaxReferenceImages,
	}, auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience), logger)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("face verification API listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("metric", string(cfg.EmbeddingMetric)),
		zap.Float64("threshold", cfg.MatchThreshold),
		zap.String("pass_policy", string(cfg.PassPolicy)),
		zap.String("store_backend", cfg.StoreBackend),
		zap.Bool("auth_enabled", cfg.JWTSecret != ""),
	)
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
	uc.Wait()
}

// initRepository returns nil when no DSN is configured, which disables the
// audit log.
func initRepository(ctx context.Context, cfg *config.Config, logger *zap.Logger) usecase.VerificationRepository {
	if cfg.DatabaseDSN == "" {
		logger.Info("DATABASE_DSN not set, verification audit log disabled")
		return nil
	}
	db, err := repository.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	repo := repository.NewVerificationRepository(db, cfg.Retry, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}
	return repo
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zap.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		logger.Info("REDIS_ADDR not set, caching disabled")
		return nil
	}
	redisCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	client, err := cache.Dial(redisCtx, cfg.RedisAddr)
	if err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func initReferenceStore(ctx context.Context, cfg *config.Config) (blobstore.Store, error) {
	var store blobstore.Store
	switch cfg.StoreBackend {
	case config.StoreMinio:
		client, err := miniostore.NewClient(miniostore.Options{
			Endpoint:  cfg.StoreEndpoint,
			AccessKey: cfg.StoreAccessKey,
			SecretKey: cfg.StoreSecretKey,
			Region:    cfg.StoreRegion,
			UseSSL:    cfg.StoreUseSSL,
		})
		if err != nil {
			return nil, err
		}
		store = miniostore.NewStore(client, cfg.StoreBucket, cfg.StorePrefix)
	case config.StoreS3:
		s, err := s3store.New(ctx, cfg.StoreBucket, cfg.StorePrefix, cfg.StoreRegion, cfg.StoreEndpoint)
		if err != nil {
			return nil, err
		}
		store = s
	case config.StoreLocal:
		store = blobstore.NewLocalStore(cfg.StoreLocalDir)
	default:
		return nil, errors.New("unknown store backend " + cfg.StoreBackend)
	}
	return blobstore.Throttle(store, blobstore.NewLimiter(cfg.StoreRateLimit)), nil
}

func initEvents(cfg *config.Config, logger *zap.Logger) events.Publisher {
	if cfg.MQTTBroker == "" {
		return events.Nop{}
	}
	client, err := events.ConnectMQTT(cfg.MQTTBroker, "face-verify-"+uuid.NewString()[:8], logger)
	if err != nil {
		logger.Warn("MQTT broker unreachable, verification events disabled", zap.Error(err))
		return events.Nop{}
	}
	return events.NewMQTTPublisher(client, cfg.MQTTTopic, logger)
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	if signalCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		signalCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-signalCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
