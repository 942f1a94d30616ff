package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/face-verify/internal/cache"
	"github.com/example/face-verify/internal/events"
	"github.com/example/face-verify/internal/faceauth"
	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/repository"
	"github.com/example/face-verify/internal/retry"
)

var (
	// ErrResultNotFound is returned when no verification exists for the
	// request id and user.
	ErrResultNotFound = errors.New("verification result not found")
	// ErrAuditDisabled is returned by operations that need the audit log
	// when no database is configured.
	ErrAuditDisabled = errors.New("verification audit log disabled")
)

// VerificationRepository defines the persistence operations needed by the use case.
type VerificationRepository interface {
	SaveLog(ctx context.Context, log *repository.VerificationLog) error
	FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.VerificationLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Matcher compares a single pair of images.
type Matcher interface {
	Match(ctx context.Context, a, b faceauth.Image, threshold float64) (faceauth.MatchResult, error)
}

// Comparator compares a batch of pairs.
type Comparator interface {
	CompareBatch(ctx context.Context, pairs []faceauth.ImagePair, threshold float64) faceauth.BatchResult
}

// Verifier checks candidate images against a user's reference set.
type Verifier interface {
	Verify(ctx context.Context, req faceauth.VerificationRequest) (*faceauth.VerificationResult, error)
}

// bookkeepingTimeout bounds audit, cache and event writes once the verdict
// is known.
const bookkeepingTimeout = 5 * time.Second

// Options tunes the use case. Zero durations disable the corresponding
// behaviour.
type Options struct {
	RequestTimeout time.Duration
	ResultTTL      time.Duration
	Retry          retry.Policy
}

// VerificationUseCase wires the matching core to the audit log, result cache
// and event stream.
type VerificationUseCase struct {
	matcher    Matcher
	comparator Comparator
	verifier   Verifier
	repo       VerificationRepository
	cache      cache.Cache
	events     events.Publisher
	opts       Options
	logger     *zap.Logger

	pending sync.WaitGroup
}

// Verification is the outcome of VerifyUser.
type Verification struct {
	RequestID string
	Threshold float64
	Result    *faceauth.VerificationResult
	Latency   time.Duration
}

// Summary is the stored, client facing digest of a verification.
type Summary struct {
	RequestID       string    `json:"request_id"`
	UserID          string    `json:"user_id"`
	Passed          bool      `json:"verification_passed"`
	MatchedCount    int       `json:"images_matched"`
	TotalCount      int       `json:"total_images_provided"`
	MatchPercentage float64   `json:"match_percentage"`
	ReferenceCount  int       `json:"verification_images_found"`
	BestScore       float64   `json:"best_score"`
	Threshold       float64   `json:"threshold"`
	Incomplete      bool      `json:"incomplete"`
	LatencyMs       int64     `json:"latency_ms"`
	CreatedAt       time.Time `json:"created_at"`
}

type candidateDigest struct {
	Source        string  `json:"source"`
	HasMatch      bool    `json:"has_match"`
	BestScore     float64 `json:"best_score"`
	BestReference string  `json:"best_reference,omitempty"`
	Errors        int     `json:"errors,omitempty"`
}

// NewVerificationUseCase constructs a new use case instance. repo may be nil
// when the audit log is disabled; store and publisher default to no-ops.
func NewVerificationUseCase(matcher Matcher, comparator Comparator, verifier Verifier, repo VerificationRepository, store cache.Cache, publisher events.Publisher, opts Options, logger *zap.Logger) *VerificationUseCase {
	if store == nil {
		store = cache.Nop{}
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &VerificationUseCase{
		matcher:    matcher,
		comparator: comparator,
		verifier:   verifier,
		repo:       repo,
		cache:      store,
		events:     publisher,
		opts:       opts,
		logger:     logger.Named("verification_usecase"),
	}
}

func (uc *VerificationUseCase) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if uc.opts.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, uc.opts.RequestTimeout)
}

// Compare matches a single pair under the request timeout.
func (uc *VerificationUseCase) Compare(ctx context.Context, a, b faceauth.Image, threshold float64) (faceauth.MatchResult, error) {
	ctx, cancel := uc.withTimeout(ctx)
	defer cancel()
	return uc.matcher.Match(ctx, a, b, threshold)
}

// CompareBatch matches every pair. Per-pair failures stay inside the result;
// the returned error is non-nil only when nothing could be compared because
// the embedding provider is unavailable.
func (uc *VerificationUseCase) CompareBatch(ctx context.Context, pairs []faceauth.ImagePair, threshold float64) (faceauth.BatchResult, error) {
	ctx, cancel := uc.withTimeout(ctx)
	defer cancel()

	result := uc.comparator.CompareBatch(ctx, pairs, threshold)
	if err := result.Err(); err != nil && errors.Is(err, faceauth.ErrProviderUnavailable) {
		return result, err
	}
	return result, nil
}

// VerifyUser runs the verification and records its outcome. Audit, cache and
// event failures are logged and never change the verdict.
func (uc *VerificationUseCase) VerifyUser(ctx context.Context, req faceauth.VerificationRequest) (*Verification, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.verify_user", requestID)

	runCtx, cancel := uc.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	result, err := uc.verifier.Verify(runCtx, req)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.verify_user", requestID, err)
		opLogger.Info("verification not completed", zap.String("user_id", req.UserID), zap.Error(err))
		return nil, wrapped
	}
	verification := &Verification{
		RequestID: requestID,
		Threshold: req.Threshold,
		Result:    result,
		Latency:   time.Since(start),
	}

	// The audit log and result cache are written before returning so the
	// result is readable as soon as the caller has the request id. They are
	// detached from the caller's cancellation but bounded.
	summary := summarize(verification)
	bookCtx, bookCancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer bookCancel()
	uc.saveLog(bookCtx, opLogger, summary, result)
	uc.cacheSummary(bookCtx, opLogger, summary)

	// The event is published off the response path.
	uc.pending.Add(1)
	go func() {
		defer uc.pending.Done()
		pubCtx, pubCancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
		defer pubCancel()
		uc.publish(pubCtx, opLogger, summary)
	}()

	return verification, nil
}

// Wait blocks until every background event publication has finished.
func (uc *VerificationUseCase) Wait() {
	uc.pending.Wait()
}

func summarize(v *Verification) Summary {
	res := v.Result
	best := 0.0
	for _, cand := range res.Candidates {
		if cand.BestScore > best {
			best = cand.BestScore
		}
	}
	return Summary{
		RequestID:       v.RequestID,
		UserID:          res.UserID,
		Passed:          res.Passed,
		MatchedCount:    res.MatchedCandidateCount,
		TotalCount:      res.TotalCandidateCount,
		MatchPercentage: res.MatchPercentage,
		ReferenceCount:  res.ReferenceSetSize,
		BestScore:       best,
		Threshold:       v.Threshold,
		Incomplete:      res.Incomplete,
		LatencyMs:       v.Latency.Milliseconds(),
		CreatedAt:       time.Now().UTC(),
	}
}

func digest(result *faceauth.VerificationResult) string {
	digests := make([]candidateDigest, 0, len(result.Candidates))
	for _, cand := range result.Candidates {
		d := candidateDigest{
			Source:        cand.Source,
			HasMatch:      cand.HasMatch,
			BestScore:     cand.BestScore,
			BestReference: cand.BestReference,
		}
		for _, m := range cand.Matches {
			if m.Err != nil {
				d.Errors++
			}
		}
		digests = append(digests, d)
	}
	encoded, err := json.Marshal(digests)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func (uc *VerificationUseCase) saveLog(ctx context.Context, opLogger *zap.Logger, s Summary, result *faceauth.VerificationResult) {
	if uc.repo == nil {
		return
	}
	log := &repository.VerificationLog{
		RequestID:       s.RequestID,
		UserID:          s.UserID,
		Passed:          s.Passed,
		MatchedCount:    s.MatchedCount,
		TotalCount:      s.TotalCount,
		MatchPercentage: s.MatchPercentage,
		ReferenceCount:  s.ReferenceCount,
		BestScore:       s.BestScore,
		Threshold:       s.Threshold,
		Incomplete:      s.Incomplete,
		LatencyMs:       s.LatencyMs,
		Details:         digest(result),
		CreatedAt:       s.CreatedAt,
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		opLogger.Warn("failed to persist verification log", logging.ErrorFields(err)...)
	}
}

func (uc *VerificationUseCase) cacheSummary(ctx context.Context, opLogger *zap.Logger, s Summary) {
	if uc.opts.ResultTTL <= 0 {
		return
	}
	serialized, err := json.Marshal(s)
	if err != nil {
		opLogger.Warn("failed to serialize verification summary", zap.Error(err))
		return
	}
	err = uc.opts.Retry.Do(ctx, uc.logger, "cache.set.result", s.RequestID, func(ctx context.Context) error {
		return uc.cache.Set(ctx, resultKey(s.RequestID), string(serialized), uc.opts.ResultTTL)
	})
	if err != nil {
		opLogger.Warn("failed to cache verification summary", logging.ErrorFields(err)...)
	}
}

func (uc *VerificationUseCase) publish(ctx context.Context, opLogger *zap.Logger, s Summary) {
	event := events.VerificationEvent{
		RequestID:       s.RequestID,
		UserID:          s.UserID,
		Passed:          s.Passed,
		MatchedCount:    s.MatchedCount,
		TotalCount:      s.TotalCount,
		MatchPercentage: s.MatchPercentage,
		Incomplete:      s.Incomplete,
		OccurredAt:      s.CreatedAt,
	}
	if err := uc.events.PublishVerification(ctx, event); err != nil {
		opLogger.Warn("failed to publish verification event", zap.Error(err))
	}
}

// GetResult returns the summary of an earlier verification owned by userID,
// from the cache when possible and the audit log otherwise.
func (uc *VerificationUseCase) GetResult(ctx context.Context, userID, requestID string) (*Summary, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)

	var cached string
	err := uc.opts.Retry.Do(ctx, uc.logger, "cache.get.result", requestID, func(ctx context.Context) error {
		value, err := uc.cache.Get(ctx, resultKey(requestID))
		if err != nil {
			return err
		}
		cached = value
		return nil
	})
	switch {
	case err == nil:
		var s Summary
		if err := json.Unmarshal([]byte(cached), &s); err != nil {
			opLogger.Warn("failed to decode cached result", zap.Error(err))
			break
		}
		if s.UserID != userID {
			return nil, ErrResultNotFound
		}
		return &s, nil
	case !cache.IsMiss(err):
		opLogger.Warn("failed to read cache", logging.ErrorFields(err)...)
	}

	if uc.repo == nil {
		return nil, ErrResultNotFound
	}
	log, err := uc.repo.FindByRequestIDAndUser(ctx, requestID, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, err
	}
	return summaryFromLog(log), nil
}

func summaryFromLog(log *repository.VerificationLog) *Summary {
	return &Summary{
		RequestID:       log.RequestID,
		UserID:          log.UserID,
		Passed:          log.Passed,
		MatchedCount:    log.MatchedCount,
		TotalCount:      log.TotalCount,
		MatchPercentage: log.MatchPercentage,
		ReferenceCount:  log.ReferenceCount,
		BestScore:       log.BestScore,
		Threshold:       log.Threshold,
		Incomplete:      log.Incomplete,
		LatencyMs:       log.LatencyMs,
		CreatedAt:       log.CreatedAt,
	}
}

func resultKey(requestID string) string {
	return fmt.Sprintf("verification:%s", requestID)
}
