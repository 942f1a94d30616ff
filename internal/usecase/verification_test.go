package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/face-verify/internal/cache"
	"github.com/example/face-verify/internal/events"
	"github.com/example/face-verify/internal/faceauth"
	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/repository"
	"github.com/example/face-verify/internal/retry"
)

type stubRepository struct {
	savedLogs   []*repository.VerificationLog
	saveErr     error
	findLog     *repository.VerificationLog
	findErr     error
	findCalls   int
	aggregation *repository.MetricsAggregation
	ctxErr      error
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.VerificationLog) error {
	s.savedLogs = append(s.savedLogs, log)
	s.ctxErr = ctx.Err()
	return s.saveErr
}

func (s *stubRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.VerificationLog, error) {
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	if s.aggregation == nil {
		return &repository.MetricsAggregation{}, nil
	}
	return s.aggregation, nil
}

type stubCache struct {
	values  map[string]string
	setErrs []error
	getErrs []error
	setKeys []string
	ttls    []time.Duration
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	s.ttls = append(s.ttls, expiration)
	if len(s.setErrs) > 0 {
		err := s.setErrs[0]
		s.setErrs = s.setErrs[1:]
		return err
	}
	if s.values == nil {
		s.values = make(map[string]string)
	}
	s.values[key] = value.(string)
	return nil
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	if len(s.getErrs) > 0 {
		err := s.getErrs[0]
		s.getErrs = s.getErrs[1:]
		return "", err
	}
	value, ok := s.values[key]
	if !ok {
		return "", cache.ErrMiss
	}
	return value, nil
}

type stubVerifier struct {
	result   *faceauth.VerificationResult
	err      error
	deadline bool
}

func (s *stubVerifier) Verify(ctx context.Context, req faceauth.VerificationRequest) (*faceauth.VerificationResult, error) {
	_, s.deadline = ctx.Deadline()
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

// cancellingVerifier cancels the caller's context once the verdict is ready.
type cancellingVerifier struct {
	result *faceauth.VerificationResult
	cancel context.CancelFunc
}

func (v *cancellingVerifier) Verify(ctx context.Context, req faceauth.VerificationRequest) (*faceauth.VerificationResult, error) {
	v.cancel()
	return v.result, nil
}

type stubComparator struct {
	result faceauth.BatchResult
}

func (s *stubComparator) CompareBatch(ctx context.Context, pairs []faceauth.ImagePair, threshold float64) faceauth.BatchResult {
	return s.result
}

type stubMatcher struct {
	result faceauth.MatchResult
	err    error
}

func (s *stubMatcher) Match(ctx context.Context, a, b faceauth.Image, threshold float64) (faceauth.MatchResult, error) {
	return s.result, s.err
}

type stubPublisher struct {
	events []events.VerificationEvent
	err    error
}

func (s *stubPublisher) PublishVerification(ctx context.Context, event events.VerificationEvent) error {
	s.events = append(s.events, event)
	return s.err
}

func (s *stubPublisher) Close() {}

// blockingPublisher holds every publication until release is closed.
type blockingPublisher struct {
	release   chan struct{}
	published chan events.VerificationEvent
}

func (p *blockingPublisher) PublishVerification(ctx context.Context, event events.VerificationEvent) error {
	select {
	case <-p.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.published <- event
	return nil
}

func (p *blockingPublisher) Close() {}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func sampleResult() *faceauth.VerificationResult {
	return &faceauth.VerificationResult{
		UserID: "user-1",
		Candidates: []faceauth.CandidateResult{
			{Source: "a", HasMatch: true, BestScore: 0.9, BestReference: "ref1.jpg", Matches: []faceauth.ReferenceMatch{
				{Reference: "ref1.jpg", Result: &faceauth.MatchResult{Score: 0.9}},
				{Reference: "ref2.jpg", Err: errors.New("boom")},
			}},
			{Source: "b", BestScore: 0.3},
		},
		MatchedCandidateCount: 1,
		TotalCandidateCount:   2,
		MatchPercentage:       50,
		ReferenceSetSize:      2,
		Passed:                true,
		Policy:                faceauth.PassAnyMatch,
	}
}

func testOptions() Options {
	return Options{
		RequestTimeout: time.Second,
		ResultTTL:      5 * time.Minute,
		Retry:          retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
	}
}

func newUseCase(verifier Verifier, repo VerificationRepository, store cache.Cache, publisher events.Publisher) *VerificationUseCase {
	return NewVerificationUseCase(&stubMatcher{}, &stubComparator{}, verifier, repo, store, publisher, testOptions(), zap.NewNop())
}

func TestVerifyUserRecordsOutcome(t *testing.T) {
	verifier := &stubVerifier{result: sampleResult()}
	repo := &stubRepository{}
	store := &stubCache{}
	publisher := &stubPublisher{}
	uc := newUseCase(verifier, repo, store, publisher)

	v, err := uc.VerifyUser(context.Background(), faceauth.VerificationRequest{UserID: "user-1", Threshold: 0.6})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if v.RequestID == "" || v.Threshold != 0.6 || !v.Result.Passed {
		t.Fatalf("unexpected verification: %+v", v)
	}
	if !verifier.deadline {
		t.Fatal("expected verifier to run under the request timeout")
	}

	if len(repo.savedLogs) != 1 {
		t.Fatalf("expected log to be saved, got %d entries", len(repo.savedLogs))
	}
	log := repo.savedLogs[0]
	if log.RequestID != v.RequestID || log.UserID != "user-1" || !log.Passed || log.MatchedCount != 1 || log.TotalCount != 2 {
		t.Fatalf("unexpected log: %+v", log)
	}
	if log.BestScore != 0.9 || log.MatchPercentage != 50 || log.ReferenceCount != 2 {
		t.Fatalf("unexpected log scores: %+v", log)
	}
	if !strings.Contains(log.Details, `"errors":1`) || !strings.Contains(log.Details, `"best_reference":"ref1.jpg"`) {
		t.Fatalf("unexpected details: %s", log.Details)
	}

	if len(store.setKeys) != 1 || store.setKeys[0] != "verification:"+v.RequestID || store.ttls[0] != 5*time.Minute {
		t.Fatalf("unexpected cache writes: %v %v", store.setKeys, store.ttls)
	}

	uc.Wait()
	if len(publisher.events) != 1 || publisher.events[0].RequestID != v.RequestID || !publisher.events[0].Passed {
		t.Fatalf("unexpected events: %+v", publisher.events)
	}
}

func TestVerifyUserRetriesTransientCacheErrors(t *testing.T) {
	store := &stubCache{setErrs: []error{transientRedisError{}}}
	uc := newUseCase(&stubVerifier{result: sampleResult()}, &stubRepository{}, store, nil)

	if _, err := uc.VerifyUser(context.Background(), faceauth.VerificationRequest{UserID: "user-1"}); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(store.setKeys) != 2 {
		t.Fatalf("expected 2 cache set calls, got %d", len(store.setKeys))
	}
	if store.setKeys[0] != store.setKeys[1] {
		t.Fatalf("expected retry to target same key, got %s and %s", store.setKeys[0], store.setKeys[1])
	}
}

func TestVerifyUserIgnoresBookkeepingFailures(t *testing.T) {
	repo := &stubRepository{saveErr: errors.New("db down")}
	store := &stubCache{setErrs: []error{errors.New("boom")}}
	publisher := &stubPublisher{err: errors.New("broker down")}
	uc := newUseCase(&stubVerifier{result: sampleResult()}, repo, store, publisher)

	v, err := uc.VerifyUser(context.Background(), faceauth.VerificationRequest{UserID: "user-1"})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if !v.Result.Passed {
		t.Fatal("expected verdict to be unchanged")
	}
	uc.Wait()
}

func TestVerifyUserPublishesOffResponsePath(t *testing.T) {
	repo := &stubRepository{}
	publisher := &blockingPublisher{release: make(chan struct{}), published: make(chan events.VerificationEvent, 1)}
	uc := newUseCase(&stubVerifier{result: sampleResult()}, repo, &stubCache{}, publisher)

	v, err := uc.VerifyUser(context.Background(), faceauth.VerificationRequest{UserID: "user-1"})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(repo.savedLogs) != 1 {
		t.Fatalf("expected audit log before returning, got %d entries", len(repo.savedLogs))
	}

	close(publisher.release)
	uc.Wait()
	select {
	case event := <-publisher.published:
		if event.RequestID != v.RequestID {
			t.Fatalf("unexpected event: %+v", event)
		}
	default:
		t.Fatal("expected event to be published after Wait")
	}
}

func TestVerifyUserBookkeepingSurvivesCallerCancellation(t *testing.T) {
	repo := &stubRepository{}
	publisher := &stubPublisher{}
	verifier := &cancellingVerifier{result: sampleResult()}
	uc := newUseCase(verifier, repo, &stubCache{}, publisher)

	ctx, cancel := context.WithCancel(context.Background())
	verifier.cancel = cancel
	if _, err := uc.VerifyUser(ctx, faceauth.VerificationRequest{UserID: "user-1"}); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	uc.Wait()
	if len(repo.savedLogs) != 1 || repo.ctxErr != nil {
		t.Fatalf("expected audit log on a live context, got %d entries (ctx err %v)", len(repo.savedLogs), repo.ctxErr)
	}
	if len(publisher.events) != 1 {
		t.Fatalf("expected one event, got %d", len(publisher.events))
	}
}

func TestVerifyUserWrapsVerifierErrors(t *testing.T) {
	cause := &faceauth.InsufficientReferencesError{UserID: "user-1", Found: 0, Required: 1}
	repo := &stubRepository{}
	publisher := &stubPublisher{}
	uc := newUseCase(&stubVerifier{err: cause}, repo, &stubCache{}, publisher)

	_, err := uc.VerifyUser(context.Background(), faceauth.VerificationRequest{UserID: "user-1"})
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "usecase.verify_user" {
		t.Fatalf("expected OperationError, got %v", err)
	}
	var insufficient *faceauth.InsufficientReferencesError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
	if len(repo.savedLogs) != 0 || len(publisher.events) != 0 {
		t.Fatal("expected no bookkeeping for failed verification")
	}
}

func TestGetResultReadsCachedSummary(t *testing.T) {
	store := &stubCache{}
	repo := &stubRepository{}
	uc := newUseCase(&stubVerifier{result: sampleResult()}, repo, store, nil)

	v, err := uc.VerifyUser(context.Background(), faceauth.VerificationRequest{UserID: "user-1"})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}

	summary, err := uc.GetResult(context.Background(), "user-1", v.RequestID)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if summary.RequestID != v.RequestID || !summary.Passed || summary.MatchPercentage != 50 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if repo.findCalls != 0 {
		t.Fatalf("expected repository not to be queried, got %d", repo.findCalls)
	}

	if _, err := uc.GetResult(context.Background(), "someone-else", v.RequestID); !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected not found for another user, got %v", err)
	}
}

func TestGetResultFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	repo := &stubRepository{findLog: &repository.VerificationLog{RequestID: "req", UserID: "user", Passed: true, MatchedCount: 2, TotalCount: 2, MatchPercentage: 100, CreatedAt: created}}
	uc := newUseCase(&stubVerifier{}, repo, &stubCache{}, nil)

	summary, err := uc.GetResult(context.Background(), "user", "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if summary.RequestID != "req" || summary.MatchPercentage != 100 || !summary.CreatedAt.Equal(created) {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected repository to be queried once, got %d", repo.findCalls)
	}
}

func TestGetResultFallsBackOnCorruptCacheEntry(t *testing.T) {
	store := &stubCache{values: map[string]string{"verification:req": "{not json"}}
	repo := &stubRepository{findLog: &repository.VerificationLog{RequestID: "req", UserID: "user"}}
	uc := newUseCase(&stubVerifier{}, repo, store, nil)

	if _, err := uc.GetResult(context.Background(), "user", "req"); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected repository fallback, got %d calls", repo.findCalls)
	}
}

func TestGetResultNotFound(t *testing.T) {
	uc := newUseCase(&stubVerifier{}, &stubRepository{}, &stubCache{}, nil)
	if _, err := uc.GetResult(context.Background(), "user", "missing"); !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected ErrResultNotFound, got %v", err)
	}

	withoutAudit := newUseCase(&stubVerifier{}, nil, nil, nil)
	if _, err := withoutAudit.GetResult(context.Background(), "user", "missing"); !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected ErrResultNotFound without audit log, got %v", err)
	}
}

func TestCompareBatchEscalatesOnlyProviderOutage(t *testing.T) {
	failed := faceauth.BatchResult{Items: []faceauth.BatchItem{
		{Index: 0, Err: &faceauth.EmbeddingError{Side: "a", Err: faceauth.ErrProviderUnavailable}},
	}}
	uc := NewVerificationUseCase(&stubMatcher{}, &stubComparator{result: failed}, &stubVerifier{}, nil, nil, nil, testOptions(), zap.NewNop())
	if _, err := uc.CompareBatch(context.Background(), make([]faceauth.ImagePair, 1), 0.5); !errors.Is(err, faceauth.ErrProviderUnavailable) {
		t.Fatalf("expected provider unavailable, got %v", err)
	}

	undecodable := faceauth.BatchResult{Items: []faceauth.BatchItem{
		{Index: 0, Err: &faceauth.EmbeddingError{Side: "a", Err: errors.New("bad image")}},
	}}
	uc = NewVerificationUseCase(&stubMatcher{}, &stubComparator{result: undecodable}, &stubVerifier{}, nil, nil, nil, testOptions(), zap.NewNop())
	result, err := uc.CompareBatch(context.Background(), make([]faceauth.ImagePair, 1), 0.5)
	if err != nil {
		t.Fatalf("expected per-pair errors only, got %v", err)
	}
	if len(result.Items) != 1 || result.Items[0].Err == nil {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestCompareDelegatesToMatcher(t *testing.T) {
	matcher := &stubMatcher{result: faceauth.MatchResult{Score: 0.8, Threshold: 0.5, IsMatch: true}}
	uc := NewVerificationUseCase(matcher, &stubComparator{}, &stubVerifier{}, nil, nil, nil, testOptions(), zap.NewNop())

	result, err := uc.Compare(context.Background(), faceauth.Image{}, faceauth.Image{}, 0.5)
	if err != nil || !result.IsMatch {
		t.Fatalf("unexpected result %+v, err %v", result, err)
	}
}

func TestGetMetricsSummary(t *testing.T) {
	repo := &stubRepository{aggregation: &repository.MetricsAggregation{TotalCount: 4, PassedCount: 3, AverageMatchPercentage: 62.5, AverageLatencyMs: 40}}
	uc := newUseCase(&stubVerifier{}, repo, nil, nil)

	summary, err := uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if summary.PassRate != 0.75 || summary.AverageMatchPercentage != 62.5 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	encoded, _ := json.Marshal(summary)
	if !strings.Contains(string(encoded), `"pass_rate":0.75`) {
		t.Fatalf("unexpected encoding: %s", encoded)
	}

	withoutAudit := newUseCase(&stubVerifier{}, nil, nil, nil)
	if _, err := withoutAudit.GetMetricsSummary(context.Background()); !errors.Is(err, ErrAuditDisabled) {
		t.Fatalf("expected ErrAuditDisabled, got %v", err)
	}
}
