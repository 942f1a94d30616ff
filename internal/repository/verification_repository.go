package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/face-verify/internal/retry"
)

// VerificationLog represents one persisted user verification.
type VerificationLog struct {
	ID              uint      `gorm:"primaryKey"`
	RequestID       string    `gorm:"column:request_id;uniqueIndex;size:64"`
	UserID          string    `gorm:"column:user_id;index;size:128"`
	Passed          bool      `gorm:"column:passed"`
	MatchedCount    int       `gorm:"column:matched_count"`
	TotalCount      int       `gorm:"column:total_count"`
	MatchPercentage float64   `gorm:"column:match_percentage"`
	ReferenceCount  int       `gorm:"column:reference_count"`
	BestScore       float64   `gorm:"column:best_score"`
	Threshold       float64   `gorm:"column:threshold"`
	Incomplete      bool      `gorm:"column:incomplete"`
	LatencyMs       int64     `gorm:"column:latency_ms"`
	Details         string    `gorm:"column:details;type:text"`
	CreatedAt       time.Time `gorm:"column:created_at;index"`
}

// TableName overrides the default table name.
func (VerificationLog) TableName() string {
	return "verification_logs"
}

// MetricsAggregation summarises the verification log.
type MetricsAggregation struct {
	TotalCount             int64
	PassedCount            int64
	AverageMatchPercentage float64
	AverageLatencyMs       float64
}

// VerificationRepository provides persistence APIs for verification logs.
type VerificationRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	retry  retry.Policy
}

// Open connects to postgres and tunes the connection pool.
func Open(ctx context.Context, dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

// NewVerificationRepository creates a new repository instance.
func NewVerificationRepository(db *gorm.DB, policy retry.Policy, logger *zap.Logger) *VerificationRepository {
	return &VerificationRepository{db: db, retry: policy, logger: logger.Named("verification_repository")}
}

// AutoMigrate ensures the schema is available.
func (r *VerificationRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&VerificationLog{})
}

// SaveLog persists a verification log entry.
func (r *VerificationRepository) SaveLog(ctx context.Context, log *VerificationLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func(ctx context.Context) error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestIDAndUser retrieves a verification log matching the request and owner.
func (r *VerificationRepository) FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*VerificationLog, error) {
	var log VerificationLog
	err := r.executeWithRetry(ctx, "repository.find_log", requestID, func(ctx context.Context) error {
		return r.db.WithContext(ctx).First(&log, "request_id = ? AND user_id = ?", requestID, userID).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics computes totals and averages over all logs.
func (r *VerificationRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var row struct {
		TotalCount             int64
		PassedCount            int64
		AverageMatchPercentage float64
		AverageLatencyMs       float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func(ctx context.Context) error {
		return r.db.WithContext(ctx).
			Model(&VerificationLog{}).
			Select(`COUNT(*) AS total_count,
				COALESCE(SUM(CASE WHEN passed THEN 1 ELSE 0 END), 0) AS passed_count,
				COALESCE(AVG(match_percentage), 0) AS average_match_percentage,
				COALESCE(AVG(latency_ms), 0) AS average_latency_ms`).
			Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &MetricsAggregation{
		TotalCount:             row.TotalCount,
		PassedCount:            row.PassedCount,
		AverageMatchPercentage: row.AverageMatchPercentage,
		AverageLatencyMs:       row.AverageLatencyMs,
	}, nil
}

func (r *VerificationRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func(ctx context.Context) error) error {
	return r.retry.Do(ctx, r.logger, operation, requestID, fn)
}
