package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/knee-grader/internal/logging"
)

// PredictionLog is one completed grading request.
type PredictionLog struct {
	ID            uint      `gorm:"primaryKey" json:"-"`
	RequestID     string    `gorm:"column:request_id;uniqueIndex;size:64" json:"request_id"`
	ImageSHA1     string    `gorm:"column:image_sha1;index;size:40" json:"image_sha1"`
	FileName      string    `gorm:"column:file_name;size:255" json:"file_name"`
	Grade         int       `gorm:"column:grade" json:"grade"`
	Report        string    `gorm:"column:report;type:text" json:"report"`
	Probabilities string    `gorm:"column:probabilities;type:text" json:"probabilities"`
	LatencyMs     int64     `gorm:"column:latency_ms" json:"latency_ms"`
	CreatedAt     time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName overrides the default table name.
func (PredictionLog) TableName() string {
	return "prediction_logs"
}

// MetricsAggregation holds the raw aggregates computed over prediction logs.
type MetricsAggregation struct {
	TotalCount       int64
	GradeCounts      [5]int64
	AverageLatencyMs float64
}

// PredictionRepository provides persistence APIs for prediction logs.
type PredictionRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewPredictionRepository creates a new repository instance.
func NewPredictionRepository(db *gorm.DB, logger *zap.Logger) *PredictionRepository {
	return &PredictionRepository{
		db:             db,
		logger:         logger.Named("prediction_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *PredictionRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&PredictionLog{})
}

// SaveLog persists a prediction log entry, retrying transient failures.
func (r *PredictionRepository) SaveLog(ctx context.Context, log *PredictionLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// ListRecent returns up to limit prediction logs, newest first.
func (r *PredictionRepository) ListRecent(ctx context.Context, limit int) ([]*PredictionLog, error) {
	if limit <= 0 {
		limit = 20
	}
	var logs []*PredictionLog
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, logging.NewOperationError("repository.list_recent", "", err)
	}
	return logs, nil
}

// AggregateMetrics computes totals, per-grade counts, and average latency
// over all persisted predictions.
func (r *PredictionRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	agg := &MetricsAggregation{}

	if err := r.db.WithContext(ctx).
		Model(&PredictionLog{}).
		Count(&agg.TotalCount).Error; err != nil {
		return nil, logging.NewOperationError("repository.aggregate_metrics", "", err)
	}

	var rows []struct {
		Grade int
		N     int64
	}
	if err := r.db.WithContext(ctx).
		Model(&PredictionLog{}).
		Select("grade, count(*) as n").
		Group("grade").
		Scan(&rows).Error; err != nil {
		return nil, logging.NewOperationError("repository.aggregate_metrics", "", err)
	}
	for _, row := range rows {
		if row.Grade >= 0 && row.Grade < len(agg.GradeCounts) {
			agg.GradeCounts[row.Grade] = row.N
		}
	}

	var latency struct {
		Avg float64
	}
	if err := r.db.WithContext(ctx).
		Model(&PredictionLog{}).
		Select("coalesce(avg(latency_ms), 0) as avg").
		Scan(&latency).Error; err != nil {
		return nil, logging.NewOperationError("repository.aggregate_metrics", "", err)
	}
	agg.AverageLatencyMs = latency.Avg

	return agg, nil
}

func (r *PredictionRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	if r.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
