package grading

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/knee-grader/internal/logging"
	"github.com/example/knee-grader/internal/metrics"
	"github.com/example/knee-grader/internal/predictor"
	"github.com/example/knee-grader/internal/repository"
)

// Cache abstracts the Redis operations used by the service to make testing
// easier.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache is a concrete implementation backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache constructs a new Redis-backed cache adapter.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get retrieves a cached value from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, key).Result()
}

// HistoryRepository defines the persistence operations needed by the service.
type HistoryRepository interface {
	SaveLog(ctx context.Context, log *repository.PredictionLog) error
	ListRecent(ctx context.Context, limit int) ([]*repository.PredictionLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Service wraps the raw prediction client with an image-hash cache and a
// persisted history. It implements predictor.Client, so the upload state
// machine never sees the difference. Cache and history failures are logged
// but never fail a prediction the service already produced.
type Service struct {
	predictor      predictor.Client
	cache          Cache
	repo           HistoryRepository
	collector      *metrics.Collector
	logger         *zap.Logger
	cacheTTL       time.Duration
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

type cachedPrediction struct {
	RequestID     string                        `json:"request_id"`
	Grade         int                           `json:"grade"`
	Report        string                        `json:"report"`
	Probabilities [predictor.GradeCount]float64 `json:"probabilities"`
	CreatedAt     time.Time                     `json:"created_at"`
}

// Summary represents aggregated grading insights.
type Summary struct {
	TotalPredictions int64    `json:"total_predictions"`
	GradeCounts      [5]int64 `json:"grade_counts"`
	AverageLatencyMs float64  `json:"average_latency_ms"`
	MostCommonGrade  int      `json:"most_common_grade"`
}

// NewService constructs the grading service. cache may be nil when Redis is
// not configured; the service then always calls through.
func NewService(p predictor.Client, cache Cache, repo HistoryRepository, collector *metrics.Collector, logger *zap.Logger, cacheTTL time.Duration) *Service {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Service{
		predictor:      p,
		cache:          cache,
		repo:           repo,
		collector:      collector,
		logger:         logger.Named("grading_service"),
		cacheTTL:       cacheTTL,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Predict serves a grading request, preferring the cache keyed by the image
// hash and recording every fresh result in the history log.
func (s *Service) Predict(ctx context.Context, filename string, image []byte) (*predictor.Result, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(s.logger, "grading.predict", requestID)

	hash := sha1.Sum(image)
	hashHex := hex.EncodeToString(hash[:])
	cacheKey := "prediction:" + hashHex

	if s.cache != nil {
		if raw, err := s.withRedisGet(ctx, requestID, "cache.get.prediction", cacheKey); err == nil {
			var cached cachedPrediction
			if jsonErr := json.Unmarshal([]byte(raw), &cached); jsonErr != nil {
				opLogger.Warn("failed to decode cached prediction", zap.Error(jsonErr))
			} else {
				s.collector.ObserveCacheHit()
				opLogger.Info("prediction served from cache", zap.String("image_sha1", hashHex))
				return &predictor.Result{
					Grade:         cached.Grade,
					Report:        cached.Report,
					Probabilities: cached.Probabilities,
				}, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			opLogger.Warn("failed to read cache", zap.Error(err))
		}
	}

	start := time.Now()
	result, err := s.predictor.Predict(ctx, filename, image)
	elapsed := time.Since(start)
	s.collector.ObservePrediction(metrics.OutcomeFor(err), elapsed)
	if err != nil {
		opLogger.Error("prediction failed", zap.Error(err))
		return nil, logging.NewOperationError("grading.predict", requestID, err)
	}

	probsJSON, err := json.Marshal(result.Probabilities)
	if err != nil {
		probsJSON = []byte("[]")
	}
	log := &repository.PredictionLog{
		RequestID:     requestID,
		ImageSHA1:     hashHex,
		FileName:      filename,
		Grade:         result.Grade,
		Report:        result.Report,
		Probabilities: string(probsJSON),
		LatencyMs:     elapsed.Milliseconds(),
		CreatedAt:     time.Now().UTC(),
	}
	if s.repo != nil {
		if err := s.repo.SaveLog(ctx, log); err != nil {
			opLogger.Error("failed to persist prediction log", zap.Error(err))
		}
	}

	if s.cache != nil {
		cached := cachedPrediction{
			RequestID:     requestID,
			Grade:         result.Grade,
			Report:        result.Report,
			Probabilities: result.Probabilities,
			CreatedAt:     log.CreatedAt,
		}
		if serialized, jsonErr := json.Marshal(cached); jsonErr != nil {
			opLogger.Error("failed to serialize prediction for cache", zap.Error(jsonErr))
		} else if err := s.withRedisRetry(ctx, requestID, "cache.set.prediction", func() error {
			return s.cache.Set(ctx, cacheKey, string(serialized), s.cacheTTL)
		}); err != nil {
			opLogger.Warn("failed to cache prediction", zap.Error(err))
		}
	}

	return result, nil
}

// RecentPredictions lists the newest history entries.
func (s *Service) RecentPredictions(ctx context.Context, limit int) ([]*repository.PredictionLog, error) {
	if s.repo == nil {
		return nil, nil
	}
	return s.repo.ListRecent(ctx, limit)
}

// MetricsSummary aggregates grading metrics from persisted logs.
func (s *Service) MetricsSummary(ctx context.Context) (*Summary, error) {
	if s.repo == nil {
		return &Summary{}, nil
	}
	aggregation, err := s.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		TotalPredictions: aggregation.TotalCount,
		GradeCounts:      aggregation.GradeCounts,
		AverageLatencyMs: aggregation.AverageLatencyMs,
	}
	for grade, count := range aggregation.GradeCounts {
		if count > aggregation.GradeCounts[summary.MostCommonGrade] {
			summary.MostCommonGrade = grade
		}
	}
	return summary, nil
}

func (s *Service) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if s.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := s.initialBackoff
	opLogger := logging.WithOperation(s.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < s.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= s.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == s.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (s *Service) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := s.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := s.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
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
