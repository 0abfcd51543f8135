package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/knee-grader/internal/grading"
	"github.com/example/knee-grader/internal/handlers"
	"github.com/example/knee-grader/internal/logging"
	"github.com/example/knee-grader/internal/metrics"
	"github.com/example/knee-grader/internal/predictclient"
	"github.com/example/knee-grader/internal/repository"
	"github.com/example/knee-grader/internal/session"
	"github.com/example/knee-grader/internal/uploadclient"
)

func main() {
	_ = godotenv.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger, err := logging.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	db := initDatabase(ctx, logger)
	repo := repository.NewPredictionRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	var cache grading.Cache
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		defer redisCancel()
		cache = grading.NewRedisCache(initRedis(redisCtx, addr, logger))
	} else {
		logger.Info("REDIS_ADDR not set, prediction cache disabled")
	}

	predictURL := getEnv("PREDICT_URL", "http://localhost:5000")
	predict := predictclient.New(predictURL, logger)

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
	svc := grading.NewService(predict, cache, repo, collector, logger,
		getDurationEnv("CACHE_TTL", 5*time.Minute))

	sessions := session.NewStore(func() *uploadclient.Client {
		return uploadclient.New(svc, logger)
	}, getDurationEnv("SESSION_TTL", 30*time.Minute), logger)
	defer sessions.Close()

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize
	r.LoadHTMLGlob(filepath.Join(getEnv("TEMPLATES_DIR", "templates"), "*.html"))
	handlers.RegisterRoutes(r, sessions, svc, logger)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	addr := getEnv("ADDR", ":8080")
	server := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	logger.Info("knee grading UI listening",
		zap.String("addr", addr), zap.String("predict_url", predictURL))
	if err := serveHTTPServer(server, 15*time.Second, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// initDatabase opens postgres when DATABASE_DSN is set and falls back to a
// local sqlite file otherwise, so the UI runs without infrastructure.
func initDatabase(ctx context.Context, zapLogger *zap.Logger) *gorm.DB {
	var dialector gorm.Dialector
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		dialector = postgres.Open(dsn)
	} else {
		path := getEnv("SQLITE_PATH", "knee-grader.db")
		zapLogger.Info("DATABASE_DSN not set, using sqlite", zap.String("path", path))
		dialector = sqlite.Open(path)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

// serveHTTPServerWithOptions runs the server until it fails or a shutdown
// signal arrives, then drains in-flight requests within shutdownTimeout. The
// listener and signal channel are injectable for tests.
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

	sigCh := signalCh
	stopSignals := func() {}
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() { signal.Stop(ch) }
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
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

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
