package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"flowbox/internal/api"
	"flowbox/internal/config"
	"flowbox/internal/fsm"
	"flowbox/internal/metrics"
	"flowbox/internal/model"
	"flowbox/internal/queue"
	"flowbox/internal/repository"
	"flowbox/internal/service"
	"flowbox/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func main() {
	// 1. Load Configuration
	cfg := config.Load()

	// Initialize logger
	logger.InitLogger(cfg.Server.Environment)
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Error("application startup failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	// 2. Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Initialize Infrastructure
	rdb, err := initRedis(cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	db, err := initDB(cfg.MySQL)
	if err != nil {
		return err
	}

	// 4. Initialize Repositories
	atomic := repository.NewAtomic(db)
	aggRepo := repository.NewAggregateRepository(db)
	outboxRepo := repository.NewOutboxRepository(db)
	dlqRepo := repository.NewDLQRepository(db)

	// 5. Initialize Services
	observer := metrics.NewPrometheusObserver()
	jobQueue := queue.NewRedisQueue(rdb, cfg.Queue.Key, cfg.Queue.DequeueTimeout)

	commandSvc := service.NewCommandService(atomic, aggRepo, outboxRepo, observer)

	dispatcher := service.NewDispatcher(atomic, outboxRepo, dlqRepo, jobQueue, commandSvc, observer, service.DispatcherConfig{
		BatchSize:     cfg.Dispatcher.BatchSize,
		FastInterval:  cfg.Dispatcher.FastInterval,
		SlowInterval:  cfg.Dispatcher.SlowInterval,
		IdleThreshold: cfg.Dispatcher.IdleThreshold,
		MaxRetries:    cfg.Dispatcher.MaxRetries,
		RetryBase:     cfg.Dispatcher.RetryBase,
		RetryCap:      cfg.Dispatcher.RetryCap,
	})

	registry := service.NewHandlerRegistry()
	registerHandlers(registry)
	worker := service.NewWorker(jobQueue, commandSvc, registry, observer, cfg.Worker.Concurrency)

	// 6. Start Background Routines
	go func() {
		logger.Info("starting outbox dispatcher")
		dispatcher.Run(ctx)
	}()
	go func() {
		logger.Info("starting worker pool")
		worker.Run(ctx)
	}()

	// 7. Setup HTTP Server
	r := api.RegisterRoutes(
		api.NewPipelineHandler(commandSvc, dlqRepo, jobQueue),
		rdb,
		cfg.RateLimit.RequestsPerSecond,
	)

	srv := &http.Server{
		Addr:    cfg.Server.Port,
		Handler: r,
	}

	// 8. Start Server
	go func() {
		logger.Info("server starting",
			zap.String("addr", cfg.Server.Port),
			zap.String("env", cfg.Server.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server listen failed", zap.Error(err))
		}
	}()

	// 9. Graceful Shutdown Signal Wait
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Signal dispatcher and workers to stop
	cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server exited properly")
	return nil
}

// registerHandlers binds the pipeline stage handlers. Each handler must be
// idempotent; the worker may deliver the same job more than once.
func registerHandlers(registry *service.HandlerRegistry) {
	registry.Register(fsm.JobGenerateOutline, stageHandler("outline generated"))
	registry.Register(fsm.JobGenerateDraft, stageHandler("draft generated"))
	registry.Register(fsm.JobReviewDraft, stageHandler("draft reviewed"))
	registry.Register(fsm.JobNotifyComplete, stageHandler("completion notified"))
	registry.Register(fsm.JobNotifyCanceled, stageHandler("cancellation notified"))
}

// stageHandler is the built-in placeholder executor. Real deployments replace
// these with calls into the generation and notification backends.
func stageHandler(message string) service.JobHandler {
	return func(ctx context.Context, job queue.Job) error {
		logger.Info(message,
			zap.String("job_id", job.ID),
			zap.String("job_type", job.Type),
			zap.String("aggregate_id", job.AggregateID))
		return nil
	}
}

// -- Infrastructure Initializers --

func initRedis(cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

func initDB(cfg config.MySQLConfig) (*gorm.DB, error) {
	// TranslateError turns driver duplicate-key errors into
	// gorm.ErrDuplicatedKey, which the command service relies on to detect
	// create races.
	db, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mysql: %w", err)
	}

	// Simple auto-migrate for dev convenience
	err = db.AutoMigrate(
		&model.Aggregate{},
		&model.OutboxEntry{},
		&model.DLQEntry{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}
