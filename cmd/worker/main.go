package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-consol/internal/app"
	jobmetrics "github.com/odyssey-erp/odyssey-consol/internal/jobs"
	"github.com/odyssey-erp/odyssey-consol/internal/observability"
	"github.com/odyssey-erp/odyssey-consol/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-consol/internal/platform/lock"
	"github.com/odyssey-erp/odyssey-consol/internal/tenant"
	"github.com/odyssey-erp/odyssey-consol/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	locker := lock.NewRedisLocker(redisClient, lock.RedisConfig{
		TTL:            cfg.LockTTL,
		AcquireTimeout: cfg.LockAcquireTimeout,
		Logger:         logger,
	})
	registry := tenant.NewRegistry(tenant.Config{
		DSNTemplate:     cfg.PGDSNTemplate,
		BaseCurrency:    cfg.BaseCurrency,
		RuleParallelism: cfg.RuleParallelism,
		Locker:          locker,
		Logger:          logger,
	}, nil)
	defer registry.Close()

	resolve := func(ctx context.Context, id string) (jobs.Services, error) {
		unit, err := registry.Open(ctx, id)
		if err != nil {
			return jobs.Services{}, err
		}
		return jobs.Services{Rules: unit.Consol, Journal: unit.Journal, Idempotency: unit.Idempotency}, nil
	}
	obs := observability.NewMetrics()
	metrics := jobmetrics.NewMetrics(obs.Registerer())
	handlers := jobs.NewHandlers(resolve, logger, metrics)

	cron, err := jobs.ScheduledTasks(cfg.ScheduledTenants)
	if err != nil {
		logger.Error("build scheduled tasks", slog.Any("error", err))
		os.Exit(1)
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Handlers:    handlers.TaskHandlers(),
		Cron:        cron,
		Concurrency: cfg.WorkerConcurrency,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	router := obs.Router(jobs.NewHandler(inspector, logger).MountRoutes)
	server := &http.Server{Addr: cfg.HealthAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("starting health server", slog.String("addr", cfg.HealthAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server", slog.Any("error", err))
			stop()
		}
	}()

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
