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

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/kyushbot/cmdgate/internal/app"
	jobmetrics "github.com/kyushbot/cmdgate/internal/jobs"
	"github.com/kyushbot/cmdgate/internal/observability"
	"github.com/kyushbot/cmdgate/internal/ratelimit"
	"github.com/kyushbot/cmdgate/jobs"
)

// staticRegistry accepts every command; the worker never mutates rules.
type staticRegistry struct{}

func (staticRegistry) IsRegistered(string) bool { return true }

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

	stores, err := app.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.Error("open stores", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.Warn("close stores", slog.Any("error", err))
		}
	}()

	limiter, err := ratelimit.NewLimiter(ctx, stores.Rules, stores.Events, staticRegistry{}, ratelimit.WithLogger(logger))
	if err != nil {
		logger.Error("load rate rules", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := observability.NewMetrics()
	pruneJob := jobs.NewPruneRateEventsJob(stores.Events, limiter, logger, jobmetrics.NewMetrics(metrics.Registerer()))
	pruneTask, err := jobs.NewPruneRateEventsTask(cfg.RateEventRetention)
	if err != nil {
		logger.Error("build prune task", slog.Any("error", err))
		os.Exit(1)
	}

	redisOpt, err := jobs.RedisOpt(cfg.RedisAddr)
	if err != nil {
		logger.Error("redis options", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpt,
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskPruneRateEvents, Handler: pruneJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.PruneCron, Task: pruneTask, Options: []asynq.Option{asynq.MaxRetry(3), asynq.Unique(time.Hour)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("worker metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
