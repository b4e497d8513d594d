package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/kyushbot/cmdgate/internal/app"
	"github.com/kyushbot/cmdgate/internal/observability"
	"github.com/kyushbot/cmdgate/internal/webhook"
	"github.com/kyushbot/cmdgate/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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
	slog.SetDefault(logger)

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
	if err := stores.Migrate(ctx); err != nil {
		logger.Error("migrate", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := observability.NewMetrics()
	sender := app.NewSender(cfg, logger)
	go sender.Run(ctx, time.Minute)

	g, err := app.NewGate(ctx, app.GateParams{
		Config:  cfg,
		Stores:  stores,
		Sender:  sender,
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("build gate", slog.Any("error", err))
		os.Exit(1)
	}
	if _, ok := cfg.Admin(); !ok {
		logger.Warn("ADMIN_ID not set, admin bypass disabled")
	}

	hook := webhook.NewHandler(g.Dispatcher, webhook.Config{
		Secret:      cfg.WebhookSecret,
		Concurrency: cfg.WebhookConcurrency,
		Logger:      logger,
		Metrics:     metrics,
	})

	var jobHandler *jobs.Handler
	if cfg.RedisAddr != "" {
		redisOpt, err := jobs.RedisOpt(cfg.RedisAddr)
		if err != nil {
			logger.Error("redis options", slog.Any("error", err))
			os.Exit(1)
		}
		inspector := asynq.NewInspector(redisOpt)
		defer inspector.Close()
		jobHandler = jobs.NewHandler(inspector, logger)
	}

	router := app.NewRouter(app.RouterParams{
		Logger:     logger,
		Config:     cfg,
		Metrics:    metrics,
		Webhook:    hook,
		JobHandler: jobHandler,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.Int("commands", len(g.Registry.Specs())))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	if err := hook.Shutdown(shutdownCtx); err != nil {
		logger.Error("drain dispatches", slog.Any("error", err))
	}
}
