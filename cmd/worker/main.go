package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/fiscal-engine/internal/app"
	"github.com/odyssey-erp/fiscal-engine/internal/fiscal/ledger"
	"github.com/odyssey-erp/fiscal-engine/internal/fiscal/obligations"
	jobmetrics "github.com/odyssey-erp/fiscal-engine/internal/jobs"
	"github.com/odyssey-erp/fiscal-engine/internal/platform/cache"
	"github.com/odyssey-erp/fiscal-engine/internal/platform/db"
	"github.com/odyssey-erp/fiscal-engine/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN, cfg.DBOptions("worker"))
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	registry := prometheus.NewRegistry()
	services, err := app.BuildServices(ctx, app.ServiceDeps{
		Config:     cfg,
		Logger:     logger,
		Pool:       pool,
		Redis:      redisClient,
		Registerer: registry,
	})
	if err != nil {
		logger.Error("build services", slog.Any("error", err))
		os.Exit(1)
	}
	jobMetrics := jobmetrics.NewMetrics(registry)

	closeJob := ledger.NewCloseJob(services.Ledger, logger, jobMetrics)
	generateJob := obligations.NewGenerateJob(services.Obligations, logger, jobMetrics)

	var cron []jobs.CronRegistration
	if cfg.LedgerCloseCron != "" {
		closeTask, err := jobs.NewLedgerCloseTask(jobs.LedgerClosePayload{})
		if err != nil {
			logger.Error("build ledger close task", slog.Any("error", err))
			os.Exit(1)
		}
		cron = append(cron, jobs.CronRegistration{
			Spec:    cfg.LedgerCloseCron,
			Task:    closeTask,
			Options: []asynq.Option{asynq.MaxRetry(3)},
		})
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   cfg.QueueRedis(),
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Location:    cfg.Location(),
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskLedgerClose, Handler: closeJob.Handle},
			{Type: jobs.TaskObligationGenerate, Handler: generateJob.Handle},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting worker",
		slog.Int("concurrency", cfg.WorkerConcurrency),
		slog.String("ledger_close_cron", cfg.LedgerCloseCron),
		slog.String("timezone", cfg.Location().String()))
	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
