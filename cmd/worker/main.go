package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-targets/internal/app"
	jobmetrics "github.com/odyssey-erp/odyssey-targets/internal/jobs"
	"github.com/odyssey-erp/odyssey-targets/internal/ledger"
	"github.com/odyssey-erp/odyssey-targets/internal/orgtree"
	"github.com/odyssey-erp/odyssey-targets/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-targets/internal/platform/db"
	"github.com/odyssey-erp/odyssey-targets/internal/report"
	"github.com/odyssey-erp/odyssey-targets/internal/weights"
	"github.com/odyssey-erp/odyssey-targets/jobs"
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

	roots, err := cfg.ParseWarmupRoots()
	if err != nil {
		logger.Error("parse warmup roots", slog.Any("error", err))
		os.Exit(1)
	}

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns, MaxConnLifetime: cfg.PGConnMaxLife})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	reportCache := report.NewCache(redisClient, cfg.ReportCacheTTL)
	// The worker only reads weights, so it never needs the publish lock.
	weightService := weights.NewService(weights.NewRepository(pool), nil, reportCache, weights.Config{ReadTimeout: cfg.UpstreamTimeout}, logger)
	reportService := report.NewService(
		orgtree.NewLoader(orgtree.NewRepository(pool), cfg.UpstreamTimeout),
		ledger.NewRepository(pool),
		weightService,
		reportCache,
		report.Config{
			UpstreamTimeout: cfg.UpstreamTimeout,
			Precision:       cfg.AllocationPrecision,
			TrendMaxNodes:   cfg.TrendMaxNodes,
		},
		logger,
	)

	warmupJob := jobs.NewReportWarmupJob(reportService, roots, logger, jobmetrics.NewMetrics(nil))
	warmupTask, err := jobs.NewReportWarmupTask(jobs.ReportWarmupPayload{Weighted: cfg.WarmupWeighted})
	if err != nil {
		logger.Error("build warmup task", slog.Any("error", err))
		os.Exit(1)
	}

	var cron []jobs.CronRegistration
	if !reportCache.Enabled() {
		logger.Info("report cache disabled, scheduled warmups off")
	}
	if cfg.WarmupCron != "" && len(roots) > 0 && reportCache.Enabled() {
		cron = append(cron, jobs.CronRegistration{
			Spec:    cfg.WarmupCron,
			Task:    warmupTask,
			Options: []asynq.Option{asynq.MaxRetry(3), asynq.Unique(5 * time.Minute)},
		})
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskReportWarmup, Handler: warmupJob.Handle},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
