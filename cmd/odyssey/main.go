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

	"github.com/odyssey-erp/odyssey-targets/internal/app"
	"github.com/odyssey-erp/odyssey-targets/internal/ledger"
	"github.com/odyssey-erp/odyssey-targets/internal/observability"
	"github.com/odyssey-erp/odyssey-targets/internal/orgtree"
	"github.com/odyssey-erp/odyssey-targets/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-targets/internal/platform/db"
	"github.com/odyssey-erp/odyssey-targets/internal/report"
	reporthttp "github.com/odyssey-erp/odyssey-targets/internal/report/http"
	"github.com/odyssey-erp/odyssey-targets/internal/weights"
	"github.com/odyssey-erp/odyssey-targets/jobs"
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

	dbpool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns, MaxConnLifetime: cfg.PGConnMaxLife})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	if err := report.SetupMetrics(metrics.Registerer()); err != nil {
		logger.Error("register report metrics", slog.Any("error", err))
		os.Exit(1)
	}
	if err := weights.SetupPublishMetrics(metrics.Registerer()); err != nil {
		logger.Error("register publish metrics", slog.Any("error", err))
		os.Exit(1)
	}

	reportCache := report.NewCache(redisClient, cfg.ReportCacheTTL)
	if err := reportCache.ListenForInvalidation(ctx, report.BumpChannel); err != nil {
		logger.Warn("report cache invalidation listener", slog.Any("error", err))
	}

	treeLoader := orgtree.NewLoader(orgtree.NewRepository(dbpool), cfg.UpstreamTimeout)
	weightService := weights.NewService(
		weights.NewRepository(dbpool),
		cache.NewLocker(redisClient),
		reportCache,
		weights.Config{
			ReadTimeout: cfg.UpstreamTimeout,
			LockTTL:     cfg.PublishLockTTL,
			LockWait:    cfg.PublishLockWait,
			Retries:     cfg.PublishRetries,
		},
		logger,
	).WithTreeLoader(treeLoader)

	reportService := report.NewService(
		treeLoader,
		ledger.NewRepository(dbpool),
		weightService,
		reportCache,
		report.Config{
			UpstreamTimeout: cfg.UpstreamTimeout,
			Precision:       cfg.AllocationPrecision,
			TrendMaxNodes:   cfg.TrendMaxNodes,
		},
		logger,
	)
	targetHandler := reporthttp.NewHandler(logger, reportService, weightService)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobsClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, jobsClient, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		TargetHandler: targetHandler,
		JobHandler:    jobHandler,
		Metrics:       metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
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
}
