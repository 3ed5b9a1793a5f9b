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
	"golang.org/x/sync/errgroup"

	"github.com/labstock/reagentd/internal/app"
	jobmetrics "github.com/labstock/reagentd/internal/jobs"
	"github.com/labstock/reagentd/internal/observability"
	"github.com/labstock/reagentd/internal/platform/cache"
	"github.com/labstock/reagentd/internal/platform/db"
	"github.com/labstock/reagentd/internal/shared"
	"github.com/labstock/reagentd/internal/stockcount"
	stockcounthttp "github.com/labstock/reagentd/internal/stockcount/http"
	"github.com/labstock/reagentd/jobs"
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

	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.Postgres())
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	repo := stockcount.NewRepository(dbpool)
	if cfg.PGAutoMigrate {
		if err := repo.Migrate(ctx); err != nil {
			logger.Error("migrate schema", slog.Any("error", err))
			os.Exit(1)
		}
	}

	metrics := observability.NewMetrics()
	countMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	service := stockcount.NewService(repo, shared.NewAuditLogger(dbpool), shared.NewIdempotencyStore(dbpool), stockcount.ServiceConfig{
		Pacer:   cfg.Pacer(),
		Locker:  stockcount.NewRedisLocker(redisClient, cfg.CountLockTTL),
		Logger:  logger,
		Metrics: countMetrics,
	})

	queue, err := jobs.NewClient(cache.AsynqOpt(cfg.Redis()), cfg.TaskOptions()...)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	inspector := asynq.NewInspector(cache.AsynqOpt(cfg.Redis()))
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		CountHandler: stockcounthttp.NewHandler(logger, service, queue, cfg.APIRateLimit),
		JobHandler:   jobs.NewHandler(inspector, logger),
		Metrics:      metrics,
		Checks: map[string]app.ReadinessCheck{
			"postgres": dbpool.Ping,
			"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("http server", slog.Any("error", err))
		os.Exit(1)
	}
}
