package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/labstock/reagentd/internal/app"
	"github.com/labstock/reagentd/internal/platform/cache"
	"github.com/labstock/reagentd/internal/platform/db"
	"github.com/labstock/reagentd/internal/shared"
	"github.com/labstock/reagentd/internal/stockcount"
)

// CountService runs and reads counts in-process.
type CountService interface {
	RunCount(ctx context.Context, req stockcount.RunCountRequest) (stockcount.RunResult, error)
	Retry(ctx context.Context, req stockcount.RetryRequest) (stockcount.RunResult, error)
	GetCount(ctx context.Context, id string) (stockcount.CompletedCount, error)
	ListCounts(ctx context.Context, limit int) ([]stockcount.CompletedCount, error)
}

// Queue submits and inspects count jobs.
type Queue interface {
	EnqueueRun(ctx context.Context, req stockcount.RunCountRequest) (*asynq.TaskInfo, error)
	EnqueueRetry(ctx context.Context, req stockcount.RetryRequest) (*asynq.TaskInfo, error)
	InspectQueue(ctx context.Context) (QueueStats, error)
	ListRetry(ctx context.Context, size int) ([]*asynq.TaskInfo, error)
}

// KeyPruner removes old draft submission keys.
type KeyPruner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Migrator applies the database schema.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// Env is the set of dependencies a command may use.
type Env struct {
	Service  CountService
	Queue    Queue
	Keys     KeyPruner
	Migrator Migrator
	close    []func() error
}

// Close releases every connection opened by Connect.
func (e *Env) Close() error {
	if e == nil {
		return nil
	}
	var errs []error
	for i := len(e.close) - 1; i >= 0; i-- {
		errs = append(errs, e.close[i]())
	}
	return errors.Join(errs...)
}

// Connector builds the Env for a command invocation.
type Connector func(ctx context.Context, opts *RootOptions, stderr io.Writer) (*Env, error)

// Connect wires the production dependencies from environment configuration.
func Connect(ctx context.Context, opts *RootOptions, stderr io.Writer) (*Env, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	if opts.Verbose {
		cfg.LogLevel = "debug"
	} else if cfg.LogLevel == "info" {
		cfg.LogLevel = "warn"
	}
	logger := app.NewLoggerTo(cfg, stderr)

	env := &Env{}
	pool, err := db.New(ctx, cfg.PGDSN, cfg.Postgres())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "connect postgres", err)
	}
	env.close = append(env.close, func() error { pool.Close(); return nil })

	redisClient, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		_ = env.Close()
		return nil, WrapExitError(ExitCommandError, "connect redis", err)
	}
	env.close = append(env.close, redisClient.Close)

	queue, err := NewQueueCLI(cache.AsynqOpt(cfg.Redis()), cfg.TaskOptions()...)
	if err != nil {
		_ = env.Close()
		return nil, WrapExitError(ExitCommandError, "init queue", err)
	}
	env.close = append(env.close, queue.Close)

	repo := stockcount.NewRepository(pool)
	idem := shared.NewIdempotencyStore(pool)
	env.Service = stockcount.NewService(repo, shared.NewAuditLogger(pool), idem, stockcount.ServiceConfig{
		Pacer:  cfg.Pacer(),
		Locker: stockcount.NewRedisLocker(redisClient, cfg.CountLockTTL),
		Logger: logger.With(slog.String("component", "countctl")),
	})
	env.Queue = queue
	env.Keys = idem
	env.Migrator = repo
	return env, nil
}
