package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/labstock/reagentd/internal/jobs"
	"github.com/labstock/reagentd/internal/stockcount"
)

// StockCountService describes the count engine driven by the worker.
type StockCountService interface {
	RunCount(ctx context.Context, req stockcount.RunCountRequest) (stockcount.RunResult, error)
	Retry(ctx context.Context, req stockcount.RetryRequest) (stockcount.RunResult, error)
}

// StockCountJob executes queued count runs and retries.
type StockCountJob struct {
	Service StockCountService
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewStockCountJob wires dependencies for the count handlers.
func NewStockCountJob(service StockCountService, logger *slog.Logger, metrics *jobmetrics.Metrics) *StockCountJob {
	return &StockCountJob{
		Service: service,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// HandleRun processes TaskStockCountRun tasks.
func (j *StockCountJob) HandleRun(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("stock count: service not configured")
	}
	var payload stockcount.RunCountRequest
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskStockCountRun)
	logger := j.log(TaskStockCountRun).With(slog.String("user_id", payload.UserID), slog.String("draft_id", payload.DraftID))
	start := j.now()
	result, err := j.Service.RunCount(ctx, payload)
	return tracker.End(j.finish(t, logger, result, err, start))
}

// HandleRetry processes TaskStockCountRetry tasks.
func (j *StockCountJob) HandleRetry(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("stock count: service not configured")
	}
	var payload stockcount.RetryRequest
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskStockCountRetry)
	logger := j.log(TaskStockCountRetry).With(slog.String("user_id", payload.UserID), slog.String("completed_count_id", payload.CompletedCountID))
	start := j.now()
	result, err := j.Service.Retry(ctx, payload)
	return tracker.End(j.finish(t, logger, result, err, start))
}

// finish logs the outcome and stores the result on the task. Errors that a
// redelivery cannot fix are marked to skip retries.
func (j *StockCountJob) finish(t *asynq.Task, logger *slog.Logger, result stockcount.RunResult, err error, start time.Time) error {
	if err != nil {
		if permanent(err) {
			logger.Warn("stock count rejected", slog.Any("error", err))
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		logger.Error("stock count failed", slog.Int("processed", result.ProcessedCount), slog.Int("total", result.TotalCount), slog.Any("error", err))
		return err
	}
	logger.Info("stock count finished",
		slog.String("completed_count_id", result.CompletedCountID),
		slog.Bool("success", result.Success),
		slog.Int("processed", result.ProcessedCount),
		slog.Int("total", result.TotalCount),
		slog.Int("errors", len(result.Errors)),
		slog.Duration("duration", j.now().Sub(start)))
	if w := t.ResultWriter(); w != nil {
		body, marshalErr := json.Marshal(result)
		if marshalErr == nil {
			_, marshalErr = w.Write(body)
		}
		if marshalErr != nil {
			logger.Warn("store task result", slog.Any("error", marshalErr))
		}
	}
	return nil
}

func permanent(err error) bool {
	return errors.Is(err, stockcount.ErrNoTrackedItems) ||
		errors.Is(err, stockcount.ErrDuplicateSubmission) ||
		errors.Is(err, stockcount.ErrCountNotFound) ||
		errors.Is(err, stockcount.ErrInvalidRequest) ||
		errors.Is(err, stockcount.ErrLockLost)
}

func (j *StockCountJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *StockCountJob) log(task string) *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", task))
	}
	return slog.Default().With(slog.String("job", task))
}

func (j *StockCountJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *StockCountJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
