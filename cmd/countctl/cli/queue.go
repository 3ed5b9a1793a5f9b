package cli

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"

	"github.com/labstock/reagentd/internal/stockcount"
	"github.com/labstock/reagentd/jobs"
)

// QueueCLI wraps the Asynq client and inspector for count jobs.
type QueueCLI struct {
	client    *jobs.Client
	inspector *asynq.Inspector
}

// NewQueueCLI initialises the helpers. taskOpts apply to every enqueued task.
func NewQueueCLI(redisOpts asynq.RedisClientOpt, taskOpts ...asynq.Option) (*QueueCLI, error) {
	client, err := jobs.NewClient(redisOpts, taskOpts...)
	if err != nil {
		return nil, err
	}
	return &QueueCLI{client: client, inspector: asynq.NewInspector(redisOpts)}, nil
}

// Close releases underlying resources.
func (c *QueueCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// EnqueueRun queues a count run.
func (c *QueueCLI) EnqueueRun(ctx context.Context, req stockcount.RunCountRequest) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("queue cli: client not configured")
	}
	return c.client.EnqueueStockCountRun(ctx, req)
}

// EnqueueRetry queues a retry of a completed count.
func (c *QueueCLI) EnqueueRetry(ctx context.Context, req stockcount.RetryRequest) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("queue cli: client not configured")
	}
	return c.client.EnqueueStockCountRetry(ctx, req)
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
}

// InspectQueue reports the metrics of the count queue.
func (c *QueueCLI) InspectQueue(ctx context.Context) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("queue cli: inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
		stats.Archived = info.Archived
	}
	return stats, nil
}

// ListRetry returns count tasks waiting for another attempt.
func (c *QueueCLI) ListRetry(ctx context.Context, size int) ([]*asynq.TaskInfo, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("queue cli: inspector not configured")
	}
	if size <= 0 {
		size = 10
	}
	return c.inspector.ListRetryTasks(jobs.QueueDefault, asynq.PageSize(size), asynq.Page(1))
}
