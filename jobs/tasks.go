package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/labstock/reagentd/internal/jobs"
	"github.com/labstock/reagentd/internal/stockcount"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskStockCountRun applies a submitted inventory count.
	TaskStockCountRun = "stockcount:run"
	// TaskStockCountRetry re-runs a persisted count from its snapshots.
	TaskStockCountRetry = "stockcount:retry"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// DraftTaskID is the task id used to deduplicate submissions of one draft.
func DraftTaskID(draftID string) string {
	if draftID == "" {
		return ""
	}
	return "stockcount:draft:" + draftID
}

// NewStockCountRunTask constructs an Asynq task for a count run. Runs tied to
// a draft carry a task id so the same draft cannot be queued twice.
func NewStockCountRunTask(req stockcount.RunCountRequest, opts ...asynq.Option) (*asynq.Task, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	base := []asynq.Option{asynq.Queue(QueueDefault)}
	if id := DraftTaskID(req.DraftID); id != "" {
		base = append(base, asynq.TaskID(id))
	}
	return asynq.NewTask(TaskStockCountRun, body, append(base, opts...)...), nil
}

// NewStockCountRetryTask constructs an Asynq task retrying a completed count.
func NewStockCountRetryTask(req stockcount.RetryRequest, opts ...asynq.Option) (*asynq.Task, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockCountRetry, body, append([]asynq.Option{asynq.Queue(QueueDefault)}, opts...)...), nil
}
