package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labstock/reagentd/internal/stockcount"
)

type fakeService struct {
	runs    []stockcount.RunCountRequest
	retries []stockcount.RetryRequest
	result  stockcount.RunResult
	err     error
	counts  map[string]stockcount.CompletedCount
}

func (f *fakeService) RunCount(_ context.Context, req stockcount.RunCountRequest) (stockcount.RunResult, error) {
	f.runs = append(f.runs, req)
	return f.result, f.err
}

func (f *fakeService) Retry(_ context.Context, req stockcount.RetryRequest) (stockcount.RunResult, error) {
	f.retries = append(f.retries, req)
	return f.result, f.err
}

func (f *fakeService) GetCount(_ context.Context, id string) (stockcount.CompletedCount, error) {
	c, ok := f.counts[id]
	if !ok {
		return stockcount.CompletedCount{}, stockcount.ErrCountNotFound
	}
	return c, nil
}

func (f *fakeService) ListCounts(_ context.Context, limit int) ([]stockcount.CompletedCount, error) {
	out := []stockcount.CompletedCount{}
	for _, c := range f.counts {
		if len(out) == limit {
			break
		}
		out = append(out, c)
	}
	return out, nil
}

type fakeQueue struct {
	runs    []stockcount.RunCountRequest
	retries []stockcount.RetryRequest
	err     error
}

func (q *fakeQueue) EnqueueRun(_ context.Context, req stockcount.RunCountRequest) (*asynq.TaskInfo, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.runs = append(q.runs, req)
	return &asynq.TaskInfo{ID: "t1", Queue: "default", Type: "stockcount:run", State: asynq.TaskStatePending}, nil
}

func (q *fakeQueue) EnqueueRetry(_ context.Context, req stockcount.RetryRequest) (*asynq.TaskInfo, error) {
	q.retries = append(q.retries, req)
	return &asynq.TaskInfo{ID: "t2", Queue: "default", Type: "stockcount:retry", State: asynq.TaskStatePending}, nil
}

func (q *fakeQueue) InspectQueue(context.Context) (QueueStats, error) {
	return QueueStats{Queue: "default", Pending: 2, Retry: 1}, nil
}

func (q *fakeQueue) ListRetry(_ context.Context, size int) ([]*asynq.TaskInfo, error) {
	return []*asynq.TaskInfo{{ID: "t9", Type: "stockcount:run", State: asynq.TaskStateRetry, Retried: 2, LastErr: "redis down"}}, nil
}

type fakeKeys struct{ olderThan time.Duration }

func (k *fakeKeys) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) {
	k.olderThan = olderThan
	return 3, nil
}

type fakeMigrator struct{ applied bool }

func (m *fakeMigrator) Migrate(context.Context) error {
	m.applied = true
	return nil
}

type harness struct {
	service  *fakeService
	queue    *fakeQueue
	keys     *fakeKeys
	migrator *fakeMigrator
	closed   int
}

func newHarness() *harness {
	return &harness{
		service:  &fakeService{result: stockcount.RunResult{Success: true, Message: "done", Errors: []string{}, ProcessedCount: 1, TotalCount: 1, CompletedCountID: "c1"}},
		queue:    &fakeQueue{},
		keys:     &fakeKeys{},
		migrator: &fakeMigrator{},
	}
}

func (h *harness) connect(context.Context, *RootOptions, io.Writer) (*Env, error) {
	return &Env{
		Service:  h.service,
		Queue:    h.queue,
		Keys:     h.keys,
		Migrator: h.migrator,
		close:    []func() error{func() error { h.closed++; return nil }},
	}, nil
}

func (h *harness) execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand(h.connect)
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeEntries(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "entries.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func decode(t *testing.T, out string) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	return resp
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand(newHarness().connect)
	for _, name := range []string{"run", "retry", "show", "list", "queue", "prune-keys", "migrate"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestInvalidFormat(t *testing.T) {
	_, err := newHarness().execute(t, "--format", "xml", "queue")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRunQueuesByDefault(t *testing.T) {
	h := newHarness()
	path := writeEntries(t, `{"counted_entries_by_item":{"a":[{"batch_label":"L1","quantity":3}]}}`)

	out, err := h.execute(t, "--format", "json", "run", "-f", path, "--user", "u1", "--draft", "d1")
	require.NoError(t, err)
	require.Len(t, h.queue.runs, 1)
	assert.Equal(t, "d1", h.queue.runs[0].DraftID)
	assert.Equal(t, "u1", h.queue.runs[0].UserID)
	assert.Equal(t, stockcount.Quantity("3"), h.queue.runs[0].EntriesByItem["a"][0].Quantity)
	assert.Empty(t, h.service.runs)
	assert.Equal(t, 1, h.closed)

	resp := decode(t, out)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "t1", resp.Data.(map[string]any)["task_id"])
}

func TestRunSync(t *testing.T) {
	h := newHarness()
	path := writeEntries(t, `{"user_id":"u1"}`)

	out, err := h.execute(t, "run", "-f", path, "--sync")
	require.NoError(t, err)
	require.Len(t, h.service.runs, 1)
	assert.Contains(t, out, "done")
	assert.Contains(t, out, "processed:       1/1")
}

func TestRunSyncUnsuccessfulExitsWithFailure(t *testing.T) {
	h := newHarness()
	h.service.result = stockcount.RunResult{Success: false, Message: "only 1 of 4", Errors: []string{"x", "y", "z"}, ProcessedCount: 1, TotalCount: 4, CompletedCountID: "c1"}
	path := writeEntries(t, `{"user_id":"u1"}`)

	out, err := h.execute(t, "--format", "json", "run", "-f", path, "--sync")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	resp := decode(t, out)
	assert.Equal(t, "failed", resp.Status)
}

func TestRunRequiresUser(t *testing.T) {
	h := newHarness()
	path := writeEntries(t, `{}`)

	_, err := h.execute(t, "run", "-f", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Empty(t, h.queue.runs)
}

func TestRunRejectsBadFile(t *testing.T) {
	h := newHarness()

	_, err := h.execute(t, "run", "-f", filepath.Join(t.TempDir(), "missing.json"), "--user", "u1")
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = h.execute(t, "run", "-f", writeEntries(t, `{not json`), "--user", "u1")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRunDuplicateDraft(t *testing.T) {
	h := newHarness()
	h.queue.err = stockcount.ErrDuplicateSubmission

	out, err := h.execute(t, "--format", "json", "run", "-f", writeEntries(t, `{"user_id":"u1","draft_id":"d1"}`))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, "error", decode(t, out).Status)
}

func TestRetry(t *testing.T) {
	h := newHarness()
	h.service.counts = map[string]stockcount.CompletedCount{"c1": {ID: "c1"}}

	_, err := h.execute(t, "retry", "c1", "--user", "u2")
	require.NoError(t, err)
	assert.Equal(t, []stockcount.RetryRequest{{CompletedCountID: "c1", UserID: "u2"}}, h.queue.retries)

	_, err = h.execute(t, "retry", "missing", "--user", "u2")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Len(t, h.queue.retries, 1)

	_, err = h.execute(t, "retry", "c1", "--user", "u2", "--sync")
	require.NoError(t, err)
	assert.Len(t, h.service.retries, 1)
}

func TestShowAndList(t *testing.T) {
	h := newHarness()
	h.service.counts = map[string]stockcount.CompletedCount{"c1": {
		ID:                   "c1",
		CountDate:            time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC),
		ReagentsUpdatedCount: 2,
		ReagentsTotalCount:   3,
		LastErrors:           []string{"Reagent b (b): boom"},
	}}

	out, err := h.execute(t, "show", "c1")
	require.NoError(t, err)
	assert.Contains(t, out, "updated:         2/3")
	assert.Contains(t, out, "error: Reagent b (b): boom")

	out, err = h.execute(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "2026-10-18")
	assert.Contains(t, out, "2/3")

	out, err = h.execute(t, "--format", "json", "show", "c1")
	require.NoError(t, err)
	data := decode(t, out).Data.(map[string]any)
	assert.Equal(t, "c1", data["id"])
}

func TestQueue(t *testing.T) {
	h := newHarness()

	out, err := h.execute(t, "queue", "--retries", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "pending=2")
	assert.Contains(t, out, "t9 stockcount:run retried=2: redis down")
}

func TestPruneKeys(t *testing.T) {
	h := newHarness()

	out, err := h.execute(t, "prune-keys", "--older-than", "48h")
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, h.keys.olderThan)
	assert.Contains(t, out, "deleted 3 draft key(s)")

	_, err = h.execute(t, "prune-keys", "--older-than", "0s")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestMigrate(t *testing.T) {
	h := newHarness()

	out, err := h.execute(t, "migrate")
	require.NoError(t, err)
	assert.True(t, h.migrator.applied)
	assert.Contains(t, out, "schema applied")
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(NewExitError(ExitFailure, "x")))
	assert.Equal(t, ExitCommandError, GetExitCode(io.EOF))
}
