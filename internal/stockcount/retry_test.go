package stockcount

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRetryReplaysSnapshots(t *testing.T) {
	f := newServiceFixture(t, "a", "b")
	f.store.addBatch(Batch{ID: "a1", ItemID: "a", BatchLabel: "A1", ExpiryDate: "2027-01-01", CurrentQuantity: 5})
	f.store.addBatch(Batch{ID: "b1", ItemID: "b", BatchLabel: "B1", CurrentQuantity: 8})
	f.store.failFilter["b"] = errInjected

	res, err := f.svc.RunCount(context.Background(), RunCountRequest{
		EntriesByItem: map[string][]CountEntry{
			"a": {entry("A1", "", 4)},
			"b": {entry("B1", "", 7)},
		},
		UserID: "u1",
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.ProcessedCount)
	delete(f.store.failFilter, "b")

	retried, err := f.svc.Retry(context.Background(), RetryRequest{CompletedCountID: res.CompletedCountID, UserID: "u2"})
	require.NoError(t, err)
	require.True(t, retried.Success)
	require.Equal(t, 2, retried.ProcessedCount)
	require.Equal(t, 2, retried.TotalCount)
	require.Equal(t, res.CompletedCountID, retried.CompletedCountID)

	a1, _ := f.store.batchByLabel("a", "A1")
	require.Equal(t, 4, a1.CurrentQuantity)
	require.Equal(t, "2027-01-01", a1.ExpiryDate)

	// b failed during the run, so the retry applies its submitted entries.
	b1, _ := f.store.batchByLabel("b", "B1")
	require.Equal(t, 7, b1.CurrentQuantity)
	require.Equal(t, BatchActive, b1.Status)

	count := f.store.onlyCount()
	require.Equal(t, 1, count.RetryCount)
	require.NotNil(t, count.LastRetryAt)
	require.Equal(t, fixedNow, *count.LastRetryAt)
	require.True(t, count.ReagentUpdatesCompleted)
	require.Equal(t, 2, count.ReagentsUpdatedCount)
	require.Empty(t, count.LastErrors)
	require.Equal(t, 5, count.Entries["a"].Batches["A1_2027-01-01"].PreviousQuantity)
	require.Equal(t, 8, count.Entries["b"].Batches["B1_"].PreviousQuantity)

	require.Len(t, f.audit.logs, 2)
	require.Equal(t, "stockcount:retry", f.audit.logs[1].Action)
	require.Equal(t, "u2", f.audit.logs[1].ActorID)
}

func TestRetryReproducesOriginalEffect(t *testing.T) {
	f := newServiceFixture(t, "a")
	f.store.addBatch(Batch{ID: "ba", ItemID: "a", BatchLabel: "A", CurrentQuantity: 2})
	f.store.addBatch(Batch{ID: "bb", ItemID: "a", BatchLabel: "B", CurrentQuantity: 3})

	res, err := f.svc.RunCount(context.Background(), RunCountRequest{
		EntriesByItem: map[string][]CountEntry{"a": {entry("A", "", 5), entry("B", "", 0)}},
		UserID:        "u1",
	})
	require.NoError(t, err)
	snap := f.store.onlyCount().Entries["a"]
	require.Equal(t, []CountEntry{entry("A", "", 5), entry("B", "", 0)}, snap.Entries())

	// Stock moves after the count.
	ctx := context.Background()
	one, four, active := 1, 4, BatchActive
	require.NoError(t, f.store.UpdateBatch(ctx, "ba", BatchUpdate{CurrentQuantity: &one}))
	require.NoError(t, f.store.UpdateBatch(ctx, "bb", BatchUpdate{CurrentQuantity: &four, Status: &active}))

	_, err = f.svc.Retry(ctx, RetryRequest{CompletedCountID: res.CompletedCountID, UserID: "u1"})
	require.NoError(t, err)

	a, _ := f.store.batchByLabel("a", "A")
	require.Equal(t, 5, a.CurrentQuantity)
	require.Equal(t, BatchActive, a.Status)
	b, _ := f.store.batchByLabel("a", "B")
	require.Equal(t, 0, b.CurrentQuantity)
	require.Equal(t, BatchConsumed, b.Status)
	require.Equal(t, 5, f.store.item("a").TotalQuantity)
	require.Equal(t, 1, f.store.item("a").ActiveBatchCount)
	require.Len(t, f.store.batchesOf("a"), 2)
}

func TestRetryResumesInterruptedRun(t *testing.T) {
	f := newServiceFixture(t, "a", "b")
	f.store.addBatch(Batch{ID: "b1", ItemID: "b", BatchLabel: "B1", CurrentQuantity: 5})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.store.onFilter = func(itemID string) {
		if itemID == "a" {
			cancel()
		}
	}

	res, err := f.svc.RunCount(ctx, RunCountRequest{
		EntriesByItem: map[string][]CountEntry{
			"a": {entry("A1", "", 2)},
			"b": {entry("B1", "", 9)},
		},
		UserID: "u1",
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, res.ProcessedCount)
	b1, _ := f.store.batchByLabel("b", "B1")
	require.Equal(t, 5, b1.CurrentQuantity)

	f.store.onFilter = nil
	retried, err := f.svc.Retry(context.Background(), RetryRequest{CompletedCountID: res.CompletedCountID, UserID: "u1"})
	require.NoError(t, err)
	require.True(t, retried.Success)

	b1, _ = f.store.batchByLabel("b", "B1")
	require.Equal(t, 9, b1.CurrentQuantity)
	require.Equal(t, BatchActive, b1.Status)
	a1, _ := f.store.batchByLabel("a", "A1")
	require.Equal(t, 2, a1.CurrentQuantity)
	count := f.store.onlyCount()
	require.True(t, count.ReagentUpdatesCompleted)
	require.Equal(t, 9, count.Entries["b"].Batches["B1_"].CountedQuantity)
}

func TestRetryWithoutSubmittedEntriesRetiresItem(t *testing.T) {
	f := newServiceFixture(t, "a")
	f.store.addBatch(Batch{ID: "a1", ItemID: "a", BatchLabel: "A1", CurrentQuantity: 5})
	_, err := f.store.CreateCount(context.Background(), CompletedCount{ID: "legacy", CountDate: fixedNow})
	require.NoError(t, err)

	_, err = f.svc.Retry(context.Background(), RetryRequest{CompletedCountID: "legacy", UserID: "u1"})
	require.NoError(t, err)

	a1, _ := f.store.batchByLabel("a", "A1")
	require.Equal(t, 0, a1.CurrentQuantity)
	require.Equal(t, BatchConsumed, a1.Status)
}

func TestRetryIncrementsRetryCount(t *testing.T) {
	f := newServiceFixture(t, "a")
	res, err := f.svc.RunCount(context.Background(), RunCountRequest{UserID: "u1"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := f.svc.Retry(context.Background(), RetryRequest{CompletedCountID: res.CompletedCountID, UserID: "u1"})
		require.NoError(t, err)
	}
	require.Equal(t, 2, f.store.onlyCount().RetryCount)
}

func TestRetryRecordsErrors(t *testing.T) {
	f := newServiceFixture(t, "a", "b")
	res, err := f.svc.RunCount(context.Background(), RunCountRequest{UserID: "u1"})
	require.NoError(t, err)
	f.store.failFilter["a"] = errInjected

	retried, err := f.svc.Retry(context.Background(), RetryRequest{CompletedCountID: res.CompletedCountID, UserID: "u1"})
	require.NoError(t, err)
	require.False(t, retried.Success)
	require.Len(t, retried.Errors, 1)
	require.Equal(t, retried.Errors, f.store.onlyCount().LastErrors)
}

func TestRetryUnknownCount(t *testing.T) {
	f := newServiceFixture(t, "a")

	_, err := f.svc.Retry(context.Background(), RetryRequest{CompletedCountID: "missing", UserID: "u1"})
	require.ErrorIs(t, err, ErrCountNotFound)
	require.Equal(t, 1, f.locker.released)
}

func TestRetryValidatesRequest(t *testing.T) {
	f := newServiceFixture(t, "a")

	_, err := f.svc.Retry(context.Background(), RetryRequest{UserID: "u1"})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestEntrySnapshotEntriesAreOrdered(t *testing.T) {
	snap := EntrySnapshot{Batches: map[string]BatchSnapshot{
		"Z_":           {BatchNumberSnapshot: "Z", CountedQuantity: 1},
		"A_2027-01-01": {BatchNumberSnapshot: "A", ExpiryDateSnapshot: "2027-01-01", CountedQuantity: 3},
	}}
	require.Equal(t, []CountEntry{
		{BatchLabel: "A", ExpiryDate: "2027-01-01", Quantity: "3"},
		{BatchLabel: "Z", Quantity: "1"},
	}, snap.Entries())
}
