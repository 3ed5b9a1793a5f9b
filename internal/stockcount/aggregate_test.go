package stockcount

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestApplyAggregates(t *testing.T) {
	item := reagent("a")
	item.ReservedQuantity = 3
	item.OldestBatchDate = "2027-06-01"
	batches := []Batch{
		{BatchLabel: "L1", CurrentQuantity: 4, ExpiryDate: "2027-03-01", Status: BatchActive},
		{BatchLabel: "L2", CurrentQuantity: 6, ExpiryDate: "2026-12-15T00:00:00Z", Status: BatchActive},
		{BatchLabel: "L3", CurrentQuantity: 0, ExpiryDate: "2026-01-01", Status: BatchConsumed},
		{BatchLabel: "L4", CurrentQuantity: 2, ExpiryDate: "not a date", Status: BatchActive},
	}

	got := ApplyAggregates(item, batches, fixedNow)
	require.Equal(t, 12, got.TotalQuantity)
	require.Equal(t, 3, got.ActiveBatchCount)
	require.Equal(t, "2026-12-15", got.NearestExpiryDate)
	require.Equal(t, "2026-12-15", got.OldestBatchDate)
	require.Equal(t, StockInStock, got.StockStatus)
	require.Equal(t, 9, got.AvailableQuantity)
	require.Equal(t, fixedNow, *got.LastCountDate)
	require.Equal(t, item.Name, got.Name)
}

func TestApplyAggregatesKeepsEarlierOldestDate(t *testing.T) {
	item := reagent("a")
	item.OldestBatchDate = "2025-01-01"

	got := ApplyAggregates(item, []Batch{{CurrentQuantity: 1, ExpiryDate: "2027-01-01", Status: BatchActive}}, fixedNow)
	require.Equal(t, "2025-01-01", got.OldestBatchDate)
	require.Equal(t, "2027-01-01", got.NearestExpiryDate)
}

func TestApplyAggregatesWithoutActiveBatches(t *testing.T) {
	item := reagent("a")
	item.NearestExpiryDate = "2026-01-01"
	item.OldestBatchDate = "2025-01-01"
	item.ReservedQuantity = 2

	got := ApplyAggregates(item, nil, fixedNow)
	require.Equal(t, 0, got.TotalQuantity)
	require.Equal(t, 0, got.ActiveBatchCount)
	require.Empty(t, got.NearestExpiryDate)
	require.Equal(t, "2025-01-01", got.OldestBatchDate)
	require.Equal(t, StockOutOfStock, got.StockStatus)
	require.Equal(t, 0, got.AvailableQuantity)
}

func TestParseDate(t *testing.T) {
	cases := map[string]struct {
		in   string
		ok   bool
		want string
	}{
		"date":      {in: "2026-02-03", ok: true, want: "2026-02-03"},
		"timestamp": {in: "2026-02-03T15:04:05+07:00", ok: true, want: "2026-02-03"},
		"padded":    {in: " 2026-02-03 ", ok: true, want: "2026-02-03"},
		"blank":     {in: ""},
		"garbage":   {in: "03/02/2026"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, ok := ParseDate(tc.in)
			require.Equal(t, tc.ok, ok)
			if tc.ok {
				require.Equal(t, tc.want, got.Format(DateLayout))
			}
		})
	}
}

func TestRecalculateWritesFullRecord(t *testing.T) {
	store := newMemoryStore()
	item := reagent("a")
	item.Supplier = "Acme"
	store.addItem(item)
	store.addBatch(Batch{ID: "b1", ItemID: "a", BatchLabel: "L1", CurrentQuantity: 8, ExpiryDate: "2027-01-01"})

	calc := NewRecalculator(store, store)
	calc.now = func() time.Time { return fixedNow }
	got, err := calc.Recalculate(context.Background(), "a")
	require.NoError(t, err)
	require.Equal(t, 8, got.TotalQuantity)
	require.Equal(t, "Acme", store.item("a").Supplier)
	require.Equal(t, 8, store.item("a").TotalQuantity)

	store.failItem["a"] = errInjected
	_, err = calc.Recalculate(context.Background(), "a")
	require.ErrorIs(t, err, errInjected)
}
