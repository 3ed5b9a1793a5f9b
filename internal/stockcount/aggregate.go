package stockcount

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Recalculator recomputes an item's summary fields from its active batches.
type Recalculator struct {
	items   ItemStore
	batches BatchStore
	now     func() time.Time
}

// NewRecalculator constructs a Recalculator.
func NewRecalculator(items ItemStore, batches BatchStore) *Recalculator {
	return &Recalculator{items: items, batches: batches, now: func() time.Time { return time.Now().UTC() }}
}

// Recalculate reloads the item and its active batches, overlays the aggregate
// fields and writes the full record back.
func (c *Recalculator) Recalculate(ctx context.Context, itemID string) (TrackedItem, error) {
	active, err := c.batches.FilterBatches(ctx, BatchFilter{ItemID: itemID, Status: BatchActive})
	if err != nil {
		return TrackedItem{}, fmt.Errorf("stockcount: load active batches: %w", err)
	}
	current, err := c.items.GetItem(ctx, itemID)
	if err != nil {
		return TrackedItem{}, fmt.Errorf("stockcount: load item %s: %w", itemID, err)
	}
	updated := ApplyAggregates(current, active, c.now())
	if err := c.items.UpdateItem(ctx, itemID, updated); err != nil {
		return TrackedItem{}, fmt.Errorf("stockcount: update item %s: %w", itemID, err)
	}
	return updated, nil
}

// ApplyAggregates returns a copy of item with totals, batch count, expiry
// markers, stock status and availability derived from batches. Only batches
// with status active contribute; every other field is copied unchanged.
func ApplyAggregates(item TrackedItem, batches []Batch, now time.Time) TrackedItem {
	total := 0
	count := 0
	var nearest time.Time
	for _, b := range batches {
		if b.Status != BatchActive {
			continue
		}
		total += b.CurrentQuantity
		count++
		exp, ok := ParseDate(b.ExpiryDate)
		if !ok {
			continue
		}
		if nearest.IsZero() || exp.Before(nearest) {
			nearest = exp
		}
	}

	item.TotalQuantity = total
	item.ActiveBatchCount = count
	item.NearestExpiryDate = ""
	if !nearest.IsZero() {
		item.NearestExpiryDate = nearest.Format(DateLayout)
	}

	if !nearest.IsZero() {
		oldest, ok := ParseDate(item.OldestBatchDate)
		if !ok || nearest.Before(oldest) {
			item.OldestBatchDate = item.NearestExpiryDate
		}
	}

	countedAt := now
	item.LastCountDate = &countedAt
	item.StockStatus = StockOutOfStock
	if total > 0 {
		item.StockStatus = StockInStock
	}
	item.AvailableQuantity = total - item.ReservedQuantity
	if item.AvailableQuantity < 0 {
		item.AvailableQuantity = 0
	}
	return item
}

// ParseDate parses a calendar date, accepting a full RFC 3339 timestamp as
// well. Blank or malformed values report false.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), true
	}
	return time.Time{}, false
}
