package stockcount

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	jobmetrics "github.com/labstock/reagentd/internal/jobs"
)

// ItemOutcome summarises the reconciliation of one item.
type ItemOutcome struct {
	ItemID   string
	Snapshot EntrySnapshot
	Total    int
	Updated  int
	Created  int
	Retired  int
}

// Reconciler makes an item's batch ledger match a physical count.
type Reconciler struct {
	batches      BatchStore
	transactions TransactionLog
	recalc       *Recalculator
	logger       *slog.Logger
	metrics      *jobmetrics.Metrics
	now          func() time.Time
}

// NewReconciler constructs a Reconciler over the given store.
func NewReconciler(store Store, logger *slog.Logger, metrics *jobmetrics.Metrics) *Reconciler {
	return &Reconciler{
		batches:      store,
		transactions: store,
		recalc:       NewRecalculator(store, store),
		logger:       logger,
		metrics:      metrics,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (r *Reconciler) WithClock(clock func() time.Time) {
	if r != nil && clock != nil {
		r.now = clock
		r.recalc.now = clock
	}
}

// Reconcile applies entries to the item's active batches. Batches missing
// from entries are zeroed and marked consumed, never deleted. Mutations made
// before a failure are not rolled back.
func (r *Reconciler) Reconcile(ctx context.Context, item TrackedItem, entries []CountEntry, userID string) (ItemOutcome, error) {
	out, err := r.reconcile(ctx, item, entries, userID)
	if err != nil {
		r.log().Error("reconcile item", slog.String("item_id", item.ID), slog.String("item", item.Name), slog.Any("error", err))
		r.metrics.ObserveItem(false)
		return out, err
	}
	r.metrics.ObserveItem(true)
	r.metrics.ObserveBatches(out.Created, out.Retired)
	return out, nil
}

func (r *Reconciler) reconcile(ctx context.Context, item TrackedItem, entries []CountEntry, userID string) (ItemOutcome, error) {
	out := ItemOutcome{ItemID: item.ID, Snapshot: EntrySnapshot{Batches: map[string]BatchSnapshot{}}}

	active, err := r.batches.FilterBatches(ctx, BatchFilter{ItemID: item.ID, Status: BatchActive})
	if err != nil {
		return out, fmt.Errorf("stockcount: load active batches: %w", err)
	}
	byLabel := make(map[string]Batch, len(active))
	for _, b := range active {
		if _, dup := byLabel[b.BatchLabel]; dup {
			r.log().Warn("duplicate active batch label", slog.String("item_id", item.ID), slog.String("batch", b.BatchLabel), slog.String("batch_id", b.ID))
			continue
		}
		byLabel[b.BatchLabel] = b
	}

	seen := make(map[string]bool, len(active))
	for _, entry := range r.collapse(item.ID, entries) {
		label := entry.BatchLabel
		expiry := strings.TrimSpace(entry.ExpiryDate)
		counted := entry.Quantity.Counted()

		if existing, ok := byLabel[label]; ok {
			status := StatusForQuantity(counted)
			upd := BatchUpdate{CurrentQuantity: &counted, Status: &status}
			if expiry != "" {
				upd.ExpiryDate = &expiry
			} else {
				expiry = existing.ExpiryDate
			}
			if err := r.batches.UpdateBatch(ctx, existing.ID, upd); err != nil {
				return out, fmt.Errorf("stockcount: update batch %s: %w", label, err)
			}
			seen[existing.ID] = true
			out.Updated++
			out.Snapshot.Batches[SnapshotKey(label, expiry)] = BatchSnapshot{
				BatchNumberSnapshot: label,
				ExpiryDateSnapshot:  expiry,
				CountedQuantity:     counted,
				PreviousQuantity:    existing.CurrentQuantity,
			}
			continue
		}

		if counted > 0 {
			now := r.now()
			if _, err := r.batches.CreateBatch(ctx, Batch{
				ID:              uuid.NewString(),
				ItemID:          item.ID,
				BatchLabel:      label,
				ExpiryDate:      expiry,
				CurrentQuantity: counted,
				InitialQuantity: counted,
				Status:          BatchActive,
				ReceivedDate:    now.Format(DateLayout),
				ReceivedBy:      userID,
				CreatedAt:       now,
				UpdatedAt:       now,
			}); err != nil {
				return out, fmt.Errorf("stockcount: create batch %s: %w", label, err)
			}
			out.Created++
		}
		out.Snapshot.Batches[SnapshotKey(label, expiry)] = BatchSnapshot{
			BatchNumberSnapshot: label,
			ExpiryDateSnapshot:  expiry,
			CountedQuantity:     counted,
		}
	}

	zero := 0
	consumed := BatchConsumed
	for _, b := range active {
		if seen[b.ID] {
			continue
		}
		if err := r.batches.UpdateBatch(ctx, b.ID, BatchUpdate{CurrentQuantity: &zero, Status: &consumed}); err != nil {
			return out, fmt.Errorf("stockcount: retire batch %s: %w", b.BatchLabel, err)
		}
		out.Retired++
		r.log().Info("batch not found in count, retired", slog.String("item_id", item.ID), slog.String("batch", b.BatchLabel), slog.Int("previous_quantity", b.CurrentQuantity))
		key := SnapshotKey(b.BatchLabel, b.ExpiryDate)
		frag, ok := out.Snapshot.Batches[key]
		if !ok {
			frag = BatchSnapshot{BatchNumberSnapshot: b.BatchLabel, ExpiryDateSnapshot: b.ExpiryDate}
		}
		frag.PreviousQuantity += b.CurrentQuantity
		out.Snapshot.Batches[key] = frag
	}

	updated, err := r.recalc.Recalculate(ctx, item.ID)
	if err != nil {
		return out, err
	}
	out.Total = updated.TotalQuantity

	if err := r.transactions.CreateTransaction(ctx, InventoryTransaction{
		ID:        uuid.NewString(),
		ItemID:    item.ID,
		Type:      TransactionTypeCountUpdate,
		Quantity:  updated.TotalQuantity,
		Notes:     countNote(out),
		CreatedBy: userID,
		CreatedAt: r.now(),
	}); err != nil {
		return out, fmt.Errorf("stockcount: write transaction: %w", err)
	}
	return out, nil
}

// collapse drops blank labels and keeps the last entry for a repeated label,
// at the position of its first occurrence.
func (r *Reconciler) collapse(itemID string, entries []CountEntry) []CountEntry {
	out := make([]CountEntry, 0, len(entries))
	index := make(map[string]int, len(entries))
	for _, e := range entries {
		label := strings.TrimSpace(e.BatchLabel)
		if label == "" {
			r.log().Warn("skipping entry without batch label", slog.String("item_id", itemID), slog.String("quantity", string(e.Quantity)))
			continue
		}
		e.BatchLabel = label
		if i, ok := index[label]; ok {
			r.log().Warn("duplicate batch label in count, keeping last", slog.String("item_id", itemID), slog.String("batch", label))
			out[i] = e
			continue
		}
		index[label] = len(out)
		out = append(out, e)
	}
	return out
}

func countNote(out ItemOutcome) string {
	return fmt.Sprintf("Inventory count: %d batch(es) counted, %d new, %d not found; total %d",
		out.Updated+out.Created, out.Created, out.Retired, out.Total)
}

func (r *Reconciler) log() *slog.Logger {
	if r != nil && r.logger != nil {
		return r.logger
	}
	return slog.Default()
}
