package stockcount

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labstock/reagentd/internal/platform/db"
)

//go:embed schema.sql
var schemaSQL string

// Repository persists items, batches, transactions, completed counts and
// drafts in PostgreSQL. Each call is its own statement; no call spans
// several records in one transaction.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

// Migrate applies the embedded schema.
func (r *Repository) Migrate(ctx context.Context) error {
	if r == nil {
		return errors.New("stockcount repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, schemaSQL); err != nil {
			return fmt.Errorf("stockcount: apply schema: %w", err)
		}
		return nil
	})
}

const itemColumns = `id, name, catalog_id, catalog_number, supplier, total_quantity, reserved_quantity, available_quantity,
active_batch_count, nearest_expiry_date, oldest_batch_date, last_count_date, stock_status, notes, min_threshold,
max_threshold, is_critical, average_usage, reorder_suggestion, updated_at`

func scanItem(row pgx.Row) (TrackedItem, error) {
	var item TrackedItem
	var status string
	err := row.Scan(&item.ID, &item.Name, &item.CatalogID, &item.CatalogNumber, &item.Supplier,
		&item.TotalQuantity, &item.ReservedQuantity, &item.AvailableQuantity, &item.ActiveBatchCount,
		&item.NearestExpiryDate, &item.OldestBatchDate, &item.LastCountDate, &status, &item.Notes,
		&item.MinThreshold, &item.MaxThreshold, &item.IsCritical, &item.AverageUsage, &item.ReorderSuggestion,
		&item.UpdatedAt)
	item.StockStatus = StockStatus(status)
	return item, err
}

// GetItem loads one tracked item.
func (r *Repository) GetItem(ctx context.Context, id string) (TrackedItem, error) {
	item, err := scanItem(r.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM tracked_items WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TrackedItem{}, ErrItemNotFound
		}
		return TrackedItem{}, err
	}
	return item, nil
}

// ListItems returns every tracked item in a stable order.
func (r *Repository) ListItems(ctx context.Context) ([]TrackedItem, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+itemColumns+` FROM tracked_items ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []TrackedItem{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// UpdateItem replaces every mutable column of the item.
func (r *Repository) UpdateItem(ctx context.Context, id string, item TrackedItem) error {
	tag, err := r.pool.Exec(ctx, `UPDATE tracked_items SET
name=$2, catalog_id=$3, catalog_number=$4, supplier=$5, total_quantity=$6, reserved_quantity=$7,
available_quantity=$8, active_batch_count=$9, nearest_expiry_date=$10, oldest_batch_date=$11, last_count_date=$12,
stock_status=$13, notes=$14, min_threshold=$15, max_threshold=$16, is_critical=$17, average_usage=$18,
reorder_suggestion=$19, updated_at=NOW()
WHERE id=$1`,
		id, item.Name, item.CatalogID, item.CatalogNumber, item.Supplier, item.TotalQuantity, item.ReservedQuantity,
		item.AvailableQuantity, item.ActiveBatchCount, item.NearestExpiryDate, item.OldestBatchDate, item.LastCountDate,
		string(item.StockStatus), item.Notes, item.MinThreshold, item.MaxThreshold, item.IsCritical, item.AverageUsage,
		item.ReorderSuggestion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}

// FilterBatches lists batches of an item, optionally by status.
func (r *Repository) FilterBatches(ctx context.Context, filter BatchFilter) ([]Batch, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, item_id, batch_label, expiry_date, current_quantity, initial_quantity, status,
received_date, received_by, created_at, updated_at
FROM batches
WHERE item_id=$1 AND ($2 = '' OR status = $2)
ORDER BY created_at ASC, id ASC`, filter.ItemID, string(filter.Status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	batches := []Batch{}
	for rows.Next() {
		var b Batch
		var status string
		if err := rows.Scan(&b.ID, &b.ItemID, &b.BatchLabel, &b.ExpiryDate, &b.CurrentQuantity, &b.InitialQuantity, &status,
			&b.ReceivedDate, &b.ReceivedBy, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		b.Status = BatchStatus(status)
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return batches, nil
}

// CreateBatch inserts a batch.
func (r *Repository) CreateBatch(ctx context.Context, b Batch) (Batch, error) {
	err := r.pool.QueryRow(ctx, `INSERT INTO batches (id, item_id, batch_label, expiry_date, current_quantity, initial_quantity,
status, received_date, received_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW(),NOW()) RETURNING created_at, updated_at`,
		b.ID, b.ItemID, b.BatchLabel, b.ExpiryDate, b.CurrentQuantity, b.InitialQuantity, string(b.Status),
		b.ReceivedDate, b.ReceivedBy).Scan(&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return Batch{}, err
	}
	return b, nil
}

// UpdateBatch changes the non-nil fields of upd.
func (r *Repository) UpdateBatch(ctx context.Context, id string, upd BatchUpdate) error {
	var status *string
	if upd.Status != nil {
		s := string(*upd.Status)
		status = &s
	}
	tag, err := r.pool.Exec(ctx, `UPDATE batches SET
current_quantity=COALESCE($2, current_quantity),
expiry_date=COALESCE($3, expiry_date),
status=COALESCE($4, status),
updated_at=NOW()
WHERE id=$1`, id, upd.CurrentQuantity, upd.ExpiryDate, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("batch %s not found", id)
	}
	return nil
}

// CreateTransaction appends an inventory transaction.
func (r *Repository) CreateTransaction(ctx context.Context, tx InventoryTransaction) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO inventory_transactions (id, item_id, tx_type, quantity, notes, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,COALESCE($7, NOW()))`, tx.ID, tx.ItemID, tx.Type, tx.Quantity, tx.Notes, tx.CreatedBy, nullTime(tx.CreatedAt))
	return err
}

const countColumns = `id, count_date, reagent_updates_completed, reagents_updated_count, reagents_total_count, entries,
submitted_entries, draft_id, created_by, retry_count, last_retry_at, last_errors, created_at, updated_at`

func scanCount(row pgx.Row) (CompletedCount, error) {
	var c CompletedCount
	var entries, submitted, lastErrors []byte
	if err := row.Scan(&c.ID, &c.CountDate, &c.ReagentUpdatesCompleted, &c.ReagentsUpdatedCount, &c.ReagentsTotalCount,
		&entries, &submitted, &c.DraftID, &c.CreatedBy, &c.RetryCount, &c.LastRetryAt, &lastErrors, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return CompletedCount{}, err
	}
	c.Entries = map[string]EntrySnapshot{}
	if len(entries) > 0 {
		if err := json.Unmarshal(entries, &c.Entries); err != nil {
			return CompletedCount{}, fmt.Errorf("stockcount: decode entries: %w", err)
		}
	}
	c.Submitted = map[string][]CountEntry{}
	if len(submitted) > 0 {
		if err := json.Unmarshal(submitted, &c.Submitted); err != nil {
			return CompletedCount{}, fmt.Errorf("stockcount: decode submitted entries: %w", err)
		}
	}
	if len(lastErrors) > 0 {
		if err := json.Unmarshal(lastErrors, &c.LastErrors); err != nil {
			return CompletedCount{}, fmt.Errorf("stockcount: decode last errors: %w", err)
		}
	}
	return c, nil
}

// CreateCount inserts a completed count record.
func (r *Repository) CreateCount(ctx context.Context, c CompletedCount) (CompletedCount, error) {
	entries, err := json.Marshal(nonNilEntries(c.Entries))
	if err != nil {
		return CompletedCount{}, err
	}
	submitted := c.Submitted
	if submitted == nil {
		submitted = map[string][]CountEntry{}
	}
	submittedRaw, err := json.Marshal(submitted)
	if err != nil {
		return CompletedCount{}, err
	}
	lastErrors, err := json.Marshal(nonNil(c.LastErrors))
	if err != nil {
		return CompletedCount{}, err
	}
	return scanCount(r.pool.QueryRow(ctx, `INSERT INTO completed_counts (id, count_date, reagent_updates_completed,
reagents_updated_count, reagents_total_count, entries, submitted_entries, draft_id, created_by, retry_count,
last_retry_at, last_errors, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6::jsonb,$7::jsonb,$8,$9,$10,$11,$12::jsonb,NOW(),NOW())
RETURNING `+countColumns,
		c.ID, c.CountDate, c.ReagentUpdatesCompleted, c.ReagentsUpdatedCount, c.ReagentsTotalCount, string(entries),
		string(submittedRaw), c.DraftID, c.CreatedBy, c.RetryCount, c.LastRetryAt, string(lastErrors)))
}

// UpdateCount merges entries by item id and overwrites the non-nil fields.
func (r *Repository) UpdateCount(ctx context.Context, id string, upd CountUpdate) error {
	var entries, lastErrors any
	if len(upd.Entries) > 0 {
		raw, err := json.Marshal(upd.Entries)
		if err != nil {
			return err
		}
		entries = string(raw)
	}
	if upd.LastErrors != nil {
		raw, err := json.Marshal(upd.LastErrors)
		if err != nil {
			return err
		}
		lastErrors = string(raw)
	}
	tag, err := r.pool.Exec(ctx, `UPDATE completed_counts SET
entries = entries || COALESCE($2::jsonb, '{}'::jsonb),
reagent_updates_completed = COALESCE($3, reagent_updates_completed),
reagents_updated_count = COALESCE($4, reagents_updated_count),
reagents_total_count = COALESCE($5, reagents_total_count),
retry_count = COALESCE($6, retry_count),
last_retry_at = COALESCE($7, last_retry_at),
last_errors = COALESCE($8::jsonb, last_errors),
updated_at = NOW()
WHERE id=$1`, id, entries, upd.ReagentUpdatesCompleted, upd.ReagentsUpdatedCount, upd.ReagentsTotalCount,
		upd.RetryCount, upd.LastRetryAt, lastErrors)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCountNotFound
	}
	return nil
}

// GetCount loads a completed count.
func (r *Repository) GetCount(ctx context.Context, id string) (CompletedCount, error) {
	c, err := scanCount(r.pool.QueryRow(ctx, `SELECT `+countColumns+` FROM completed_counts WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CompletedCount{}, ErrCountNotFound
		}
		return CompletedCount{}, err
	}
	return c, nil
}

// ListCounts returns the latest counts first.
func (r *Repository) ListCounts(ctx context.Context, limit int) ([]CompletedCount, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `SELECT `+countColumns+` FROM completed_counts ORDER BY count_date DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := []CompletedCount{}
	for rows.Next() {
		c, err := scanCount(rows)
		if err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

// DeleteDraft removes a count draft.
func (r *Repository) DeleteDraft(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM count_drafts WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDraftNotFound
	}
	return nil
}

func nonNilEntries(entries map[string]EntrySnapshot) map[string]EntrySnapshot {
	if entries == nil {
		return map[string]EntrySnapshot{}
	}
	return entries
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
