package stockcount

import (
	"context"

	"github.com/labstock/reagentd/internal/shared"
)

// ItemStore reads and replaces tracked item records. Update replaces the
// whole record; there is no partial patch.
type ItemStore interface {
	GetItem(ctx context.Context, id string) (TrackedItem, error)
	ListItems(ctx context.Context) ([]TrackedItem, error)
	UpdateItem(ctx context.Context, id string, item TrackedItem) error
}

// BatchStore reads and writes batch ledger records.
type BatchStore interface {
	FilterBatches(ctx context.Context, filter BatchFilter) ([]Batch, error)
	CreateBatch(ctx context.Context, batch Batch) (Batch, error)
	UpdateBatch(ctx context.Context, id string, upd BatchUpdate) error
}

// TransactionLog appends inventory transactions.
type TransactionLog interface {
	CreateTransaction(ctx context.Context, tx InventoryTransaction) error
}

// CountStore persists completed count records.
type CountStore interface {
	CreateCount(ctx context.Context, count CompletedCount) (CompletedCount, error)
	UpdateCount(ctx context.Context, id string, upd CountUpdate) error
	GetCount(ctx context.Context, id string) (CompletedCount, error)
	ListCounts(ctx context.Context, limit int) ([]CompletedCount, error)
}

// DraftStore removes count drafts once their run is finalized.
type DraftStore interface {
	DeleteDraft(ctx context.Context, id string) error
}

// Store bundles every persistence port used by the engine.
type Store interface {
	ItemStore
	BatchStore
	TransactionLog
	CountStore
	DraftStore
}

// Lease is a held run lock.
type Lease interface {
	// Extend pushes the expiry out again. It returns ErrLockLost once the
	// lock has expired or been taken by another holder.
	Extend(ctx context.Context) error
	Release(ctx context.Context) error
}

// Locker guards against overlapping runs.
type Locker interface {
	Acquire(ctx context.Context) (Lease, error)
}

// IdempotencyPort records processed draft submissions.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}
