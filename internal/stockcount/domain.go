package stockcount

import (
	"encoding/json"
	"errors"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// DateLayout is the calendar-date format used for expiry and batch dates.
const DateLayout = "2006-01-02"

// StockStatus enumerates item-level stock states.
type StockStatus string

const (
	// StockInStock indicates a positive total quantity.
	StockInStock StockStatus = "in_stock"
	// StockOutOfStock indicates nothing left across active batches.
	StockOutOfStock StockStatus = "out_of_stock"
)

// BatchStatus enumerates batch lifecycle states.
type BatchStatus string

const (
	// BatchActive marks a batch holding a positive quantity.
	BatchActive BatchStatus = "active"
	// BatchConsumed marks a batch whose quantity reached zero.
	BatchConsumed BatchStatus = "consumed"
)

// TransactionTypeCountUpdate is written once per item per count run.
const TransactionTypeCountUpdate = "count_update"

// TrackedItem is a catalog entity whose stock is counted across batches.
type TrackedItem struct {
	ID            string
	Name          string
	CatalogID     string
	CatalogNumber string
	Supplier      string

	TotalQuantity     int
	ReservedQuantity  int
	AvailableQuantity int
	ActiveBatchCount  int
	NearestExpiryDate string
	OldestBatchDate   string
	LastCountDate     *time.Time
	StockStatus       StockStatus

	// Caller-owned fields, carried forward untouched by reconciliation.
	Notes             string
	MinThreshold      *int
	MaxThreshold      *int
	IsCritical        bool
	AverageUsage      *float64
	ReorderSuggestion *int

	UpdatedAt time.Time
}

// Valid reports whether the mandatory identity fields are present.
func (i TrackedItem) Valid() bool {
	return strings.TrimSpace(i.CatalogID) != "" &&
		strings.TrimSpace(i.CatalogNumber) != "" &&
		strings.TrimSpace(i.Name) != ""
}

// Batch is a quantity of an item received under one label and expiry.
type Batch struct {
	ID              string
	ItemID          string
	BatchLabel      string
	ExpiryDate      string
	CurrentQuantity int
	InitialQuantity int
	Status          BatchStatus
	ReceivedDate    string
	ReceivedBy      string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// BatchFilter narrows batch listings.
type BatchFilter struct {
	ItemID string
	Status BatchStatus
}

// BatchUpdate carries the fields changed on a batch. Nil fields are left alone.
type BatchUpdate struct {
	CurrentQuantity *int
	ExpiryDate      *string
	Status          *BatchStatus
}

// StatusForQuantity returns the batch status implied by a quantity.
func StatusForQuantity(qty int) BatchStatus {
	if qty > 0 {
		return BatchActive
	}
	return BatchConsumed
}

// CountEntry is one counted row submitted for an item.
type CountEntry struct {
	BatchLabel string   `json:"batch_label"`
	ExpiryDate string   `json:"expiry_date,omitempty"`
	Quantity   Quantity `json:"quantity"`
}

// Quantity is the raw counted quantity as typed by the operator. It accepts
// JSON numbers and strings.
type Quantity string

// UnmarshalJSON implements json.Unmarshaler.
func (q *Quantity) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*q = ""
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*q = Quantity(s)
		return nil
	}
	*q = Quantity(raw)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (q Quantity) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(q))
}

// QuantityOf formats an integer as a Quantity.
func QuantityOf(n int) Quantity {
	return Quantity(strconv.Itoa(n))
}

// MaxQuantity is the largest quantity a batch column can hold.
const MaxQuantity = math.MaxInt32

// Counted returns the non-negative integer value of the quantity. Leading
// digits are honoured ("7.5" and "7 pcs" count as 7); anything unparseable
// counts as zero. Values past MaxQuantity are clamped to it.
func (q Quantity) Counted() int {
	s := strings.TrimLeftFunc(string(q), unicode.IsSpace)
	neg := false
	if s != "" && (s[0] == '-' || s[0] == '+') {
		neg = s[0] == '-'
		s = s[1:]
	}
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 || neg {
		return 0
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil || n > MaxQuantity {
		return MaxQuantity
	}
	return n
}

// BatchSnapshot records what the count said about one batch.
type BatchSnapshot struct {
	BatchNumberSnapshot string `json:"batch_number_snapshot"`
	ExpiryDateSnapshot  string `json:"expiry_date_snapshot"`
	CountedQuantity     int    `json:"counted_quantity"`
	PreviousQuantity    int    `json:"previous_quantity"`
}

// EntrySnapshot is the per-item audit fragment of a count run.
type EntrySnapshot struct {
	Batches map[string]BatchSnapshot `json:"batches"`
}

// SnapshotKey builds the fragment key for a batch label and expiry.
func SnapshotKey(label, expiry string) string {
	return label + "_" + expiry
}

// Entries rebuilds the count entries encoded by the snapshot, ordered by key.
func (s EntrySnapshot) Entries() []CountEntry {
	keys := make([]string, 0, len(s.Batches))
	for k := range s.Batches {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entries := make([]CountEntry, 0, len(keys))
	for _, k := range keys {
		b := s.Batches[k]
		entries = append(entries, CountEntry{
			BatchLabel: b.BatchNumberSnapshot,
			ExpiryDate: b.ExpiryDateSnapshot,
			Quantity:   QuantityOf(b.CountedQuantity),
		})
	}
	return entries
}

// CompletedCount is the durable record of one count run.
type CompletedCount struct {
	ID                      string
	CountDate               time.Time
	ReagentUpdatesCompleted bool
	ReagentsUpdatedCount    int
	ReagentsTotalCount      int
	Entries                 map[string]EntrySnapshot
	// Submitted holds the raw entries of the run, written before any item
	// is touched so an interrupted run can be resumed exactly.
	Submitted               map[string][]CountEntry
	DraftID                 string
	CreatedBy               string
	RetryCount              int
	LastRetryAt             *time.Time
	LastErrors              []string
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// CountUpdate carries changed CompletedCount fields. Entries are merged by
// item id; nil fields are left alone.
type CountUpdate struct {
	Entries                 map[string]EntrySnapshot
	ReagentUpdatesCompleted *bool
	ReagentsUpdatedCount    *int
	ReagentsTotalCount      *int
	RetryCount              *int
	LastRetryAt             *time.Time
	LastErrors              []string
}

// InventoryTransaction is an append-only audit log entry.
type InventoryTransaction struct {
	ID        string
	ItemID    string
	Type      string
	Quantity  int
	Notes     string
	CreatedBy string
	CreatedAt time.Time
}

// RunCountRequest is the payload submitted for a count run.
type RunCountRequest struct {
	EntriesByItem map[string][]CountEntry `json:"counted_entries_by_item"`
	DraftID       string                  `json:"draft_id"`
	UserID        string                  `json:"user_id" validate:"required"`
}

// RetryRequest asks to re-run a persisted count.
type RetryRequest struct {
	CompletedCountID string `json:"completed_count_id" validate:"required"`
	UserID           string `json:"user_id" validate:"required"`
}

// RunResult reports the outcome of a count run or retry.
type RunResult struct {
	Success          bool     `json:"success"`
	Message          string   `json:"message"`
	Errors           []string `json:"errors"`
	ProcessedCount   int      `json:"processed_count"`
	TotalCount       int      `json:"total_count"`
	CompletedCountID string   `json:"completed_count_id,omitempty"`
}

var (
	// ErrNoTrackedItems is returned when a run finds nothing to reconcile.
	ErrNoTrackedItems = errors.New("stockcount: no tracked items found")
	// ErrCountNotFound indicates a missing completed count.
	ErrCountNotFound = errors.New("stockcount: completed count not found")
	// ErrItemNotFound indicates a missing tracked item.
	ErrItemNotFound = errors.New("stockcount: tracked item not found")
	// ErrDraftNotFound indicates a missing count draft.
	ErrDraftNotFound = errors.New("stockcount: count draft not found")
	// ErrRunInProgress is returned when another run holds the lock.
	ErrRunInProgress = errors.New("stockcount: another count run is in progress")
	// ErrLockLost is returned when a run can no longer prove it holds the
	// run lock.
	ErrLockLost = errors.New("stockcount: count run lock lost")
	// ErrDuplicateSubmission is returned when a draft was already submitted.
	ErrDuplicateSubmission = errors.New("stockcount: draft already submitted")
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("stockcount: invalid request")
)
