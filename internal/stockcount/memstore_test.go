package stockcount

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/labstock/reagentd/internal/shared"
)

var errInjected = errors.New("injected failure")

type memoryStore struct {
	mu sync.Mutex

	items     map[string]TrackedItem
	itemOrder []string
	batches   []Batch
	txs       []InventoryTransaction
	counts    map[string]CompletedCount
	drafts    map[string]bool

	countUpdates []CountUpdate
	deleted      []string

	listErr        error
	createCountErr error
	deleteDraftErr error
	// finalizeErr fails UpdateCount calls that mark the count completed.
	finalizeErr error
	// snapshotErr fails UpdateCount calls carrying entries.
	snapshotErr error
	failFilter  map[string]error
	failItem    map[string]error
	failBatch   map[string]error
	// onFilter runs before every FilterBatches call.
	onFilter func(itemID string)
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		items:      make(map[string]TrackedItem),
		counts:     make(map[string]CompletedCount),
		drafts:     make(map[string]bool),
		failFilter: make(map[string]error),
		failItem:   make(map[string]error),
		failBatch:  make(map[string]error),
	}
}

func (m *memoryStore) addItem(item TrackedItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[item.ID]; !ok {
		m.itemOrder = append(m.itemOrder, item.ID)
	}
	m.items[item.ID] = item
}

func (m *memoryStore) addBatch(b Batch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.Status == "" {
		b.Status = StatusForQuantity(b.CurrentQuantity)
	}
	m.batches = append(m.batches, b)
}

func (m *memoryStore) item(id string) TrackedItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[id]
}

func (m *memoryStore) batchesOf(itemID string) []Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Batch
	for _, b := range m.batches {
		if b.ItemID == itemID {
			out = append(out, b)
		}
	}
	return out
}

func (m *memoryStore) batchByLabel(itemID, label string) (Batch, bool) {
	for _, b := range m.batchesOf(itemID) {
		if b.BatchLabel == label {
			return b, true
		}
	}
	return Batch{}, false
}

func (m *memoryStore) transactionsOf(itemID string) []InventoryTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []InventoryTransaction
	for _, tx := range m.txs {
		if tx.ItemID == itemID {
			out = append(out, tx)
		}
	}
	return out
}

func (m *memoryStore) onlyCount() CompletedCount {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.counts {
		return c
	}
	return CompletedCount{}
}

func (m *memoryStore) GetItem(_ context.Context, id string) (TrackedItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	if !ok {
		return TrackedItem{}, ErrItemNotFound
	}
	return item, nil
}

func (m *memoryStore) ListItems(context.Context) ([]TrackedItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]TrackedItem, 0, len(m.itemOrder))
	for _, id := range m.itemOrder {
		out = append(out, m.items[id])
	}
	return out, nil
}

func (m *memoryStore) UpdateItem(_ context.Context, id string, item TrackedItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failItem[id]; err != nil {
		return err
	}
	if _, ok := m.items[id]; !ok {
		return ErrItemNotFound
	}
	m.items[id] = item
	return nil
}

func (m *memoryStore) FilterBatches(_ context.Context, filter BatchFilter) ([]Batch, error) {
	if m.onFilter != nil {
		m.onFilter(filter.ItemID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFilter[filter.ItemID]; err != nil {
		return nil, err
	}
	out := []Batch{}
	for _, b := range m.batches {
		if b.ItemID != filter.ItemID {
			continue
		}
		if filter.Status != "" && b.Status != filter.Status {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (m *memoryStore) CreateBatch(_ context.Context, b Batch) (Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failBatch[b.BatchLabel]; err != nil {
		return Batch{}, err
	}
	m.batches = append(m.batches, b)
	return b, nil
}

func (m *memoryStore) UpdateBatch(_ context.Context, id string, upd BatchUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, b := range m.batches {
		if b.ID != id {
			continue
		}
		if err := m.failBatch[b.BatchLabel]; err != nil {
			return err
		}
		if upd.CurrentQuantity != nil {
			b.CurrentQuantity = *upd.CurrentQuantity
		}
		if upd.ExpiryDate != nil {
			b.ExpiryDate = *upd.ExpiryDate
		}
		if upd.Status != nil {
			b.Status = *upd.Status
		}
		m.batches[i] = b
		return nil
	}
	return fmt.Errorf("batch %s not found", id)
}

func (m *memoryStore) CreateTransaction(_ context.Context, tx InventoryTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs = append(m.txs, tx)
	return nil
}

func (m *memoryStore) CreateCount(_ context.Context, c CompletedCount) (CompletedCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createCountErr != nil {
		return CompletedCount{}, m.createCountErr
	}
	if c.Entries == nil {
		c.Entries = map[string]EntrySnapshot{}
	}
	m.counts[c.ID] = c
	return c, nil
}

func (m *memoryStore) UpdateCount(_ context.Context, id string, upd CountUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if upd.ReagentUpdatesCompleted != nil && m.finalizeErr != nil {
		return m.finalizeErr
	}
	if len(upd.Entries) > 0 && m.snapshotErr != nil {
		return m.snapshotErr
	}
	c, ok := m.counts[id]
	if !ok {
		return ErrCountNotFound
	}
	m.countUpdates = append(m.countUpdates, upd)
	entries := make(map[string]EntrySnapshot, len(c.Entries)+len(upd.Entries))
	for k, v := range c.Entries {
		entries[k] = v
	}
	for k, v := range upd.Entries {
		entries[k] = v
	}
	c.Entries = entries
	if upd.ReagentUpdatesCompleted != nil {
		c.ReagentUpdatesCompleted = *upd.ReagentUpdatesCompleted
	}
	if upd.ReagentsUpdatedCount != nil {
		c.ReagentsUpdatedCount = *upd.ReagentsUpdatedCount
	}
	if upd.ReagentsTotalCount != nil {
		c.ReagentsTotalCount = *upd.ReagentsTotalCount
	}
	if upd.RetryCount != nil {
		c.RetryCount = *upd.RetryCount
	}
	if upd.LastRetryAt != nil {
		at := *upd.LastRetryAt
		c.LastRetryAt = &at
	}
	if upd.LastErrors != nil {
		c.LastErrors = append([]string(nil), upd.LastErrors...)
	}
	c.UpdatedAt = time.Now().UTC()
	m.counts[id] = c
	return nil
}

func (m *memoryStore) GetCount(_ context.Context, id string) (CompletedCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counts[id]
	if !ok {
		return CompletedCount{}, ErrCountNotFound
	}
	return c, nil
}

func (m *memoryStore) ListCounts(_ context.Context, limit int) ([]CompletedCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CompletedCount, 0, len(m.counts))
	for _, c := range m.counts {
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memoryStore) DeleteDraft(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteDraftErr != nil {
		return m.deleteDraftErr
	}
	if !m.drafts[id] {
		return ErrDraftNotFound
	}
	delete(m.drafts, id)
	m.deleted = append(m.deleted, id)
	return nil
}

type memoryIdempotency struct {
	keys map[string]bool
}

func newMemoryIdempotency() *memoryIdempotency {
	return &memoryIdempotency{keys: make(map[string]bool)}
}

func (m *memoryIdempotency) CheckAndInsert(_ context.Context, key, _ string) error {
	if m.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = true
	return nil
}

func (m *memoryIdempotency) Delete(_ context.Context, key string) error {
	delete(m.keys, key)
	return nil
}

type memoryAudit struct {
	logs []shared.AuditLog
}

func (m *memoryAudit) Record(_ context.Context, log shared.AuditLog) error {
	m.logs = append(m.logs, log)
	return nil
}

type stubLocker struct {
	held     bool
	lost     bool
	acquired int
	extended int
	released int
}

func (l *stubLocker) Acquire(context.Context) (Lease, error) {
	if l.held {
		return nil, ErrRunInProgress
	}
	l.held = true
	l.acquired++
	return stubLease{l}, nil
}

type stubLease struct{ l *stubLocker }

func (s stubLease) Extend(context.Context) error {
	if s.l.lost {
		return ErrLockLost
	}
	s.l.extended++
	return nil
}

func (s stubLease) Release(context.Context) error {
	s.l.held = false
	s.l.released++
	return nil
}

func reagent(id string) TrackedItem {
	return TrackedItem{ID: id, Name: "Reagent " + id, CatalogID: "cat-" + id, CatalogNumber: "CN-" + id}
}

func entry(label, expiry string, qty int) CountEntry {
	return CountEntry{BatchLabel: label, ExpiryDate: expiry, Quantity: QuantityOf(qty)}
}
