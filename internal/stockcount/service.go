package stockcount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	jobmetrics "github.com/labstock/reagentd/internal/jobs"
	"github.com/labstock/reagentd/internal/shared"
)

const idempotencyModule = "stockcount"

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	Pacer   PacerConfig
	Locker  Locker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// Service drives count runs and retries across all tracked items.
type Service struct {
	store       Store
	reconciler  *Reconciler
	audit       AuditPort
	idempotency IdempotencyPort
	locker      Locker
	pacer       PacerConfig
	logger      *slog.Logger
	metrics     *jobmetrics.Metrics
	validate    *validator.Validate
	now         func() time.Time
	pause       func(context.Context, time.Duration) error
}

// NewService builds Service. audit and idem may be nil.
func NewService(store Store, audit AuditPort, idem IdempotencyPort, cfg ServiceConfig) *Service {
	return &Service{
		store:       store,
		reconciler:  NewReconciler(store, cfg.Logger, cfg.Metrics),
		audit:       audit,
		idempotency: idem,
		locker:      cfg.Locker,
		pacer:       cfg.Pacer,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		validate:    validator.New(),
		now:         func() time.Time { return time.Now().UTC() },
		pause:       sleepContext,
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (s *Service) WithClock(clock func() time.Time) {
	if s != nil && clock != nil {
		s.now = clock
		s.reconciler.WithClock(clock)
	}
}

// GetCount returns a completed count by id.
func (s *Service) GetCount(ctx context.Context, id string) (CompletedCount, error) {
	return s.store.GetCount(ctx, id)
}

// ListCounts returns the most recent completed counts.
func (s *Service) ListCounts(ctx context.Context, limit int) ([]CompletedCount, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListCounts(ctx, limit)
}

// RunCount reconciles every valid tracked item against the submitted count.
// Items absent from req.EntriesByItem are reconciled with no entries, which
// retires all of their active batches. Per-item failures are collected in
// the result; only setup failures are returned as errors.
func (s *Service) RunCount(ctx context.Context, req RunCountRequest) (RunResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return RunResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	lease, release, err := s.lock(ctx)
	if err != nil {
		return RunResult{}, err
	}
	defer release()

	idemKey := ""
	if s.idempotency != nil && req.DraftID != "" {
		idemKey = "stockcount:draft:" + req.DraftID
		if err := s.idempotency.CheckAndInsert(ctx, idemKey, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				return RunResult{}, ErrDuplicateSubmission
			}
			return RunResult{}, err
		}
	}
	releaseKey := func() {
		if idemKey != "" {
			_ = s.idempotency.Delete(context.WithoutCancel(ctx), idemKey)
		}
	}

	items, err := s.trackedItems(ctx)
	if err != nil {
		releaseKey()
		return RunResult{}, err
	}

	started := s.now()
	count, err := s.store.CreateCount(ctx, CompletedCount{
		ID:                 uuid.NewString(),
		CountDate:          started,
		ReagentsTotalCount: len(items),
		Entries:            map[string]EntrySnapshot{},
		Submitted:          submittedEntries(items, req.EntriesByItem),
		DraftID:            req.DraftID,
		CreatedBy:          req.UserID,
		CreatedAt:          started,
		UpdatedAt:          started,
	})
	if err != nil {
		releaseKey()
		return RunResult{}, fmt.Errorf("stockcount: create completed count: %w", err)
	}
	s.log().Info("count run started", slog.String("completed_count_id", count.ID), slog.Int("items", len(items)), slog.String("user_id", req.UserID))

	processed, errs, err := s.reconcileAll(ctx, lease, count.ID, items, req.UserID,
		func(item TrackedItem) []CountEntry { return req.EntriesByItem[item.ID] },
		func(string) bool { return true },
	)
	result := s.result(count.ID, processed, len(items), errs)
	if err != nil {
		s.log().Warn("count run interrupted", slog.String("completed_count_id", count.ID), slog.Int("processed", processed), slog.Any("error", err))
		result.Success = false
		result.Message = fmt.Sprintf("Inventory count interrupted after %d of %d items; retry to resume", processed, len(items))
		return result, err
	}

	done := true
	total := len(items)
	if err := s.store.UpdateCount(context.WithoutCancel(ctx), count.ID, CountUpdate{
		ReagentUpdatesCompleted: &done,
		ReagentsUpdatedCount:    &processed,
		ReagentsTotalCount:      &total,
		LastErrors:              nonNil(errs),
	}); err != nil {
		s.log().Error("finalize completed count", slog.String("completed_count_id", count.ID), slog.Any("error", err))
		result.Errors = append(result.Errors, fmt.Sprintf("finalize completed count: %v", err))
		result.Success = false
		result.Message = "Inventory count applied but the completed count could not be finalized; retry to resume"
		return result, nil
	}

	if req.DraftID != "" {
		if err := s.store.DeleteDraft(context.WithoutCancel(ctx), req.DraftID); err != nil {
			s.log().Warn("delete count draft", slog.String("draft_id", req.DraftID), slog.Any("error", err))
		}
	}

	s.record(ctx, "stockcount:run", req.UserID, result)
	s.metrics.ObserveRun("run", result.Success)
	s.log().Info("count run finished", slog.String("completed_count_id", count.ID), slog.Int("processed", processed), slog.Int("total", len(items)), slog.Int("errors", len(errs)), slog.Duration("duration", s.now().Sub(started)))
	return result, nil
}

// reconcileAll walks items in order. Cancellation is honoured between items
// only; an item in flight always runs to completion. The lease is extended
// before every item and the walk stops once it cannot be. record reports
// whether an item's fresh snapshot should be written to the completed count.
func (s *Service) reconcileAll(
	ctx context.Context,
	lease Lease,
	countID string,
	items []TrackedItem,
	userID string,
	entriesFor func(TrackedItem) []CountEntry,
	record func(itemID string) bool,
) (int, []string, error) {
	pacer := NewPacer(s.pacer)
	pacer.sleep = s.pause
	processed := 0
	var errs []string
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return processed, errs, err
		}
		itemCtx := context.WithoutCancel(ctx)
		if err := lease.Extend(itemCtx); err != nil {
			return processed, errs, err
		}
		outcome, err := s.reconciler.Reconcile(itemCtx, item, entriesFor(item), userID)
		if err != nil {
			errs = append(errs, itemError(item, err))
		} else {
			processed++
			if record(item.ID) {
				updated := processed
				upd := CountUpdate{Entries: map[string]EntrySnapshot{item.ID: outcome.Snapshot}, ReagentsUpdatedCount: &updated}
				if err := s.store.UpdateCount(itemCtx, countID, upd); err != nil {
					s.log().Error("save count snapshot", slog.String("completed_count_id", countID), slog.String("item_id", item.ID), slog.Any("error", err))
					errs = append(errs, itemError(item, fmt.Errorf("save snapshot: %w", err)))
				}
			}
		}
		if err := pacer.After(ctx, i+1); err != nil {
			return processed, errs, err
		}
	}
	return processed, errs, nil
}

// submittedEntries keeps the entries of the items the run will visit.
func submittedEntries(items []TrackedItem, byItem map[string][]CountEntry) map[string][]CountEntry {
	out := make(map[string][]CountEntry, len(byItem))
	for _, item := range items {
		if entries, ok := byItem[item.ID]; ok {
			out[item.ID] = entries
		}
	}
	return out
}

// trackedItems lists items and drops those missing identity fields.
func (s *Service) trackedItems(ctx context.Context) ([]TrackedItem, error) {
	items, err := s.store.ListItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("stockcount: list tracked items: %w", err)
	}
	valid := make([]TrackedItem, 0, len(items))
	for _, item := range items {
		if !item.Valid() {
			s.log().Warn("skipping tracked item with missing identity", slog.String("item_id", item.ID), slog.String("name", item.Name), slog.String("catalog_id", item.CatalogID), slog.String("catalog_number", item.CatalogNumber))
			continue
		}
		valid = append(valid, item)
	}
	if len(valid) == 0 {
		return nil, ErrNoTrackedItems
	}
	return valid, nil
}

// result applies the majority-success rule: fewer failures than half the
// items counts as success.
func (s *Service) result(countID string, processed, total int, errs []string) RunResult {
	success := float64(len(errs)) < float64(total)/2
	var msg string
	switch {
	case len(errs) == 0:
		msg = fmt.Sprintf("Inventory count completed: %d of %d items updated", processed, total)
	case success:
		msg = fmt.Sprintf("Inventory count completed with %d error(s): %d of %d items updated", len(errs), processed, total)
	default:
		msg = fmt.Sprintf("Inventory count completed with errors: only %d of %d items updated", processed, total)
	}
	return RunResult{
		Success:          success,
		Message:          msg,
		Errors:           nonNil(errs),
		ProcessedCount:   processed,
		TotalCount:       total,
		CompletedCountID: countID,
	}
}

func (s *Service) lock(ctx context.Context) (Lease, func(), error) {
	if s.locker == nil {
		return noopLease{}, func() {}, nil
	}
	lease, err := s.locker.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	return lease, func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.log().Warn("release count lock", slog.Any("error", err))
		}
	}, nil
}

func (s *Service) record(ctx context.Context, action, userID string, result RunResult) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(context.WithoutCancel(ctx), shared.AuditLog{
		ActorID:  userID,
		Action:   action,
		Entity:   "completed_count",
		EntityID: result.CompletedCountID,
		Meta: map[string]any{
			"processed": result.ProcessedCount,
			"total":     result.TotalCount,
			"errors":    len(result.Errors),
			"success":   result.Success,
		},
		At: s.now(),
	})
	if err != nil {
		s.log().Warn("record count audit", slog.String("action", action), slog.Any("error", err))
	}
}

func (s *Service) log() *slog.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

func itemError(item TrackedItem, err error) string {
	return fmt.Sprintf("%s (%s): %v", item.Name, item.ID, err)
}

func nonNil(errs []string) []string {
	if errs == nil {
		return []string{}
	}
	return errs
}
