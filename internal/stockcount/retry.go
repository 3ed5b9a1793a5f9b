package stockcount

import (
	"context"
	"fmt"
	"log/slog"
)

// Retry re-runs reconciliation for a persisted count using its snapshots in
// place of the original payload. Items without a snapshot fall back to the
// submitted entries stored with the count; items with neither are reconciled
// with no entries, retiring their active batches. Original snapshots are
// kept; only items that had none receive the snapshot of this pass.
func (s *Service) Retry(ctx context.Context, req RetryRequest) (RunResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return RunResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	lease, release, err := s.lock(ctx)
	if err != nil {
		return RunResult{}, err
	}
	defer release()

	count, err := s.store.GetCount(ctx, req.CompletedCountID)
	if err != nil {
		return RunResult{}, err
	}
	items, err := s.trackedItems(ctx)
	if err != nil {
		return RunResult{}, err
	}

	started := s.now()
	s.log().Info("count retry started", slog.String("completed_count_id", count.ID), slog.Int("items", len(items)), slog.Int("snapshots", len(count.Entries)), slog.Int("submitted", len(count.Submitted)), slog.Int("previous_retries", count.RetryCount))

	processed, errs, err := s.reconcileAll(ctx, lease, count.ID, items, req.UserID,
		func(item TrackedItem) []CountEntry {
			if snap, ok := count.Entries[item.ID]; ok {
				return snap.Entries()
			}
			return count.Submitted[item.ID]
		},
		func(itemID string) bool {
			_, ok := count.Entries[itemID]
			return !ok
		},
	)
	result := s.result(count.ID, processed, len(items), errs)
	if err != nil {
		s.log().Warn("count retry interrupted", slog.String("completed_count_id", count.ID), slog.Int("processed", processed), slog.Any("error", err))
		result.Success = false
		result.Message = fmt.Sprintf("Inventory count retry interrupted after %d of %d items", processed, len(items))
		return result, err
	}

	done := true
	total := len(items)
	retries := count.RetryCount + 1
	at := s.now()
	if err := s.store.UpdateCount(context.WithoutCancel(ctx), count.ID, CountUpdate{
		ReagentUpdatesCompleted: &done,
		ReagentsUpdatedCount:    &processed,
		ReagentsTotalCount:      &total,
		RetryCount:              &retries,
		LastRetryAt:             &at,
		LastErrors:              nonNil(errs),
	}); err != nil {
		s.log().Error("update completed count after retry", slog.String("completed_count_id", count.ID), slog.Any("error", err))
		result.Errors = append(result.Errors, fmt.Sprintf("update completed count: %v", err))
		result.Success = false
	}

	s.record(ctx, "stockcount:retry", req.UserID, result)
	s.metrics.ObserveRun("retry", result.Success)
	s.log().Info("count retry finished", slog.String("completed_count_id", count.ID), slog.Int("processed", processed), slog.Int("errors", len(errs)), slog.Duration("duration", s.now().Sub(started)))
	return result, nil
}
