package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/tillsync/internal/model"
	"github.com/roach88/tillsync/internal/store"
)

// DefaultCleanupDays is the operation retention used when a caller passes none.
const DefaultCleanupDays = 30

// CleanupReport is the outcome of a retention sweep.
type CleanupReport struct {
	Cutoff                    time.Time `json:"cutoff"`
	KeyCutoff                 time.Time `json:"key_cutoff"`
	DeletedCompleted          int       `json:"deleted_completed"`
	DeletedQueueItems         int       `json:"deleted_queue_items"`
	ArchivedFailures          int       `json:"archived_failures"`
	CleanedIdempotencyRecords int       `json:"cleaned_idempotency_records"`
}

// Cleanup prunes terminal operations older than olderThanDays.
//
// Completed and cancelled operations are deleted. Failed operations are
// moved to the archiver, or flagged in place when none is configured.
// Pending and processing operations are never touched. Idempotency records
// are kept for the key retention window, and never for less than the
// operation cutoff, so a key is never forgotten while a resubmission could
// still be confused with new work.
func (e *Engine) Cleanup(ctx context.Context, olderThanDays int) (CleanupReport, error) {
	if olderThanDays <= 0 {
		olderThanDays = DefaultCleanupDays
	}

	now := e.clock.Now()
	opRetention := time.Duration(olderThanDays) * 24 * time.Hour
	keyRetention := max(e.keyRetention, opRetention)

	report := CleanupReport{
		Cutoff:    now.Add(-opRetention),
		KeyCutoff: now.Add(-keyRetention),
	}

	var err error
	report.DeletedCompleted, err = e.store.DeleteTerminalBefore(ctx, model.StatusCompleted, report.Cutoff)
	if err != nil {
		return report, fmt.Errorf("cleanup: %w", err)
	}
	report.DeletedQueueItems, err = e.store.DeleteTerminalBefore(ctx, model.StatusCancelled, report.Cutoff)
	if err != nil {
		return report, fmt.Errorf("cleanup: %w", err)
	}

	report.ArchivedFailures, err = e.archiveFailed(ctx, report.Cutoff, now)
	if err != nil {
		return report, fmt.Errorf("cleanup: %w", err)
	}

	report.CleanedIdempotencyRecords, err = e.store.DeleteIdempotencyBefore(ctx, report.KeyCutoff)
	if err != nil {
		return report, fmt.Errorf("cleanup: %w", err)
	}

	e.logger.Info("retention sweep finished",
		"older_than_days", olderThanDays,
		"deleted_completed", report.DeletedCompleted,
		"deleted_queue_items", report.DeletedQueueItems,
		"archived_failures", report.ArchivedFailures,
		"cleaned_idempotency_records", report.CleanedIdempotencyRecords,
	)
	return report, nil
}

// archiveFailed pages through failed operations last updated before cutoff.
func (e *Engine) archiveFailed(ctx context.Context, cutoff, now time.Time) (int, error) {
	filter := store.OperationFilter{
		Statuses:      []model.Status{model.StatusFailed},
		UpdatedBefore: cutoff,
		Limit:         e.archivePageSize,
	}

	archived := 0
	for {
		page, err := e.store.ListOperations(ctx, filter)
		if err != nil {
			return archived, err
		}
		if len(page) == 0 {
			return archived, nil
		}

		ids := make([]string, len(page))
		for i, op := range page {
			ids[i] = op.ID
		}

		var n int
		if e.archiver != nil {
			if err := e.archiver.Archive(ctx, page); err != nil {
				return archived, fmt.Errorf("archive failed operations: %w", err)
			}
			n, err = e.store.RemoveFailed(ctx, ids)
		} else {
			n, err = e.store.MarkArchived(ctx, ids, now)
		}
		if err != nil {
			return archived, err
		}
		archived += n

		if len(page) < e.archivePageSize {
			return archived, nil
		}
		filter.AfterSeq = page[len(page)-1].Seq
	}
}
