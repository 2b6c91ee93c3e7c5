package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/tillsync/internal/model"
	"github.com/roach88/tillsync/internal/store"
)

// DeleteTerminalBefore deletes operations in a cleanable status (completed
// or cancelled) last updated before cutoff. Other statuses are refused.
func (s *Store) DeleteTerminalBefore(ctx context.Context, status model.Status, cutoff time.Time) (int, error) {
	if !store.CleanableStatus(status) {
		return 0, fmt.Errorf("delete terminal: status %q is not cleanable", status)
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM sync_operations
		WHERE status = $1 AND updated_at < $2
	`, string(status), pgTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete terminal: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RemoveFailed deletes the given operations from the live queue, provided
// they are still failed.
func (s *Store) RemoveFailed(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM sync_operations
		WHERE status = 'failed' AND id = ANY($1)
	`, ids)
	if err != nil {
		return 0, fmt.Errorf("remove failed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// MarkArchived flags failed operations as archived in place.
func (s *Store) MarkArchived(ctx context.Context, ids []string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_operations
		SET archived_at = $1
		WHERE status = 'failed' AND archived_at IS NULL AND id = ANY($2)
	`, pgTime(at), ids)
	if err != nil {
		return 0, fmt.Errorf("mark archived: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteIdempotencyBefore deletes idempotency records first seen before
// cutoff whose operation row no longer exists.
func (s *Store) DeleteIdempotencyBefore(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM idempotency_records r
		WHERE r.first_seen_at < $1
		  AND NOT EXISTS (SELECT 1 FROM sync_operations o WHERE o.id = r.operation_id)
	`, pgTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete idempotency records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
