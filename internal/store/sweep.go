package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/tillsync/internal/model"
)

// DeleteTerminalBefore deletes operations in a cleanable status (completed
// or cancelled) last updated before cutoff. Other statuses are refused.
func (s *Store) DeleteTerminalBefore(ctx context.Context, status model.Status, cutoff time.Time) (int, error) {
	if !CleanableStatus(status) {
		return 0, fmt.Errorf("delete terminal: status %q is not cleanable", status)
	}

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_operations
		WHERE status = ? AND updated_at < ?
	`, string(status), toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete terminal: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete terminal: rows affected: %w", err)
	}
	return int(n), nil
}

// RemoveFailed deletes the given operations from the live queue, provided
// they are still failed. Used after the rows were copied to cold storage.
func (s *Store) RemoveFailed(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sync_operations
		WHERE status = 'failed' AND id IN (`+placeholders(len(ids))+`)
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("remove failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("remove failed: rows affected: %w", err)
	}
	return int(n), nil
}

// MarkArchived flags failed operations as archived in place.
func (s *Store) MarkArchived(ctx context.Context, ids []string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	args := []any{toMillis(at)}
	for _, id := range ids {
		args = append(args, id)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_operations
		SET archived_at = ?
		WHERE status = 'failed' AND archived_at IS NULL AND id IN (`+placeholders(len(ids))+`)
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("mark archived: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark archived: rows affected: %w", err)
	}
	return int(n), nil
}

// DeleteIdempotencyBefore deletes idempotency records first seen before
// cutoff whose operation row no longer exists. A record is never removed
// while its operation is still in the queue.
func (s *Store) DeleteIdempotencyBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_records
		WHERE first_seen_at < ?
		  AND NOT EXISTS (
		      SELECT 1 FROM sync_operations o WHERE o.id = idempotency_records.operation_id
		  )
	`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete idempotency records: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete idempotency records: rows affected: %w", err)
	}
	return int(n), nil
}
