package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/tillsync/internal/model"
)

// AdmitOperation atomically records the operation's idempotency key and
// inserts the pending operation.
//
// Returns (nil, nil) when the key was first seen and the operation is now
// queued; op.Seq is set to its enqueue order. When the key already exists
// the existing record is returned and nothing is queued. The record's
// duplicate counter is incremented only when the fingerprints match, so a
// conflicting resubmission is not counted as a duplicate.
func (s *Store) AdmitOperation(ctx context.Context, op *model.SyncOperation) (*model.IdempotencyRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("admit operation: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	result, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_records
		(tenant_id, idempotency_key, fingerprint, operation_id, first_seen_at, duplicate_count)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(tenant_id, idempotency_key) DO NOTHING
	`,
		op.TenantID,
		op.IdempotencyKey,
		op.Fingerprint,
		op.ID,
		toMillis(op.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("admit operation: insert key: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("admit operation: rows affected: %w", err)
	}

	if rowsAffected == 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE idempotency_records
			SET duplicate_count = duplicate_count + 1
			WHERE tenant_id = ? AND idempotency_key = ? AND fingerprint = ?
		`, op.TenantID, op.IdempotencyKey, op.Fingerprint); err != nil {
			return nil, fmt.Errorf("admit operation: count duplicate: %w", err)
		}

		rec, err := scanIdempotency(tx.QueryRowContext(ctx, `
			SELECT `+idempotencyColumns+`
			FROM idempotency_records
			WHERE tenant_id = ? AND idempotency_key = ?
		`, op.TenantID, op.IdempotencyKey))
		if err != nil {
			return nil, fmt.Errorf("admit operation: select existing: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("admit operation: commit: %w", err)
		}
		return &rec, nil
	}

	result, err = tx.ExecContext(ctx, `
		INSERT INTO sync_operations
		(id, tenant_id, idempotency_key, sync_type, operation, entity_type, entity_id,
		 payload, fingerprint, batch_id, priority, status, retry_count,
		 scheduled_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?)
	`,
		op.ID,
		op.TenantID,
		op.IdempotencyKey,
		string(op.SyncType),
		string(op.Operation),
		op.EntityType,
		nullString(op.EntityID),
		string(op.Payload),
		op.Fingerprint,
		nullString(op.BatchID),
		op.Priority,
		toMillis(op.ScheduledAt),
		toMillis(op.CreatedAt),
		toMillis(op.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("admit operation: insert operation: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("admit operation: last insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("admit operation: commit: %w", err)
	}

	op.Seq = seq
	op.Status = model.StatusPending
	op.UpdatedAt = op.CreatedAt
	return nil, nil
}

// ResolveIdempotency records the terminal outcome of the key's first
// operation. Only the first resolution is kept.
func (s *Store) ResolveIdempotency(ctx context.Context, tenantID, key string, outcome model.Outcome) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records
		SET outcome_status = ?, outcome_entity_id = ?, resolved_at = ?
		WHERE tenant_id = ? AND idempotency_key = ? AND resolved_at IS NULL
	`,
		string(outcome.Status),
		nullString(outcome.EntityID),
		toMillis(outcome.At),
		tenantID,
		key,
	)
	if err != nil {
		return fmt.Errorf("resolve idempotency: %w", err)
	}
	return nil
}

// ClaimBatch marks up to req.Limit due pending operations as processing and
// returns them in claim order: priority DESC, scheduled_at ASC, seq ASC.
//
// Each row is claimed with an UPDATE guarded by status = 'pending', so an
// operation is never returned to two callers.
func (s *Store) ClaimBatch(ctx context.Context, req ClaimRequest) ([]model.SyncOperation, error) {
	if req.Limit <= 0 {
		return []model.SyncOperation{}, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim batch: begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `
		SELECT id FROM sync_operations
		WHERE status = 'pending' AND scheduled_at <= ?`
	args := []any{toMillis(req.Now)}
	if req.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, req.TenantID)
	}
	query += `
		ORDER BY priority DESC, scheduled_at ASC, seq ASC
		LIMIT ?`
	args = append(args, req.Limit)

	ids, err := queryIDs(ctx, tx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("claim batch: select due: %w", err)
	}

	now := toMillis(req.Now)
	claimed := make([]model.SyncOperation, 0, len(ids))
	for _, id := range ids {
		result, err := tx.ExecContext(ctx, `
			UPDATE sync_operations
			SET status = 'processing', started_at = ?, updated_at = ?
			WHERE id = ? AND status = 'pending'
		`, now, now, id)
		if err != nil {
			return nil, fmt.Errorf("claim batch: claim %s: %w", id, err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			continue
		}

		op, err := scanOperation(tx.QueryRowContext(ctx,
			`SELECT `+operationColumns+` FROM sync_operations WHERE id = ?`, id))
		if err != nil {
			return nil, fmt.Errorf("claim batch: read %s: %w", id, err)
		}
		claimed = append(claimed, op)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim batch: commit: %w", err)
	}

	return claimed, nil
}

// CompleteOperation transitions processing -> completed. The entity id is
// recorded only if the operation did not already carry one.
func (s *Store) CompleteOperation(ctx context.Context, id, entityID string, at time.Time) error {
	now := toMillis(at)
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_operations
		SET status = 'completed',
		    entity_id = COALESCE(NULLIF(entity_id, ''), ?),
		    completed_at = ?, updated_at = ?,
		    error_message = NULL, failure_kind = NULL, conflicts = NULL
		WHERE id = ? AND status = 'processing'
	`, nullString(entityID), now, now, id)
	if err != nil {
		return fmt.Errorf("complete operation: %w", err)
	}
	return s.checkTransition(ctx, result, id, "complete operation")
}

// FailOperation transitions processing -> failed, incrementing retry_count
// exactly once for the attempt.
func (s *Store) FailOperation(ctx context.Context, id string, f model.Failure) error {
	conflicts, err := marshalConflicts(f.Conflicts)
	if err != nil {
		return fmt.Errorf("fail operation: %w", err)
	}

	now := toMillis(f.At)
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_operations
		SET status = 'failed',
		    retry_count = retry_count + 1,
		    failure_kind = ?, error_message = ?, conflicts = ?,
		    last_retry_at = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'
	`, string(f.Kind), nullString(f.Message), conflicts, now, now, id)
	if err != nil {
		return fmt.Errorf("fail operation: %w", err)
	}
	return s.checkTransition(ctx, result, id, "fail operation")
}

// RearmOperation transitions failed -> pending with a new due time.
// retry_count is left unchanged.
func (s *Store) RearmOperation(ctx context.Context, id string, scheduledAt, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_operations
		SET status = 'pending', scheduled_at = ?, started_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'failed'
	`, toMillis(scheduledAt), toMillis(at), id)
	if err != nil {
		return fmt.Errorf("rearm operation: %w", err)
	}
	return s.checkTransition(ctx, result, id, "rearm operation")
}

// CancelOperation transitions a pending or failed operation owned by
// tenantID to cancelled. Claimed and finished operations cannot be
// cancelled.
func (s *Store) CancelOperation(ctx context.Context, tenantID, id string, at time.Time) error {
	now := toMillis(at)
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_operations
		SET status = 'cancelled', completed_at = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ? AND status IN ('pending', 'failed')
	`, now, now, id, tenantID)
	if err != nil {
		return fmt.Errorf("cancel operation: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("cancel operation: rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	var owner string
	err = s.db.QueryRowContext(ctx, `SELECT tenant_id FROM sync_operations WHERE id = ?`, id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && owner != tenantID) {
		return fmt.Errorf("cancel operation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("cancel operation: %w", err)
	}
	return fmt.Errorf("cancel operation %s: %w", id, ErrStaleStatus)
}

// RequeueStuck moves processing operations whose claim is older than
// startedBefore back to pending. Returns the ids re-armed.
func (s *Store) RequeueStuck(ctx context.Context, tenantID string, startedBefore, at time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("requeue stuck: begin tx: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT id FROM sync_operations WHERE status = 'processing' AND started_at < ?`
	args := []any{toMillis(startedBefore)}
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY seq ASC`

	ids, err := queryIDs(ctx, tx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("requeue stuck: select: %w", err)
	}

	now := toMillis(at)
	requeued := make([]string, 0, len(ids))
	for _, id := range ids {
		result, err := tx.ExecContext(ctx, `
			UPDATE sync_operations
			SET status = 'pending', scheduled_at = ?, started_at = NULL, updated_at = ?
			WHERE id = ? AND status = 'processing'
		`, now, now, id)
		if err != nil {
			return nil, fmt.Errorf("requeue stuck: update %s: %w", id, err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			requeued = append(requeued, id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("requeue stuck: commit: %w", err)
	}
	return requeued, nil
}

// AppendHistory appends one attempt record.
func (s *Store) AppendHistory(ctx context.Context, e model.HistoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_history
		(operation_id, tenant_id, sync_type, operation, status, duration_ms, retry_count, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.OperationID,
		e.TenantID,
		string(e.SyncType),
		string(e.Operation),
		string(e.Status),
		e.Duration.Milliseconds(),
		e.RetryCount,
		nullString(e.ErrorMessage),
		toMillis(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// checkTransition converts a zero-row conditional update into ErrNotFound or
// ErrStaleStatus.
func (s *Store) checkTransition(ctx context.Context, result sql.Result, id, op string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n > 0 {
		return nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM sync_operations WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", op, id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s %s (status %s): %w", op, id, status, ErrStaleStatus)
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// queryIDs runs a query returning a single id column.
func queryIDs(ctx context.Context, q queryer, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
