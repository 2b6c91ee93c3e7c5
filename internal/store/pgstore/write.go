package pgstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/roach88/tillsync/internal/model"
	"github.com/roach88/tillsync/internal/store"
)

// AdmitOperation atomically records the operation's idempotency key and
// inserts the pending operation. See store.Store.AdmitOperation.
func (s *Store) AdmitOperation(ctx context.Context, op *model.SyncOperation) (*model.IdempotencyRecord, error) {
	var (
		prior *model.IdempotencyRecord
		seq   int64
	)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		prior, seq = nil, 0

		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_records
			(tenant_id, idempotency_key, fingerprint, operation_id, first_seen_at, duplicate_count)
			VALUES ($1, $2, $3, $4, $5, 0)
			ON CONFLICT (tenant_id, idempotency_key) DO NOTHING
		`, op.TenantID, op.IdempotencyKey, op.Fingerprint, op.ID, pgTime(op.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert key: %w", err)
		}

		if tag.RowsAffected() == 0 {
			if _, err := tx.Exec(ctx, `
				UPDATE idempotency_records
				SET duplicate_count = duplicate_count + 1
				WHERE tenant_id = $1 AND idempotency_key = $2 AND fingerprint = $3
			`, op.TenantID, op.IdempotencyKey, op.Fingerprint); err != nil {
				return fmt.Errorf("count duplicate: %w", err)
			}

			rec, err := scanIdempotency(tx.QueryRow(ctx, `
				SELECT `+idempotencyColumns+`
				FROM idempotency_records
				WHERE tenant_id = $1 AND idempotency_key = $2
			`, op.TenantID, op.IdempotencyKey))
			if err != nil {
				return fmt.Errorf("select existing: %w", err)
			}
			prior = &rec
			return nil
		}

		return tx.QueryRow(ctx, `
			INSERT INTO sync_operations
			(id, tenant_id, idempotency_key, sync_type, operation, entity_type, entity_id,
			 payload, fingerprint, batch_id, priority, status, retry_count,
			 scheduled_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 'pending', 0, $12, $13, $13)
			RETURNING seq
		`,
			op.ID,
			op.TenantID,
			op.IdempotencyKey,
			string(op.SyncType),
			string(op.Operation),
			op.EntityType,
			nullable(op.EntityID),
			string(op.Payload),
			op.Fingerprint,
			nullable(op.BatchID),
			op.Priority,
			pgTime(op.ScheduledAt),
			pgTime(op.CreatedAt),
		).Scan(&seq)
	})
	if err != nil {
		return nil, fmt.Errorf("admit operation: %w", err)
	}

	if prior != nil {
		return prior, nil
	}
	op.Seq = seq
	op.Status = model.StatusPending
	op.UpdatedAt = op.CreatedAt
	return nil, nil
}

// ResolveIdempotency records the terminal outcome of the key's first
// operation. Only the first resolution is kept.
func (s *Store) ResolveIdempotency(ctx context.Context, tenantID, key string, outcome model.Outcome) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE idempotency_records
		SET outcome_status = $1, outcome_entity_id = $2, resolved_at = $3
		WHERE tenant_id = $4 AND idempotency_key = $5 AND resolved_at IS NULL
	`, string(outcome.Status), nullable(outcome.EntityID), pgTime(outcome.At), tenantID, key)
	if err != nil {
		return fmt.Errorf("resolve idempotency: %w", err)
	}
	return nil
}

// ClaimBatch marks up to req.Limit due pending operations as processing and
// returns them in claim order: priority DESC, scheduled_at ASC, seq ASC.
//
// Rows locked by a concurrent claim are skipped rather than waited on.
func (s *Store) ClaimBatch(ctx context.Context, req store.ClaimRequest) ([]model.SyncOperation, error) {
	if req.Limit <= 0 {
		return []model.SyncOperation{}, nil
	}

	now := pgTime(req.Now)
	args := []any{now}
	tenantClause := ""
	if req.TenantID != "" {
		args = append(args, req.TenantID)
		tenantClause = ` AND tenant_id = $2`
	}
	args = append(args, req.Limit)
	limitParam := "$" + strconv.Itoa(len(args))

	query := `
		WITH due AS (
			SELECT seq AS due_seq FROM sync_operations
			WHERE status = 'pending' AND scheduled_at <= $1` + tenantClause + `
			ORDER BY priority DESC, scheduled_at ASC, seq ASC
			LIMIT ` + limitParam + `
			FOR UPDATE SKIP LOCKED
		)
		UPDATE sync_operations
		SET status = 'processing', started_at = $1, updated_at = $1
		FROM due
		WHERE seq = due.due_seq AND status = 'pending'
		RETURNING ` + operationColumns

	var claimed []model.SyncOperation
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		claimed, err = collectOperations(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}

	// RETURNING order is unspecified.
	slices.SortFunc(claimed, func(a, b model.SyncOperation) int {
		switch {
		case a.Priority != b.Priority:
			return b.Priority - a.Priority
		case !a.ScheduledAt.Equal(b.ScheduledAt):
			return a.ScheduledAt.Compare(b.ScheduledAt)
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	return claimed, nil
}

// CompleteOperation transitions processing -> completed. The entity id is
// recorded only if the operation did not already carry one.
func (s *Store) CompleteOperation(ctx context.Context, id, entityID string, at time.Time) error {
	return s.transition(ctx, id, "complete operation", `
		UPDATE sync_operations
		SET status = 'completed',
		    entity_id = COALESCE(NULLIF(entity_id, ''), $2),
		    completed_at = $3, updated_at = $3,
		    error_message = NULL, failure_kind = NULL, conflicts = NULL
		WHERE id = $1 AND status = 'processing'
	`, id, nullable(entityID), pgTime(at))
}

// FailOperation transitions processing -> failed, incrementing retry_count
// exactly once for the attempt.
func (s *Store) FailOperation(ctx context.Context, id string, f model.Failure) error {
	conflicts, err := marshalConflicts(f.Conflicts)
	if err != nil {
		return fmt.Errorf("fail operation: %w", err)
	}
	return s.transition(ctx, id, "fail operation", `
		UPDATE sync_operations
		SET status = 'failed',
		    retry_count = retry_count + 1,
		    failure_kind = $2, error_message = $3, conflicts = $4,
		    last_retry_at = $5, updated_at = $5
		WHERE id = $1 AND status = 'processing'
	`, id, string(f.Kind), nullable(f.Message), conflicts, pgTime(f.At))
}

// RearmOperation transitions failed -> pending with a new due time.
func (s *Store) RearmOperation(ctx context.Context, id string, scheduledAt, at time.Time) error {
	return s.transition(ctx, id, "rearm operation", `
		UPDATE sync_operations
		SET status = 'pending', scheduled_at = $2, started_at = NULL, updated_at = $3
		WHERE id = $1 AND status = 'failed'
	`, id, pgTime(scheduledAt), pgTime(at))
}

// CancelOperation transitions a pending or failed operation owned by
// tenantID to cancelled.
func (s *Store) CancelOperation(ctx context.Context, tenantID, id string, at time.Time) error {
	now := pgTime(at)
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_operations
		SET status = 'cancelled', completed_at = $3, updated_at = $3
		WHERE id = $1 AND tenant_id = $2 AND status IN ('pending', 'failed')
	`, id, tenantID, now)
	if err != nil {
		return fmt.Errorf("cancel operation: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var owner string
	err = s.pool.QueryRow(ctx, `SELECT tenant_id FROM sync_operations WHERE id = $1`, id).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && owner != tenantID) {
		return fmt.Errorf("cancel operation %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("cancel operation: %w", err)
	}
	return fmt.Errorf("cancel operation %s: %w", id, store.ErrStaleStatus)
}

// RequeueStuck moves processing operations whose claim is older than
// startedBefore back to pending. Returns the ids re-armed.
func (s *Store) RequeueStuck(ctx context.Context, tenantID string, startedBefore, at time.Time) ([]string, error) {
	query := `
		UPDATE sync_operations
		SET status = 'pending', scheduled_at = $2, started_at = NULL, updated_at = $2
		WHERE status = 'processing' AND started_at < $1`
	args := []any{pgTime(startedBefore), pgTime(at)}
	if tenantID != "" {
		query += ` AND tenant_id = $3`
		args = append(args, tenantID)
	}
	query += ` RETURNING id`

	var ids []string
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		ids, err = pgx.CollectRows(rows, pgx.RowTo[string])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("requeue stuck: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	slices.Sort(ids)
	return ids, nil
}

// AppendHistory appends one attempt record.
func (s *Store) AppendHistory(ctx context.Context, e model.HistoryEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_history
		(operation_id, tenant_id, sync_type, operation, status, duration_ms, retry_count, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		e.OperationID,
		e.TenantID,
		string(e.SyncType),
		string(e.Operation),
		string(e.Status),
		e.Duration.Milliseconds(),
		e.RetryCount,
		nullable(e.ErrorMessage),
		pgTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// transition runs a conditional status update whose first parameter is the
// operation id, mapping a zero-row update to ErrNotFound or ErrStaleStatus.
func (s *Store) transition(ctx context.Context, id, op, query string, args ...any) error {
	var tag pgconn.CommandTag
	err := withRetry(ctx, func(ctx context.Context) error {
		var err error
		tag, err = s.pool.Exec(ctx, query, args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM sync_operations WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !exists {
		return fmt.Errorf("%s %s: %w", op, id, store.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, id, store.ErrStaleStatus)
}
