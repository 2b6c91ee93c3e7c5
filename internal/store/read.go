package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/tillsync/internal/model"
)

// GetOperation returns the operation with the given id, or ErrNotFound.
func (s *Store) GetOperation(ctx context.Context, id string) (*model.SyncOperation, error) {
	op, err := scanOperation(s.db.QueryRowContext(ctx,
		`SELECT `+operationColumns+` FROM sync_operations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get operation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get operation: %w", err)
	}
	return &op, nil
}

// ListOperations returns operations matching the filter ordered by seq.
//
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) ListOperations(ctx context.Context, f OperationFilter) ([]model.SyncOperation, error) {
	query := `SELECT ` + operationColumns + ` FROM sync_operations WHERE 1 = 1`
	var args []any

	if f.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, f.TenantID)
	}
	if len(f.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(f.Statuses)) + `)`
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if !f.UpdatedSince.IsZero() {
		query += ` AND updated_at >= ?`
		args = append(args, toMillis(f.UpdatedSince))
	}
	if !f.UpdatedBefore.IsZero() {
		query += ` AND updated_at < ?`
		args = append(args, toMillis(f.UpdatedBefore))
	}
	if !f.IncludeArchived {
		query += ` AND archived_at IS NULL`
	}
	if f.AfterSeq > 0 {
		query += ` AND seq > ?`
		args = append(args, f.AfterSeq)
	}
	query += ` ORDER BY seq ASC LIMIT ?`
	args = append(args, f.EffectiveLimit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	ops := []model.SyncOperation{}
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("list operations: scan: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list operations: iterate: %w", err)
	}
	return ops, nil
}

// GetIdempotencyRecord returns the record for a tenant-scoped key, or ErrNotFound.
func (s *Store) GetIdempotencyRecord(ctx context.Context, tenantID, key string) (*model.IdempotencyRecord, error) {
	rec, err := scanIdempotency(s.db.QueryRowContext(ctx, `
		SELECT `+idempotencyColumns+`
		FROM idempotency_records
		WHERE tenant_id = ? AND idempotency_key = ?
	`, tenantID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get idempotency record %s/%s: %w", tenantID, key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	return &rec, nil
}

// ListHistory returns every attempt recorded for an operation, oldest first.
func (s *Store) ListHistory(ctx context.Context, operationID string) ([]model.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation_id, tenant_id, sync_type, operation, status,
		       duration_ms, retry_count, error_message, created_at
		FROM sync_history
		WHERE operation_id = ?
		ORDER BY id ASC
	`, operationID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	entries := []model.HistoryEntry{}
	for rows.Next() {
		var (
			e                           model.HistoryEntry
			syncType, operation, status string
			durationMS, createdAt       int64
			errMsg                      sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.OperationID, &e.TenantID, &syncType, &operation, &status,
			&durationMS, &e.RetryCount, &errMsg, &createdAt); err != nil {
			return nil, fmt.Errorf("list history: scan: %w", err)
		}
		e.SyncType = model.SyncType(syncType)
		e.Operation = model.Operation(operation)
		e.Status = model.HistoryStatus(status)
		e.Duration = time.Duration(durationMS) * time.Millisecond
		e.ErrorMessage = errMsg.String
		e.CreatedAt = fromMillis(createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list history: iterate: %w", err)
	}
	return entries, nil
}

// HistoryRollup aggregates history rows by sync type, operation and status.
func (s *Store) HistoryRollup(ctx context.Context, f HistoryFilter) ([]model.HistoryGroup, error) {
	query := `
		SELECT sync_type, operation, status, COUNT(*),
		       COALESCE(SUM(duration_ms), 0), COALESCE(SUM(retry_count), 0), COALESCE(MAX(retry_count), 0)
		FROM sync_history
		WHERE created_at >= ?`
	args := []any{toMillis(f.Since)}
	if f.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, f.TenantID)
	}
	query += `
		GROUP BY sync_type, operation, status
		ORDER BY sync_type, operation, status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history rollup: %w", err)
	}
	defer rows.Close()

	groups := []model.HistoryGroup{}
	for rows.Next() {
		var (
			g                           model.HistoryGroup
			syncType, operation, status string
			totalMS                     int64
		)
		if err := rows.Scan(&syncType, &operation, &status, &g.Count, &totalMS, &g.TotalRetries, &g.MaxRetries); err != nil {
			return nil, fmt.Errorf("history rollup: scan: %w", err)
		}
		g.SyncType = model.SyncType(syncType)
		g.Operation = model.Operation(operation)
		g.Status = model.HistoryStatus(status)
		g.TotalDuration = time.Duration(totalMS) * time.Millisecond
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history rollup: iterate: %w", err)
	}
	return groups, nil
}

// DuplicateStats counts idempotency keys first seen in the window and the
// duplicate submissions recorded against them.
func (s *Store) DuplicateStats(ctx context.Context, f HistoryFilter) (model.DuplicateStats, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(duplicate_count), 0)
		FROM idempotency_records
		WHERE first_seen_at >= ?`
	args := []any{toMillis(f.Since)}
	if f.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, f.TenantID)
	}

	var stats model.DuplicateStats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&stats.Keys, &stats.Duplicates); err != nil {
		return model.DuplicateStats{}, fmt.Errorf("duplicate stats: %w", err)
	}
	return stats, nil
}

// QueueDepth counts live operations by status.
func (s *Store) QueueDepth(ctx context.Context, tenantID string) (map[model.Status]int, error) {
	query := `SELECT status, COUNT(*) FROM sync_operations WHERE archived_at IS NULL`
	var args []any
	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("queue depth: %w", err)
	}
	defer rows.Close()

	depth := map[model.Status]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("queue depth: scan: %w", err)
		}
		depth[model.Status(status)] = n
	}
	return depth, rows.Err()
}
