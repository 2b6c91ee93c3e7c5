package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/roach88/tillsync/internal/model"
	"github.com/roach88/tillsync/internal/store"
)

// GetOperation returns an operation by id, or store.ErrNotFound.
func (s *Store) GetOperation(ctx context.Context, id string) (*model.SyncOperation, error) {
	op, err := scanOperation(s.pool.QueryRow(ctx,
		`SELECT `+operationColumns+` FROM sync_operations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get operation %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get operation: %w", err)
	}
	return &op, nil
}

// params accumulates positional query parameters.
type params []any

// add appends v and returns its placeholder.
func (a *params) add(v any) string {
	*a = append(*a, v)
	return "$" + strconv.Itoa(len(*a))
}

// ListOperations returns operations matching the filter ordered by seq.
func (s *Store) ListOperations(ctx context.Context, f store.OperationFilter) ([]model.SyncOperation, error) {
	var a params
	query := `SELECT ` + operationColumns + ` FROM sync_operations WHERE TRUE`

	if f.TenantID != "" {
		query += ` AND tenant_id = ` + a.add(f.TenantID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		query += ` AND status = ANY(` + a.add(statuses) + `)`
	}
	if !f.UpdatedSince.IsZero() {
		query += ` AND updated_at >= ` + a.add(pgTime(f.UpdatedSince))
	}
	if !f.UpdatedBefore.IsZero() {
		query += ` AND updated_at < ` + a.add(pgTime(f.UpdatedBefore))
	}
	if !f.IncludeArchived {
		query += ` AND archived_at IS NULL`
	}
	if f.AfterSeq > 0 {
		query += ` AND seq > ` + a.add(f.AfterSeq)
	}
	query += ` ORDER BY seq ASC LIMIT ` + a.add(f.EffectiveLimit())

	rows, err := s.pool.Query(ctx, query, a...)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	ops, err := collectOperations(rows)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	return ops, nil
}

// GetIdempotencyRecord returns the record for a tenant-scoped key, or store.ErrNotFound.
func (s *Store) GetIdempotencyRecord(ctx context.Context, tenantID, key string) (*model.IdempotencyRecord, error) {
	rec, err := scanIdempotency(s.pool.QueryRow(ctx, `
		SELECT `+idempotencyColumns+`
		FROM idempotency_records
		WHERE tenant_id = $1 AND idempotency_key = $2
	`, tenantID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get idempotency record %s/%s: %w", tenantID, key, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	return &rec, nil
}

// ListHistory returns an operation's attempts in order.
func (s *Store) ListHistory(ctx context.Context, operationID string) ([]model.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, operation_id, tenant_id, sync_type, operation, status,
		       duration_ms, retry_count, error_message, created_at
		FROM sync_history
		WHERE operation_id = $1
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
			durationMS                  int64
			errMsg                      *string
		)
		if err := rows.Scan(&e.ID, &e.OperationID, &e.TenantID, &syncType, &operation, &status,
			&durationMS, &e.RetryCount, &errMsg, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("list history: scan: %w", err)
		}
		e.SyncType = model.SyncType(syncType)
		e.Operation = model.Operation(operation)
		e.Status = model.HistoryStatus(status)
		e.Duration = time.Duration(durationMS) * time.Millisecond
		e.ErrorMessage = deref(errMsg)
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list history: iterate: %w", err)
	}
	return entries, nil
}

// HistoryRollup aggregates history rows by sync type, operation and status.
func (s *Store) HistoryRollup(ctx context.Context, f store.HistoryFilter) ([]model.HistoryGroup, error) {
	var a params
	query := `
		SELECT sync_type, operation, status, COUNT(*),
		       COALESCE(SUM(duration_ms), 0)::BIGINT,
		       COALESCE(SUM(retry_count), 0)::BIGINT,
		       COALESCE(MAX(retry_count), 0)
		FROM sync_history
		WHERE created_at >= ` + a.add(pgTime(f.Since))
	if f.TenantID != "" {
		query += ` AND tenant_id = ` + a.add(f.TenantID)
	}
	query += `
		GROUP BY sync_type, operation, status
		ORDER BY sync_type, operation, status`

	rows, err := s.pool.Query(ctx, query, a...)
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
func (s *Store) DuplicateStats(ctx context.Context, f store.HistoryFilter) (model.DuplicateStats, error) {
	var a params
	query := `
		SELECT COUNT(*), COALESCE(SUM(duplicate_count), 0)::BIGINT
		FROM idempotency_records
		WHERE first_seen_at >= ` + a.add(pgTime(f.Since))
	if f.TenantID != "" {
		query += ` AND tenant_id = ` + a.add(f.TenantID)
	}

	var stats model.DuplicateStats
	if err := s.pool.QueryRow(ctx, query, a...).Scan(&stats.Keys, &stats.Duplicates); err != nil {
		return model.DuplicateStats{}, fmt.Errorf("duplicate stats: %w", err)
	}
	return stats, nil
}

// QueueDepth counts live operations by status.
func (s *Store) QueueDepth(ctx context.Context, tenantID string) (map[model.Status]int, error) {
	var a params
	query := `SELECT status, COUNT(*) FROM sync_operations WHERE archived_at IS NULL`
	if tenantID != "" {
		query += ` AND tenant_id = ` + a.add(tenantID)
	}
	query += ` GROUP BY status`

	rows, err := s.pool.Query(ctx, query, a...)
	if err != nil {
		return nil, fmt.Errorf("queue depth: %w", err)
	}
	defer rows.Close()

	depth := map[model.Status]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("queue depth: scan: %w", err)
		}
		depth[model.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue depth: iterate: %w", err)
	}
	return depth, nil
}
