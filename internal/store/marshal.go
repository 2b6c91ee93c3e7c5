package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/tillsync/internal/model"
)

// toMillis converts a wall-clock time to the stored UTC unix milliseconds.
func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

// fromMillis converts stored milliseconds back to a UTC time.
func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// nullMillis converts a nullable column into an optional time.
func nullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

// nullString maps the empty string to SQL NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// marshalConflicts converts conflicts to JSON TEXT, or NULL when empty.
func marshalConflicts(conflicts []model.Conflict) (sql.NullString, error) {
	if len(conflicts) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(conflicts)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal conflicts: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// unmarshalConflicts parses the conflicts column.
func unmarshalConflicts(v sql.NullString) ([]model.Conflict, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var conflicts []model.Conflict
	if err := json.Unmarshal([]byte(v.String), &conflicts); err != nil {
		return nil, fmt.Errorf("unmarshal conflicts: %w", err)
	}
	return conflicts, nil
}

// operationColumns is the column list scanned by scanOperation.
const operationColumns = `
	id, tenant_id, idempotency_key, seq, sync_type, operation, entity_type, entity_id,
	payload, fingerprint, batch_id, priority, status, retry_count, error_message,
	failure_kind, conflicts, scheduled_at, started_at, last_retry_at, completed_at,
	archived_at, created_at, updated_at`

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanOperation scans one row selected with operationColumns.
func scanOperation(row scanner) (model.SyncOperation, error) {
	var (
		op                                  model.SyncOperation
		entityID, batchID, errMsg, kind     sql.NullString
		conflicts                           sql.NullString
		payload, syncType, operation, state string
		scheduledAt, createdAt, updatedAt   int64
		startedAt, lastRetryAt              sql.NullInt64
		completedAt, archivedAt             sql.NullInt64
	)

	if err := row.Scan(
		&op.ID, &op.TenantID, &op.IdempotencyKey, &op.Seq, &syncType, &operation, &op.EntityType, &entityID,
		&payload, &op.Fingerprint, &batchID, &op.Priority, &state, &op.RetryCount, &errMsg,
		&kind, &conflicts, &scheduledAt, &startedAt, &lastRetryAt, &completedAt,
		&archivedAt, &createdAt, &updatedAt,
	); err != nil {
		return model.SyncOperation{}, err
	}

	op.SyncType = model.SyncType(syncType)
	op.Operation = model.Operation(operation)
	op.Status = model.Status(state)
	op.EntityID = entityID.String
	op.BatchID = batchID.String
	op.ErrorMessage = errMsg.String
	op.FailureKind = model.FailureKind(kind.String)
	op.Payload = json.RawMessage(payload)
	op.ScheduledAt = fromMillis(scheduledAt)
	op.StartedAt = nullMillis(startedAt)
	op.LastRetryAt = nullMillis(lastRetryAt)
	op.CompletedAt = nullMillis(completedAt)
	op.ArchivedAt = nullMillis(archivedAt)
	op.CreatedAt = fromMillis(createdAt)
	op.UpdatedAt = fromMillis(updatedAt)

	c, err := unmarshalConflicts(conflicts)
	if err != nil {
		return model.SyncOperation{}, err
	}
	op.Conflicts = c

	return op, nil
}

// idempotencyColumns is the column list scanned by scanIdempotency.
const idempotencyColumns = `
	tenant_id, idempotency_key, fingerprint, operation_id, first_seen_at,
	duplicate_count, outcome_status, outcome_entity_id, resolved_at`

// scanIdempotency scans one row selected with idempotencyColumns.
func scanIdempotency(row scanner) (model.IdempotencyRecord, error) {
	var (
		rec                    model.IdempotencyRecord
		firstSeen              int64
		outcome, outcomeEntity sql.NullString
		resolvedAt             sql.NullInt64
	)
	if err := row.Scan(
		&rec.TenantID, &rec.Key, &rec.Fingerprint, &rec.OperationID, &firstSeen,
		&rec.DuplicateCount, &outcome, &outcomeEntity, &resolvedAt,
	); err != nil {
		return model.IdempotencyRecord{}, err
	}
	rec.FirstSeenAt = fromMillis(firstSeen)
	rec.OutcomeStatus = model.Status(outcome.String)
	rec.OutcomeEntity = outcomeEntity.String
	rec.ResolvedAt = nullMillis(resolvedAt)
	return rec, nil
}
