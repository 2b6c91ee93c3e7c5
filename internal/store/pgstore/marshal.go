package pgstore

import (
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/roach88/tillsync/internal/model"
)

// operationColumns is the column list scanned by scanOperation.
const operationColumns = `
	id, tenant_id, idempotency_key, seq, sync_type, operation, entity_type, entity_id,
	payload, fingerprint, batch_id, priority, status, retry_count, error_message,
	failure_kind, conflicts, scheduled_at, started_at, last_retry_at, completed_at,
	archived_at, created_at, updated_at`

// idempotencyColumns is the column list scanned by scanIdempotency.
const idempotencyColumns = `
	tenant_id, idempotency_key, fingerprint, operation_id, first_seen_at,
	duplicate_count, outcome_status, outcome_entity_id, resolved_at`

func scanOperation(row pgx.Row) (model.SyncOperation, error) {
	var (
		op                                  model.SyncOperation
		entityID, batchID, errMsg, kind     *string
		conflicts                           []byte
		payload, syncType, operation, state string
		startedAt, lastRetryAt              *time.Time
		completedAt, archivedAt             *time.Time
	)

	if err := row.Scan(
		&op.ID, &op.TenantID, &op.IdempotencyKey, &op.Seq, &syncType, &operation, &op.EntityType, &entityID,
		&payload, &op.Fingerprint, &batchID, &op.Priority, &state, &op.RetryCount, &errMsg,
		&kind, &conflicts, &op.ScheduledAt, &startedAt, &lastRetryAt, &completedAt,
		&archivedAt, &op.CreatedAt, &op.UpdatedAt,
	); err != nil {
		return model.SyncOperation{}, err
	}

	op.SyncType = model.SyncType(syncType)
	op.Operation = model.Operation(operation)
	op.Status = model.Status(state)
	op.EntityID = deref(entityID)
	op.BatchID = deref(batchID)
	op.ErrorMessage = deref(errMsg)
	op.FailureKind = model.FailureKind(deref(kind))
	op.Payload = json.RawMessage(payload)
	op.ScheduledAt = op.ScheduledAt.UTC()
	op.StartedAt = utcPtr(startedAt)
	op.LastRetryAt = utcPtr(lastRetryAt)
	op.CompletedAt = utcPtr(completedAt)
	op.ArchivedAt = utcPtr(archivedAt)
	op.CreatedAt = op.CreatedAt.UTC()
	op.UpdatedAt = op.UpdatedAt.UTC()

	if len(conflicts) > 0 {
		if err := json.Unmarshal(conflicts, &op.Conflicts); err != nil {
			return model.SyncOperation{}, err
		}
	}
	return op, nil
}

func scanIdempotency(row pgx.Row) (model.IdempotencyRecord, error) {
	var (
		rec                    model.IdempotencyRecord
		outcome, outcomeEntity *string
		resolvedAt             *time.Time
	)
	if err := row.Scan(
		&rec.TenantID, &rec.Key, &rec.Fingerprint, &rec.OperationID, &rec.FirstSeenAt,
		&rec.DuplicateCount, &outcome, &outcomeEntity, &resolvedAt,
	); err != nil {
		return model.IdempotencyRecord{}, err
	}
	rec.FirstSeenAt = rec.FirstSeenAt.UTC()
	rec.OutcomeStatus = model.Status(deref(outcome))
	rec.OutcomeEntity = deref(outcomeEntity)
	rec.ResolvedAt = utcPtr(resolvedAt)
	return rec, nil
}

func collectOperations(rows pgx.Rows) ([]model.SyncOperation, error) {
	defer rows.Close()
	ops := []model.SyncOperation{}
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// nullable maps "" to NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// marshalConflicts encodes conflicts as JSONB, or NULL when empty.
func marshalConflicts(conflicts []model.Conflict) ([]byte, error) {
	if len(conflicts) == 0 {
		return nil, nil
	}
	return json.Marshal(conflicts)
}

// pgTime truncates to microseconds, the resolution of timestamptz.
func pgTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
