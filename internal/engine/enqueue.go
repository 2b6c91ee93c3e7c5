package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/tillsync/internal/canonical"
	"github.com/roach88/tillsync/internal/model"
)

// Verdict is the synchronous answer to an enqueue.
type Verdict string

const (
	VerdictAccepted  Verdict = "accepted"
	VerdictDuplicate Verdict = "duplicate"
	VerdictRejected  Verdict = "rejected"
)

// EnqueueRequest is a normalized operation submitted by a terminal.
type EnqueueRequest struct {
	TenantID       string
	IdempotencyKey string
	SyncType       model.SyncType
	Operation      model.Operation
	EntityType     string
	EntityID       string // Optional for creates
	Payload        json.RawMessage
	Priority       int
	BatchID        string
	ScheduledAt    time.Time // Zero means due now
}

// EnqueueResult is the verdict for one submission.
type EnqueueResult struct {
	Verdict     Verdict                  `json:"verdict"`
	OperationID string                   `json:"operation_id,omitempty"`
	Prior       *model.IdempotencyRecord `json:"prior,omitempty"`
	Reason      string                   `json:"reason,omitempty"`
}

// Enqueue admits a submission and, when its key is new, queues it as pending.
//
// Returns VerdictRejected for malformed submissions, VerdictDuplicate with
// the prior outcome for a repeat of the same request, and an
// IdempotencyKeyConflict error for a key reused with different content.
// Enqueue never blocks on processing.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	if reason := e.validateRequest(req); reason != "" {
		e.logger.Info("submission rejected",
			"tenant_id", req.TenantID,
			"idempotency_key", req.IdempotencyKey,
			"reason", reason,
		)
		return EnqueueResult{Verdict: VerdictRejected, Reason: reason}, nil
	}

	payload, err := canonical.Normalize(req.Payload)
	if err != nil {
		return EnqueueResult{Verdict: VerdictRejected, Reason: "payload: " + err.Error()}, nil
	}

	fingerprint, err := canonical.Fingerprint(string(req.SyncType), string(req.Operation), req.EntityID, payload)
	if err != nil {
		return EnqueueResult{Verdict: VerdictRejected, Reason: err.Error()}, nil
	}

	now := e.clock.Now()
	scheduledAt := req.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}

	op := &model.SyncOperation{
		ID:             e.ids.Generate(),
		TenantID:       req.TenantID,
		IdempotencyKey: req.IdempotencyKey,
		SyncType:       req.SyncType,
		Operation:      req.Operation,
		EntityType:     req.EntityType,
		EntityID:       req.EntityID,
		Payload:        payload,
		Fingerprint:    fingerprint,
		BatchID:        req.BatchID,
		Priority:       req.Priority,
		Status:         model.StatusPending,
		ScheduledAt:    scheduledAt,
		CreatedAt:      now,
	}

	admission, err := e.guard.Admit(ctx, op)
	if err != nil {
		if IsIdempotencyKeyConflict(err) {
			e.logger.Warn("idempotency key conflict",
				"tenant_id", req.TenantID,
				"idempotency_key", req.IdempotencyKey,
				"prior_operation_id", admission.Prior.OperationID,
			)
		}
		return EnqueueResult{}, err
	}

	if !admission.Admitted {
		e.logger.Debug("duplicate submission",
			"tenant_id", req.TenantID,
			"idempotency_key", req.IdempotencyKey,
			"operation_id", admission.Prior.OperationID,
		)
		return EnqueueResult{
			Verdict:     VerdictDuplicate,
			OperationID: admission.Prior.OperationID,
			Prior:       admission.Prior,
		}, nil
	}

	e.logger.Info("operation enqueued",
		"operation_id", op.ID,
		"tenant_id", op.TenantID,
		"sync_type", op.SyncType,
		"operation", op.Operation,
		"priority", op.Priority,
	)
	return EnqueueResult{Verdict: VerdictAccepted, OperationID: op.ID}, nil
}

// validateRequest returns a rejection reason, or "" when req is well formed.
func (e *Engine) validateRequest(req EnqueueRequest) string {
	var missing []string
	if req.TenantID == "" {
		missing = append(missing, "tenant_id")
	}
	if req.IdempotencyKey == "" {
		missing = append(missing, "idempotency_key")
	}
	if req.EntityType == "" {
		missing = append(missing, "entity_type")
	}
	if len(req.Payload) == 0 {
		missing = append(missing, "payload")
	}
	if len(missing) > 0 {
		return "missing " + strings.Join(missing, ", ")
	}

	if !req.SyncType.Valid() {
		return fmt.Sprintf("%v: %q", model.ErrUnknownSyncType, req.SyncType)
	}
	if !req.SyncType.Supports(req.Operation) {
		return fmt.Sprintf("%v: %s/%s", model.ErrUnsupportedOperation, req.SyncType, req.Operation)
	}

	if e.validator != nil {
		if err := e.validator.Validate(req.SyncType, req.Operation, req.Payload); err != nil {
			return err.Error()
		}
	}
	if _, err := model.DecodePayload(req.SyncType, req.Payload); err != nil {
		if errors.Is(err, model.ErrUnsupportedPayloadVersion) {
			return err.Error()
		}
		return "payload: " + err.Error()
	}
	return ""
}
