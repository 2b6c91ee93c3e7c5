package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/tillsync/internal/model"
	"github.com/roach88/tillsync/internal/store"
)

// Defaults for processing runs.
const (
	DefaultMaxItems   = 50
	DefaultMaxBatches = 100
)

// BatchResult is the outcome of one ProcessBatch call.
type BatchResult struct {
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Empty reports whether the batch did no work. A drained queue returns
// an empty batch.
func (r BatchResult) Empty() bool {
	return r.Processed == 0 && r.Failed == 0
}

// ElapsedSeconds returns the batch duration in seconds.
func (r BatchResult) ElapsedSeconds() float64 {
	return r.Elapsed.Seconds()
}

// RunReport summarizes a Run.
type RunReport struct {
	Batches   []BatchResult `json:"batches"`
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`

	// Drained is true when the run stopped on an empty batch rather than
	// on the batch limit.
	Drained bool `json:"drained"`
}

// attempt is the outcome of processing one claimed operation.
type attempt int

const (
	attemptCompleted attempt = iota
	attemptFailed
)

// ProcessBatch claims up to maxItems due operations and processes them in
// claim order.
//
// Per-item failures are recorded on the operation and its history and
// never abort the batch. Only Store failures return an error. When nothing
// is due the result is empty.
func (e *Engine) ProcessBatch(ctx context.Context, maxItems int, tenantID string) (BatchResult, error) {
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}

	start := time.Now()
	claimed, err := e.store.ClaimBatch(ctx, store.ClaimRequest{
		TenantID: tenantID,
		Limit:    maxItems,
		Now:      e.clock.Now(),
	})
	if err != nil {
		return BatchResult{}, fmt.Errorf("process batch: %w", err)
	}

	var result BatchResult
	for _, op := range e.detector.OrderSameEntity(claimed) {
		if err := ctx.Err(); err != nil {
			// Claimed rows left in processing are picked up by the recovery sweep.
			return result, err
		}

		outcome, err := e.processOne(ctx, op)
		if err != nil {
			return result, fmt.Errorf("process batch: operation %s: %w", op.ID, err)
		}
		switch outcome {
		case attemptCompleted:
			result.Processed++
		case attemptFailed:
			result.Failed++
		}
	}
	result.Elapsed = time.Since(start)

	if !result.Empty() {
		e.logger.Info("batch processed",
			"tenant_id", tenantID,
			"claimed", len(claimed),
			"processed", result.Processed,
			"failed", result.Failed,
			"elapsed", result.Elapsed,
		)
	}
	return result, nil
}

// Run calls ProcessBatch until a batch does no work or maxBatches batches
// have run.
func (e *Engine) Run(ctx context.Context, maxItems, maxBatches int, tenantID string) (RunReport, error) {
	if maxBatches <= 0 {
		maxBatches = DefaultMaxBatches
	}

	quota := NewBatchQuota(maxBatches)
	report := RunReport{Batches: []BatchResult{}}
	for {
		if err := quota.Check(); err != nil {
			e.logger.Warn("run stopped at batch limit",
				"tenant_id", tenantID,
				"batches", quota.Current()-1,
				"max_batches", maxBatches,
			)
			return report, nil
		}

		batch, err := e.ProcessBatch(ctx, maxItems, tenantID)
		if err != nil {
			return report, err
		}
		report.Batches = append(report.Batches, batch)
		report.Processed += batch.Processed
		report.Failed += batch.Failed

		if batch.Empty() {
			report.Drained = true
			return report, nil
		}
	}
}

// processOne runs one claimed operation to its next status. A returned
// error is batch-fatal.
func (e *Engine) processOne(ctx context.Context, op model.SyncOperation) (attempt, error) {
	started := e.clock.Now()
	log := e.logger.With("operation_id", op.ID, "tenant_id", op.TenantID)

	rec, err := e.guard.Resolve(ctx, op.TenantID, op.IdempotencyKey)
	if err != nil {
		return attemptFailed, err
	}
	if alreadyCompleted(rec) {
		log.Info("effect already applied; completing without reapply", "idempotency_key", op.IdempotencyKey)
		return e.complete(ctx, &op, rec.OutcomeEntity, started)
	}

	prior, found, err := e.appliedEffect(ctx, op.ID)
	if err != nil {
		return e.failApply(ctx, &op, started, fmt.Errorf("look up applied effect: %w", err))
	}
	if found {
		log.Info("effect applied by an earlier attempt; recording outcome", "entity_id", prior.EntityID)
		return e.complete(ctx, &op, entityIDOf(&op, prior), started)
	}

	payload, err := model.DecodePayload(op.SyncType, op.Payload)
	if err != nil {
		return e.failPermanent(ctx, &op, started, fmt.Errorf("decode payload: %w", err))
	}

	state := model.EntityState{}
	if op.EntityID != "" {
		state, err = e.state.CurrentState(ctx, op.TenantID, op.EntityType, op.EntityID)
		if err != nil {
			return e.failApply(ctx, &op, started, fmt.Errorf("read entity state: %w", err))
		}
	}

	if check := e.detector.Check(&op, payload, state); !check.Clean() {
		return e.failConflict(ctx, &op, started, check.Conflicts)
	}

	applied, err := e.applier.Apply(ctx, op, payload)
	if err != nil {
		return e.failApply(ctx, &op, started, err)
	}

	return e.complete(ctx, &op, entityIDOf(&op, applied), started)
}

// complete records the completed outcome, then the status, then the
// history entry. The outcome goes first so a crash in between is caught by
// the completed-record check on the next claim.
func (e *Engine) complete(ctx context.Context, op *model.SyncOperation, entityID string, started time.Time) (attempt, error) {
	log := e.logger.With("operation_id", op.ID, "tenant_id", op.TenantID)
	now := e.clock.Now()

	if err := e.guard.Record(ctx, op, model.Outcome{Status: model.StatusCompleted, EntityID: entityID, At: now}); err != nil {
		return attemptFailed, err
	}
	if err := e.store.CompleteOperation(ctx, op.ID, entityID, now); err != nil {
		return e.staleOrFatal(log, err)
	}
	if err := e.appendHistory(ctx, op, model.HistoryCompleted, started, now, ""); err != nil {
		return attemptCompleted, err
	}

	log.Debug("operation completed", "entity_id", entityID, "retry_count", op.RetryCount)
	return attemptCompleted, nil
}

// appliedEffect returns the effect an earlier attempt of the operation
// already applied, when the applier keeps such a record.
func (e *Engine) appliedEffect(ctx context.Context, operationID string) (ApplyResult, bool, error) {
	r, ok := e.applier.(EffectRecorder)
	if !ok {
		return ApplyResult{}, false, nil
	}
	return r.AppliedEffect(ctx, operationID)
}

func entityIDOf(op *model.SyncOperation, res ApplyResult) string {
	if op.EntityID != "" {
		return op.EntityID
	}
	return res.EntityID
}

// failApply records a failed domain effect, re-arming it when the error
// is retryable and retries remain.
func (e *Engine) failApply(ctx context.Context, op *model.SyncOperation, started time.Time, applyErr error) (attempt, error) {
	switch classifyApplyError(applyErr) {
	case model.FailurePermanent:
		return e.failPermanent(ctx, op, started, applyErr)
	case model.FailureConflict:
		return e.failTerminal(ctx, op, started, model.FailureConflict, model.HistoryConflict, applyErr.Error(), nil)
	}

	now := e.clock.Now()
	next, giveUp := e.backoff.NextAttempt(op.RetryCount, now)
	if giveUp {
		msg := fmt.Sprintf("retries exhausted after %d attempts: %v", op.RetryCount+1, applyErr)
		return e.failTerminal(ctx, op, started, model.FailureExhausted, model.HistoryFailed, msg, nil)
	}

	log := e.logger.With("operation_id", op.ID, "tenant_id", op.TenantID)
	if err := e.store.FailOperation(ctx, op.ID, model.Failure{
		Kind:    model.FailureTransient,
		Message: applyErr.Error(),
		At:      now,
	}); err != nil {
		return e.staleOrFatal(log, err)
	}
	if err := e.appendHistory(ctx, op, model.HistoryFailed, started, now, applyErr.Error()); err != nil {
		return attemptFailed, err
	}
	if err := e.store.RearmOperation(ctx, op.ID, next, now); err != nil {
		return e.staleOrFatal(log, err)
	}

	log.Warn("transient failure; retry scheduled",
		"retry_count", op.RetryCount+1,
		"scheduled_at", next,
		"error", applyErr,
	)
	return attemptFailed, nil
}

func (e *Engine) failPermanent(ctx context.Context, op *model.SyncOperation, started time.Time, cause error) (attempt, error) {
	return e.failTerminal(ctx, op, started, model.FailurePermanent, model.HistoryFailed, cause.Error(), nil)
}

func (e *Engine) failConflict(ctx context.Context, op *model.SyncOperation, started time.Time, conflicts []model.Conflict) (attempt, error) {
	msg := NewPreconditionConflict(op, conflicts).Error()
	return e.failTerminal(ctx, op, started, model.FailureConflict, model.HistoryConflict, msg, conflicts)
}

// failTerminal moves op to failed without re-arming it and records the
// failure as the key's outcome.
func (e *Engine) failTerminal(
	ctx context.Context,
	op *model.SyncOperation,
	started time.Time,
	kind model.FailureKind,
	historyStatus model.HistoryStatus,
	msg string,
	conflicts []model.Conflict,
) (attempt, error) {
	now := e.clock.Now()
	log := e.logger.With("operation_id", op.ID, "tenant_id", op.TenantID)

	if err := e.store.FailOperation(ctx, op.ID, model.Failure{
		Kind:      kind,
		Message:   msg,
		Conflicts: conflicts,
		At:        now,
	}); err != nil {
		return e.staleOrFatal(log, err)
	}
	if err := e.appendHistory(ctx, op, historyStatus, started, now, msg); err != nil {
		return attemptFailed, err
	}
	if err := e.guard.Record(ctx, op, model.Outcome{Status: model.StatusFailed, At: now}); err != nil {
		return attemptFailed, err
	}

	log.Warn("operation failed",
		"failure_kind", kind,
		"retry_count", op.RetryCount+1,
		"error", msg,
	)
	return attemptFailed, nil
}

func (e *Engine) appendHistory(ctx context.Context, op *model.SyncOperation, status model.HistoryStatus, started, now time.Time, msg string) error {
	return e.store.AppendHistory(ctx, model.HistoryEntry{
		OperationID:  op.ID,
		TenantID:     op.TenantID,
		SyncType:     op.SyncType,
		Operation:    op.Operation,
		Status:       status,
		Duration:     now.Sub(started),
		RetryCount:   op.RetryCount,
		ErrorMessage: msg,
		CreatedAt:    now,
	})
}

// staleOrFatal contains a lost transition race; any other Store error is
// batch-fatal.
func (e *Engine) staleOrFatal(log *slog.Logger, err error) (attempt, error) {
	if errors.Is(err, store.ErrStaleStatus) {
		log.Warn("operation changed status during processing", "error", err)
		return attemptFailed, nil
	}
	return attemptFailed, err
}
