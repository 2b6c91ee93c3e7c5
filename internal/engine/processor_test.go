package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/model"
)

func withExpectedQuantity(req EnqueueRequest, delta, qty int64) EnqueueRequest {
	req.Payload = mustJSON(map[string]any{
		"v":      1,
		"delta":  delta,
		"expect": map[string]any{"quantity": qty},
	})
	return req
}

func TestProcessBatch_EmptyQueue(t *testing.T) {
	env := newTestEnv(t)

	res := env.process(t)
	assert.True(t, res.Empty())
	assert.Zero(t, env.domain.calls)
}

func TestProcessBatch_CompletesAndRecordsOutcome(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := adjustRequest("k1", "SKU-1", 5)
	id := env.enqueue(t, req)
	env.clock.Advance(time.Second)

	res := env.process(t)
	assert.Equal(t, 1, res.Processed)
	assert.Zero(t, res.Failed)

	op := env.get(t, id)
	assert.Equal(t, model.StatusCompleted, op.Status)
	assert.Zero(t, op.RetryCount)
	require.NotNil(t, op.CompletedAt)
	assert.Equal(t, baseTime.Add(time.Second), *op.CompletedAt)
	assert.Equal(t, 1, env.domain.appliedCount(id))

	rec, err := env.store.GetIdempotencyRecord(ctx, "tenant-a", "k1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, rec.OutcomeStatus)
	assert.Equal(t, "SKU-1", rec.OutcomeEntity)

	// Calling again is a no-op
	assert.True(t, env.process(t).Empty())
	assert.Equal(t, 1, env.domain.appliedCount(id))
}

func TestProcessBatch_RecordsCreatedEntityID(t *testing.T) {
	env := newTestEnv(t)

	id := env.enqueue(t, EnqueueRequest{
		TenantID:       "tenant-a",
		IdempotencyKey: "order-1",
		SyncType:       model.SyncTypeOrder,
		Operation:      model.OpCreate,
		EntityType:     "order",
		Payload:        []byte(`{"v":1,"total":1200,"currency":"EUR","lines":[{"sku":"SKU-1","quantity":1,"unit_price":1200}]}`),
	})
	env.process(t)

	op := env.get(t, id)
	assert.Equal(t, model.StatusCompleted, op.Status)
	assert.Equal(t, "gen-"+id, op.EntityID)
}

func TestProcessBatch_ClaimOrder(t *testing.T) {
	env := newTestEnv(t)

	low := env.enqueue(t, adjustRequest("k-low", "SKU-1", 1))
	highReq := adjustRequest("k-high", "SKU-2", 1)
	highReq.Priority = 10
	high := env.enqueue(t, highReq)

	res, err := env.engine.ProcessBatch(context.Background(), 1, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, model.StatusCompleted, env.get(t, high).Status)
	assert.Equal(t, model.StatusPending, env.get(t, low).Status)
}

func TestProcessBatch_TenantFilter(t *testing.T) {
	env := newTestEnv(t)

	a := env.enqueue(t, adjustRequest("k1", "SKU-1", 1))
	reqB := adjustRequest("k1", "SKU-1", 1)
	reqB.TenantID = "tenant-b"
	b := env.enqueue(t, reqB)

	res, err := env.engine.ProcessBatch(context.Background(), 10, "tenant-b")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, model.StatusPending, env.get(t, a).Status)
	assert.Equal(t, model.StatusCompleted, env.get(t, b).Status)
}

// A stale inventory precondition fails with conflicts and is
// never applied.
func TestProcessBatch_PreconditionConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.enqueue(t, adjustRequest("k1", "SKU-1", 10))
	stale := env.enqueue(t, withExpectedQuantity(adjustRequest("k2", "SKU-1", -3), -3, 0))

	res := env.process(t)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, model.StatusCompleted, env.get(t, first).Status)

	op := env.get(t, stale)
	assert.Equal(t, model.StatusFailed, op.Status)
	assert.Equal(t, model.FailureConflict, op.FailureKind)
	assert.Equal(t, []model.Conflict{{Field: "quantity", Expected: "0", Actual: "10"}}, op.Conflicts)
	assert.Contains(t, op.ErrorMessage, "precondition conflict")
	assert.Zero(t, env.domain.appliedCount(stale))

	history, err := env.store.ListHistory(ctx, stale)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.HistoryConflict, history[0].Status)

	rec, err := env.store.GetIdempotencyRecord(ctx, "tenant-a", "k2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, rec.OutcomeStatus)

	// Conflicts are never retried automatically
	env.clock.Advance(24 * time.Hour)
	assert.True(t, env.process(t).Empty())
}

func TestProcessBatch_SameEntityRunsInScheduleOrder(t *testing.T) {
	env := newTestEnv(t)

	earlier := adjustRequest("k-a", "SKU-9", 5)
	earlier.ScheduledAt = baseTime.Add(-2 * time.Minute)
	a := env.enqueue(t, earlier)

	// Higher priority claims it first, but it was captured later and
	// depends on the first adjustment.
	later := withExpectedQuantity(adjustRequest("k-b", "SKU-9", -5), -5, 5)
	later.ScheduledAt = baseTime.Add(-time.Minute)
	later.Priority = 10
	b := env.enqueue(t, later)

	res := env.process(t)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, model.StatusCompleted, env.get(t, a).Status)
	assert.Equal(t, model.StatusCompleted, env.get(t, b).Status)

	state, err := env.domain.CurrentState(context.Background(), "tenant-a", "stock", "SKU-9")
	require.NoError(t, err)
	assert.Zero(t, state.Quantity)
}

func TestProcessBatch_MissingEntityIsConflict(t *testing.T) {
	env := newTestEnv(t)

	id := env.enqueue(t, EnqueueRequest{
		TenantID:       "tenant-a",
		IdempotencyKey: "void-1",
		SyncType:       model.SyncTypeOrder,
		Operation:      model.OpVoid,
		EntityType:     "order",
		EntityID:       "ord-404",
		Payload:        []byte(`{"v":1,"reason":"duplicate ticket"}`),
	})
	env.process(t)

	op := env.get(t, id)
	assert.Equal(t, model.StatusFailed, op.Status)
	assert.Equal(t, []model.Conflict{{Field: "entity", Expected: "exists", Actual: "absent"}}, op.Conflicts)
}

// Two transient failures then success.
func TestProcessBatch_TransientFailuresThenSuccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id := env.enqueue(t, adjustRequest("k1", "SKU-1", 5))
	env.domain.failNext("SKU-1",
		Transient(errors.New("inventory service unavailable")),
		Transient(errors.New("inventory service unavailable")),
	)

	res := env.process(t)
	assert.Equal(t, 1, res.Failed)
	op := env.get(t, id)
	assert.Equal(t, model.StatusPending, op.Status)
	assert.Equal(t, 1, op.RetryCount)
	assert.Equal(t, baseTime.Add(30*time.Second), op.ScheduledAt)

	// Not due yet
	assert.True(t, env.process(t).Empty())

	env.clock.Advance(30 * time.Second)
	assert.Equal(t, 1, env.process(t).Failed)
	op = env.get(t, id)
	assert.Equal(t, 2, op.RetryCount)
	assert.Equal(t, env.clock.Now().Add(60*time.Second), op.ScheduledAt)

	env.clock.Advance(60 * time.Second)
	assert.Equal(t, 1, env.process(t).Processed)

	op = env.get(t, id)
	assert.Equal(t, model.StatusCompleted, op.Status)
	assert.Equal(t, 2, op.RetryCount)
	assert.Empty(t, op.ErrorMessage)
	assert.Equal(t, 1, env.domain.appliedCount(id))

	history, err := env.store.ListHistory(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, model.HistoryFailed, history[0].Status)
	assert.Equal(t, model.HistoryFailed, history[1].Status)
	assert.Equal(t, model.HistoryCompleted, history[2].Status)
	for i, h := range history {
		assert.Equal(t, i, h.RetryCount)
	}
}

func TestProcessBatch_UnclassifiedErrorIsRetried(t *testing.T) {
	env := newTestEnv(t)

	id := env.enqueue(t, adjustRequest("k1", "SKU-1", 5))
	env.domain.failNext("SKU-1", errors.New("connection reset"))

	env.process(t)
	op := env.get(t, id)
	assert.Equal(t, model.StatusPending, op.Status)
	assert.Equal(t, 1, op.RetryCount)
}

// MaxRetries+1 failures exhaust the budget and recovery leaves
// the operation alone.
func TestProcessBatch_RetriesExhausted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	maxRetries := env.engine.Backoff().MaxRetries

	id := env.enqueue(t, adjustRequest("k1", "SKU-1", 5))
	for i := 0; i <= maxRetries; i++ {
		env.domain.failNext("SKU-1", Transient(errors.New("payment gateway timeout")))
	}

	for i := 0; i <= maxRetries; i++ {
		res := env.process(t)
		require.Equal(t, 1, res.Failed, "attempt %d", i+1)
		env.clock.Advance(env.engine.Backoff().Delay(i))
	}

	op := env.get(t, id)
	assert.Equal(t, model.StatusFailed, op.Status)
	assert.Equal(t, model.FailureExhausted, op.FailureKind)
	assert.Equal(t, maxRetries+1, op.RetryCount)
	assert.Contains(t, op.ErrorMessage, "retries exhausted")
	assert.Zero(t, env.domain.appliedCount(id))

	history, err := env.store.ListHistory(ctx, id)
	require.NoError(t, err)
	assert.Len(t, history, maxRetries+1)

	// No further automatic retries
	env.clock.Advance(24 * time.Hour)
	assert.True(t, env.process(t).Empty())

	report, err := env.engine.Recover(ctx, "", 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TotalFailed)
	assert.Zero(t, report.Recovered)
	assert.Equal(t, 1, report.StillFailed)
	assert.Equal(t, []string{id}, report.StillFailedIDs)
	assert.Equal(t, model.StatusFailed, env.get(t, id).Status)
}

func TestProcessBatch_PermanentFailureIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id := env.enqueue(t, adjustRequest("k1", "SKU-1", 5))
	env.domain.failNext("SKU-1", Permanent(errors.New("sku retired")))

	res := env.process(t)
	assert.Equal(t, 1, res.Failed)

	op := env.get(t, id)
	assert.Equal(t, model.StatusFailed, op.Status)
	assert.Equal(t, model.FailurePermanent, op.FailureKind)
	assert.Equal(t, 1, op.RetryCount)
	assert.Contains(t, op.ErrorMessage, "sku retired")

	rec, err := env.store.GetIdempotencyRecord(ctx, "tenant-a", "k1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, rec.OutcomeStatus)

	env.clock.Advance(time.Hour)
	assert.True(t, env.process(t).Empty())
}

func TestProcessBatch_DomainReportedConflict(t *testing.T) {
	env := newTestEnv(t)

	id := env.enqueue(t, adjustRequest("k1", "SKU-1", 5))
	env.domain.failNext("SKU-1", &Error{Code: ErrCodePreconditionConflict, Message: "version moved"})

	env.process(t)
	op := env.get(t, id)
	assert.Equal(t, model.StatusFailed, op.Status)
	assert.Equal(t, model.FailureConflict, op.FailureKind)

	history, err := env.store.ListHistory(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.HistoryConflict, history[0].Status)
}

func TestProcessBatch_UndecodablePayloadIsPermanent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	op := &model.SyncOperation{
		ID:             "op-raw",
		TenantID:       "tenant-a",
		IdempotencyKey: "k-raw",
		SyncType:       model.SyncTypeInventoryAdjustment,
		Operation:      model.OpAdjust,
		EntityType:     "stock",
		EntityID:       "SKU-1",
		Payload:        []byte(`{"v":3,"delta":1}`),
		Fingerprint:    "fp-raw",
		ScheduledAt:    baseTime,
		CreatedAt:      baseTime,
	}
	_, err := env.store.AdmitOperation(ctx, op)
	require.NoError(t, err)

	env.process(t)
	got := env.get(t, "op-raw")
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, model.FailurePermanent, got.FailureKind)
	assert.Contains(t, got.ErrorMessage, "unsupported payload version")
}

func TestProcessBatch_AlreadyCompletedKeyIsNotReapplied(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id := env.enqueue(t, adjustRequest("k1", "SKU-1", 5))

	// A worker applied the effect and recorded the outcome, then died
	// before marking the row completed.
	require.NoError(t, env.store.ResolveIdempotency(ctx, "tenant-a", "k1", model.Outcome{
		Status:   model.StatusCompleted,
		EntityID: "SKU-1",
		At:       baseTime,
	}))

	res := env.process(t)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, model.StatusCompleted, env.get(t, id).Status)
	assert.Zero(t, env.domain.appliedCount(id))
}

func TestProcessBatch_StoreFailureIsBatchFatal(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, adjustRequest("k1", "SKU-1", 5))
	require.NoError(t, env.store.Close())

	_, err := env.engine.ProcessBatch(context.Background(), 10, "")
	assert.Error(t, err)
}

func TestRun_DrainsQueue(t *testing.T) {
	env := newTestEnv(t)
	for _, key := range []string{"k1", "k2", "k3"} {
		env.enqueue(t, adjustRequest(key, "SKU-"+key, 1))
	}

	report, err := env.engine.Run(context.Background(), 2, 10, "")
	require.NoError(t, err)
	assert.True(t, report.Drained)
	assert.Equal(t, 3, report.Processed)
	require.Len(t, report.Batches, 3)
	assert.Equal(t, 2, report.Batches[0].Processed)
	assert.Equal(t, 1, report.Batches[1].Processed)
	assert.True(t, report.Batches[2].Empty())
}

func TestRun_StopsAtBatchLimit(t *testing.T) {
	env := newTestEnv(t)
	for _, key := range []string{"k1", "k2", "k3"} {
		env.enqueue(t, adjustRequest(key, "SKU-"+key, 1))
	}

	report, err := env.engine.Run(context.Background(), 1, 2, "")
	require.NoError(t, err)
	assert.False(t, report.Drained)
	assert.Len(t, report.Batches, 2)
	assert.Equal(t, 2, report.Processed)
}

func TestRun_FailuresKeepTheLoopGoing(t *testing.T) {
	env := newTestEnv(t)
	env.enqueue(t, adjustRequest("k1", "SKU-1", 1))
	env.domain.failNext("SKU-1", Permanent(errors.New("rejected")))

	report, err := env.engine.Run(context.Background(), 10, 10, "")
	require.NoError(t, err)
	assert.True(t, report.Drained)
	assert.Equal(t, 1, report.Failed)
	assert.Len(t, report.Batches, 2)
}
