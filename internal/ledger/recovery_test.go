package ledger

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/engine"
	"github.com/roach88/tillsync/internal/model"
	"github.com/roach88/tillsync/internal/store"
	"github.com/roach88/tillsync/internal/testutil"
)

var _ engine.EffectRecorder = (*Ledger)(nil)

type crashEnv struct {
	engine *engine.Engine
	store  *store.Store
	ledger *Ledger
	clock  *testutil.FakeClock
}

func newCrashEnv(t *testing.T) *crashEnv {
	t.Helper()
	dir := t.TempDir()
	clock := testutil.NewFakeClock(fixedNow)

	st, err := store.Open(filepath.Join(dir, "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	led, err := Open(filepath.Join(dir, "ledger.db"), WithNow(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	eng := engine.New(st, led, led,
		engine.WithClock(clock),
		engine.WithIDGenerator(testutil.NewSequentialIDGenerator("op")),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	return &crashEnv{engine: eng, store: st, ledger: led, clock: clock}
}

// applyThenCrash claims the single due operation and applies it, leaving it
// processing with its outcome unrecorded, as a worker that died right
// after the domain commit would.
func (env *crashEnv) applyThenCrash(t *testing.T, req engine.EnqueueRequest, payload model.Payload) model.SyncOperation {
	t.Helper()
	ctx := context.Background()

	res, err := env.engine.Enqueue(ctx, req)
	require.NoError(t, err)
	require.Equal(t, engine.VerdictAccepted, res.Verdict, res.Reason)

	ops, err := env.store.ClaimBatch(ctx, store.ClaimRequest{Limit: 10, Now: env.clock.Now()})
	require.NoError(t, err)
	require.Len(t, ops, 1)

	_, err = env.ledger.Apply(ctx, ops[0], payload)
	require.NoError(t, err)

	env.clock.Advance(time.Hour)
	report, err := env.engine.Recover(ctx, "", 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, report.StuckRequeued)
	return ops[0]
}

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestCrashAfterApply_AdjustmentCompletesOnce(t *testing.T) {
	env := newCrashEnv(t)
	ctx := context.Background()

	op := env.applyThenCrash(t, engine.EnqueueRequest{
		TenantID:       "tenant-a",
		IdempotencyKey: "k1",
		SyncType:       model.SyncTypeInventoryAdjustment,
		Operation:      model.OpAdjust,
		EntityType:     EntityStock,
		EntityID:       "SKU-1",
		Payload:        rawJSON(t, map[string]any{"v": 1, "delta": 5}),
	}, &model.InventoryAdjustmentPayload{V: 1, Delta: 5})

	batch, err := env.engine.ProcessBatch(ctx, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Processed)
	assert.Equal(t, 0, batch.Failed)

	got, err := env.store.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Empty(t, got.FailureKind)

	n, err := env.ledger.AppliedCount(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	state, err := env.ledger.CurrentState(ctx, "tenant-a", EntityStock, "SKU-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), state.Quantity)

	rec, err := env.store.GetIdempotencyRecord(ctx, "tenant-a", "k1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, rec.OutcomeStatus)
	assert.Equal(t, "SKU-1", rec.OutcomeEntity)

	history, err := env.store.ListHistory(ctx, op.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, model.HistoryCompleted, history[0].Status)
}

func TestCrashAfterApply_CreateIsNotReportedAsConflict(t *testing.T) {
	env := newCrashEnv(t)
	ctx := context.Background()

	op := env.applyThenCrash(t, engine.EnqueueRequest{
		TenantID:       "tenant-a",
		IdempotencyKey: "order-1",
		SyncType:       model.SyncTypeOrder,
		Operation:      model.OpCreate,
		EntityType:     EntityOrder,
		EntityID:       "ord-1",
		Payload:        rawJSON(t, map[string]any{"v": 1, "total": 1250, "currency": "EUR"}),
	}, &model.OrderPayload{V: 1, Total: 1250, Currency: "EUR"})

	batch, err := env.engine.ProcessBatch(ctx, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Processed)

	got, err := env.store.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Empty(t, got.Conflicts)
	assert.Equal(t, "ord-1", got.EntityID)

	n, err := env.ledger.EffectCount(ctx, "tenant-a", EntityOrder, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A resubmission reports the applied outcome.
	res, err := env.engine.Enqueue(ctx, engine.EnqueueRequest{
		TenantID:       "tenant-a",
		IdempotencyKey: "order-1",
		SyncType:       model.SyncTypeOrder,
		Operation:      model.OpCreate,
		EntityType:     EntityOrder,
		EntityID:       "ord-1",
		Payload:        rawJSON(t, map[string]any{"v": 1, "total": 1250, "currency": "EUR"}),
	})
	require.NoError(t, err)
	assert.Equal(t, engine.VerdictDuplicate, res.Verdict)
	require.NotNil(t, res.Prior)
	assert.Equal(t, model.StatusCompleted, res.Prior.OutcomeStatus)
}
