package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/engine"
	"github.com/roach88/tillsync/internal/model"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"), WithNow(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func testOp(id string, syncType model.SyncType, op model.Operation, entityType, entityID string) model.SyncOperation {
	return model.SyncOperation{
		ID:         id,
		TenantID:   "tenant-a",
		SyncType:   syncType,
		Operation:  op,
		EntityType: entityType,
		EntityID:   entityID,
	}
}

func apply(t *testing.T, l *Ledger, op model.SyncOperation, p model.Payload) (engine.ApplyResult, error) {
	t.Helper()
	return l.Apply(context.Background(), op, p)
}

func TestCurrentState_MissingEntity(t *testing.T) {
	l := openTestLedger(t)

	state, err := l.CurrentState(context.Background(), "tenant-a", EntityOrder, "ord-1")
	require.NoError(t, err)
	assert.False(t, state.Exists)
}

func TestApply_OrderLifecycle(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	res, err := apply(t, l, testOp("op-1", model.SyncTypeOrder, model.OpCreate, EntityOrder, "ord-1"),
		&model.OrderPayload{V: 1, Total: 1250, Currency: "EUR", Lines: []model.OrderLine{{SKU: "SKU-1", Quantity: 1, UnitPrice: 1250}}})
	require.NoError(t, err)
	assert.Equal(t, "ord-1", res.EntityID)

	state, err := l.CurrentState(ctx, "tenant-a", EntityOrder, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, model.EntityState{Exists: true, Version: 1, Status: OrderOpen, Quantity: 1250}, state)

	_, err = apply(t, l, testOp("op-2", model.SyncTypeOrder, model.OpUpdate, EntityOrder, "ord-1"),
		&model.OrderPayload{V: 1, Status: "paid"})
	require.NoError(t, err)

	_, err = apply(t, l, testOp("op-3", model.SyncTypeOrder, model.OpVoid, EntityOrder, "ord-1"),
		&model.OrderPayload{V: 1, Reason: "customer left"})
	require.NoError(t, err)

	state, err = l.CurrentState(ctx, "tenant-a", EntityOrder, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), state.Version)
	assert.Equal(t, OrderVoided, state.Status)

	n, err := l.EffectCount(ctx, "tenant-a", EntityOrder, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestApply_CreateWithoutEntityIDMintsOne(t *testing.T) {
	l := openTestLedger(t)

	res, err := apply(t, l, testOp("op-1", model.SyncTypeOrder, model.OpCreate, EntityOrder, ""),
		&model.OrderPayload{V: 1, Total: 100, Currency: "EUR"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.EntityID)

	ent, err := l.Get(context.Background(), "tenant-a", EntityOrder, res.EntityID)
	require.NoError(t, err)
	require.NotNil(t, ent)
}

func TestApply_DuplicateCreateIsPermanent(t *testing.T) {
	l := openTestLedger(t)
	payload := &model.OrderPayload{V: 1, Total: 100, Currency: "EUR"}

	_, err := apply(t, l, testOp("op-1", model.SyncTypeOrder, model.OpCreate, EntityOrder, "ord-1"), payload)
	require.NoError(t, err)

	_, err = apply(t, l, testOp("op-2", model.SyncTypeOrder, model.OpCreate, EntityOrder, "ord-1"), payload)
	require.Error(t, err)
	assert.True(t, engine.IsPermanent(err))
}

func TestApply_SameOperationAppliedOnce(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	op := testOp("op-1", model.SyncTypeInventoryAdjustment, model.OpAdjust, EntityStock, "SKU-1")

	_, err := apply(t, l, op, &model.InventoryAdjustmentPayload{V: 1, Delta: 10})
	require.NoError(t, err)

	_, err = apply(t, l, op, &model.InventoryAdjustmentPayload{V: 1, Delta: 10})
	require.NoError(t, err)

	n, err := l.AppliedCount(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	state, err := l.CurrentState(ctx, "tenant-a", EntityStock, "SKU-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), state.Quantity)
}

func TestApply_RepeatCreateReturnsRecordedEntity(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	op := testOp("op-1", model.SyncTypeOrder, model.OpCreate, EntityOrder, "")
	payload := &model.OrderPayload{V: 1, Total: 100, Currency: "EUR"}

	first, err := apply(t, l, op, payload)
	require.NoError(t, err)
	require.NotEmpty(t, first.EntityID)

	again, err := apply(t, l, op, payload)
	require.NoError(t, err)
	assert.Equal(t, first.EntityID, again.EntityID)

	n, err := l.EffectCount(ctx, "tenant-a", EntityOrder, first.EntityID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAppliedEffect(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	_, found, err := l.AppliedEffect(ctx, "op-1")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = apply(t, l, testOp("op-1", model.SyncTypeInventoryAdjustment, model.OpAdjust, EntityStock, "SKU-1"),
		&model.InventoryAdjustmentPayload{V: 1, Delta: 3})
	require.NoError(t, err)

	res, found, err := l.AppliedEffect(ctx, "op-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "SKU-1", res.EntityID)
}

func TestApply_InventoryNeverNegative(t *testing.T) {
	l := openTestLedger(t)

	_, err := apply(t, l, testOp("op-1", model.SyncTypeInventoryAdjustment, model.OpAdjust, EntityStock, "SKU-1"),
		&model.InventoryAdjustmentPayload{V: 1, Delta: 3})
	require.NoError(t, err)

	_, err = apply(t, l, testOp("op-2", model.SyncTypeInventoryAdjustment, model.OpAdjust, EntityStock, "SKU-1"),
		&model.InventoryAdjustmentPayload{V: 1, Delta: -5})
	require.ErrorIs(t, err, ErrInsufficientStock)
	assert.True(t, engine.IsPermanent(err))

	_, err = apply(t, l, testOp("op-3", model.SyncTypeInventoryAdjustment, model.OpAdjust, EntityStock, "SKU-2"),
		&model.InventoryAdjustmentPayload{V: 1, Delta: -1})
	require.ErrorIs(t, err, ErrInsufficientStock)
}

func TestApply_PaymentBeforeOrderIsTransient(t *testing.T) {
	l := openTestLedger(t)
	capture := &model.PaymentPayload{V: 1, OrderID: "ord-1", Amount: 500, Currency: "EUR"}

	_, err := apply(t, l, testOp("op-1", model.SyncTypePayment, model.OpCapture, EntityPayment, "pay-1"), capture)
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))

	_, err = apply(t, l, testOp("op-2", model.SyncTypeOrder, model.OpCreate, EntityOrder, "ord-1"),
		&model.OrderPayload{V: 1, Total: 500, Currency: "EUR"})
	require.NoError(t, err)

	_, err = apply(t, l, testOp("op-3", model.SyncTypePayment, model.OpCapture, EntityPayment, "pay-1"), capture)
	require.NoError(t, err)
}

func TestApply_RefundRules(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	_, err := apply(t, l, testOp("op-1", model.SyncTypePayment, model.OpCapture, EntityPayment, "pay-1"),
		&model.PaymentPayload{V: 1, Amount: 500, Currency: "EUR"})
	require.NoError(t, err)

	_, err = apply(t, l, testOp("op-2", model.SyncTypePayment, model.OpRefund, EntityPayment, "pay-1"),
		&model.PaymentPayload{V: 1, Amount: 900, Currency: "EUR"})
	require.Error(t, err)
	assert.True(t, engine.IsPermanent(err))

	_, err = apply(t, l, testOp("op-3", model.SyncTypePayment, model.OpRefund, EntityPayment, "pay-1"),
		&model.PaymentPayload{V: 1, Amount: 500, Currency: "EUR"})
	require.NoError(t, err)

	state, err := l.CurrentState(ctx, "tenant-a", EntityPayment, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, PaymentRefunded, state.Status)

	// Refunded payments cannot be voided
	_, err = apply(t, l, testOp("op-4", model.SyncTypePayment, model.OpVoid, EntityPayment, "pay-1"),
		&model.PaymentPayload{V: 1, Currency: "EUR"})
	require.Error(t, err)
	assert.True(t, engine.IsPermanent(err))
}

func TestApply_UpdateMissingOrderIsPermanent(t *testing.T) {
	l := openTestLedger(t)

	_, err := apply(t, l, testOp("op-1", model.SyncTypeOrder, model.OpUpdate, EntityOrder, "ord-404"),
		&model.OrderPayload{V: 1, Status: "paid"})
	require.Error(t, err)
	assert.True(t, engine.IsPermanent(err))
}

func TestApply_TenantsAreIsolated(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	_, err := apply(t, l, testOp("op-1", model.SyncTypeInventoryAdjustment, model.OpAdjust, EntityStock, "SKU-1"),
		&model.InventoryAdjustmentPayload{V: 1, Delta: 4})
	require.NoError(t, err)

	state, err := l.CurrentState(ctx, "tenant-b", EntityStock, "SKU-1")
	require.NoError(t, err)
	assert.False(t, state.Exists)
}
