package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusCancelled, false},
		{StatusFailed, StatusPending, true},
		{StatusFailed, StatusCancelled, true},
		{StatusCompleted, StatusPending, false},
		{StatusCompleted, StatusFailed, false},
		{StatusCancelled, StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestSyncTypeSupports(t *testing.T) {
	assert.True(t, SyncTypeOrder.Supports(OpCreate))
	assert.True(t, SyncTypePayment.Supports(OpRefund))
	assert.True(t, SyncTypeInventoryAdjustment.Supports(OpAdjust))
	assert.False(t, SyncTypeInventoryAdjustment.Supports(OpCreate))
	assert.False(t, SyncType("gift_card").Valid())
	assert.Len(t, KnownSyncTypes(), 3)
}

func TestDecodePayloadVariants(t *testing.T) {
	p, err := DecodePayload(SyncTypeInventoryAdjustment, []byte(`{"v":1,"delta":-3,"expect":{"quantity":10}}`))
	require.NoError(t, err)

	adj, ok := p.(*InventoryAdjustmentPayload)
	require.True(t, ok)
	assert.Equal(t, int64(-3), adj.Delta)
	require.NotNil(t, adj.Expect())
	assert.Equal(t, int64(10), *adj.Expect().Quantity)

	p, err = DecodePayload(SyncTypePayment, []byte(`{"v":1,"order_id":"o-1","amount":1250,"currency":"USD"}`))
	require.NoError(t, err)
	assert.Equal(t, SyncTypePayment, p.SyncType())
	assert.Nil(t, p.Expect())
}

func TestDecodePayloadErrors(t *testing.T) {
	_, err := DecodePayload("gift_card", []byte(`{"v":1}`))
	assert.True(t, errors.Is(err, ErrUnknownSyncType))

	_, err = DecodePayload(SyncTypeOrder, []byte(`{"v":2,"total":1}`))
	assert.True(t, errors.Is(err, ErrUnsupportedPayloadVersion))

	_, err = DecodePayload(SyncTypeOrder, []byte(`{"v":1,"colour":"red"}`))
	require.Error(t, err, "unknown fields are rejected")
}

func TestEntityKey(t *testing.T) {
	op := SyncOperation{TenantID: "t1", EntityType: "sku", EntityID: "A-1"}
	key, ok := op.EntityKey()
	assert.True(t, ok)
	assert.Equal(t, "t1/sku/A-1", key)

	op.EntityID = ""
	_, ok = op.EntityKey()
	assert.False(t, ok)
}

func TestFailureKindRetryable(t *testing.T) {
	assert.True(t, FailureTransient.Retryable())
	assert.False(t, FailurePermanent.Retryable())
	assert.False(t, FailureConflict.Retryable())
	assert.False(t, FailureExhausted.Retryable())
}
