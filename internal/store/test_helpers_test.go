package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/model"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore creates a new file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestOperation builds a pending inventory adjustment with minimal fields.
func createTestOperation(tenant, key string, at time.Time) *model.SyncOperation {
	return &model.SyncOperation{
		ID:             fmt.Sprintf("op-%s-%s", tenant, key),
		TenantID:       tenant,
		IdempotencyKey: key,
		SyncType:       model.SyncTypeInventoryAdjustment,
		Operation:      model.OpAdjust,
		EntityType:     "sku",
		EntityID:       "SKU-" + key,
		Payload:        []byte(`{"v":1,"delta":-1}`),
		Fingerprint:    "fp-" + key,
		ScheduledAt:    at,
		CreatedAt:      at,
	}
}

// admit inserts op and fails the test unless it was newly admitted.
func admit(t *testing.T, s *Store, op *model.SyncOperation) {
	t.Helper()
	prior, err := s.AdmitOperation(context.Background(), op)
	require.NoError(t, err)
	require.Nil(t, prior, "expected %s to be admitted", op.IdempotencyKey)
}

// claimOne claims exactly one operation and returns it.
func claimOne(t *testing.T, s *Store, at time.Time) model.SyncOperation {
	t.Helper()
	ops, err := s.ClaimBatch(context.Background(), ClaimRequest{Limit: 1, Now: at})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	return ops[0]
}
