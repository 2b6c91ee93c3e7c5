package pgstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/roach88/tillsync/internal/engine"
	"github.com/roach88/tillsync/internal/model"
	"github.com/roach88/tillsync/internal/store"
)

var _ engine.Store = (*Store)(nil)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore starts a disposable PostgreSQL container.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}
	ctx := context.Background()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("tillsync_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("password"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testOperation(tenant, key string, at time.Time) *model.SyncOperation {
	return &model.SyncOperation{
		ID:             "op-" + tenant + "-" + key,
		TenantID:       tenant,
		IdempotencyKey: key,
		SyncType:       model.SyncTypeInventoryAdjustment,
		Operation:      model.OpAdjust,
		EntityType:     "stock",
		EntityID:       "SKU-" + key,
		Payload:        []byte(`{"delta":5,"v":1}`),
		Fingerprint:    "fp-" + key,
		ScheduledAt:    at,
		CreatedAt:      at,
	}
}

// The container is shared by the subtests to keep the suite fast.
func TestPostgresStore(t *testing.T) {
	s := createTestStore(t)

	t.Run("admit then duplicate", func(t *testing.T) {
		ctx := context.Background()
		op := testOperation("tenant-a", "k-dup", baseTime)

		prior, err := s.AdmitOperation(ctx, op)
		require.NoError(t, err)
		assert.Nil(t, prior)
		assert.Positive(t, op.Seq)

		again := testOperation("tenant-a", "k-dup", baseTime)
		again.ID = "op-other"
		prior, err = s.AdmitOperation(ctx, again)
		require.NoError(t, err)
		require.NotNil(t, prior)
		assert.Equal(t, op.ID, prior.OperationID)
		assert.Equal(t, 1, prior.DuplicateCount)

		_, err = s.GetOperation(ctx, "op-other")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("conflicting fingerprint is not counted", func(t *testing.T) {
		ctx := context.Background()
		_, err := s.AdmitOperation(ctx, testOperation("tenant-a", "k-fp", baseTime))
		require.NoError(t, err)

		other := testOperation("tenant-a", "k-fp", baseTime)
		other.ID = "op-fp-2"
		other.Fingerprint = "fp-different"
		prior, err := s.AdmitOperation(ctx, other)
		require.NoError(t, err)
		require.NotNil(t, prior)
		assert.Equal(t, 0, prior.DuplicateCount)
		assert.Equal(t, "fp-k-fp", prior.Fingerprint)
	})

	t.Run("concurrent claims never overlap", func(t *testing.T) {
		ctx := context.Background()
		const tenant = "tenant-claim"
		for i := 0; i < 40; i++ {
			_, err := s.AdmitOperation(ctx, testOperation(tenant, fmt.Sprintf("k%02d", i), baseTime))
			require.NoError(t, err)
		}

		const workers = 4
		var (
			mu   sync.Mutex
			seen = map[string]int{}
			wg   sync.WaitGroup
		)
		wg.Add(workers)
		for w := 0; w < workers; w++ {
			go func() {
				defer wg.Done()
				for {
					ops, err := s.ClaimBatch(ctx, store.ClaimRequest{TenantID: tenant, Limit: 3, Now: baseTime})
					if err != nil || len(ops) == 0 {
						return
					}
					mu.Lock()
					for _, op := range ops {
						seen[op.ID]++
					}
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Len(t, seen, 40)
		for id, n := range seen {
			assert.Equal(t, 1, n, "operation %s claimed %d times", id, n)
		}
	})

	t.Run("claim order and transitions", func(t *testing.T) {
		ctx := context.Background()
		const tenant = "tenant-order"
		low := testOperation(tenant, "low", baseTime)
		high := testOperation(tenant, "high", baseTime.Add(time.Minute))
		high.Priority = 5
		later := testOperation(tenant, "later", baseTime.Add(time.Hour))
		for _, op := range []*model.SyncOperation{low, high, later} {
			_, err := s.AdmitOperation(ctx, op)
			require.NoError(t, err)
		}

		ops, err := s.ClaimBatch(ctx, store.ClaimRequest{TenantID: tenant, Limit: 10, Now: baseTime.Add(2 * time.Minute)})
		require.NoError(t, err)
		require.Len(t, ops, 2)
		assert.Equal(t, high.ID, ops[0].ID)
		assert.Equal(t, low.ID, ops[1].ID)
		assert.Equal(t, model.StatusProcessing, ops[0].Status)

		require.NoError(t, s.CompleteOperation(ctx, high.ID, "", baseTime.Add(3*time.Minute)))
		err = s.CompleteOperation(ctx, high.ID, "", baseTime.Add(3*time.Minute))
		assert.ErrorIs(t, err, store.ErrStaleStatus)

		require.NoError(t, s.FailOperation(ctx, low.ID, model.Failure{
			Kind:      model.FailureConflict,
			Message:   "precondition conflict",
			Conflicts: []model.Conflict{{Field: "quantity", Expected: "5", Actual: "3"}},
			At:        baseTime.Add(3 * time.Minute),
		}))
		got, err := s.GetOperation(ctx, low.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusFailed, got.Status)
		assert.Equal(t, 1, got.RetryCount)
		assert.Equal(t, []model.Conflict{{Field: "quantity", Expected: "5", Actual: "3"}}, got.Conflicts)

		require.NoError(t, s.RearmOperation(ctx, low.ID, baseTime.Add(time.Hour), baseTime.Add(3*time.Minute)))
		got, err = s.GetOperation(ctx, low.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, got.Status)
		assert.Equal(t, baseTime.Add(time.Hour), got.ScheduledAt)
	})

	t.Run("cancel pending or failed", func(t *testing.T) {
		ctx := context.Background()
		op := testOperation("tenant-cancel", "k", baseTime)
		_, err := s.AdmitOperation(ctx, op)
		require.NoError(t, err)

		err = s.CancelOperation(ctx, "tenant-other", op.ID, baseTime)
		assert.ErrorIs(t, err, store.ErrNotFound)

		require.NoError(t, s.CancelOperation(ctx, "tenant-cancel", op.ID, baseTime))
		err = s.CancelOperation(ctx, "tenant-cancel", op.ID, baseTime)
		assert.ErrorIs(t, err, store.ErrStaleStatus)

		failed := testOperation("tenant-cancel", "k2", baseTime)
		_, err = s.AdmitOperation(ctx, failed)
		require.NoError(t, err)
		_, err = s.ClaimBatch(ctx, store.ClaimRequest{TenantID: "tenant-cancel", Limit: 1, Now: baseTime})
		require.NoError(t, err)

		err = s.CancelOperation(ctx, "tenant-cancel", failed.ID, baseTime)
		assert.ErrorIs(t, err, store.ErrStaleStatus)

		require.NoError(t, s.FailOperation(ctx, failed.ID, model.Failure{
			Kind: model.FailurePermanent, Message: "rejected", At: baseTime,
		}))
		require.NoError(t, s.CancelOperation(ctx, "tenant-cancel", failed.ID, baseTime))
		got, err := s.GetOperation(ctx, failed.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCancelled, got.Status)
	})

	t.Run("requeue stuck", func(t *testing.T) {
		ctx := context.Background()
		op := testOperation("tenant-stuck", "k", baseTime)
		_, err := s.AdmitOperation(ctx, op)
		require.NoError(t, err)
		_, err = s.ClaimBatch(ctx, store.ClaimRequest{TenantID: "tenant-stuck", Limit: 1, Now: baseTime})
		require.NoError(t, err)

		ids, err := s.RequeueStuck(ctx, "tenant-stuck", baseTime.Add(-time.Minute), baseTime.Add(time.Hour))
		require.NoError(t, err)
		assert.Empty(t, ids)

		ids, err = s.RequeueStuck(ctx, "tenant-stuck", baseTime.Add(time.Minute), baseTime.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, []string{op.ID}, ids)
	})

	t.Run("history rollup and retention", func(t *testing.T) {
		ctx := context.Background()
		const tenant = "tenant-hist"
		for i, status := range []model.HistoryStatus{model.HistoryFailed, model.HistoryCompleted} {
			require.NoError(t, s.AppendHistory(ctx, model.HistoryEntry{
				OperationID: "op-hist",
				TenantID:    tenant,
				SyncType:    model.SyncTypePayment,
				Operation:   model.OpCapture,
				Status:      status,
				Duration:    time.Duration(100*(i+1)) * time.Millisecond,
				RetryCount:  i,
				CreatedAt:   baseTime,
			}))
		}

		groups, err := s.HistoryRollup(ctx, store.HistoryFilter{TenantID: tenant, Since: baseTime.Add(-time.Hour)})
		require.NoError(t, err)
		require.Len(t, groups, 2)
		assert.Equal(t, model.HistoryCompleted, groups[0].Status)
		assert.Equal(t, 200*time.Millisecond, groups[0].TotalDuration)

		history, err := s.ListHistory(ctx, "op-hist")
		require.NoError(t, err)
		assert.Len(t, history, 2)

		old := testOperation(tenant, "old", baseTime.Add(-40*24*time.Hour))
		_, err = s.AdmitOperation(ctx, old)
		require.NoError(t, err)
		n, err := s.DeleteIdempotencyBefore(ctx, baseTime.Add(-30*24*time.Hour))
		require.NoError(t, err)
		assert.Zero(t, n, "record of a live operation must survive")

		_, err = s.DeleteTerminalBefore(ctx, model.StatusPending, baseTime)
		assert.Error(t, err)
	})
}
