package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/model"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	a.now = func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) }
	t.Cleanup(func() { a.Close() })
	return a
}

func failedOp(tenant, id string) model.SyncOperation {
	return model.SyncOperation{
		ID:           id,
		TenantID:     tenant,
		SyncType:     model.SyncTypePayment,
		Operation:    model.OpCapture,
		Status:       model.StatusFailed,
		FailureKind:  model.FailurePermanent,
		ErrorMessage: "card declined",
		RetryCount:   1,
	}
}

func TestArchive_GetRoundTrip(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()

	require.NoError(t, a.Archive(ctx, []model.SyncOperation{failedOp("tenant-a", "op-1")}))

	rec, err := a.Get(ctx, "tenant-a", "op-1")
	require.NoError(t, err)
	assert.Equal(t, "card declined", rec.Operation.ErrorMessage)
	assert.Equal(t, model.FailurePermanent, rec.Operation.FailureKind)
	assert.Equal(t, 2025, rec.ArchivedAt.Year())
}

func TestArchive_GetMissing(t *testing.T) {
	a := openTestArchive(t)

	_, err := a.Get(context.Background(), "tenant-a", "op-404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestArchive_ListByTenant(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()

	require.NoError(t, a.Archive(ctx, []model.SyncOperation{
		failedOp("tenant-a", "op-2"),
		failedOp("tenant-a", "op-1"),
		failedOp("tenant-b", "op-3"),
	}))

	recs, err := a.List(ctx, "tenant-a")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "op-1", recs[0].Operation.ID)
	assert.Equal(t, "op-2", recs[1].Operation.ID)

	all, err := a.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := a.List(ctx, "tenant-z")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestArchive_RearchiveOverwrites(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()

	op := failedOp("tenant-a", "op-1")
	require.NoError(t, a.Archive(ctx, []model.SyncOperation{op}))
	op.ErrorMessage = "updated"
	require.NoError(t, a.Archive(ctx, []model.SyncOperation{op}))

	recs, err := a.List(ctx, "tenant-a")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "updated", recs[0].Operation.ErrorMessage)
}

func TestArchive_ReopenKeepsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	ctx := context.Background()

	a, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, a.Archive(ctx, []model.SyncOperation{failedOp("tenant-a", "op-1")}))
	require.NoError(t, a.Close())

	a, err = Open(path)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Get(ctx, "tenant-a", "op-1")
	require.NoError(t, err)
}
