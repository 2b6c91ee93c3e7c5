package engine

import (
	"context"
	"time"

	"github.com/roach88/tillsync/internal/model"
	"github.com/roach88/tillsync/internal/store"
)

// Store is the durable queue the engine runs against.
// Implemented by store.Store (SQLite) and pgstore.Store (PostgreSQL).
//
// Every transition method is a conditional update on the expected current
// status and returns store.ErrStaleStatus when it matched nothing.
type Store interface {
	AdmitOperation(ctx context.Context, op *model.SyncOperation) (*model.IdempotencyRecord, error)
	GetIdempotencyRecord(ctx context.Context, tenantID, key string) (*model.IdempotencyRecord, error)
	ResolveIdempotency(ctx context.Context, tenantID, key string, outcome model.Outcome) error

	GetOperation(ctx context.Context, id string) (*model.SyncOperation, error)
	ListOperations(ctx context.Context, f store.OperationFilter) ([]model.SyncOperation, error)
	ListHistory(ctx context.Context, operationID string) ([]model.HistoryEntry, error)

	ClaimBatch(ctx context.Context, req store.ClaimRequest) ([]model.SyncOperation, error)
	CompleteOperation(ctx context.Context, id, entityID string, at time.Time) error
	FailOperation(ctx context.Context, id string, f model.Failure) error
	RearmOperation(ctx context.Context, id string, scheduledAt, at time.Time) error
	CancelOperation(ctx context.Context, tenantID, id string, at time.Time) error
	RequeueStuck(ctx context.Context, tenantID string, startedBefore, at time.Time) ([]string, error)
	AppendHistory(ctx context.Context, e model.HistoryEntry) error

	HistoryRollup(ctx context.Context, f store.HistoryFilter) ([]model.HistoryGroup, error)
	DuplicateStats(ctx context.Context, f store.HistoryFilter) (model.DuplicateStats, error)
	QueueDepth(ctx context.Context, tenantID string) (map[model.Status]int, error)

	DeleteTerminalBefore(ctx context.Context, status model.Status, cutoff time.Time) (int, error)
	RemoveFailed(ctx context.Context, ids []string) (int, error)
	MarkArchived(ctx context.Context, ids []string, at time.Time) (int, error)
	DeleteIdempotencyBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Applier applies an operation's domain effect to the tenant's canonical
// state. Implementations classify failures with Transient or Permanent;
// unclassified errors are retried.
type Applier interface {
	Apply(ctx context.Context, op model.SyncOperation, payload model.Payload) (ApplyResult, error)
}

// ApplyResult is what the domain effect produced.
type ApplyResult struct {
	// EntityID is the id of the created or modified entity.
	EntityID string
}

// EffectRecorder is implemented by appliers that keep a durable record of
// each operation's applied effect. found is false when the operation has
// not been applied.
type EffectRecorder interface {
	AppliedEffect(ctx context.Context, operationID string) (result ApplyResult, found bool, err error)
}

// StateReader reads the current state of an entity for precondition checks.
// A missing entity is reported with Exists=false, not an error.
type StateReader interface {
	CurrentState(ctx context.Context, tenantID, entityType, entityID string) (model.EntityState, error)
}

// Archiver moves failed operations to cold storage.
type Archiver interface {
	Archive(ctx context.Context, ops []model.SyncOperation) error
}

// PayloadValidator validates a raw payload for a sync type and operation.
// Implemented by schema.Registry.
type PayloadValidator interface {
	Validate(syncType model.SyncType, op model.Operation, raw []byte) error
}
