package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/tillsync/internal/model"
	"github.com/roach88/tillsync/internal/store"
)

// Admission is the Guard's decision for a submission.
type Admission struct {
	// Admitted is true when the key was first seen and the operation queued.
	Admitted bool

	// Prior is the existing record when Admitted is false.
	Prior *model.IdempotencyRecord
}

// Guard decides whether a submission is new work or a repeat, over the
// durable key -> first-outcome map held by the Store.
//
// Thread-safety: Guard holds no state of its own. Concurrent submissions
// of one key yield exactly one admission because the Store records the key
// with a single conditional insert.
type Guard struct {
	store Store
}

// NewGuard creates a Guard over s.
func NewGuard(s Store) *Guard {
	return &Guard{store: s}
}

// Admit records op's key and queues op when the key is new.
//
// A repeat with the same fingerprint returns the prior record and queues
// nothing. A repeat with a different fingerprint fails with an
// IdempotencyKeyConflict error; the conflict is reported, never resolved.
func (g *Guard) Admit(ctx context.Context, op *model.SyncOperation) (Admission, error) {
	prior, err := g.store.AdmitOperation(ctx, op)
	if err != nil {
		return Admission{}, fmt.Errorf("admit %s/%s: %w", op.TenantID, op.IdempotencyKey, err)
	}
	if prior == nil {
		return Admission{Admitted: true}, nil
	}
	if prior.Fingerprint != op.Fingerprint {
		return Admission{Prior: prior}, NewIdempotencyKeyConflict(op.TenantID, op.IdempotencyKey, prior)
	}
	return Admission{Prior: prior}, nil
}

// Resolve returns the current record for a key, or nil if none exists
// (for example after the retention sweep removed it).
func (g *Guard) Resolve(ctx context.Context, tenantID, key string) (*model.IdempotencyRecord, error) {
	rec, err := g.store.GetIdempotencyRecord(ctx, tenantID, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s/%s: %w", tenantID, key, err)
	}
	return rec, nil
}

// Record writes the terminal outcome of the key's first operation.
func (g *Guard) Record(ctx context.Context, op *model.SyncOperation, outcome model.Outcome) error {
	if err := g.store.ResolveIdempotency(ctx, op.TenantID, op.IdempotencyKey, outcome); err != nil {
		return fmt.Errorf("record outcome %s/%s: %w", op.TenantID, op.IdempotencyKey, err)
	}
	return nil
}

// alreadyCompleted reports whether rec shows the key's effect was applied.
func alreadyCompleted(rec *model.IdempotencyRecord) bool {
	return rec != nil && rec.Resolved() && rec.OutcomeStatus == model.StatusCompleted
}
