package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/model"
	"github.com/roach88/tillsync/internal/store"
	"github.com/roach88/tillsync/internal/testutil"
)

var _ Store = (*store.Store)(nil)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// memDomain is an in-memory Applier and StateReader. Scripted errors are
// returned, in order, for operations on an entity before it succeeds.
type memDomain struct {
	mu      sync.Mutex
	state   map[string]model.EntityState
	applied map[string]int
	script  map[string][]error
	calls   int
}

func newMemDomain() *memDomain {
	return &memDomain{
		state:   map[string]model.EntityState{},
		applied: map[string]int{},
		script:  map[string][]error{},
	}
}

func stateKey(tenantID, entityType, entityID string) string {
	return tenantID + "/" + entityType + "/" + entityID
}

// failNext scripts errors for the next applies on entityID.
func (d *memDomain) failNext(entityID string, errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script[entityID] = append(d.script[entityID], errs...)
}

func (d *memDomain) set(tenantID, entityType, entityID string, s model.EntityState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state[stateKey(tenantID, entityType, entityID)] = s
}

func (d *memDomain) appliedCount(opID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applied[opID]
}

func (d *memDomain) CurrentState(_ context.Context, tenantID, entityType, entityID string) (model.EntityState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state[stateKey(tenantID, entityType, entityID)], nil
}

func (d *memDomain) Apply(_ context.Context, op model.SyncOperation, payload model.Payload) (ApplyResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++

	if errs := d.script[op.EntityID]; len(errs) > 0 {
		d.script[op.EntityID] = errs[1:]
		return ApplyResult{}, errs[0]
	}

	entityID := op.EntityID
	if entityID == "" {
		entityID = "gen-" + op.ID
	}
	key := stateKey(op.TenantID, op.EntityType, entityID)
	s := d.state[key]
	s.Exists = true
	s.Version++
	switch p := payload.(type) {
	case *model.InventoryAdjustmentPayload:
		s.Quantity += p.Delta
	case *model.OrderPayload:
		if op.Operation == model.OpVoid {
			s.Status = "voided"
		} else if p.Status != "" {
			s.Status = p.Status
		} else if s.Status == "" {
			s.Status = "open"
		}
	}
	d.state[key] = s
	d.applied[op.ID]++
	return ApplyResult{EntityID: entityID}, nil
}

type testEnv struct {
	engine *Engine
	store  *store.Store
	domain *memDomain
	clock  *testutil.FakeClock
}

func createTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestEnv(t *testing.T, opts ...EngineOption) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  createTestStore(t),
		domain: newMemDomain(),
		clock:  testutil.NewFakeClock(baseTime),
	}
	defaults := []EngineOption{
		WithClock(env.clock),
		WithIDGenerator(testutil.NewSequentialIDGenerator("op")),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	env.engine = New(env.store, env.domain, env.domain, append(defaults, opts...)...)
	return env
}

func adjustRequest(key, sku string, delta int64) EnqueueRequest {
	return EnqueueRequest{
		TenantID:       "tenant-a",
		IdempotencyKey: key,
		SyncType:       model.SyncTypeInventoryAdjustment,
		Operation:      model.OpAdjust,
		EntityType:     "stock",
		EntityID:       sku,
		Payload:        mustJSON(map[string]any{"v": 1, "delta": delta}),
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func (env *testEnv) enqueue(t *testing.T, req EnqueueRequest) string {
	t.Helper()
	res, err := env.engine.Enqueue(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, VerdictAccepted, res.Verdict, res.Reason)
	return res.OperationID
}

func (env *testEnv) process(t *testing.T) BatchResult {
	t.Helper()
	res, err := env.engine.ProcessBatch(context.Background(), 50, "")
	require.NoError(t, err)
	return res
}

func (env *testEnv) get(t *testing.T, id string) *model.SyncOperation {
	t.Helper()
	op, err := env.store.GetOperation(context.Background(), id)
	require.NoError(t, err)
	return op
}
