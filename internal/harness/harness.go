package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/roach88/tillsync/internal/engine"
	"github.com/roach88/tillsync/internal/ledger"
	"github.com/roach88/tillsync/internal/model"
	"github.com/roach88/tillsync/internal/schema"
	"github.com/roach88/tillsync/internal/store"
	"github.com/roach88/tillsync/internal/testutil"
)

// Harness drives a real engine over fresh SQLite stores with a fake clock
// and sequential operation ids ("op-0001", "op-0002", ...).
type Harness struct {
	scenario *Scenario
	store    *store.Store
	ledger   *ledger.Ledger
	engine   *engine.Engine
	faults   *faultyApplier
	clock    *testutil.FakeClock
	logger   *slog.Logger
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs against new databases in a temporary directory that
// is removed afterwards. A returned error means the scenario could not be
// executed; failed expectations and assertions are reported in the result.
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "tillsync-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	h, err := newHarness(scenario, dir)
	if err != nil {
		return nil, err
	}
	defer h.close()

	ctx := context.Background()
	result := NewResult()

	for i, step := range scenario.Steps {
		outcome, err := h.execute(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Kind(), err)
		}
		result.AddTrace(step.Kind(), outcome)

		if mismatch := matchSubset(outcome, step.Expect); mismatch != "" {
			result.AddError(fmt.Sprintf("step %d (%s): %s", i, step.Kind(), mismatch))
		}
	}

	depth, err := h.store.QueueDepth(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to read queue depth: %w", err)
	}
	result.Queue = queueView(depth)

	actx := &AssertionContext{Ctx: ctx, Scenario: scenario, Store: h.store, Ledger: h.ledger}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}

	return result, nil
}

func newHarness(scenario *Scenario, dir string) (*Harness, error) {
	start, err := scenario.StartTime()
	if err != nil {
		return nil, err
	}
	clock := testutil.NewFakeClock(start)

	st, err := store.Open(filepath.Join(dir, "queue.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	led, err := ledger.Open(filepath.Join(dir, "ledger.db"), ledger.WithNow(clock.Now))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create ledger: %w", err)
	}
	registry, err := schema.NewRegistry()
	if err != nil {
		led.Close()
		st.Close()
		return nil, fmt.Errorf("failed to load schemas: %w", err)
	}

	h := &Harness{
		scenario: scenario,
		store:    st,
		ledger:   led,
		faults:   newFaultyApplier(led),
		clock:    clock,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
	}

	opts := []engine.EngineOption{
		engine.WithClock(clock),
		engine.WithIDGenerator(testutil.NewSequentialIDGenerator("op")),
		engine.WithLogger(h.logger),
		engine.WithValidator(registry),
	}
	if scenario.MaxRetries != nil {
		b := engine.DefaultBackoff()
		b.MaxRetries = *scenario.MaxRetries
		opts = append(opts, engine.WithBackoff(b))
	}
	h.engine = engine.New(st, h.faults, led, opts...)
	return h, nil
}

func (h *Harness) close() {
	h.ledger.Close()
	h.store.Close()
}

// execute runs one step and returns its outcome. Domain refusals (a
// rejected submission, a key conflict, a stale cancel) are outcomes, not
// errors. Rejection reasons are left out of the outcome; they quote schema
// diagnostics that are not stable enough to snapshot.
func (h *Harness) execute(ctx context.Context, step Step) (map[string]any, error) {
	switch step.Kind() {
	case StepEnqueue:
		return h.enqueue(ctx, step.Enqueue)

	case StepProcess:
		p := step.Process
		report, err := h.engine.Run(ctx, p.MaxItems, p.MaxBatches, p.Tenant)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"processed": report.Processed,
			"failed":    report.Failed,
			"drained":   report.Drained,
		}, nil

	case StepRecover:
		r := step.Recover
		window := time.Duration(r.WindowHours) * time.Hour
		report, err := h.engine.Recover(ctx, r.Tenant, window)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"total_failed":     report.TotalFailed,
			"recovered":        report.Recovered,
			"still_failed":     report.StillFailed,
			"stuck_requeued":   report.StuckRequeued,
			"still_failed_ids": stringList(report.StillFailedIDs),
		}, nil

	case StepCleanup:
		report, err := h.engine.Cleanup(ctx, step.Cleanup.OlderThanDays)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"deleted_completed":           report.DeletedCompleted,
			"deleted_queue_items":         report.DeletedQueueItems,
			"archived_failures":           report.ArchivedFailures,
			"cleaned_idempotency_records": report.CleanedIdempotencyRecords,
		}, nil

	case StepCancel:
		c := step.Cancel
		err := h.engine.Cancel(ctx, h.scenario.tenant(c.Tenant), c.OperationID)
		switch {
		case err == nil:
			return map[string]any{"status": string(model.StatusCancelled)}, nil
		case errors.Is(err, store.ErrNotFound):
			return map[string]any{"error": "NOT_FOUND"}, nil
		case errors.Is(err, store.ErrStaleStatus):
			return map[string]any{"error": "STALE_STATUS"}, nil
		default:
			return nil, err
		}

	case StepFailNext:
		f := step.FailNext
		h.faults.failNext(f.EntityID, f.Times, f.Kind, f.Message)
		return map[string]any{"entity_id": f.EntityID, "times": f.Times, "kind": f.Kind}, nil

	case StepAdvance:
		d, err := ParseAdvance(step.Advance)
		if err != nil {
			return nil, err
		}
		now := h.clock.Advance(d)
		return map[string]any{"now": now.Format(time.RFC3339)}, nil
	}
	return nil, fmt.Errorf("unknown step kind %q", step.Kind())
}

func (h *Harness) enqueue(ctx context.Context, e *EnqueueStep) (map[string]any, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	res, err := h.engine.Enqueue(ctx, engine.EnqueueRequest{
		TenantID:       h.scenario.tenant(e.Tenant),
		IdempotencyKey: e.Key,
		SyncType:       model.SyncType(e.Type),
		Operation:      model.Operation(e.Op),
		EntityType:     e.EntityType,
		EntityID:       e.EntityID,
		Payload:        payload,
		Priority:       e.Priority,
	})
	if err != nil {
		var engErr *engine.Error
		if errors.As(err, &engErr) {
			return map[string]any{"error": string(engErr.Code)}, nil
		}
		return nil, err
	}

	outcome := map[string]any{"verdict": string(res.Verdict)}
	if res.OperationID != "" {
		outcome["operation_id"] = res.OperationID
	}
	return outcome, nil
}

func queueView(depth map[model.Status]int) map[string]any {
	view := map[string]any{}
	for _, st := range []model.Status{
		model.StatusPending, model.StatusProcessing, model.StatusCompleted, model.StatusFailed, model.StatusCancelled,
	} {
		view[string(st)] = depth[st]
	}
	return view
}

func stringList(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// faultyApplier wraps the ledger and fails the next applies on an entity
// with scripted errors, simulating a flaky or refusing downstream.
type faultyApplier struct {
	next engine.Applier

	mu     sync.Mutex
	faults map[string][]error
}

func newFaultyApplier(next engine.Applier) *faultyApplier {
	return &faultyApplier{next: next, faults: map[string][]error{}}
}

func (f *faultyApplier) failNext(entityID string, times int, kind, message string) {
	if message == "" {
		message = "simulated downstream failure"
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for range times {
		cause := errors.New(message)
		if kind == "permanent" {
			f.faults[entityID] = append(f.faults[entityID], engine.Permanent(cause))
		} else {
			f.faults[entityID] = append(f.faults[entityID], engine.Transient(cause))
		}
	}
}

func (f *faultyApplier) Apply(ctx context.Context, op model.SyncOperation, payload model.Payload) (engine.ApplyResult, error) {
	f.mu.Lock()
	if errs := f.faults[op.EntityID]; len(errs) > 0 {
		f.faults[op.EntityID] = errs[1:]
		f.mu.Unlock()
		return engine.ApplyResult{}, errs[0]
	}
	f.mu.Unlock()
	return f.next.Apply(ctx, op, payload)
}

// AppliedEffect forwards to the wrapped applier when it records effects.
func (f *faultyApplier) AppliedEffect(ctx context.Context, operationID string) (engine.ApplyResult, bool, error) {
	r, ok := f.next.(engine.EffectRecorder)
	if !ok {
		return engine.ApplyResult{}, false, nil
	}
	return r.AppliedEffect(ctx, operationID)
}
