package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/tillsync/internal/model"
	"github.com/roach88/tillsync/internal/store"
)

// Defaults for sweep and alert configuration.
const (
	DefaultStuckThreshold     = 15 * time.Minute
	DefaultKeyRetention       = 90 * 24 * time.Hour
	DefaultFailureRateAlert   = 0.10
	DefaultAvgProcessingAlert = 5 * time.Second
	DefaultArchivePageSize    = 500
)

// AlertThresholds configures when Alerts fires.
type AlertThresholds struct {
	// FailureRate is the per-type failure ratio (0..1) above which an alert fires.
	FailureRate float64

	// AvgProcessing is the per-type average attempt duration above which an alert fires.
	AvgProcessing time.Duration
}

// Engine ties the Store, the domain collaborators and the reliability
// policies together. Every exported method is safe to call from several
// goroutines or processes at once.
type Engine struct {
	store     Store
	applier   Applier
	state     StateReader
	validator PayloadValidator
	archiver  Archiver

	guard    *Guard
	detector ConflictDetector
	backoff  Backoff

	clock  Clock
	ids    IDGenerator
	logger *slog.Logger

	stuckThreshold  time.Duration
	keyRetention    time.Duration
	thresholds      AlertThresholds
	archivePageSize int
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithClock sets the time source. Default: SystemClock.
func WithClock(c Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithIDGenerator sets the operation id generator. Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) EngineOption {
	return func(e *Engine) { e.ids = g }
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithBackoff sets the retry policy. Default: DefaultBackoff().
func WithBackoff(b Backoff) EngineOption {
	return func(e *Engine) { e.backoff = b }
}

// WithValidator sets the payload schema validator run at enqueue.
// Without one, payloads are only checked by typed decoding.
func WithValidator(v PayloadValidator) EngineOption {
	return func(e *Engine) { e.validator = v }
}

// WithArchiver sets cold storage for the retention sweep. Without one,
// old failed operations are flagged in place instead of moved.
func WithArchiver(a Archiver) EngineOption {
	return func(e *Engine) { e.archiver = a }
}

// WithStuckThreshold sets how long a processing claim may last before the
// recovery sweep re-arms it. Default: 15 minutes.
func WithStuckThreshold(d time.Duration) EngineOption {
	return func(e *Engine) { e.stuckThreshold = d }
}

// WithKeyRetention sets how long idempotency records are kept.
// Cleanup never uses a window shorter than its operation cutoff.
// Default: 90 days.
func WithKeyRetention(d time.Duration) EngineOption {
	return func(e *Engine) { e.keyRetention = d }
}

// WithAlertThresholds sets the alert thresholds.
func WithAlertThresholds(t AlertThresholds) EngineOption {
	return func(e *Engine) { e.thresholds = t }
}

// New creates an Engine over the given store and domain collaborators.
func New(s Store, applier Applier, state StateReader, opts ...EngineOption) *Engine {
	e := &Engine{
		store:           s,
		applier:         applier,
		state:           state,
		guard:           NewGuard(s),
		backoff:         DefaultBackoff(),
		clock:           SystemClock{},
		ids:             UUIDv7Generator{},
		logger:          slog.Default(),
		stuckThreshold:  DefaultStuckThreshold,
		keyRetention:    DefaultKeyRetention,
		archivePageSize: DefaultArchivePageSize,
		thresholds: AlertThresholds{
			FailureRate:   DefaultFailureRateAlert,
			AvgProcessing: DefaultAvgProcessingAlert,
		},
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Backoff returns the engine's retry policy.
func (e *Engine) Backoff() Backoff {
	return e.backoff
}

// Status returns an operation together with its attempt history.
func (e *Engine) Status(ctx context.Context, operationID string) (*model.SyncOperation, []model.HistoryEntry, error) {
	op, err := e.store.GetOperation(ctx, operationID)
	if err != nil {
		return nil, nil, err
	}
	history, err := e.store.ListHistory(ctx, operationID)
	if err != nil {
		return nil, nil, err
	}
	return op, history, nil
}

// List returns operations matching the filter.
func (e *Engine) List(ctx context.Context, f store.OperationFilter) ([]model.SyncOperation, error) {
	return e.store.ListOperations(ctx, f)
}

// Cancel moves a pending or failed operation to cancelled. Operations
// claimed by a worker or already finished cannot be cancelled.
func (e *Engine) Cancel(ctx context.Context, tenantID, operationID string) error {
	current, err := e.store.GetOperation(ctx, operationID)
	if err != nil {
		return err
	}
	if current.TenantID != tenantID {
		return fmt.Errorf("cancel %s: %w", operationID, store.ErrNotFound)
	}
	if !model.CanTransition(current.Status, model.StatusCancelled) {
		return fmt.Errorf("cancel %s: %s operations cannot be cancelled: %w", operationID, current.Status, store.ErrStaleStatus)
	}

	now := e.clock.Now()
	if err := e.store.CancelOperation(ctx, tenantID, operationID, now); err != nil {
		return err
	}

	if err := e.guard.Record(ctx, current, model.Outcome{Status: model.StatusCancelled, At: now}); err != nil {
		return err
	}

	e.logger.Info("operation cancelled", "operation_id", operationID, "tenant_id", tenantID)
	return nil
}
