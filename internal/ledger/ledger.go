package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/tillsync/internal/engine"
	"github.com/roach88/tillsync/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Entity types written by the ledger.
const (
	EntityOrder   = "order"
	EntityPayment = "payment"
	EntityStock   = "stock"
)

// Order and payment statuses.
const (
	OrderOpen       = "open"
	OrderVoided     = "voided"
	PaymentCaptured = "captured"
	PaymentRefunded = "refunded"
	PaymentVoided   = "voided"
)

// ErrInsufficientStock is returned when an adjustment would drive stock negative.
var ErrInsufficientStock = errors.New("insufficient stock")

// Entity is one row of canonical state.
type Entity struct {
	TenantID   string    `json:"tenant_id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Version    int64     `json:"version"`
	Status     string    `json:"status"`
	Quantity   int64     `json:"quantity"`
	Data       string    `json:"data"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Ledger is a SQLite-backed canonical state store.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithNow sets the time source for entity timestamps.
func WithNow(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Open creates or opens a ledger database at path.
func Open(path string, opts ...Option) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("open ledger: %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("open ledger: schema: %w", err)
	}

	l := &Ledger{db: db, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// CurrentState implements engine.StateReader.
func (l *Ledger) CurrentState(ctx context.Context, tenantID, entityType, entityID string) (model.EntityState, error) {
	ent, err := l.Get(ctx, tenantID, entityType, entityID)
	if err != nil {
		return model.EntityState{}, err
	}
	if ent == nil {
		return model.EntityState{}, nil
	}
	return model.EntityState{
		Exists:   true,
		Version:  ent.Version,
		Status:   ent.Status,
		Quantity: ent.Quantity,
	}, nil
}

// Get returns an entity, or nil if it does not exist.
func (l *Ledger) Get(ctx context.Context, tenantID, entityType, entityID string) (*Entity, error) {
	return getEntity(ctx, l.db, tenantID, entityType, entityID)
}

// AppliedCount returns how many effects were applied for operationID (0 or 1).
func (l *Ledger) AppliedCount(ctx context.Context, operationID string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM applied_effects WHERE operation_id = ?`, operationID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("applied count: %w", err)
	}
	return n, nil
}

// EffectCount returns how many effects were applied to an entity.
func (l *Ledger) EffectCount(ctx context.Context, tenantID, entityType, entityID string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM applied_effects
		WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?
	`, tenantID, entityType, entityID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("effect count: %w", err)
	}
	return n, nil
}

// AppliedEffect implements engine.EffectRecorder.
func (l *Ledger) AppliedEffect(ctx context.Context, operationID string) (engine.ApplyResult, bool, error) {
	return appliedEffect(ctx, l.db, operationID)
}

func appliedEffect(ctx context.Context, q queryer, operationID string) (engine.ApplyResult, bool, error) {
	var entityID string
	err := q.QueryRowContext(ctx,
		`SELECT entity_id FROM applied_effects WHERE operation_id = ?`, operationID,
	).Scan(&entityID)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.ApplyResult{}, false, nil
	}
	if err != nil {
		return engine.ApplyResult{}, false, fmt.Errorf("applied effect %s: %w", operationID, err)
	}
	return engine.ApplyResult{EntityID: entityID}, true, nil
}

// Apply implements engine.Applier. The entity change and the effect record
// commit in one transaction. A repeat apply of the same operation id
// returns the recorded effect without changing state.
func (l *Ledger) Apply(ctx context.Context, op model.SyncOperation, payload model.Payload) (engine.ApplyResult, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return engine.ApplyResult{}, engine.Transient(fmt.Errorf("begin apply: %w", err))
	}
	defer tx.Rollback()

	if prior, found, err := appliedEffect(ctx, tx, op.ID); err != nil {
		return engine.ApplyResult{}, engine.Transient(err)
	} else if found {
		return prior, nil
	}

	now := l.now()
	var entityID string
	switch p := payload.(type) {
	case *model.OrderPayload:
		entityID, err = applyOrder(ctx, tx, op, p, now)
	case *model.PaymentPayload:
		entityID, err = applyPayment(ctx, tx, op, p, now)
	case *model.InventoryAdjustmentPayload:
		entityID, err = applyAdjustment(ctx, tx, op, p, now)
	default:
		err = engine.Permanent(fmt.Errorf("%w: %T", model.ErrUnknownSyncType, payload))
	}
	if err != nil {
		return engine.ApplyResult{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO applied_effects
		(tenant_id, operation_id, entity_type, entity_id, sync_type, operation, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, op.TenantID, op.ID, op.EntityType, entityID, string(op.SyncType), string(op.Operation), now.UnixMilli()); err != nil {
		return engine.ApplyResult{}, engine.Transient(fmt.Errorf("record effect: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return engine.ApplyResult{}, engine.Transient(fmt.Errorf("commit apply: %w", err))
	}
	return engine.ApplyResult{EntityID: entityID}, nil
}

// entityIDFor returns the operation's entity id, minting one for creates
// that did not carry a client-chosen id.
func entityIDFor(op model.SyncOperation) string {
	if op.EntityID != "" {
		return op.EntityID
	}
	return uuid.Must(uuid.NewV7()).String()
}
