package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/tillsync/internal/engine"
	"github.com/roach88/tillsync/internal/model"
)

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func applyOrder(ctx context.Context, q queryer, op model.SyncOperation, p *model.OrderPayload, now time.Time) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", engine.Permanent(err)
	}

	switch op.Operation {
	case model.OpCreate:
		id := entityIDFor(op)
		status := p.Status
		if status == "" {
			status = OrderOpen
		}
		return id, insertEntity(ctx, q, op.TenantID, op.EntityType, id, status, p.Total, string(data), now)

	case model.OpUpdate, model.OpVoid:
		ent, err := mustGet(ctx, q, op)
		if err != nil {
			return "", err
		}
		if ent.Status == OrderVoided {
			return "", engine.Permanent(fmt.Errorf("order %s is voided", ent.EntityID))
		}

		status, total := ent.Status, ent.Quantity
		if op.Operation == model.OpVoid {
			status = OrderVoided
		} else {
			if p.Status != "" {
				status = p.Status
			}
			if p.Total != 0 {
				total = p.Total
			}
		}
		return ent.EntityID, updateEntity(ctx, q, ent, status, total, string(data), now)
	}
	return "", engine.Permanent(fmt.Errorf("%w: order/%s", model.ErrUnsupportedOperation, op.Operation))
}

func applyPayment(ctx context.Context, q queryer, op model.SyncOperation, p *model.PaymentPayload, now time.Time) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", engine.Permanent(err)
	}

	switch op.Operation {
	case model.OpCapture:
		if p.OrderID != "" {
			order, err := getEntity(ctx, q, op.TenantID, EntityOrder, p.OrderID)
			if err != nil {
				return "", engine.Transient(err)
			}
			if order == nil {
				// The order upload may still be in flight from another terminal.
				return "", engine.Transient(fmt.Errorf("order %s not found for payment", p.OrderID))
			}
			if order.Status == OrderVoided {
				return "", engine.Permanent(fmt.Errorf("order %s is voided", p.OrderID))
			}
		}
		id := entityIDFor(op)
		return id, insertEntity(ctx, q, op.TenantID, op.EntityType, id, PaymentCaptured, p.Amount, string(data), now)

	case model.OpRefund, model.OpVoid:
		ent, err := mustGet(ctx, q, op)
		if err != nil {
			return "", err
		}
		if ent.Status != PaymentCaptured {
			return "", engine.Permanent(fmt.Errorf("payment %s is %s, not %s", ent.EntityID, ent.Status, PaymentCaptured))
		}
		status := PaymentVoided
		if op.Operation == model.OpRefund {
			if p.Amount > ent.Quantity {
				return "", engine.Permanent(fmt.Errorf("refund %d exceeds captured amount %d", p.Amount, ent.Quantity))
			}
			status = PaymentRefunded
		}
		return ent.EntityID, updateEntity(ctx, q, ent, status, ent.Quantity, string(data), now)
	}
	return "", engine.Permanent(fmt.Errorf("%w: payment/%s", model.ErrUnsupportedOperation, op.Operation))
}

func applyAdjustment(ctx context.Context, q queryer, op model.SyncOperation, p *model.InventoryAdjustmentPayload, now time.Time) (string, error) {
	if op.EntityID == "" {
		return "", engine.Permanent(errors.New("inventory adjustment requires a sku entity id"))
	}

	ent, err := getEntity(ctx, q, op.TenantID, op.EntityType, op.EntityID)
	if err != nil {
		return "", engine.Transient(err)
	}

	data := fmt.Sprintf(`{"last_reason":%q}`, p.Reason)
	if ent == nil {
		if p.Delta < 0 {
			return "", engine.Permanent(fmt.Errorf("%w: %s has 0, delta %d", ErrInsufficientStock, op.EntityID, p.Delta))
		}
		return op.EntityID, insertEntity(ctx, q, op.TenantID, op.EntityType, op.EntityID, "", p.Delta, data, now)
	}

	qty := ent.Quantity + p.Delta
	if qty < 0 {
		return "", engine.Permanent(fmt.Errorf("%w: %s has %d, delta %d", ErrInsufficientStock, op.EntityID, ent.Quantity, p.Delta))
	}
	return op.EntityID, updateEntity(ctx, q, ent, ent.Status, qty, data, now)
}

// mustGet loads the operation's target entity; a missing entity is permanent.
func mustGet(ctx context.Context, q queryer, op model.SyncOperation) (*Entity, error) {
	ent, err := getEntity(ctx, q, op.TenantID, op.EntityType, op.EntityID)
	if err != nil {
		return nil, engine.Transient(err)
	}
	if ent == nil {
		return nil, engine.Permanent(fmt.Errorf("%s %s not found", op.EntityType, op.EntityID))
	}
	return ent, nil
}

func getEntity(ctx context.Context, q queryer, tenantID, entityType, entityID string) (*Entity, error) {
	var (
		ent       Entity
		updatedAt int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT tenant_id, entity_type, entity_id, version, status, quantity, data, updated_at
		FROM entities
		WHERE tenant_id = ? AND entity_type = ? AND entity_id = ?
	`, tenantID, entityType, entityID).Scan(
		&ent.TenantID, &ent.EntityType, &ent.EntityID,
		&ent.Version, &ent.Status, &ent.Quantity, &ent.Data, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	ent.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &ent, nil
}

func insertEntity(ctx context.Context, q queryer, tenantID, entityType, entityID, status string, qty int64, data string, now time.Time) error {
	result, err := q.ExecContext(ctx, `
		INSERT INTO entities
		(tenant_id, entity_type, entity_id, version, status, quantity, data, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, entity_type, entity_id) DO NOTHING
	`, tenantID, entityType, entityID, status, qty, data, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return engine.Transient(fmt.Errorf("insert entity: %w", err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return engine.Transient(err)
	}
	if n == 0 {
		return engine.Permanent(fmt.Errorf("%s %s already exists", entityType, entityID))
	}
	return nil
}

// updateEntity writes a new version of ent, guarded on the version read.
func updateEntity(ctx context.Context, q queryer, ent *Entity, status string, qty int64, data string, now time.Time) error {
	result, err := q.ExecContext(ctx, `
		UPDATE entities
		SET version = version + 1, status = ?, quantity = ?, data = ?, updated_at = ?
		WHERE tenant_id = ? AND entity_type = ? AND entity_id = ? AND version = ?
	`, status, qty, data, now.UnixMilli(), ent.TenantID, ent.EntityType, ent.EntityID, ent.Version)
	if err != nil {
		return engine.Transient(fmt.Errorf("update entity: %w", err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return engine.Transient(err)
	}
	if n == 0 {
		return engine.Transient(fmt.Errorf("update entity %s: version %d changed concurrently", ent.EntityID, ent.Version))
	}
	return nil
}
