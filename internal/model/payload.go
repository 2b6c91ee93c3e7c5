package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// CurrentPayloadVersion is the payload envelope version this build writes
// and accepts.
const CurrentPayloadVersion = 1

var (
	ErrUnknownSyncType           = errors.New("unknown sync type")
	ErrUnsupportedOperation      = errors.New("operation not supported for sync type")
	ErrUnsupportedPayloadVersion = errors.New("unsupported payload version")
)

// SyncType selects the payload variant and the domain handler.
type SyncType string

const (
	SyncTypeOrder               SyncType = "order"
	SyncTypePayment             SyncType = "payment"
	SyncTypeInventoryAdjustment SyncType = "inventory_adjustment"
)

// Operation is the verb applied to an entity.
type Operation string

const (
	OpCreate  Operation = "create"
	OpUpdate  Operation = "update"
	OpVoid    Operation = "void"
	OpCapture Operation = "capture"
	OpRefund  Operation = "refund"
	OpAdjust  Operation = "adjust"
)

var supportedOperations = map[SyncType][]Operation{
	SyncTypeOrder:               {OpCreate, OpUpdate, OpVoid},
	SyncTypePayment:             {OpCapture, OpRefund, OpVoid},
	SyncTypeInventoryAdjustment: {OpAdjust},
}

// KnownSyncTypes returns every sync type in a stable order.
func KnownSyncTypes() []SyncType {
	return []SyncType{SyncTypeOrder, SyncTypePayment, SyncTypeInventoryAdjustment}
}

// Operations returns the operations supported by a sync type.
func (t SyncType) Operations() []Operation {
	return supportedOperations[t]
}

// Valid reports whether t is a known sync type.
func (t SyncType) Valid() bool {
	_, ok := supportedOperations[t]
	return ok
}

// Supports reports whether op is valid for sync type t.
func (t SyncType) Supports(op Operation) bool {
	for _, o := range supportedOperations[t] {
		if o == op {
			return true
		}
	}
	return false
}

// Precondition is the state a client expected when it captured the
// operation. Nil fields are not checked.
type Precondition struct {
	Version  *int64  `json:"version,omitempty"`
	Status   *string `json:"status,omitempty"`
	Quantity *int64  `json:"quantity,omitempty"`
}

// Payload is the typed domain data of an operation.
type Payload interface {
	SyncType() SyncType
	Expect() *Precondition
}

// OrderLine is a single line item.
type OrderLine struct {
	SKU       string `json:"sku"`
	Quantity  int64  `json:"quantity"`
	UnitPrice int64  `json:"unit_price"` // Minor units
}

// OrderPayload creates, updates or voids an order.
type OrderPayload struct {
	V        int           `json:"v"`
	Number   string        `json:"number,omitempty"`
	Status   string        `json:"status,omitempty"`
	Lines    []OrderLine   `json:"lines,omitempty"`
	Total    int64         `json:"total,omitempty"`
	Currency string        `json:"currency,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Want     *Precondition `json:"expect,omitempty"`
}

func (p *OrderPayload) SyncType() SyncType { return SyncTypeOrder }
func (p *OrderPayload) Expect() *Precondition { return p.Want }

// PaymentPayload captures, refunds or voids a payment against an order.
type PaymentPayload struct {
	V         int           `json:"v"`
	OrderID   string        `json:"order_id"`
	Amount    int64         `json:"amount"`
	Currency  string        `json:"currency"`
	Method    string        `json:"method,omitempty"`
	Reference string        `json:"reference,omitempty"`
	Want      *Precondition `json:"expect,omitempty"`
}

func (p *PaymentPayload) SyncType() SyncType { return SyncTypePayment }
func (p *PaymentPayload) Expect() *Precondition { return p.Want }

// InventoryAdjustmentPayload changes the on-hand quantity of a SKU.
type InventoryAdjustmentPayload struct {
	V      int           `json:"v"`
	Delta  int64         `json:"delta"`
	Reason string        `json:"reason,omitempty"`
	Want   *Precondition `json:"expect,omitempty"`
}

func (p *InventoryAdjustmentPayload) SyncType() SyncType {
	return SyncTypeInventoryAdjustment
}
func (p *InventoryAdjustmentPayload) Expect() *Precondition { return p.Want }

// DecodePayload decodes raw JSON into the payload variant for t.
// Unknown sync types and envelope versions fail explicitly.
func DecodePayload(t SyncType, raw []byte) (Payload, error) {
	var p Payload
	switch t {
	case SyncTypeOrder:
		p = &OrderPayload{}
	case SyncTypePayment:
		p = &PaymentPayload{}
	case SyncTypeInventoryAdjustment:
		p = &InventoryAdjustmentPayload{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSyncType, t)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}

	if v := payloadVersion(p); v != CurrentPayloadVersion {
		return nil, fmt.Errorf("%w: %s payload v=%d", ErrUnsupportedPayloadVersion, t, v)
	}
	return p, nil
}

func payloadVersion(p Payload) int {
	switch v := p.(type) {
	case *OrderPayload:
		return v.V
	case *PaymentPayload:
		return v.V
	case *InventoryAdjustmentPayload:
		return v.V
	}
	return 0
}
