// Package schema validates sync operation payloads against CUE definitions
// before they are admitted to the queue.
package schema

import (
	_ "embed"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/tillsync/internal/model"
)

//go:embed payloads.cue
var payloadsCUE string

// definitions maps each supported sync type and operation to its CUE
// definition in payloads.cue.
var definitions = map[model.SyncType]map[model.Operation]string{
	model.SyncTypeOrder: {
		model.OpCreate: "#OrderCreate",
		model.OpUpdate: "#Order",
		model.OpVoid:   "#OrderVoid",
	},
	model.SyncTypePayment: {
		model.OpCapture: "#Payment",
		model.OpRefund:  "#Payment",
		model.OpVoid:    "#Payment",
	},
	model.SyncTypeInventoryAdjustment: {
		model.OpAdjust: "#InventoryAdjustment",
	},
}

// ValidationError reports a payload that does not satisfy its schema.
type ValidationError struct {
	SyncType   model.SyncType
	Operation  model.Operation
	Definition string
	Message    string
	Pos        token.Pos
}

func (e *ValidationError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s/%s payload (%s) line %d: %s",
			e.SyncType, e.Operation, e.Definition, e.Pos.Line(), e.Message)
	}
	return fmt.Sprintf("%s/%s payload (%s): %s", e.SyncType, e.Operation, e.Definition, e.Message)
}

// Entry describes one registered schema.
type Entry struct {
	SyncType   model.SyncType  `json:"sync_type"`
	Operation  model.Operation `json:"operation"`
	Definition string          `json:"definition"`
}

// Registry holds the compiled payload schemas.
// A cue.Context is not safe for concurrent use, so validation is serialized.
type Registry struct {
	mu   sync.Mutex
	ctx  *cue.Context
	root cue.Value
}

// NewRegistry compiles the embedded payload schemas.
func NewRegistry() (*Registry, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(payloadsCUE, cue.Filename("payloads.cue"))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("compile payload schemas: %w", err)
	}

	for t, ops := range definitions {
		for op, def := range ops {
			if v := root.LookupPath(cue.ParsePath(def)); !v.Exists() {
				return nil, fmt.Errorf("schema %s for %s/%s is not defined", def, t, op)
			}
		}
	}

	return &Registry{ctx: ctx, root: root}, nil
}

// Validate checks raw JSON against the definition for syncType/op.
// Returns model.ErrUnknownSyncType or model.ErrUnsupportedOperation when no
// definition exists, and *ValidationError when the payload is invalid.
func (r *Registry) Validate(syncType model.SyncType, op model.Operation, raw []byte) error {
	ops, ok := definitions[syncType]
	if !ok {
		return fmt.Errorf("%w: %q", model.ErrUnknownSyncType, syncType)
	}
	def, ok := ops[op]
	if !ok {
		return fmt.Errorf("%w: %s/%s", model.ErrUnsupportedOperation, syncType, op)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	schema := r.root.LookupPath(cue.ParsePath(def))
	data := r.ctx.CompileBytes(raw, cue.Filename("payload.json"))
	if err := data.Err(); err != nil {
		return r.validationError(syncType, op, def, err)
	}

	unified := schema.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return r.validationError(syncType, op, def, err)
	}
	return nil
}

// Entries lists every registered schema sorted by sync type and operation.
func (r *Registry) Entries() []Entry {
	entries := make([]Entry, 0, 8)
	for t, ops := range definitions {
		for op, def := range ops {
			entries = append(entries, Entry{SyncType: t, Operation: op, Definition: def})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].SyncType != entries[j].SyncType {
			return entries[i].SyncType < entries[j].SyncType
		}
		return entries[i].Operation < entries[j].Operation
	})
	return entries
}

// validationError extracts the first CUE error with its position.
func (r *Registry) validationError(t model.SyncType, op model.Operation, def string, err error) error {
	verr := &ValidationError{SyncType: t, Operation: op, Definition: def, Message: err.Error()}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return verr
	}
	first := errs[0]
	verr.Message = first.Error()
	if positions := errors.Positions(first); len(positions) > 0 {
		verr.Pos = positions[0]
	}
	return verr
}
