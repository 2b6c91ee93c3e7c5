package engine

import (
	"sort"
	"strconv"

	"github.com/roach88/tillsync/internal/model"
)

// ConflictResult is the outcome of a precondition check.
type ConflictResult struct {
	Conflicts []model.Conflict
}

// Clean reports whether no precondition failed.
func (r ConflictResult) Clean() bool {
	return len(r.Conflicts) == 0
}

// existence is what an operation requires of its target entity.
type existence int

const (
	existenceAny existence = iota
	existenceAbsent
	existencePresent
)

// requirements lists the existence requirement per sync type and operation.
// Inventory adjustments may target a SKU with no stock record yet.
var requirements = map[model.SyncType]map[model.Operation]existence{
	model.SyncTypeOrder: {
		model.OpCreate: existenceAbsent,
		model.OpUpdate: existencePresent,
		model.OpVoid:   existencePresent,
	},
	model.SyncTypePayment: {
		model.OpCapture: existenceAbsent,
		model.OpRefund:  existencePresent,
		model.OpVoid:    existencePresent,
	},
	model.SyncTypeInventoryAdjustment: {
		model.OpAdjust: existenceAny,
	},
}

// ConflictDetector checks an operation's preconditions against current
// entity state. A diverged entity is never merged: the operation fails with
// the recorded conflicts and an operator decides.
type ConflictDetector struct{}

// Check compares op's expectations with state.
func (ConflictDetector) Check(op *model.SyncOperation, payload model.Payload, state model.EntityState) ConflictResult {
	var conflicts []model.Conflict

	switch requirements[op.SyncType][op.Operation] {
	case existenceAbsent:
		if op.EntityID != "" && state.Exists {
			conflicts = append(conflicts, model.Conflict{Field: "entity", Expected: "absent", Actual: "exists"})
		}
	case existencePresent:
		if !state.Exists {
			conflicts = append(conflicts, model.Conflict{Field: "entity", Expected: "exists", Actual: "absent"})
		}
	}

	want := payload.Expect()
	if want == nil {
		return ConflictResult{Conflicts: conflicts}
	}

	actual := func(v string) string {
		if !state.Exists {
			return "absent"
		}
		return v
	}

	if want.Version != nil && (!state.Exists || *want.Version != state.Version) {
		conflicts = append(conflicts, model.Conflict{
			Field:    "version",
			Expected: strconv.FormatInt(*want.Version, 10),
			Actual:   actual(strconv.FormatInt(state.Version, 10)),
		})
	}
	if want.Status != nil && (!state.Exists || *want.Status != state.Status) {
		conflicts = append(conflicts, model.Conflict{
			Field:    "status",
			Expected: *want.Status,
			Actual:   actual(state.Status),
		})
	}
	if want.Quantity != nil && *want.Quantity != state.Quantity {
		// A SKU without a stock record has quantity zero.
		conflicts = append(conflicts, model.Conflict{
			Field:    "quantity",
			Expected: strconv.FormatInt(*want.Quantity, 10),
			Actual:   strconv.FormatInt(state.Quantity, 10),
		})
	}

	return ConflictResult{Conflicts: conflicts}
}

// OrderSameEntity reorders operations that target the same entity so they
// run in ascending scheduled_at, then enqueue order. Each group keeps the
// batch positions it was claimed into; operations on different entities are
// not moved. Returns a new slice.
func (ConflictDetector) OrderSameEntity(ops []model.SyncOperation) []model.SyncOperation {
	out := make([]model.SyncOperation, len(ops))
	copy(out, ops)

	positions := map[string][]int{}
	var keys []string
	for i := range out {
		key, ok := out[i].EntityKey()
		if !ok {
			continue
		}
		if _, seen := positions[key]; !seen {
			keys = append(keys, key)
		}
		positions[key] = append(positions[key], i)
	}

	for _, key := range keys {
		slots := positions[key]
		if len(slots) < 2 {
			continue
		}
		group := make([]model.SyncOperation, len(slots))
		for i, slot := range slots {
			group[i] = out[slot]
		}
		sort.SliceStable(group, func(i, j int) bool {
			if !group[i].ScheduledAt.Equal(group[j].ScheduledAt) {
				return group[i].ScheduledAt.Before(group[j].ScheduledAt)
			}
			return group[i].Seq < group[j].Seq
		})
		for i, slot := range slots {
			out[slot] = group[i]
		}
	}
	return out
}
