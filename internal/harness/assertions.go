package harness

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/tillsync/internal/ledger"
	"github.com/roach88/tillsync/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, event := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s %v\n", event.Seq, event.Step, event.Outcome)
	}

	return buf.String()
}

// AssertionContext provides the stores assertions read from.
type AssertionContext struct {
	Ctx      context.Context
	Scenario *Scenario
	Store    *store.Store
	Ledger   *ledger.Ledger
}

// EvaluateAssertions checks every assertion and returns the failure
// messages, in assertion order.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluateAssertion(result, a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluateAssertion(result *Result, a Assertion, actx *AssertionContext) error {
	var (
		actual map[string]any
		err    error
	)
	switch a.Type {
	case AssertOperation:
		actual, err = operationView(actx, a.OperationID)
	case AssertOperationAbsent:
		return assertOperationAbsent(result, a, actx)
	case AssertQueue:
		actual = result.Queue
	case AssertEntity:
		actual, err = entityView(actx, actx.Scenario.tenant(a.Tenant), a.EntityType, a.EntityID)
	case AssertIdempotency:
		actual, err = idempotencyView(actx, actx.Scenario.tenant(a.Tenant), a.Key)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	if err != nil {
		return err
	}

	if mismatch := matchSubset(actual, a.Expect); mismatch != "" {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%v", a.Expect),
			Actual:   mismatch,
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertOperationAbsent(result *Result, a Assertion, actx *AssertionContext) error {
	op, err := actx.Store.GetOperation(actx.Ctx, a.OperationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: fmt.Sprintf("operation %s deleted", a.OperationID),
		Actual:   fmt.Sprintf("operation %s is %s", a.OperationID, op.Status),
		Trace:    result.Trace,
	}
}

// operationView flattens an operation and its history for matching.
// "conflicts" lists {field, expected, actual}; "history" lists attempt
// statuses oldest first.
func operationView(actx *AssertionContext, id string) (map[string]any, error) {
	op, err := actx.Store.GetOperation(actx.Ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := actx.Store.ListHistory(actx.Ctx, id)
	if err != nil {
		return nil, err
	}

	statuses := make([]any, len(history))
	for i, h := range history {
		statuses[i] = string(h.Status)
	}
	conflicts := make([]any, len(op.Conflicts))
	for i, c := range op.Conflicts {
		conflicts[i] = map[string]any{"field": c.Field, "expected": c.Expected, "actual": c.Actual}
	}

	return map[string]any{
		"status":        string(op.Status),
		"retry_count":   op.RetryCount,
		"failure_kind":  string(op.FailureKind),
		"entity_id":     op.EntityID,
		"error_message": op.ErrorMessage,
		"archived":      op.ArchivedAt != nil,
		"conflicts":     conflicts,
		"history":       statuses,
	}, nil
}

func entityView(actx *AssertionContext, tenantID, entityType, entityID string) (map[string]any, error) {
	state, err := actx.Ledger.CurrentState(actx.Ctx, tenantID, entityType, entityID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"exists":   state.Exists,
		"version":  state.Version,
		"status":   state.Status,
		"quantity": state.Quantity,
	}, nil
}

func idempotencyView(actx *AssertionContext, tenantID, key string) (map[string]any, error) {
	rec, err := actx.Store.GetIdempotencyRecord(actx.Ctx, tenantID, key)
	if errors.Is(err, store.ErrNotFound) {
		return map[string]any{"exists": false}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"exists":          true,
		"operation_id":    rec.OperationID,
		"duplicate_count": rec.DuplicateCount,
		"outcome_status":  string(rec.OutcomeStatus),
		"resolved":        rec.Resolved(),
	}, nil
}

// matchSubset compares the expected keys against actual and describes the
// first difference, or returns "" when everything listed matches.
func matchSubset(actual, expected map[string]any) string {
	keys := make([]string, 0, len(expected))
	for k := range expected {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		got, ok := actual[k]
		if !ok {
			return fmt.Sprintf("%s: missing (have %v)", k, actual)
		}
		if !valuesEqual(got, expected[k]) {
			return fmt.Sprintf("%s: expected %v, got %v", k, expected[k], got)
		}
	}
	return ""
}

// valuesEqual compares a value built by the harness with one decoded from
// YAML. Integers compare by value regardless of width; maps compare as
// subsets; lists compare element by element.
func valuesEqual(actual, expected any) bool {
	if a, ok := toInt64(actual); ok {
		e, ok := toInt64(expected)
		return ok && a == e
	}

	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		return ok && matchSubset(act, exp) == ""
	case []any:
		act, ok := actual.([]any)
		if !ok || len(act) != len(exp) {
			return false
		}
		for i := range exp {
			if !valuesEqual(act[i], exp[i]) {
				return false
			}
		}
		return true
	case nil:
		return actual == nil || actual == ""
	}

	return reflect.DeepEqual(actual, expected)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	}
	return 0, false
}
