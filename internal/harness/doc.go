// Package harness runs scripted scenarios against the real engine.
//
// A scenario drives enqueues, processing runs, sweeps, cancellations,
// clock advances and injected downstream faults through an engine wired
// to fresh SQLite queue and ledger databases, then asserts on the final
// state. Every step's outcome is recorded in a trace that can be compared
// against a golden snapshot.
//
// # Scenario Format
//
//	name: retry_then_succeed
//	description: "Two transient failures, then the third attempt lands"
//	tenant: store-12
//	steps:
//	  - enqueue:
//	      key: till3-0001
//	      type: inventory_adjustment
//	      op: adjust
//	      entity_type: stock
//	      entity_id: SKU-1
//	      payload: {v: 1, delta: 5}
//	    expect: {verdict: accepted}
//	  - fail_next: {entity_id: SKU-1, times: 2, kind: transient}
//	  - process: {}
//	  - advance: 30s
//	  - recover: {window_hours: 24}
//	  - cleanup: {older_than_days: 30}
//	assertions:
//	  - type: operation
//	    operation_id: op-0001
//	    expect: {status: completed, retry_count: 2}
//
// # Assertion Types
//
//   - operation: matches status, retry_count, failure_kind, entity_id,
//     archived, conflicts and the list of history statuses
//   - operation_absent: the operation row has been deleted
//   - queue: matches the queue depth per status
//   - entity: matches a ledger entity's exists, version, status, quantity
//   - idempotency: matches a key's operation_id, duplicate_count,
//     outcome_status and resolved, or exists: false
//
// # Deterministic Testing
//
// Operation ids are sequential ("op-0001", ...), time only moves on
// advance steps, and snapshots are canonical JSON, so a scenario produces
// the same trace on every run.
package harness
