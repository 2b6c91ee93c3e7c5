// Package engine implements the sync reliability engine: idempotent
// admission, bounded batch processing, conflict detection, retry with
// backoff, and the recovery, metrics and retention sweeps.
//
// ARCHITECTURE:
//
// No scheduler thread:
// The engine never runs on its own. A caller (CLI, cron, worker process)
// invokes ProcessBatch or Run; several callers may do so concurrently
// against the same Store. Exclusivity comes from the Store's conditional
// claim, not from in-process locks.
//
// Operation Flow:
// 1. Enqueue computes the fingerprint and admits the key through the Guard
// 2. The operation lands in the Store as pending
// 3. ProcessBatch claims due operations (priority DESC, scheduled_at ASC)
// 4. Each claimed operation is checked for conflicts, applied, and
//    transitioned with a conditional update
// 5. Transient failures are re-armed by the Backoff scheduler
// 6. Recover, Health and Cleanup run independently over the results
//
// Every processing attempt appends one history row. History is for
// observability only and is never read while processing.
//
// Per-item failures are contained: ProcessBatch returns an error only when
// the Store itself fails.
package engine
