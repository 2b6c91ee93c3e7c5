// Package store provides SQLite-backed durable storage for the sync queue.
//
// The store holds three collections:
//   - sync_operations: the live queue, the system of record for work
//   - sync_history: one append-only row per processing attempt
//   - idempotency_records: first-seen outcome per tenant-scoped key
//
// # Critical Patterns
//
// Conditional transitions:
//   - Every status change is an UPDATE guarded by the expected current status
//   - Zero affected rows means another worker got there first (ErrStaleStatus)
//
// Atomic admission:
//   - The idempotency record and the pending operation are written in one
//     transaction; INSERT ... ON CONFLICT DO NOTHING decides the winner
//
// Deterministic claims:
//   - ORDER BY priority DESC, scheduled_at ASC, seq ASC
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - _txlock=immediate: Claims take the write lock up front so two
//     processes never deadlock upgrading a read lock
//
// The PostgreSQL backend in store/pgstore implements the same contract for
// deployments with workers on several hosts.
package store
