package model

import (
	"encoding/json"
	"time"
)

// SyncOperation is the unit of work: one change captured by a terminal,
// replayed against the tenant's canonical state.
type SyncOperation struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Seq            int64           `json:"seq"` // Store-assigned enqueue order
	SyncType       SyncType        `json:"sync_type"`
	Operation      Operation       `json:"operation"`
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id,omitempty"` // Empty until applied for creates
	Payload        json.RawMessage `json:"payload"`
	Fingerprint    string          `json:"fingerprint"`
	BatchID        string          `json:"batch_id,omitempty"`
	Priority       int             `json:"priority"`

	Status       Status      `json:"status"`
	RetryCount   int         `json:"retry_count"`
	ErrorMessage string      `json:"error_message,omitempty"`
	FailureKind  FailureKind `json:"failure_kind,omitempty"`
	Conflicts    []Conflict  `json:"conflicts,omitempty"`

	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	LastRetryAt *time.Time `json:"last_retry_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// EntityKey identifies the entity an operation targets. Operations that
// create an entity without a client-chosen id have no key.
func (op *SyncOperation) EntityKey() (string, bool) {
	if op.EntityID == "" {
		return "", false
	}
	return op.TenantID + "/" + op.EntityType + "/" + op.EntityID, true
}

// Conflict describes one precondition that no longer holds.
type Conflict struct {
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// Failure is the outcome of a processing attempt that did not complete.
type Failure struct {
	Kind      FailureKind
	Message   string
	Conflicts []Conflict
	At        time.Time
}

// IdempotencyRecord maps a tenant-scoped idempotency key to the first
// operation seen with it.
type IdempotencyRecord struct {
	TenantID       string     `json:"tenant_id"`
	Key            string     `json:"key"`
	Fingerprint    string     `json:"fingerprint"`
	OperationID    string     `json:"operation_id"`
	FirstSeenAt    time.Time  `json:"first_seen_at"`
	DuplicateCount int        `json:"duplicate_count"`
	OutcomeStatus  Status     `json:"outcome_status,omitempty"`
	OutcomeEntity  string     `json:"outcome_entity_id,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// Resolved reports whether the first operation reached a terminal status.
func (r *IdempotencyRecord) Resolved() bool {
	return r.ResolvedAt != nil
}

// Outcome is the terminal result recorded on an idempotency record.
type Outcome struct {
	Status   Status
	EntityID string
	At       time.Time
}

// HistoryStatus is the result of a single processing attempt.
type HistoryStatus string

const (
	HistoryCompleted HistoryStatus = "completed"
	HistoryFailed    HistoryStatus = "failed"
	HistoryConflict  HistoryStatus = "conflict"
)

// HistoryEntry is one append-only row per processing attempt.
type HistoryEntry struct {
	ID           int64         `json:"id"`
	OperationID  string        `json:"operation_id"`
	TenantID     string        `json:"tenant_id"`
	SyncType     SyncType      `json:"sync_type"`
	Operation    Operation     `json:"operation"`
	Status       HistoryStatus `json:"status"`
	Duration     time.Duration `json:"duration"`
	RetryCount   int           `json:"retry_count"` // Retry count at time of attempt
	ErrorMessage string        `json:"error_message,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// HistoryGroup is a history rollup row grouped by sync type, operation and
// attempt status.
type HistoryGroup struct {
	SyncType      SyncType
	Operation     Operation
	Status        HistoryStatus
	Count         int
	TotalDuration time.Duration
	TotalRetries  int
	MaxRetries    int
}

// DuplicateStats summarizes idempotency records first seen in a window.
type DuplicateStats struct {
	Keys       int
	Duplicates int
}

// EntityState is the current canonical state of an entity, as far as
// precondition checks are concerned.
type EntityState struct {
	Exists   bool
	Version  int64
	Status   string
	Quantity int64
}
