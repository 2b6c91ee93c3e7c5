package model

// Status is the lifecycle state of a SyncOperation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// transitions lists every allowed status change. processing -> pending is
// reserved for re-arming operations abandoned by a dead worker.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusPending},
	StatusFailed:     {StatusPending, StatusCancelled},
}

// CanTransition reports whether an operation may move from one status to
// another. Nothing leaves completed or cancelled.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// FailureKind classifies why an operation is failed.
type FailureKind string

const (
	// FailureTransient may succeed on a later attempt.
	FailureTransient FailureKind = "transient"
	// FailurePermanent will never succeed as submitted.
	FailurePermanent FailureKind = "permanent"
	// FailureConflict means a precondition no longer held.
	FailureConflict FailureKind = "conflict"
	// FailureExhausted means retries ran out.
	FailureExhausted FailureKind = "exhausted"
)

// Retryable reports whether a failure of this kind may be re-armed.
func (k FailureKind) Retryable() bool {
	return k == FailureTransient
}
