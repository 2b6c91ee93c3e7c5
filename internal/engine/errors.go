package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/tillsync/internal/model"
)

// Error is a classified engine error.
//
// Error includes structured fields for diagnostics and for the CLI's JSON
// error output.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// TenantID and OperationID identify the affected operation, if any.
	TenantID    string
	OperationID string

	// Details contains additional context.
	Details map[string]string

	// Err is the underlying cause, if any.
	Err error
}

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeIdempotencyKeyConflict indicates a key was reused for different content.
	ErrCodeIdempotencyKeyConflict ErrorCode = "IDEMPOTENCY_KEY_CONFLICT"

	// ErrCodePreconditionConflict indicates entity state diverged from what the client expected.
	ErrCodePreconditionConflict ErrorCode = "PRECONDITION_CONFLICT"

	// ErrCodeTransientApplyFailure indicates the domain effect may succeed on retry.
	ErrCodeTransientApplyFailure ErrorCode = "TRANSIENT_APPLY_FAILURE"

	// ErrCodePermanentApplyFailure indicates the domain effect will never succeed as submitted.
	ErrCodePermanentApplyFailure ErrorCode = "PERMANENT_APPLY_FAILURE"

	// ErrCodeStuckOperation indicates a processing claim outlived the stuck threshold.
	ErrCodeStuckOperation ErrorCode = "STUCK_OPERATION"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.OperationID != "" {
		msg += fmt.Sprintf(" (operation=%s)", e.OperationID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// codeOf returns the code of the first *Error in err's chain.
func codeOf(err error) (ErrorCode, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

// IsIdempotencyKeyConflict reports whether err is an idempotency key conflict.
// Uses errors.As to handle wrapped errors.
func IsIdempotencyKeyConflict(err error) bool {
	code, ok := codeOf(err)
	return ok && code == ErrCodeIdempotencyKeyConflict
}

// IsPreconditionConflict reports whether err is a precondition conflict.
func IsPreconditionConflict(err error) bool {
	code, ok := codeOf(err)
	return ok && code == ErrCodePreconditionConflict
}

// IsPermanent reports whether err was classified as a permanent apply failure.
func IsPermanent(err error) bool {
	code, ok := codeOf(err)
	return ok && code == ErrCodePermanentApplyFailure
}

// IsTransient reports whether err was classified as a transient apply failure.
func IsTransient(err error) bool {
	code, ok := codeOf(err)
	return ok && code == ErrCodeTransientApplyFailure
}

// Transient marks a domain error as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: ErrCodeTransientApplyFailure, Message: "apply failed", Err: err}
}

// Permanent marks a domain error as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: ErrCodePermanentApplyFailure, Message: "apply rejected", Err: err}
}

// classifyApplyError maps a domain collaborator error to a failure kind.
// Unclassified errors are treated as transient; the retry limit bounds them.
func classifyApplyError(err error) model.FailureKind {
	switch {
	case IsPermanent(err):
		return model.FailurePermanent
	case IsPreconditionConflict(err):
		return model.FailureConflict
	default:
		return model.FailureTransient
	}
}

// NewIdempotencyKeyConflict creates an Error for a reused key with different content.
func NewIdempotencyKeyConflict(tenantID, key string, prior *model.IdempotencyRecord) *Error {
	return &Error{
		Code:        ErrCodeIdempotencyKeyConflict,
		Message:     fmt.Sprintf("idempotency key %q was already used for a different request", key),
		TenantID:    tenantID,
		OperationID: prior.OperationID,
		Details: map[string]string{
			"idempotency_key":      key,
			"recorded_fingerprint": prior.Fingerprint,
		},
	}
}

// NewPreconditionConflict creates an Error describing diverged entity state.
func NewPreconditionConflict(op *model.SyncOperation, conflicts []model.Conflict) *Error {
	details := make(map[string]string, len(conflicts))
	for _, c := range conflicts {
		details[c.Field] = fmt.Sprintf("expected %s, actual %s", c.Expected, c.Actual)
	}
	return &Error{
		Code:        ErrCodePreconditionConflict,
		Message:     conflictMessage(conflicts),
		TenantID:    op.TenantID,
		OperationID: op.ID,
		Details:     details,
	}
}

// NewStuckOperationError creates an Error for a processing claim that
// outlived the stuck threshold.
func NewStuckOperationError(tenantID, operationID string) *Error {
	return &Error{
		Code:        ErrCodeStuckOperation,
		Message:     "processing claim exceeded stuck threshold; re-armed",
		TenantID:    tenantID,
		OperationID: operationID,
	}
}

// conflictMessage renders conflicts as a single error message.
func conflictMessage(conflicts []model.Conflict) string {
	msg := "precondition conflict"
	for i, c := range conflicts {
		sep := ", "
		if i == 0 {
			sep = ": "
		}
		msg += fmt.Sprintf("%s%s expected %s, actual %s", sep, c.Field, c.Expected, c.Actual)
	}
	return msg
}
