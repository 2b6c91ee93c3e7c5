package store

import "errors"

var (
	// ErrNotFound is returned when an operation or idempotency record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStaleStatus is returned when a conditional transition matched no row
	// because the operation is no longer in the expected status.
	ErrStaleStatus = errors.New("operation is not in the expected status")
)
