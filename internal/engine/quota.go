package engine

import "fmt"

// BatchQuota bounds the number of batches a single Run may process.
//
// The batch loop stops on its own when a batch does nothing; the quota
// guarantees termination even when new work keeps arriving.
type BatchQuota struct {
	maxBatches int
	current    int
}

// NewBatchQuota creates a quota allowing maxBatches batches.
func NewBatchQuota(maxBatches int) *BatchQuota {
	return &BatchQuota{maxBatches: maxBatches}
}

// Check counts one batch and returns BatchesExceededError once the limit
// is passed.
func (q *BatchQuota) Check() error {
	q.current++
	if q.current > q.maxBatches {
		return &BatchesExceededError{Batches: q.current, Limit: q.maxBatches}
	}
	return nil
}

// Current returns the number of batches counted.
func (q *BatchQuota) Current() int {
	return q.current
}

// BatchesExceededError is returned when a run reaches its batch limit.
type BatchesExceededError struct {
	Batches int
	Limit   int
}

// Error implements the error interface.
func (e *BatchesExceededError) Error() string {
	return fmt.Sprintf("batch limit reached: %d batches > %d limit", e.Batches, e.Limit)
}
