package engine

import "time"

// Clock supplies wall-clock time for scheduling, durations and retention.
// Implemented by SystemClock (production) and testutil.FakeClock (tests).
type Clock interface {
	Now() time.Time
}

// SystemClock reads the system clock in UTC.
//
// Thread-safety: SystemClock is stateless and safe for concurrent use.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
