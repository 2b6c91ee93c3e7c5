package engine

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// Default retry policy.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 30 * time.Second
	DefaultMaxDelay   = time.Hour
)

// Backoff decides whether and when a failed operation becomes due again.
// Delays grow exponentially from BaseDelay and are capped at MaxDelay.
type Backoff struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultBackoff returns the default retry policy.
func DefaultBackoff() Backoff {
	return Backoff{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

// Delay returns the wait before the next attempt of an operation that has
// already failed retryCount times before the current failure:
// BaseDelay * 2^retryCount, capped at MaxDelay. Monotonic in retryCount.
func (b Backoff) Delay(retryCount int) time.Duration {
	base, maxDelay := b.BaseDelay, b.MaxDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if maxDelay < base {
		maxDelay = base
	}

	seq := retry.WithCappedDuration(maxDelay, retry.NewExponential(base))
	var d time.Duration
	for i := 0; i <= retryCount; i++ {
		next, stop := seq.Next()
		if stop {
			break
		}
		d = next
		if d >= maxDelay {
			break
		}
	}
	return d
}

// NextAttempt returns when an operation that just failed should be retried.
// retryCount is the operation's count before this failure. Once the
// operation has used up MaxRetries retries it gives up.
func (b Backoff) NextAttempt(retryCount int, now time.Time) (scheduledAt time.Time, giveUp bool) {
	if retryCount >= b.MaxRetries {
		return time.Time{}, true
	}
	return now.Add(b.Delay(retryCount)), false
}
