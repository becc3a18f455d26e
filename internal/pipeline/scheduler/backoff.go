package scheduler

import (
	"context"
	"time"
)

// RetryDelay computes the linear backoff before the given retry: base
// multiplied by the number of retries consumed so far, capped at max. The
// first retry waits base, the second 2×base, and so on.
func RetryDelay(base, max time.Duration, retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	if base <= 0 {
		base = DefaultRetryDelay
	}
	d := base * time.Duration(retryCount)
	if max > 0 && d > max {
		return max
	}
	return d
}

// sleepWithContext sleeps for d unless ctx is done first. Returns true when
// the full duration elapsed.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
