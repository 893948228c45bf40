package bridge

import (
	"context"
	"math/rand"
	"time"
)

// Retry policy for transient tracker failures.
const (
	maxAttempts = 5
	baseDelay   = time.Second
	maxDelay    = 60 * time.Second
)

// backoffDelay computes the delay before retrying after the given attempt
// (1-based). Exponential with jitter in [d/2, d), capped at maxDelay. A
// tracker-provided retry-after hint overrides the computed delay when it is
// longer.
func backoffDelay(attempt int, hint time.Duration) time.Duration {
	d := baseDelay << (attempt - 1)
	if d > maxDelay || d <= 0 {
		d = maxDelay
	}
	half := d / 2
	d = half + time.Duration(rand.Int63n(int64(half)+1))
	if hint > d {
		d = hint
	}
	return d
}

// sleepCtx sleeps for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
