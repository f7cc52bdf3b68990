package anchor

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff returns the delay before retry number attempt (1-based): base
// doubled per attempt, capped at max, plus up to 50% jitter, never above max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempt && (max <= 0 || delay < max) && delay <= math.MaxInt64/2; i++ {
		delay *= 2
	}
	if max > 0 && delay > max {
		delay = max
	}
	if half := int64(delay / 2); half > 0 {
		delay += time.Duration(rand.Int63n(half))
	}
	if max > 0 && delay > max {
		delay = max
	}
	return delay
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
