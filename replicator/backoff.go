package replicator

import (
	"context"
	"math/rand"
	"time"
)

// exponentialBackoff returns the wait before retry attempt (1-based): initial
// doubled attempt-1 times, capped at max, spread by up to 20% either way.
func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	if max < initial {
		max = initial
	}
	d := initial
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	d = min(d, max)
	if spread := int64(d) / 5; spread > 0 {
		d += time.Duration(rand.Int63n(2*spread+1) - spread)
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
