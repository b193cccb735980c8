package engine

import (
	"math/rand"
	"time"
)

// backoffDelay computes the exponential backoff before retry attempt+1,
// with half-width jitter so concurrent retries against the same target
// spread out. The delay doubles per attempt and is capped at max.
func backoffDelay(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	if max < initial {
		max = initial
	}

	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}

	// Jitter into [d/2, d].
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
