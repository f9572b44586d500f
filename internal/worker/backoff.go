package worker

import (
	"math"
	"math/rand"
	"time"
)

// backoffWithJitter returns an exponential delay capped at max, with half
// the window randomized to spread retries from concurrent workers.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
