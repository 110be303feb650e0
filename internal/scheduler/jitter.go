package scheduler

import (
	"math/rand"
	"time"
)

// jitter spreads a delay uniformly across ±frac of its value.
func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 || d <= 0 {
		return d
	}
	spread := (rand.Float64()*2 - 1) * frac
	return time.Duration(float64(d) * (1 + spread))
}
