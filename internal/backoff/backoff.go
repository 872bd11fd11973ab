// Package backoff computes exponential retry delays with jitter.
package backoff

import (
	"math/rand"
	"time"
)

// Delay is base * 2^attempt capped at max, plus jitter in [0, base).
func Delay(base, max time.Duration, attempt int) time.Duration {
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		delay = max
	}
	if base <= 0 {
		return delay
	}
	return delay + time.Duration(rand.Int63n(int64(base)))
}
