package queue

import (
	"math/rand"
	"time"
)

const (
	sendMaxAttempts = 5
	backoffBase     = 100 * time.Millisecond
	backoffCap      = 2 * time.Second
)

// fullJitter returns the sleep before retry attempt+1. The exponential
// floor 100·2^(n-1) ms is always respected; the jittered portion on top
// spreads callers out. The total never exceeds the 2 s cap.
func fullJitter(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	floor := backoffBase << (attempt - 1)
	if floor > backoffCap {
		return backoffCap
	}
	d := floor + time.Duration(rand.Int63n(int64(floor)))
	if d > backoffCap {
		d = backoffCap
	}
	return d
}
