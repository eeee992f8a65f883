// Package retry holds the single backoff policy shared by the outbox
// dispatcher and the background sync scheduler.
package retry

import (
	"math/rand"
	"time"
)

// Policy computes capped exponential backoff with jitter.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	MaxAttempts int
}

// Default matches the tuning the rest of the engine assumes: 1s base,
// 10s cap, doubling, eight attempts before dead-lettering.
func Default() Policy {
	return Policy{
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		Factor:      2,
		MaxAttempts: 8,
	}
}

// Delay returns the wait before attempt n (n starts at 1 for the first
// retry). The result is jittered in [delay/2, delay) so queued
// operations retrying together do not stampede.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Factor
		if d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	half := d / 2
	return time.Duration(half + rand.Float64()*half)
}

// Exhausted reports whether retryCount has consumed the attempt budget.
func (p Policy) Exhausted(retryCount int) bool {
	return p.MaxAttempts > 0 && retryCount >= p.MaxAttempts
}
