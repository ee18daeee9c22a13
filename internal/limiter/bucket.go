// Package limiter maintains the keyed rate and concurrency limiters applied
// by the request pipeline. Entries are keyed by (scope, identity) and
// reconciled against each published target set: parameters update in place
// (current fill level and in-flight permits are preserved) and entries that
// disappear from the configuration are reclaimed once they drain.
package limiter

import (
	"sync"
	"time"
)

// Bucket is a single token-bucket rate limiter.
type Bucket struct {
	mu         sync.Mutex
	rate       float64 // tokens added per second
	burst      float64 // maximum token capacity
	tokens     float64 // current token count
	lastRefill time.Time
}

// NewBucket creates a Bucket allowing ratePerSecond requests/s with a burst
// capacity. If burst <= 0, it defaults to ratePerSecond.
func NewBucket(ratePerSecond, burst float64) *Bucket {
	if burst <= 0 {
		burst = ratePerSecond
	}
	return &Bucket{
		rate:       ratePerSecond,
		burst:      burst,
		tokens:     burst,
		lastRefill: time.Now(),
	}
}

// Allow consumes one token and returns true if the request is permitted.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.lastRefill = now

	if b.tokens >= 1.0 {
		b.tokens--
		return true
	}
	return false
}

// SetParams updates the refill rate and capacity, keeping the current fill
// level (clamped to the new capacity).
func (b *Bucket) SetParams(ratePerSecond, burst float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if burst <= 0 {
		burst = ratePerSecond
	}
	b.rate = ratePerSecond
	b.burst = burst
	if b.tokens > burst {
		b.tokens = burst
	}
}

// RetryAfter estimates how long until one token is available.
func (b *Bucket) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tokens >= 1.0 || b.rate <= 0 {
		return 0
	}
	missing := 1.0 - b.tokens
	return time.Duration(missing / b.rate * float64(time.Second))
}
