// Package ratelimit provides the per-connection token bucket used to
// pace inbound actions.
package ratelimit

import (
	"sync"
	"time"
)

// RetryDelay is the hint returned to clients when the bucket is empty.
const RetryDelay = 1000 * time.Millisecond

// Bucket is a token bucket with continuous refill.
type Bucket struct {
	mu       sync.Mutex
	capacity float64
	tokens   float64
	perSec   float64
	last     time.Time
	now      func() time.Time
}

// NewBucket returns a full bucket with the given capacity and refill rate.
func NewBucket(capacity int, perSec float64) *Bucket {
	return newBucket(capacity, perSec, time.Now)
}

func newBucket(capacity int, perSec float64, now func() time.Time) *Bucket {
	return &Bucket{
		capacity: float64(capacity),
		tokens:   float64(capacity),
		perSec:   perSec,
		last:     now(),
		now:      now,
	}
}

// Allow consumes one token if available. A false return means the
// caller should respond 429 and dispatch nothing.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.tokens += now.Sub(b.last).Seconds() * b.perSec
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
