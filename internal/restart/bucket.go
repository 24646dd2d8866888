// SPDX-License-Identifier: MIT

// Package restart implements the cohort-wide token-bucket restart policy
// (spec.md §4.3): a shared budget that gates whether a failed service may
// be restarted, so a single flapping service cannot starve the rest of the
// cohort's restart allowance.
//
// Built in the same mutex-guarded-struct, functional-constructor idiom as
// the teacher's internal/stream.Backoff, adapted from duration-based
// exponential backoff to a continuously-refilling token bucket, which is
// the algorithm spec.md §4.3 actually calls for.
package restart

import (
	"sync"
	"time"
)

// Bucket is a token bucket shared across an entire cohort. A restart
// consumes exactly one token; Allow reports whether a token was
// available. Tokens refill continuously at tokensPerSecond, clamped at
// capacity.
type Bucket struct {
	mu sync.Mutex

	capacity        float64
	tokensPerSecond float64

	tokens   float64
	lastFill time.Time

	now func() time.Time
}

// New creates a Bucket at full capacity.
func New(capacity int, tokensPerSecond float64) *Bucket {
	return newWithClock(capacity, tokensPerSecond, time.Now)
}

// newWithClock is the test seam: it lets tests control the passage of
// time without sleeping.
func newWithClock(capacity int, tokensPerSecond float64, now func() time.Time) *Bucket {
	return &Bucket{
		capacity:        float64(capacity),
		tokensPerSecond: tokensPerSecond,
		tokens:          float64(capacity),
		lastFill:        now(),
		now:             now,
	}
}

// refill adds tokens accrued since lastFill, clamped at capacity. Caller
// must hold b.mu.
func (b *Bucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.tokensPerSecond
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastFill = now
}

// Allow attempts to consume one token. It returns true if a token was
// available (and consumes it), false if the bucket was empty (denied,
// spec.md invariant 6: tokens never drop below 0).
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Tokens returns the current token count (after applying any pending
// refill), for status reporting and tests.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// Capacity returns the bucket's maximum token count.
func (b *Bucket) Capacity() float64 {
	return b.capacity
}
