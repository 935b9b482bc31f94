// Package ratelimit implements a per-scope token bucket plus a rolling
// hourly quota. Buckets refill continuously in proportion to elapsed time,
// since the notification dispatcher needs sub-second acquire granularity.
package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a single scope's token bucket.
type Bucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastUpdate time.Time
}

// NewBucket creates a Bucket at full capacity.
func NewBucket(capacity, refillRate float64) *Bucket {
	return &Bucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastUpdate: time.Now(),
	}
}

// refillLocked advances tokens to the current time. Caller must hold mu.
func (b *Bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastUpdate).Seconds()
	if elapsed <= 0 {
		return
	}
	refilled := b.tokens + elapsed*b.refillRate
	if refilled > b.capacity {
		refilled = b.capacity
	}
	b.tokens = refilled
	b.lastUpdate = now
}

// TryConsume attempts to consume n tokens immediately. Returns true and
// consumes on success; returns false (no consumption) if fewer than n
// tokens are currently available.
func (b *Bucket) TryConsume(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

// WaitDuration returns how long the caller must wait before n tokens will
// be available, 0 if they are available now. Never mutates state.
func (b *Bucket) WaitDuration(n float64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	if b.tokens >= n {
		return 0
	}
	if b.refillRate <= 0 {
		return time.Duration(1<<63 - 1) // effectively unbounded
	}
	deficit := n - b.tokens
	return time.Duration(deficit/b.refillRate*1000) * time.Millisecond
}

// Tokens returns the current token count (bounded in [0, capacity]).
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return b.tokens
}
