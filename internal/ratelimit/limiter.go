package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Quota is a rolling-hour counter; the window resets automatically once
// expired.
type Quota struct {
	mu        sync.Mutex
	limit     int
	count     int
	windowEnd time.Time
}

// NewQuota creates a Quota allowing up to limit events per rolling hour.
func NewQuota(limit int) *Quota {
	return &Quota{limit: limit, windowEnd: time.Now().Add(time.Hour)}
}

// Allow reports whether one more event fits in the current window,
// consuming it if so.
func (q *Quota) Allow() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	if now.After(q.windowEnd) {
		q.count = 0
		q.windowEnd = now.Add(time.Hour)
	}
	if q.count >= q.limit {
		return false
	}
	q.count++
	return true
}

// Limiter composes a set of per-scope token buckets (global, per-chat,
// per-group, any string key the caller chooses) with a shared hourly
// quota. Buckets are created lazily per scope on first use, all sharing the
// same capacity/refill rate.
type Limiter struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64
	quota      *Quota
	buckets    map[string]*Bucket
}

// NewLimiter creates a Limiter. capacity/refillRate parametrize every
// per-scope bucket; quotaPerHour parametrizes the shared hourly quota (0
// disables the quota check).
func NewLimiter(capacity, refillRate float64, quotaPerHour int) *Limiter {
	l := &Limiter{
		capacity:   capacity,
		refillRate: refillRate,
		buckets:    make(map[string]*Bucket),
	}
	if quotaPerHour > 0 {
		l.quota = NewQuota(quotaPerHour)
	}
	return l
}

func (l *Limiter) bucketFor(scope string) *Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[scope]
	if !ok {
		b = NewBucket(l.capacity, l.refillRate)
		l.buckets[scope] = b
	}
	return b
}

// Acquire blocks until n tokens are available across every scope in scopes
// and the hourly quota allows one more event, then consumes them, returning
// how long it waited. If ctx is cancelled first, it returns the context
// error immediately without consuming tokens. The wait is the maximum
// across all limiting factors.
func (l *Limiter) Acquire(ctx context.Context, scopes []string, n float64) (time.Duration, error) {
	if n <= 0 {
		n = 1
	}

	var waited time.Duration
	for {
		wait := l.maxWait(scopes, n)
		if wait <= 0 {
			for _, scope := range scopes {
				l.bucketFor(scope).TryConsume(n)
			}
			if l.quota != nil {
				l.quota.Allow()
			}
			return waited, nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return waited, ctx.Err()
		case <-timer.C:
		}
		waited += wait
	}
}

func (l *Limiter) maxWait(scopes []string, n float64) time.Duration {
	var max time.Duration
	for _, scope := range scopes {
		if w := l.bucketFor(scope).WaitDuration(n); w > max {
			max = w
		}
	}
	if l.quota != nil && !l.quota.peek() {
		// Quota has no natural "wait" semantics (it resets on the hour); the
		// caller must simply wait out the remainder of the window.
		if w := l.quota.remaining(); w > max {
			max = w
		}
	}
	return max
}

// peek reports whether the quota currently has room, without consuming.
func (q *Quota) peek() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	if now.After(q.windowEnd) {
		return true
	}
	return q.count < q.limit
}

// remaining returns the time left in the current quota window.
func (q *Quota) remaining() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	d := time.Until(q.windowEnd)
	if d < 0 {
		return 0
	}
	return d
}
