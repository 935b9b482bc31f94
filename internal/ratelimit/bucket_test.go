package ratelimit

import (
	"testing"
	"time"
)

func TestBucket_TryConsume_WithinCapacity(t *testing.T) {
	b := NewBucket(10, 1)
	if !b.TryConsume(5) {
		t.Fatalf("expected to consume 5 of 10 tokens")
	}
	if b.Tokens() > 5.001 || b.Tokens() < 4.999 {
		t.Fatalf("Tokens() = %v, want ~5", b.Tokens())
	}
}

func TestBucket_TryConsume_RejectsOverdraft(t *testing.T) {
	b := NewBucket(2, 0)
	if !b.TryConsume(2) {
		t.Fatalf("expected initial consume to succeed")
	}
	if b.TryConsume(1) {
		t.Fatalf("expected overdraft to fail with zero refill rate")
	}
}

func TestBucket_NeverExceedsCapacity(t *testing.T) {
	b := NewBucket(5, 1000)
	time.Sleep(10 * time.Millisecond)
	if b.Tokens() > 5 {
		t.Fatalf("Tokens() = %v, exceeds capacity 5", b.Tokens())
	}
}

func TestBucket_NeverGoesBelowZero(t *testing.T) {
	b := NewBucket(5, 0)
	b.TryConsume(5)
	if b.Tokens() < 0 {
		t.Fatalf("Tokens() = %v, went below 0", b.Tokens())
	}
}

func TestQuota_ResetsAfterWindow(t *testing.T) {
	q := NewQuota(1)
	if !q.Allow() {
		t.Fatalf("expected first event to be allowed")
	}
	if q.Allow() {
		t.Fatalf("expected second event to be rejected within the same hour")
	}
	q.windowEnd = time.Now().Add(-time.Second)
	if !q.Allow() {
		t.Fatalf("expected an event to be allowed again once the window expired")
	}
}
