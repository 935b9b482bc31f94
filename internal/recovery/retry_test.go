package recovery

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExecute_SucceedsOnSecondAttempt(t *testing.T) {
	attempts := 0
	err := Execute(context.Background(), Options{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestExecute_PermanentErrorStopsImmediately(t *testing.T) {
	attempts := 0
	err := Execute(context.Background(), Options{MaxAttempts: 5, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		attempts++
		return Permanent(errors.New("do not retry"))
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 for permanent error", attempts)
	}
}

func TestExecute_ExhaustedWrapsLastCause(t *testing.T) {
	cause := errors.New("persistent failure")
	err := Execute(context.Background(), Options{MaxAttempts: 2, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		return cause
	})
	var exhausted *ErrRetriesExhausted
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ErrRetriesExhausted, got %v", err)
	}
	if exhausted.Cause != cause {
		t.Fatalf("expected exhausted error to carry the last cause, got %v", exhausted.Cause)
	}
}

func TestRegistry_RollbackAll_ReverseOrder(t *testing.T) {
	r := NewRegistry()
	var order []string
	r.Register("a", func() { order = append(order, "a") })
	r.Register("b", func() { order = append(order, "b") })
	r.Register("c", func() { order = append(order, "c") })

	r.RollbackAll()

	want := []string{"c", "b", "a"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRegistry_SingleRollback(t *testing.T) {
	r := NewRegistry()
	called := false
	r.Register("x", func() { called = true })
	r.Rollback("x")
	if !called {
		t.Fatalf("expected rollback callback to run")
	}
	// Second call is a no-op, must not panic.
	r.Rollback("x")
}
