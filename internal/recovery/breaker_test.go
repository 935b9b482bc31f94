package recovery

import (
	"errors"
	"testing"
	"time"
)

func TestBreakerRegistry_OpensAfterThreshold(t *testing.T) {
	r := NewBreakerRegistry(2, time.Minute)

	_ = r.Execute("slack", func() error { return errors.New("fail 1") })
	_ = r.Execute("slack", func() error { return errors.New("fail 2") })

	if got := r.State("slack"); got != "open" {
		t.Fatalf("State(slack) = %v, want open after 2 consecutive failures", got)
	}

	err := r.Execute("slack", func() error { return nil })
	if err == nil {
		t.Fatalf("expected rejection while breaker is open")
	}
}

func TestBreakerRegistry_SuccessKeepsClosed(t *testing.T) {
	r := NewBreakerRegistry(3, time.Minute)
	for i := 0; i < 5; i++ {
		if err := r.Execute("file", func() error { return nil }); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if got := r.State("file"); got != "closed" {
		t.Fatalf("State(file) = %v, want closed", got)
	}
}
