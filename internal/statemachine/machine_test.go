package statemachine

import (
	"context"
	"testing"
)

func testMachine() *Machine {
	return New(Config{
		Initial: StateIdle,
		Transitions: []Transition{
			{From: StateIdle, To: StateDetecting},
			{From: StateDetecting, To: StateMonitoring},
			{From: StateDetecting, To: StateError},
			{From: StateMonitoring, To: StateCompleting},
			{From: StateCompleting, To: StateIdle},
			{From: StateError, To: StateRecovering, Guard: func(ctx Context) bool {
				v, _ := ctx["can_recover"].(bool)
				return v
			}},
			{From: StateError, To: StateShutdown},
			{From: StateRecovering, To: StateIdle},
		},
	})
}

func TestTransitionTo_ValidPath(t *testing.T) {
	m := testMachine()
	ctx := context.Background()

	if err := m.TransitionTo(ctx, StateDetecting); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Current() != StateDetecting {
		t.Fatalf("Current() = %v, want DETECTING", m.Current())
	}
	if m.Previous() != StateIdle {
		t.Fatalf("Previous() = %v, want IDLE", m.Previous())
	}
}

func TestTransitionTo_InvalidPathRejected(t *testing.T) {
	m := testMachine()
	ctx := context.Background()

	err := m.TransitionTo(ctx, StateMonitoring)
	if err == nil {
		t.Fatalf("expected error transitioning IDLE -> MONITORING directly")
	}
	if m.Current() != StateIdle {
		t.Fatalf("state must not change on rejected transition, got %v", m.Current())
	}
}

func TestTransitionTo_GuardRejectsThenAccepts(t *testing.T) {
	m := testMachine()
	ctx := context.Background()
	_ = m.TransitionTo(ctx, StateDetecting)
	_ = m.TransitionTo(ctx, StateError)

	if err := m.TransitionTo(ctx, StateRecovering); err == nil {
		t.Fatalf("expected guard to reject when can_recover is unset")
	}

	m.Set("can_recover", true)
	if err := m.TransitionTo(ctx, StateRecovering); err != nil {
		t.Fatalf("expected guard to accept once can_recover=true: %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	m := testMachine()
	ctx := context.Background()
	_ = m.TransitionTo(ctx, StateDetecting)
	m.Set("correlation_id", "abc-123")

	snap := m.Snapshot()

	m2 := testMachine()
	m2.Restore(snap)

	got := m2.Snapshot()
	if got.Current != snap.Current || got.Previous != snap.Previous {
		t.Fatalf("restored snapshot mismatch: got %+v, want %+v", got, snap)
	}
	if got.Context["correlation_id"] != "abc-123" {
		t.Fatalf("restored context missing correlation_id: %+v", got.Context)
	}
}

func TestHistory_CappedAndOrdered(t *testing.T) {
	m := New(Config{
		Initial:    StateIdle,
		HistoryCap: 2,
		Transitions: []Transition{
			{From: StateIdle, To: StateDetecting},
			{From: StateDetecting, To: StateIdle},
		},
	})
	ctx := context.Background()
	_ = m.TransitionTo(ctx, StateDetecting)
	_ = m.TransitionTo(ctx, StateIdle)
	_ = m.TransitionTo(ctx, StateDetecting)

	h := m.History()
	if len(h) != 2 {
		t.Fatalf("History() length = %d, want 2 (capped)", len(h))
	}
	if h[len(h)-1] != StateDetecting {
		t.Fatalf("most recent history entry = %v, want DETECTING", h[len(h)-1])
	}
}

func TestAction_RunsOnSuccessfulTransition(t *testing.T) {
	actionRan := false
	m := New(Config{
		Initial: StateIdle,
		Transitions: []Transition{
			{From: StateIdle, To: StateDetecting, Action: func(ctx context.Context, sm Context) {
				actionRan = true
			}},
		},
	})
	_ = m.TransitionTo(context.Background(), StateDetecting)
	if !actionRan {
		t.Fatalf("expected action to run on successful transition")
	}
}
