// Package statemachine implements a named-state machine with guarded
// transitions, actions, and persisted snapshots, driven by a
// caller-supplied transition table.
package statemachine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State names the orchestrator's lifecycle states.
type State string

const (
	StateIdle       State = "IDLE"
	StateDetecting  State = "DETECTING"
	StateMonitoring State = "MONITORING"
	StateCompleting State = "COMPLETING"
	StateError      State = "ERROR"
	StateRecovering State = "RECOVERING"
	StateShutdown   State = "SHUTDOWN"
	StateSuspended  State = "SUSPENDED"
)

// Context carries scalar key/value data across a transition's guard and
// action. Values should be scalars (string, int, float64, bool) to stay
// serializable by the snapshot.
type Context map[string]any

// Guard decides whether a transition may fire. A nil Guard always allows.
type Guard func(ctx Context) bool

// Action runs after a transition commits, inside the same lock that holds
// the state. Actions must not call TransitionTo on the same machine.
type Action func(ctx context.Context, sm Context)

// Transition describes one edge in the state graph.
type Transition struct {
	From   State
	To     State
	Guard  Guard
	Action Action
}

// TransitionError reports a rejected TransitionTo call.
type TransitionError struct {
	From, To State
	Reason   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("statemachine: cannot transition %s -> %s: %s", e.From, e.To, e.Reason)
}

// Snapshot is the persisted, serializable view of a Machine.
type Snapshot struct {
	Current  State   `json:"current_state"`
	Previous State   `json:"previous_state"`
	Context  Context `json:"context_data"`
}

// Machine is a mutex-guarded named-state machine. All reads and writes of
// the current state happen under a single mutex; the whole transition,
// guard included, runs under that lock.
type Machine struct {
	mu sync.Mutex

	current  State
	previous State
	ctx      Context

	transitions []Transition

	historyCap int
	history    []State
}

// Config constructs a Machine.
type Config struct {
	Initial     State
	Transitions []Transition
	// HistoryCap bounds the number of past states retained (default 50).
	HistoryCap int
}

// New creates a Machine in cfg.Initial with cfg.Transitions as its graph.
func New(cfg Config) *Machine {
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = 50
	}
	return &Machine{
		current:     cfg.Initial,
		previous:    cfg.Initial,
		ctx:         make(Context),
		transitions: cfg.Transitions,
		historyCap:  cfg.HistoryCap,
		history:     []State{cfg.Initial},
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Previous returns the prior state.
func (m *Machine) Previous() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.previous
}

// History returns a copy of the retained state history, oldest first.
func (m *Machine) History() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]State(nil), m.history...)
}

// Set stores a scalar in the machine's context map, available to guards and
// actions of subsequent transitions.
func (m *Machine) Set(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx[key] = value
}

// Get reads a scalar from the machine's context map.
func (m *Machine) Get(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.ctx[key]
	return v, ok
}

// TransitionTo attempts to move the machine to target. It fails with a
// *TransitionError if no transition from the current state to target
// exists, or if that transition's guard rejects it. Multiple transitions
// sharing the same (From, To) pair are tried in registration order; the
// first whose guard passes wins.
func (m *Machine) TransitionTo(goCtx context.Context, target State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.current
	var candidate *Transition
	for i := range m.transitions {
		t := &m.transitions[i]
		if t.From != from || t.To != target {
			continue
		}
		if t.Guard != nil && !t.Guard(m.ctx) {
			continue
		}
		candidate = t
		break
	}

	if candidate == nil {
		return &TransitionError{From: from, To: target, Reason: "no matching transition or guard rejected"}
	}

	m.previous = m.current
	m.current = target
	m.history = append(m.history, target)
	if len(m.history) > m.historyCap {
		m.history = m.history[len(m.history)-m.historyCap:]
	}

	if candidate.Action != nil {
		candidate.Action(goCtx, m.ctx)
	}
	return nil
}

// Snapshot returns the current persistable state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Current:  m.current,
		Previous: m.previous,
		Context:  copyContext(m.ctx),
	}
}

// Restore overwrites the machine's current/previous/context fields from
// snap. It does not validate snap.Current against the transition table;
// restoration is a direct rebuild, not a transition.
func (m *Machine) Restore(snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = snap.Current
	m.previous = snap.Previous
	if snap.Context != nil {
		m.ctx = copyContext(snap.Context)
	} else {
		m.ctx = make(Context)
	}
	m.history = []State{m.current}
}

func copyContext(ctx Context) Context {
	out := make(Context, len(ctx))
	for k, v := range ctx {
		out[k] = v
	}
	return out
}

// EnteredAtKey is the fixed context-map key under which StampEnteredAt
// records a state's entry time.
const EnteredAtKey = "entered_at"

// StampEnteredAt is an Action helper that records the current time under
// EnteredAtKey; useful wired as the Action of any transition that needs
// TimeInState-style bookkeeping.
func StampEnteredAt(_ context.Context, ctx Context) {
	ctx[EnteredAtKey] = time.Now().Format(time.RFC3339Nano)
}
