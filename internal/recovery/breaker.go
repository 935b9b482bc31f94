// Circuit breaker wiring over github.com/sony/gobreaker.

package recovery

import (
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerRegistry holds one named circuit breaker per component.
// Breakers are looked up and lazily created from dispatcher worker
// goroutines concurrently, so the map is guarded by mu.
type BreakerRegistry struct {
	threshold uint32
	cooldown  time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates a registry whose breakers open after threshold
// consecutive failures and stay open for cooldown before a half-open probe.
func NewBreakerRegistry(threshold uint32, cooldown time.Duration) *BreakerRegistry {
	if threshold == 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &BreakerRegistry{
		threshold: threshold,
		cooldown:  cooldown,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

// For returns the named breaker, creating it on first use.
func (r *BreakerRegistry) For(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     r.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.threshold
		},
	})
	r.breakers[name] = b
	return b
}

// Execute runs op through the named breaker. A rejection (breaker open)
// surfaces as a wrapped gobreaker.ErrOpenState, which the retry helper
// treats as non-retryable.
func (r *BreakerRegistry) Execute(name string, op func() error) error {
	breaker := r.For(name)
	_, err := breaker.Execute(func() (any, error) {
		return nil, op()
	})
	if err != nil {
		return fmt.Errorf("recovery.Execute[%s]: %w", name, err)
	}
	return nil
}

// State returns the current state of the named breaker ("closed", "open",
// "half-open"), creating it if it doesn't yet exist.
func (r *BreakerRegistry) State(name string) string {
	switch r.For(name).State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "half-open"
	}
}
