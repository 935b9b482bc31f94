package notify

import (
	"context"
	"fmt"
	"sync"
)

// Provider is the capability set every delivery channel satisfies.
// Orchestrator code never names a concrete provider; adding one is
// registration only.
type Provider interface {
	// Name returns the provider's registered name.
	Name() string
	// ValidateConfig returns an error if the provider was constructed from
	// an invalid configuration mapping.
	ValidateConfig() error
	// Send delivers message, returning true on success. Send must be
	// idempotent at the level of a single logical message: retried sends
	// of the same message must not produce duplicate user-visible effects
	// beyond what the provider's own wire protocol allows.
	Send(ctx context.Context, message Message) (bool, error)
}

// Factory constructs a Provider from an opaque configuration mapping.
type Factory func(name string, config map[string]any) (Provider, error)

// Registry maps provider names to factories and holds constructed
// instances; providers are built from an opaque mapping by a factory
// registered under a name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	instances map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]Provider),
	}
}

// RegisterFactory associates kind (e.g. "slack", "file") with a
// constructor function.
func (r *Registry) RegisterFactory(kind string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// Build constructs and validates a provider named name of the given kind
// from config, storing it under name for later lookup by Get.
func (r *Registry) Build(kind, name string, config map[string]any) (Provider, error) {
	r.mu.Lock()
	factory, ok := r.factories[kind]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("notify.Registry: no factory registered for provider kind %q", kind)
	}

	provider, err := factory(name, config)
	if err != nil {
		return nil, fmt.Errorf("notify.Registry: build provider %q: %w", name, err)
	}
	if err := provider.ValidateConfig(); err != nil {
		return nil, fmt.Errorf("notify.Registry: invalid config for provider %q: %w", name, err)
	}

	r.mu.Lock()
	r.instances[name] = provider
	r.mu.Unlock()
	return provider, nil
}

// Get returns the named, already-built provider instance.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.instances[name]
	return p, ok
}

// Names returns every currently built provider's name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.instances))
	for name := range r.instances {
		out = append(out, name)
	}
	return out
}

// Validate enforces the config-validator invariant: every name in
// enabledProviders must have a populated entry in providerConfigs.
func Validate(enabledProviders []string, providerConfigs map[string]map[string]any) error {
	for _, name := range enabledProviders {
		cfg, ok := providerConfigs[name]
		if !ok || len(cfg) == 0 {
			return fmt.Errorf("notify.Validate: enabled provider %q has no populated configuration section", name)
		}
	}
	return nil
}
