package provider

import (
	"fmt"
	"strings"
	"sync"
)

// Registry maps provider names to configured instances.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its own name.
func (r *Registry) Register(p Provider) error {
	if p == nil {
		return fmt.Errorf("provider cannot be nil")
	}
	name := p.Name()
	if name == "" {
		return fmt.Errorf("provider name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %s already registered", name)
	}
	r.providers[name] = p
	return nil
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %s not registered", name)
	}
	return p, nil
}

// List returns registered provider names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// Spec names a provider and model pair, as written in task assignments
// like "new:anthropic/claude-sonnet-4".
type Spec struct {
	Provider string
	Model    string
}

// ParseSpec parses "provider/model" after any "new:" prefix has been
// stripped by the caller.
func ParseSpec(s string) (Spec, error) {
	s = strings.TrimPrefix(s, "new:")
	providerName, model, ok := strings.Cut(s, "/")
	if !ok || providerName == "" || model == "" {
		return Spec{}, fmt.Errorf("invalid provider spec %q, want provider/model", s)
	}
	return Spec{Provider: providerName, Model: model}, nil
}
