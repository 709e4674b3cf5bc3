package stt

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Factory builds a provider instance.
type Factory func() (Provider, error)

// Registry holds named provider factories. Instances are built lazily and
// reused; providers must be safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	instances map[string]Provider
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]Provider),
	}
}

// Register adds or replaces a factory. Replacing drops the cached instance so
// the next Get builds the new backend.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	delete(r.instances, name)
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	p, ok := r.instances[name]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.instances[name]; ok {
		return p, nil
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown speech provider %q", name)
	}
	p, err := f()
	if err != nil {
		return nil, fmt.Errorf("build speech provider %q: %w", name, err)
	}
	r.instances[name] = p
	return p, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Selector resolves the provider for a clinic: runtime override, then the
// configured clinic mapping, then the default.
type Selector struct {
	registry    *Registry
	defaultName string

	mu         sync.RWMutex
	configured map[string]string
	overrides  map[string]string
}

// NewSelector creates a selector. clinicProviders maps clinic id to provider
// name.
func NewSelector(registry *Registry, defaultName string, clinicProviders map[string]string) *Selector {
	configured := make(map[string]string, len(clinicProviders))
	for k, v := range clinicProviders {
		configured[k] = v
	}
	return &Selector{
		registry:    registry,
		defaultName: defaultName,
		configured:  configured,
		overrides:   make(map[string]string),
	}
}

// NameFor returns the provider name in effect for clinicID.
func (s *Selector) NameFor(clinicID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n, ok := s.overrides[clinicID]; ok {
		return n
	}
	if n, ok := s.configured[clinicID]; ok {
		return n
	}
	return s.defaultName
}

// Resolve returns the provider instance for clinicID.
func (s *Selector) Resolve(clinicID string) (Provider, error) {
	return s.registry.Get(s.NameFor(clinicID))
}

// Provider returns a provider by name, used for sessions pinned at start.
func (s *Selector) Provider(name string) (Provider, error) {
	return s.registry.Get(name)
}

// Names lists the registered provider names.
func (s *Selector) Names() []string { return s.registry.Names() }

// Override switches a clinic to another registered provider. Sessions that
// already started keep their provider.
func (s *Selector) Override(clinicID, name string) error {
	if !s.registry.Has(name) {
		return fmt.Errorf("unknown speech provider %q", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[clinicID] = name
	return nil
}

// ParseClinicProviders parses "clinicA=google,clinicB=http".
func ParseClinicProviders(s string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("invalid clinic provider entry %q", pair)
		}
		out[k] = v
	}
	return out, nil
}
