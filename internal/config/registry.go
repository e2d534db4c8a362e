package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ASLP-AI/xdecoder/pkg/engine"
)

// ErrBackendNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: engine backend not registered")

// BackendFactory constructs an engine backend from the full configuration.
// Factories load models; a failure here aborts startup.
type BackendFactory func(cfg *Config) (engine.Backend, error)

// Registry maps engine backend names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]BackendFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]BackendFactory)}
}

// Register registers a backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) Register(name string, factory BackendFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = factory
}

// Names returns the registered backend names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for n := range r.backends {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Factory returns the factory registered under name.
// Returns [ErrBackendNotRegistered] if there is none.
func (r *Registry) Factory(name string) (BackendFactory, error) {
	r.mu.RLock()
	factory, ok := r.backends[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotRegistered, name)
	}
	return factory, nil
}

// Create instantiates the backend named by cfg.Engine.Backend.
func (r *Registry) Create(cfg *Config) (engine.Backend, error) {
	factory, err := r.Factory(cfg.Engine.Backend)
	if err != nil {
		return nil, err
	}
	return factory(cfg)
}
