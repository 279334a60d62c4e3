package platform

import (
	"sync"

	"github.com/crowdgate/crowdgate/internal/model"
)

// Registry holds the registered platform adapters. Safe for concurrent
// use; registration normally happens once at startup but adapters can be
// added while workers run.
type Registry struct {
	mu       sync.RWMutex
	adapters map[model.Platform]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[model.Platform]Adapter)}
}

// Register adds or replaces the adapter for its platform.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Platform()] = a
}

// Get returns the adapter for a platform, or ErrNotRegistered.
func (r *Registry) Get(p model.Platform) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[p]
	if !ok {
		return nil, ErrNotRegistered
	}
	return a, nil
}

// Platforms lists the registered platforms.
func (r *Registry) Platforms() []model.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Platform, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	return out
}
