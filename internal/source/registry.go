package source

import (
	"sync"

	"github.com/tinwald/claimpull/internal/data"
)

// Registry maps source_type strings to adapters. Adding a source means
// registering a new implementation; the orchestrator never changes.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its Type. Later registrations replace
// earlier ones, which keeps tests simple.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Type()] = a
}

// Get returns the adapter for sourceType or data.ErrUnknownSource.
func (r *Registry) Get(sourceType string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[sourceType]
	if !ok {
		return nil, data.ErrUnknownSource
	}
	return a, nil
}

// Types lists the registered source types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		out = append(out, t)
	}
	return out
}
