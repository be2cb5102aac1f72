package postgres

import (
	"sort"
	"sync"
)

// Registry maps model names to their registered capability sets. It lets
// wiring code declare every model's extra operations in one place and lets
// consumers look a model up by name without holding a typed reference.
type Registry struct {
	mu     sync.RWMutex
	models map[string]any
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{models: make(map[string]any)}
}

// Register stores the capability set under its model name, replacing any
// previous registration. Generic because Go methods cannot introduce type
// parameters.
func Register[T any](r *Registry, caps *Capabilities[T]) *Capabilities[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[caps.Name()] = caps
	return caps
}

// RegisterModel builds the capability set for model and registers it.
func RegisterModel[T any](r *Registry, model *Model[T]) *Capabilities[T] {
	return Register(r, model.Capabilities())
}

// Lookup retrieves the capability set registered under name. The second
// result is false when the name is unknown or registered with a different
// row type.
func Lookup[T any](r *Registry, name string) (*Capabilities[T], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps, ok := r.models[name].(*Capabilities[T])
	return caps, ok
}

// Names returns the registered model names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered models.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models)
}
