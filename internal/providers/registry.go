package providers

import (
	"fmt"
	"sort"
)

// Registry holds the adapters enabled at startup. It is populated once
// during boot and read-only afterwards, so lookups need no locking.
type Registry struct {
	adapters map[string]Adapter
	order    []string
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its model name. Duplicate names are a
// wiring bug, not a runtime condition.
func (r *Registry) Register(a Adapter) error {
	name := a.Name()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("adapter %q already registered", name)
	}
	r.adapters[name] = a
	r.order = append(r.order, name)
	return nil
}

// Get returns the adapter for a model name, or ErrUnknownModel.
func (r *Registry) Get(model string) (Adapter, error) {
	a, ok := r.adapters[model]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	return a, nil
}

// Has reports whether a model name is registered.
func (r *Registry) Has(model string) bool {
	_, ok := r.adapters[model]
	return ok
}

// List returns the enabled models in registration order.
func (r *Registry) List() []ModelInfo {
	out := make([]ModelInfo, 0, len(r.order))
	for _, name := range r.order {
		a := r.adapters[name]
		out = append(out, ModelInfo{Name: a.Name(), DisplayName: a.DisplayName()})
	}
	return out
}

// Names returns the sorted model names, mainly for log lines.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
