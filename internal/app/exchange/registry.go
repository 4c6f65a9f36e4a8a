package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Factory constructs an adapter from its configuration map.
type Factory func(ctx context.Context, deps Deps, cfg map[string]any) (Exchange, error)

// Registry maintains adapter factories keyed by exchange type.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty factory registry.
func NewRegistry() *Registry {
	return &Registry{
		mu:        sync.RWMutex{},
		factories: make(map[string]Factory),
	}
}

// Register installs a factory for typ.
func (r *Registry) Register(typ string, factory Factory) {
	if factory == nil {
		panic("exchange factory required")
	}
	r.mu.Lock()
	r.factories[typ] = factory
	r.mu.Unlock()
}

// Types lists registered exchange types in order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for typ := range r.factories {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

// Create instantiates the adapter registered for typ.
func (r *Registry) Create(ctx context.Context, name, typ string, deps Deps, cfg map[string]any) (Exchange, error) {
	r.mu.RLock()
	factory, ok := r.factories[typ]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("exchange type %q not registered", typ)
	}
	instance, err := factory(ctx, deps, cfg)
	if err != nil {
		return nil, fmt.Errorf("instantiate exchange %s(%s): %w", name, typ, err)
	}
	return instance, nil
}
