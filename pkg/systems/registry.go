package systems

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/openfroyo/froyo-ecs/pkg/ecs"
)

// ErrUnknownSystem is returned when a native reference is not registered.
var ErrUnknownSystem = errors.New("unknown native system")

// Factory builds a native system from manifest parameters.
type Factory func(params map[string]string) (ecs.System, error)

// Registry maps native system names to factories.
type Registry struct {
	// mu protects the registry state.
	mu sync.RWMutex

	// factories maps a reference such as "physics.move" to its factory.
	factories map[string]Factory
}

// NewRegistry creates an empty native system registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// NewBuiltinRegistry creates a registry holding the built-in systems.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	registerBuiltins(r)
	return r
}

// Register adds a factory under name.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("native system name cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("native system %s has no factory", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("native system %s already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(name string, factory Factory) {
	if err := r.Register(name, factory); err != nil {
		panic(err)
	}
}

// New builds the named system.
func (r *Registry) New(name string, params map[string]string) (ecs.System, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSystem, name)
	}

	sys, err := factory(params)
	if err != nil {
		return nil, fmt.Errorf("failed to build native system %s: %w", name, err)
	}
	return sys, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
