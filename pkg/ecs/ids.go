package ecs

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// ComponentTypeID identifies a component type. IDs are totally ordered and stable
// for the lifetime of the Registry that allocated them.
type ComponentTypeID uint32

// ResourceID identifies a resource.
type ResourceID uint32

// Label names a system for ordering purposes.
type Label string

// String returns the label text.
func (l Label) String() string {
	return string(l)
}

// TypeNamer lets a Go type choose the name it is registered under.
// Components and resources that scripted systems refer to should implement it,
// so that Go and scripted systems resolve to the same ID.
type TypeNamer interface {
	TypeName() string
}

// Registry interns component and resource names into IDs.
// It is append-only and safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	components map[string]ComponentTypeID
	resources  map[string]ResourceID
	compNames  []string
	resNames   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		components: make(map[string]ComponentTypeID),
		resources:  make(map[string]ResourceID),
	}
}

var defaultRegistry = NewRegistry()

// DefaultRegistry returns the process-wide registry used when none is configured.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Component returns the ID for the named component type, allocating one on first use.
func (r *Registry) Component(name string) ComponentTypeID {
	r.mu.RLock()
	id, ok := r.components[name]
	r.mu.RUnlock()
	if ok {
		return id
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.components[name]; ok {
		return id
	}
	id = ComponentTypeID(len(r.compNames))
	r.components[name] = id
	r.compNames = append(r.compNames, name)
	return id
}

// Resource returns the ID for the named resource, allocating one on first use.
func (r *Registry) Resource(name string) ResourceID {
	r.mu.RLock()
	id, ok := r.resources[name]
	r.mu.RUnlock()
	if ok {
		return id
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.resources[name]; ok {
		return id
	}
	id = ResourceID(len(r.resNames))
	r.resources[name] = id
	r.resNames = append(r.resNames, name)
	return id
}

// ComponentName returns the name registered for id.
func (r *Registry) ComponentName(id ComponentTypeID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) < len(r.compNames) {
		return r.compNames[id]
	}
	return fmt.Sprintf("component#%d", id)
}

// ResourceName returns the name registered for id.
func (r *Registry) ResourceName(id ResourceID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) < len(r.resNames) {
		return r.resNames[id]
	}
	return fmt.Sprintf("resource#%d", id)
}

// ComponentNames returns all registered component names in ID order.
func (r *Registry) ComponentNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.compNames...)
}

// ResourceNames returns all registered resource names sorted alphabetically.
func (r *Registry) ResourceNames() []string {
	r.mu.RLock()
	names := append([]string(nil), r.resNames...)
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// ComponentIDOf returns the default-registry ID for component type T.
// Reads and Writes resolve T through the descriptor's registry instead.
func ComponentIDOf[T any]() ComponentTypeID {
	return defaultRegistry.Component(typeName[T]())
}

// ResourceIDOf returns the default-registry ID for resource type T.
func ResourceIDOf[T any]() ResourceID {
	return defaultRegistry.Resource(typeName[T]())
}

func typeName[T any]() string {
	var zero T
	if n, ok := any(zero).(TypeNamer); ok {
		return n.TypeName()
	}
	if n, ok := any(&zero).(TypeNamer); ok {
		return n.TypeName()
	}
	return reflect.TypeFor[T]().String()
}
