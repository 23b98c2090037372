package systems

import (
	"errors"
	"fmt"

	"github.com/openfroyo/froyo-ecs/pkg/ecs"
)

// ErrAccessViolation is returned when a scripted system touches a resource it
// did not declare.
var ErrAccessViolation = errors.New("access violation")

// Access is the declared footprint of a system, by component, resource and
// label name.
type Access struct {
	Reads           []string `json:"reads,omitempty" yaml:"reads,omitempty"`
	Writes          []string `json:"writes,omitempty" yaml:"writes,omitempty"`
	ReadsResources  []string `json:"reads_resources,omitempty" yaml:"reads_resources,omitempty"`
	WritesResources []string `json:"writes_resources,omitempty" yaml:"writes_resources,omitempty"`
	Before          []string `json:"before,omitempty" yaml:"before,omitempty"`
	After           []string `json:"after,omitempty" yaml:"after,omitempty"`
}

// Declare interns every name through registry and declares it on d.
func (a Access) Declare(d ecs.AccessDescriptor, registry *ecs.Registry) {
	for _, name := range a.Reads {
		d.ReadsComponentWithID(registry.Component(name))
	}
	for _, name := range a.Writes {
		d.WritesComponentWithID(registry.Component(name))
	}
	for _, name := range a.ReadsResources {
		d.ReadsResourceWithID(registry.Resource(name))
	}
	for _, name := range a.WritesResources {
		d.WritesResourceWithID(registry.Resource(name))
	}
	for _, label := range a.Before {
		d.RunsBeforeLabel(ecs.Label(label))
	}
	for _, label := range a.After {
		d.RunsAfterLabel(ecs.Label(label))
	}
}

// Resources returns the declared resource names, reads first, then writes.
func (a Access) Resources() []string {
	out := make([]string, 0, len(a.ReadsResources)+len(a.WritesResources))
	out = append(out, a.ReadsResources...)
	return append(out, a.WritesResources...)
}

// ResourceGuard checks scripted resource access against a declaration.
type ResourceGuard struct {
	label    ecs.Label
	registry *ecs.Registry
	readable map[string]bool
	writable map[string]bool
}

// NewResourceGuard builds a guard for the resources declared in access.
func NewResourceGuard(label ecs.Label, registry *ecs.Registry, access Access) *ResourceGuard {
	g := &ResourceGuard{
		label:    label,
		registry: registry,
		readable: make(map[string]bool),
		writable: make(map[string]bool),
	}
	for _, name := range access.ReadsResources {
		g.readable[name] = true
	}
	for _, name := range access.WritesResources {
		g.readable[name] = true
		g.writable[name] = true
	}
	return g
}

// View binds the guard to a world for one run.
func (g *ResourceGuard) View(w *ecs.World) *ResourceView {
	return &ResourceView{guard: g, world: w}
}

// ResourceView is the guarded resource API handed to a script for one run.
type ResourceView struct {
	guard *ResourceGuard
	world *ecs.World
}

// Get returns the named resource converted for scripts. The second result is
// false if the resource has not been set.
func (v *ResourceView) Get(name string) (any, bool, error) {
	if !v.guard.readable[name] {
		return nil, false, v.guard.violation("read", name)
	}

	val, ok := v.world.Value(v.guard.registry.Resource(name))
	if !ok {
		return nil, false, nil
	}
	if sv, ok := val.(ScriptValuer); ok {
		return sv.ScriptValue(), true, nil
	}
	return val, true, nil
}

// Set stores value as the named resource.
func (v *ResourceView) Set(name string, value any) error {
	if !v.guard.writable[name] {
		return v.guard.violation("write", name)
	}
	v.world.SetValue(v.guard.registry.Resource(name), value)
	return nil
}

func (g *ResourceGuard) violation(op, name string) error {
	return fmt.Errorf("%w: system %s cannot %s undeclared resource %q", ErrAccessViolation, g.label, op, name)
}
