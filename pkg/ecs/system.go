package ecs

import (
	"context"
)

// System is a unit of per-tick logic with a declared data and ordering footprint.
type System interface {
	// Declare reports the system's accesses and ordering constraints.
	// It must be idempotent: it is called again on every rebuild.
	Declare(access AccessDescriptor)

	// Run executes the system against the world.
	Run(ctx context.Context, w *World) error
}

// SystemFunc adapts a function into a System that declares no access.
// Such a system may run alongside any other system.
type SystemFunc func(ctx context.Context, w *World) error

// Declare implements System.
func (f SystemFunc) Declare(AccessDescriptor) {}

// Run implements System.
func (f SystemFunc) Run(ctx context.Context, w *World) error {
	return f(ctx, w)
}

type funcSystem struct {
	declare func(AccessDescriptor)
	run     func(ctx context.Context, w *World) error
}

// NewFuncSystem builds a System from a declaration callback and a body.
func NewFuncSystem(declare func(AccessDescriptor), run func(ctx context.Context, w *World) error) System {
	return &funcSystem{declare: declare, run: run}
}

func (s *funcSystem) Declare(access AccessDescriptor) {
	if s.declare != nil {
		s.declare(access)
	}
}

func (s *funcSystem) Run(ctx context.Context, w *World) error {
	if s.run == nil {
		return nil
	}
	return s.run(ctx, w)
}

// SystemEntry pairs a system with its label and its most recent descriptor.
type SystemEntry struct {
	Label  Label
	System System

	// Access is refreshed on every rebuild, never on a tick.
	Access *SystemAccessDescriptor
}

func newSystemEntry(label Label, system System, registry *Registry) *SystemEntry {
	return &SystemEntry{
		Label:  label,
		System: system,
		Access: NewSystemAccessDescriptor(label, registry),
	}
}

// collect resets the descriptor and asks the system to declare again.
func (e *SystemEntry) collect() error {
	e.Access.Reset()
	e.System.Declare(e.Access)
	return e.Access.Err()
}
