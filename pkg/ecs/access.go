package ecs

import (
	"fmt"
	"maps"
)

// AccessDescriptor is the interface a system uses to declare its data and
// ordering footprint. It is only handed to System.Declare during a rebuild.
type AccessDescriptor interface {
	// ReadsComponentWithID declares shared access to a component type.
	ReadsComponentWithID(id ComponentTypeID)

	// WritesComponentWithID declares exclusive access to a component type.
	WritesComponentWithID(id ComponentTypeID)

	// ReadsResourceWithID declares shared access to a resource.
	ReadsResourceWithID(id ResourceID)

	// WritesResourceWithID declares exclusive access to a resource.
	WritesResourceWithID(id ResourceID)

	// RunsBeforeLabel requires this system to finish before the labelled one starts.
	// Labels that are not registered in the same channel are ignored.
	RunsBeforeLabel(label Label)

	// RunsAfterLabel requires the labelled system to finish before this one starts.
	RunsAfterLabel(label Label)

	// Registry returns the registry the declared IDs belong to.
	Registry() *Registry
}

// Reads declares shared access to component type T.
func Reads[T any](d AccessDescriptor) {
	d.ReadsComponentWithID(registryOf(d).Component(typeName[T]()))
}

// Writes declares exclusive access to component type T.
func Writes[T any](d AccessDescriptor) {
	d.WritesComponentWithID(registryOf(d).Component(typeName[T]()))
}

// ReadsResource declares shared access to resource type T.
func ReadsResource[T any](d AccessDescriptor) {
	d.ReadsResourceWithID(registryOf(d).Resource(typeName[T]()))
}

// WritesResource declares exclusive access to resource type T.
func WritesResource[T any](d AccessDescriptor) {
	d.WritesResourceWithID(registryOf(d).Resource(typeName[T]()))
}

func registryOf(d AccessDescriptor) *Registry {
	if r := d.Registry(); r != nil {
		return r
	}
	return defaultRegistry
}

// idSet is an insertion-ordered set whose buffers survive reset.
type idSet[T comparable] struct {
	index map[T]struct{}
	order []T
}

func newIDSet[T comparable]() idSet[T] {
	return idSet[T]{index: make(map[T]struct{})}
}

func (s *idSet[T]) add(id T) bool {
	if _, ok := s.index[id]; ok {
		return false
	}
	s.index[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}

func (s *idSet[T]) has(id T) bool {
	_, ok := s.index[id]
	return ok
}

func (s *idSet[T]) reset() {
	clear(s.index)
	s.order = s.order[:0]
}

func (s *idSet[T]) clone() idSet[T] {
	return idSet[T]{index: maps.Clone(s.index), order: append([]T(nil), s.order...)}
}

func (s *idSet[T]) len() int {
	return len(s.order)
}

// intersects reports whether s and other share an element.
func (s *idSet[T]) intersects(other *idSet[T]) bool {
	small, large := s, other
	if small.len() > large.len() {
		small, large = large, small
	}
	for _, id := range small.order {
		if large.has(id) {
			return true
		}
	}
	return false
}

// SystemAccessDescriptor collects the declarations of one system.
// It records the first invalid declaration as an error and ignores any
// declarations that follow it.
type SystemAccessDescriptor struct {
	label    Label
	registry *Registry

	componentReads  idSet[ComponentTypeID]
	componentWrites idSet[ComponentTypeID]
	resourceReads   idSet[ResourceID]
	resourceWrites  idSet[ResourceID]
	runsBefore      idSet[Label]
	runsAfter       idSet[Label]

	err error
}

var _ AccessDescriptor = (*SystemAccessDescriptor)(nil)

// NewSystemAccessDescriptor creates an empty descriptor for the labelled system.
// The generic helpers intern type names through registry, which also names IDs
// in error messages. A nil registry means the default one.
func NewSystemAccessDescriptor(label Label, registry *Registry) *SystemAccessDescriptor {
	if registry == nil {
		registry = defaultRegistry
	}
	return &SystemAccessDescriptor{
		label:           label,
		registry:        registry,
		componentReads:  newIDSet[ComponentTypeID](),
		componentWrites: newIDSet[ComponentTypeID](),
		resourceReads:   newIDSet[ResourceID](),
		resourceWrites:  newIDSet[ResourceID](),
		runsBefore:      newIDSet[Label](),
		runsAfter:       newIDSet[Label](),
	}
}

func (d *SystemAccessDescriptor) clone() *SystemAccessDescriptor {
	return &SystemAccessDescriptor{
		label:           d.label,
		registry:        d.registry,
		componentReads:  d.componentReads.clone(),
		componentWrites: d.componentWrites.clone(),
		resourceReads:   d.resourceReads.clone(),
		resourceWrites:  d.resourceWrites.clone(),
		runsBefore:      d.runsBefore.clone(),
		runsAfter:       d.runsAfter.clone(),
		err:             d.err,
	}
}

// Reset empties every set and clears the recorded error, keeping allocated buffers.
func (d *SystemAccessDescriptor) Reset() {
	d.componentReads.reset()
	d.componentWrites.reset()
	d.resourceReads.reset()
	d.resourceWrites.reset()
	d.runsBefore.reset()
	d.runsAfter.reset()
	d.err = nil
}

// Err returns the first declaration error, or nil.
func (d *SystemAccessDescriptor) Err() error {
	return d.err
}

// Registry returns the registry this descriptor interns names through.
func (d *SystemAccessDescriptor) Registry() *Registry {
	return d.registry
}

// Label returns the label of the system the descriptor belongs to.
func (d *SystemAccessDescriptor) Label() Label {
	return d.label
}

// ReadsComponentWithID implements AccessDescriptor.
func (d *SystemAccessDescriptor) ReadsComponentWithID(id ComponentTypeID) {
	if d.err != nil {
		return
	}
	if d.componentWrites.has(id) {
		d.fail("component", d.registry.ComponentName(id), uint32(id), "declared as both read and write")
		return
	}
	if !d.componentReads.add(id) {
		d.fail("component", d.registry.ComponentName(id), uint32(id), "read declared twice")
	}
}

// WritesComponentWithID implements AccessDescriptor.
func (d *SystemAccessDescriptor) WritesComponentWithID(id ComponentTypeID) {
	if d.err != nil {
		return
	}
	if d.componentReads.has(id) {
		d.fail("component", d.registry.ComponentName(id), uint32(id), "declared as both read and write")
		return
	}
	if !d.componentWrites.add(id) {
		d.fail("component", d.registry.ComponentName(id), uint32(id), "write declared twice")
	}
}

// ReadsResourceWithID implements AccessDescriptor.
func (d *SystemAccessDescriptor) ReadsResourceWithID(id ResourceID) {
	if d.err != nil {
		return
	}
	if d.resourceWrites.has(id) {
		d.fail("resource", d.registry.ResourceName(id), uint32(id), "declared as both read and write")
		return
	}
	if !d.resourceReads.add(id) {
		d.fail("resource", d.registry.ResourceName(id), uint32(id), "read declared twice")
	}
}

// WritesResourceWithID implements AccessDescriptor.
func (d *SystemAccessDescriptor) WritesResourceWithID(id ResourceID) {
	if d.err != nil {
		return
	}
	if d.resourceReads.has(id) {
		d.fail("resource", d.registry.ResourceName(id), uint32(id), "declared as both read and write")
		return
	}
	if !d.resourceWrites.add(id) {
		d.fail("resource", d.registry.ResourceName(id), uint32(id), "write declared twice")
	}
}

// RunsBeforeLabel implements AccessDescriptor.
func (d *SystemAccessDescriptor) RunsBeforeLabel(label Label) {
	if d.err != nil {
		return
	}
	d.runsBefore.add(label)
}

// RunsAfterLabel implements AccessDescriptor.
func (d *SystemAccessDescriptor) RunsAfterLabel(label Label) {
	if d.err != nil {
		return
	}
	d.runsAfter.add(label)
}

func (d *SystemAccessDescriptor) fail(kind, name string, id uint32, reason string) {
	d.err = NewConfigurationError(fmt.Sprintf("%s %s %s", kind, name, reason), nil).
		WithCode(ErrCodeDeclarationConflict).
		WithLabel(d.label).
		WithDetail(kind+"_id", id).
		WithDetail(kind, name)
}

// ConflictsWith reports whether d and other may not run concurrently: one of them
// writes a component or resource that the other reads or writes.
func (d *SystemAccessDescriptor) ConflictsWith(other *SystemAccessDescriptor) bool {
	if d.componentWrites.intersects(&other.componentWrites) ||
		d.componentWrites.intersects(&other.componentReads) ||
		d.componentReads.intersects(&other.componentWrites) {
		return true
	}
	return d.resourceWrites.intersects(&other.resourceWrites) ||
		d.resourceWrites.intersects(&other.resourceReads) ||
		d.resourceReads.intersects(&other.resourceWrites)
}

// IsEmpty reports whether the descriptor declares no data access at all.
func (d *SystemAccessDescriptor) IsEmpty() bool {
	return d.componentReads.len() == 0 && d.componentWrites.len() == 0 &&
		d.resourceReads.len() == 0 && d.resourceWrites.len() == 0
}

// ComponentReads returns the declared component reads in declaration order.
func (d *SystemAccessDescriptor) ComponentReads() []ComponentTypeID {
	return append([]ComponentTypeID(nil), d.componentReads.order...)
}

// ComponentWrites returns the declared component writes in declaration order.
func (d *SystemAccessDescriptor) ComponentWrites() []ComponentTypeID {
	return append([]ComponentTypeID(nil), d.componentWrites.order...)
}

// ResourceReads returns the declared resource reads in declaration order.
func (d *SystemAccessDescriptor) ResourceReads() []ResourceID {
	return append([]ResourceID(nil), d.resourceReads.order...)
}

// ResourceWrites returns the declared resource writes in declaration order.
func (d *SystemAccessDescriptor) ResourceWrites() []ResourceID {
	return append([]ResourceID(nil), d.resourceWrites.order...)
}

// RunsBefore returns the declared runs-before labels.
func (d *SystemAccessDescriptor) RunsBefore() []Label {
	return append([]Label(nil), d.runsBefore.order...)
}

// RunsAfter returns the declared runs-after labels.
func (d *SystemAccessDescriptor) RunsAfter() []Label {
	return append([]Label(nil), d.runsAfter.order...)
}

// Access is a snapshot of a descriptor with IDs resolved to names.
type Access struct {
	ComponentReads  []string `json:"component_reads,omitempty" yaml:"component_reads,omitempty"`
	ComponentWrites []string `json:"component_writes,omitempty" yaml:"component_writes,omitempty"`
	ResourceReads   []string `json:"resource_reads,omitempty" yaml:"resource_reads,omitempty"`
	ResourceWrites  []string `json:"resource_writes,omitempty" yaml:"resource_writes,omitempty"`
	RunsBefore      []string `json:"runs_before,omitempty" yaml:"runs_before,omitempty"`
	RunsAfter       []string `json:"runs_after,omitempty" yaml:"runs_after,omitempty"`
}

// Snapshot resolves the descriptor's IDs to names.
func (d *SystemAccessDescriptor) Snapshot() Access {
	var a Access
	for _, id := range d.componentReads.order {
		a.ComponentReads = append(a.ComponentReads, d.registry.ComponentName(id))
	}
	for _, id := range d.componentWrites.order {
		a.ComponentWrites = append(a.ComponentWrites, d.registry.ComponentName(id))
	}
	for _, id := range d.resourceReads.order {
		a.ResourceReads = append(a.ResourceReads, d.registry.ResourceName(id))
	}
	for _, id := range d.resourceWrites.order {
		a.ResourceWrites = append(a.ResourceWrites, d.registry.ResourceName(id))
	}
	for _, l := range d.runsBefore.order {
		a.RunsBefore = append(a.RunsBefore, string(l))
	}
	for _, l := range d.runsAfter.order {
		a.RunsAfter = append(a.RunsAfter, string(l))
	}
	return a
}
