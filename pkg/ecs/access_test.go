package ecs

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func TestSystemAccessDescriptor_ReadAndWriteSameComponent(t *testing.T) {
	reg := NewRegistry()
	pos := reg.Component("Position")

	d := NewSystemAccessDescriptor("physics.move", reg)
	d.WritesComponentWithID(pos)
	d.ReadsComponentWithID(pos)

	err := d.Err()
	if err == nil {
		t.Fatal("Expected declaration conflict, got nil")
	}
	if !errors.Is(err, ErrDeclarationConflict) {
		t.Errorf("Expected ErrDeclarationConflict, got: %v", err)
	}
	if !strings.Contains(err.Error(), "physics.move") {
		t.Errorf("Expected error to name the system, got: %v", err)
	}
	if !strings.Contains(err.Error(), "Position") {
		t.Errorf("Expected error to name the component, got: %v", err)
	}

	var se *SchedulerError
	if !errors.As(err, &se) {
		t.Fatalf("Expected *SchedulerError, got %T", err)
	}
	if se.Details["component_id"] != uint32(pos) {
		t.Errorf("Expected component_id detail %d, got %v", pos, se.Details["component_id"])
	}
}

func TestSystemAccessDescriptor_DuplicateDeclarations(t *testing.T) {
	reg := NewRegistry()
	tests := []struct {
		name    string
		declare func(d *SystemAccessDescriptor)
	}{
		{
			name: "duplicate component read",
			declare: func(d *SystemAccessDescriptor) {
				d.ReadsComponentWithID(reg.Component("A"))
				d.ReadsComponentWithID(reg.Component("A"))
			},
		},
		{
			name: "duplicate component write",
			declare: func(d *SystemAccessDescriptor) {
				d.WritesComponentWithID(reg.Component("A"))
				d.WritesComponentWithID(reg.Component("A"))
			},
		},
		{
			name: "duplicate resource read",
			declare: func(d *SystemAccessDescriptor) {
				d.ReadsResourceWithID(reg.Resource("Time"))
				d.ReadsResourceWithID(reg.Resource("Time"))
			},
		},
		{
			name: "resource read then write",
			declare: func(d *SystemAccessDescriptor) {
				d.ReadsResourceWithID(reg.Resource("Time"))
				d.WritesResourceWithID(reg.Resource("Time"))
			},
		},
		{
			name: "resource write then read",
			declare: func(d *SystemAccessDescriptor) {
				d.WritesResourceWithID(reg.Resource("Time"))
				d.ReadsResourceWithID(reg.Resource("Time"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewSystemAccessDescriptor("sys", reg)
			tt.declare(d)
			if !errors.Is(d.Err(), ErrDeclarationConflict) {
				t.Errorf("Expected ErrDeclarationConflict, got: %v", d.Err())
			}
		})
	}
}

func TestSystemAccessDescriptor_SameIDDifferentKinds(t *testing.T) {
	d := NewSystemAccessDescriptor("sys", NewRegistry())
	d.WritesComponentWithID(0)
	d.ReadsResourceWithID(0)

	if d.Err() != nil {
		t.Fatalf("Expected no error for a component and a resource sharing a number, got: %v", d.Err())
	}
}

func TestSystemAccessDescriptor_FirstErrorWins(t *testing.T) {
	reg := NewRegistry()
	d := NewSystemAccessDescriptor("sys", reg)
	d.ReadsComponentWithID(reg.Component("A"))
	d.ReadsComponentWithID(reg.Component("A"))
	d.WritesComponentWithID(reg.Component("B"))

	if !strings.Contains(d.Err().Error(), "A") {
		t.Errorf("Expected first error to be kept, got: %v", d.Err())
	}
	if len(d.ComponentWrites()) != 0 {
		t.Errorf("Expected declarations after the error to be ignored, got %v", d.ComponentWrites())
	}
}

func TestSystemAccessDescriptor_Reset(t *testing.T) {
	reg := NewRegistry()
	d := NewSystemAccessDescriptor("sys", reg)
	d.ReadsComponentWithID(reg.Component("A"))
	d.WritesComponentWithID(reg.Component("A"))
	d.RunsBeforeLabel("other")

	d.Reset()

	if d.Err() != nil {
		t.Errorf("Expected error to be cleared, got: %v", d.Err())
	}
	if !d.IsEmpty() {
		t.Error("Expected empty descriptor after reset")
	}
	if len(d.RunsBefore()) != 0 {
		t.Errorf("Expected no ordering labels after reset, got %v", d.RunsBefore())
	}

	d.WritesComponentWithID(reg.Component("A"))
	if d.Err() != nil {
		t.Errorf("Expected descriptor to be reusable, got: %v", d.Err())
	}
}

func TestSystemAccessDescriptor_OrderingLabelsAreUnchecked(t *testing.T) {
	d := NewSystemAccessDescriptor("sys", NewRegistry())
	d.RunsBeforeLabel("missing")
	d.RunsBeforeLabel("missing")
	d.RunsAfterLabel("sys")

	if d.Err() != nil {
		t.Fatalf("Expected ordering declarations to never fail, got: %v", d.Err())
	}
	if got := d.RunsBefore(); len(got) != 1 || got[0] != "missing" {
		t.Errorf("Expected [missing], got %v", got)
	}
}

func TestSystemAccessDescriptor_ConflictsWith(t *testing.T) {
	reg := NewRegistry()
	x := reg.Component("X")
	y := reg.Component("Y")
	r := reg.Resource("R")

	tests := []struct {
		name     string
		a, b     func(d *SystemAccessDescriptor)
		expected bool
	}{
		{
			name:     "read read",
			a:        func(d *SystemAccessDescriptor) { d.ReadsComponentWithID(x) },
			b:        func(d *SystemAccessDescriptor) { d.ReadsComponentWithID(x) },
			expected: false,
		},
		{
			name:     "write read",
			a:        func(d *SystemAccessDescriptor) { d.WritesComponentWithID(x) },
			b:        func(d *SystemAccessDescriptor) { d.ReadsComponentWithID(x) },
			expected: true,
		},
		{
			name:     "read write",
			a:        func(d *SystemAccessDescriptor) { d.ReadsComponentWithID(x) },
			b:        func(d *SystemAccessDescriptor) { d.WritesComponentWithID(x) },
			expected: true,
		},
		{
			name:     "write write",
			a:        func(d *SystemAccessDescriptor) { d.WritesComponentWithID(x) },
			b:        func(d *SystemAccessDescriptor) { d.WritesComponentWithID(x) },
			expected: true,
		},
		{
			name:     "disjoint writes",
			a:        func(d *SystemAccessDescriptor) { d.WritesComponentWithID(x) },
			b:        func(d *SystemAccessDescriptor) { d.WritesComponentWithID(y) },
			expected: false,
		},
		{
			name:     "resource write read",
			a:        func(d *SystemAccessDescriptor) { d.WritesResourceWithID(r) },
			b:        func(d *SystemAccessDescriptor) { d.ReadsResourceWithID(r) },
			expected: true,
		},
		{
			name:     "empty",
			a:        func(d *SystemAccessDescriptor) {},
			b:        func(d *SystemAccessDescriptor) { d.WritesResourceWithID(r) },
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewSystemAccessDescriptor("a", reg)
			b := NewSystemAccessDescriptor("b", reg)
			tt.a(a)
			tt.b(b)

			if got := a.ConflictsWith(b); got != tt.expected {
				t.Errorf("a.ConflictsWith(b) = %v, expected %v", got, tt.expected)
			}
			if got := b.ConflictsWith(a); got != tt.expected {
				t.Errorf("b.ConflictsWith(a) = %v, expected %v", got, tt.expected)
			}
		})
	}
}

func TestSystemAccessDescriptor_Snapshot(t *testing.T) {
	reg := NewRegistry()
	d := NewSystemAccessDescriptor("sys", reg)
	d.ReadsComponentWithID(reg.Component("Velocity"))
	d.WritesComponentWithID(reg.Component("Position"))
	d.ReadsResourceWithID(reg.Resource("Time"))
	d.RunsAfterLabel("gravity")

	snap := d.Snapshot()
	if len(snap.ComponentReads) != 1 || snap.ComponentReads[0] != "Velocity" {
		t.Errorf("Expected reads [Velocity], got %v", snap.ComponentReads)
	}
	if len(snap.ComponentWrites) != 1 || snap.ComponentWrites[0] != "Position" {
		t.Errorf("Expected writes [Position], got %v", snap.ComponentWrites)
	}
	if len(snap.ResourceReads) != 1 || snap.ResourceReads[0] != "Time" {
		t.Errorf("Expected resource reads [Time], got %v", snap.ResourceReads)
	}
	if len(snap.RunsAfter) != 1 || snap.RunsAfter[0] != "gravity" {
		t.Errorf("Expected runs after [gravity], got %v", snap.RunsAfter)
	}
}

type namedComponent struct{}

func (namedComponent) TypeName() string { return "Named" }

func TestRegistry_Interning(t *testing.T) {
	reg := NewRegistry()
	a := reg.Component("A")
	b := reg.Component("B")

	if a == b {
		t.Fatal("Expected distinct IDs for distinct names")
	}
	if again := reg.Component("A"); again != a {
		t.Errorf("Expected stable ID %d, got %d", a, again)
	}
	if reg.ComponentName(b) != "B" {
		t.Errorf("Expected name B, got %s", reg.ComponentName(b))
	}
	if reg.Resource("A") != 0 {
		t.Errorf("Expected resources to be numbered independently")
	}
}

func TestGenericHelpers_UseDescriptorRegistry(t *testing.T) {
	reg := NewRegistry()
	for i := 0; i < 3; i++ {
		reg.Component(fmt.Sprintf("pad%d", i))
		reg.Resource(fmt.Sprintf("pad%d", i))
	}

	d := NewSystemAccessDescriptor("named", reg)
	Writes[namedComponent](d)
	ReadsResource[namedComponent](d)
	if err := d.Err(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if got, want := d.ComponentWrites(), []ComponentTypeID{reg.Component("Named")}; !reflect.DeepEqual(got, want) {
		t.Errorf("Expected component writes %v, got %v", want, got)
	}
	if got, want := d.ResourceReads(), []ResourceID{reg.Resource("Named")}; !reflect.DeepEqual(got, want) {
		t.Errorf("Expected resource reads %v, got %v", want, got)
	}
	if got := reg.ComponentName(d.ComponentWrites()[0]); got != "Named" {
		t.Errorf("Expected declared component to be named Named, got %s", got)
	}
}

func TestComponentIDOf_UsesTypeName(t *testing.T) {
	if ComponentIDOf[namedComponent]() != DefaultRegistry().Component("Named") {
		t.Error("Expected TypeName to select the registered name")
	}
}
