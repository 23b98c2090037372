package ecs

import (
	"context"
	"fmt"
)

// Stage is one step of an engine tick. Run is invoked exactly once per tick
// with exclusive access to the world for the duration of the call.
type Stage interface {
	Run(ctx context.Context, w *World) error
}

// StageFunc adapts a function into a Stage.
type StageFunc func(ctx context.Context, w *World) error

// Run implements Stage.
func (f StageFunc) Run(ctx context.Context, w *World) error {
	return f(ctx, w)
}

// StageLabel identifies an engine stage.
type StageLabel int

const (
	// StageInput gathers external input.
	StageInput StageLabel = iota

	// StagePreUpdate prepares state for the update.
	StagePreUpdate

	// StageUpdate runs the main simulation.
	StageUpdate

	// StagePostUpdate reacts to the update.
	StagePostUpdate

	// StageRender produces output from the final state.
	StageRender
)

// AllStageLabels lists the engine stages in execution order.
var AllStageLabels = []StageLabel{StageInput, StagePreUpdate, StageUpdate, StagePostUpdate, StageRender}

// String returns the string representation of the stage label.
func (l StageLabel) String() string {
	switch l {
	case StageInput:
		return "input"
	case StagePreUpdate:
		return "pre-update"
	case StageUpdate:
		return "update"
	case StagePostUpdate:
		return "post-update"
	case StageRender:
		return "render"
	default:
		return "unknown"
	}
}

// ParseStageLabel parses a stage name.
func ParseStageLabel(s string) (StageLabel, error) {
	for _, l := range AllStageLabels {
		if l.String() == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", s)
}

type stageSlot struct {
	label StageLabel
	stage Stage
}

// Stages is an ordered list of labelled stages run once per tick.
type Stages struct {
	slots []stageSlot
}

// NewStages creates an empty stage list.
func NewStages() *Stages {
	return &Stages{}
}

// NewDefaultStages creates the five engine stages, each backed by an empty
// schedule named after its stage. The options are applied to every schedule.
func NewDefaultStages(opts ...Option) *Stages {
	st := NewStages()
	for _, label := range AllStageLabels {
		scheduleOpts := append([]Option{WithName(label.String())}, opts...)
		st.slots = append(st.slots, stageSlot{label: label, stage: NewSchedule(scheduleOpts...)})
	}
	return st
}

// Set installs stage under label, replacing an existing stage with the same
// label or inserting it in stage order.
func (st *Stages) Set(label StageLabel, stage Stage) {
	for i := range st.slots {
		if st.slots[i].label == label {
			st.slots[i].stage = stage
			return
		}
	}
	pos := len(st.slots)
	for i := range st.slots {
		if st.slots[i].label > label {
			pos = i
			break
		}
	}
	st.slots = append(st.slots, stageSlot{})
	copy(st.slots[pos+1:], st.slots[pos:])
	st.slots[pos] = stageSlot{label: label, stage: stage}
}

// Get returns the stage installed under label.
func (st *Stages) Get(label StageLabel) (Stage, bool) {
	for _, slot := range st.slots {
		if slot.label == label {
			return slot.stage, true
		}
	}
	return nil, false
}

// Schedule returns the schedule installed under label, if the stage is one.
func (st *Stages) Schedule(label StageLabel) (*Schedule, bool) {
	stage, ok := st.Get(label)
	if !ok {
		return nil, false
	}
	s, ok := stage.(*Schedule)
	return s, ok
}

// Labels returns the installed stage labels in execution order.
func (st *Stages) Labels() []StageLabel {
	labels := make([]StageLabel, len(st.slots))
	for i, slot := range st.slots {
		labels[i] = slot.label
	}
	return labels
}

// Run runs every stage once, in order, stopping at the first failure.
func (st *Stages) Run(ctx context.Context, w *World) error {
	for _, slot := range st.slots {
		if err := slot.stage.Run(ctx, w); err != nil {
			return fmt.Errorf("stage %s failed: %w", slot.label, err)
		}
	}
	return nil
}
