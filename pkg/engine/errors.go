package engine

import (
	"errors"
	"fmt"
	"strings"
)

// Phase identifies the engine step an error came from.
type Phase string

const (
	// PhaseBuild covers turning manifest systems into ecs systems and
	// registering them with their stage schedules.
	PhaseBuild Phase = "build"

	// PhasePlan covers rebuilding the stage graphs for a plan.
	PhasePlan Phase = "plan"

	// PhasePolicy covers policy evaluation of a plan.
	PhasePolicy Phase = "policy"

	// PhaseTick covers running the stages.
	PhaseTick Phase = "tick"

	// PhaseReload covers applying a reloaded manifest.
	PhaseReload Phase = "reload"
)

// EngineError is an error annotated with the phase, stage and system it
// occurred in.
// nolint:revive // EngineError reads better than engine.Error at call sites
type EngineError struct {
	// Phase is the engine step that failed.
	Phase Phase `json:"phase"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Stage is the stage name, if applicable.
	Stage string `json:"stage,omitempty"`

	// System is the system label, if applicable.
	System string `json:"system,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var ctx []string
	if e.Stage != "" {
		ctx = append(ctx, "stage="+e.Stage)
	}
	if e.System != "" {
		ctx = append(ctx, "system="+e.System)
	}

	msg := fmt.Sprintf("[%s] %s", e.Phase, e.Message)
	if len(ctx) > 0 {
		msg += " (" + strings.Join(ctx, ", ") + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an EngineError of the same phase.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Phase == t.Phase
}

func newError(phase Phase, message string, err error) *EngineError {
	return &EngineError{Phase: phase, Message: message, Err: err}
}

// WithStage adds stage context to an error.
func (e *EngineError) WithStage(stage string) *EngineError {
	e.Stage = stage
	return e
}

// WithSystem adds system context to an error.
func (e *EngineError) WithSystem(label string) *EngineError {
	e.System = label
	return e
}

// PhaseOf returns the phase of the first EngineError in err's chain.
func PhaseOf(err error) (Phase, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Phase, true
	}
	return "", false
}

// IsBuild returns true if the error happened while building systems.
func IsBuild(err error) bool {
	p, ok := PhaseOf(err)
	return ok && p == PhaseBuild
}

// IsPolicy returns true if the error is an enforced policy failure.
func IsPolicy(err error) bool {
	p, ok := PhaseOf(err)
	return ok && p == PhasePolicy
}

// IsTick returns true if the error happened while running a tick.
func IsTick(err error) bool {
	p, ok := PhaseOf(err)
	return ok && p == PhaseTick
}
