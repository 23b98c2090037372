package policy

import (
	"time"

	"github.com/openfroyo/froyo-ecs/pkg/ecs"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for findings that fail an enforcing evaluation.
	SeverityError Severity = "error"
)

// Mode controls whether violations fail a schedule.
type Mode string

const (
	// ModeAdvisory reports violations without failing.
	ModeAdvisory Mode = "advisory"

	// ModeEnforcing fails when any error-severity violation is found.
	ModeEnforcing Mode = "enforcing"
)

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego module. Violations are read from the deny set of
	// the module's package.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not set one.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Stage is the stage whose plan was evaluated.
	Stage string `json:"stage,omitempty"`

	// System is the label of the offending system, if any.
	System string `json:"system,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Blocking reports whether the violation fails an enforcing evaluation.
func (v Violation) Blocking() bool {
	return v.Severity == SeverityError
}

// Params tunes the built-in policies.
type Params struct {
	// MaxParallel is the worker limit of the schedule; 0 disables the width check.
	MaxParallel int `json:"max_parallel"`

	// MaxWriters is the number of parallel writers of one component or
	// resource above which schedule.hotspot reports.
	MaxWriters int `json:"max_writers"`
}

// DefaultMaxWriters is used when Params.MaxWriters is zero.
const DefaultMaxWriters = 3

// Input is the document policies see as input.
type Input struct {
	// Stage is the stage label of the plan.
	Stage string `json:"stage"`

	// Plan is the rebuilt schedule.
	Plan *ecs.Plan `json:"plan"`

	// Params tunes the built-in policies.
	Params Params `json:"params"`
}

// Result represents the result of policy evaluation.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists all policy violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists policies that failed to evaluate.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Merge appends the violations and warnings of other to r.
func (r *Result) Merge(other *Result) {
	if other == nil {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
	r.Warnings = append(r.Warnings, other.Warnings...)
	r.Allowed = r.Allowed && other.Allowed
	r.Duration += other.Duration
	for _, name := range other.EvaluatedPolicies {
		if !containsString(r.EvaluatedPolicies, name) {
			r.EvaluatedPolicies = append(r.EvaluatedPolicies, name)
		}
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
