package config

import (
	"fmt"
	"strings"
	"time"
)

// DefaultTickRate is used when a manifest does not set tick_rate.
const DefaultTickRate = 16 * time.Millisecond

// System kinds.
const (
	KindNative   = "native"
	KindStarlark = "starlark"
	KindLua      = "lua"
	KindWASM     = "wasm"
)

// Policy modes.
const (
	PolicyModeAdvisory  = "advisory"
	PolicyModeEnforcing = "enforcing"
)

// Manifest describes a complete set of stages and the systems registered in them.
type Manifest struct {
	// Name identifies the manifest in logs, plans and the journal.
	Name string `json:"name" yaml:"name" toml:"name" validate:"required,ident"`

	// Version is a free-form version string.
	Version string `json:"version,omitempty" yaml:"version,omitempty" toml:"version,omitempty"`

	// TickRate is the interval of the fixed-rate tick loop (e.g. "16ms").
	TickRate string `json:"tick_rate,omitempty" yaml:"tick_rate,omitempty" toml:"tick_rate,omitempty" validate:"omitempty,duration"`

	// MaxParallel bounds the workers used for one parallel level. Zero means GOMAXPROCS.
	MaxParallel int `json:"max_parallel,omitempty" yaml:"max_parallel,omitempty" toml:"max_parallel,omitempty" validate:"gte=0"`

	// StrictOrdering rejects explicit orderings that contradict registration order
	// between conflicting systems instead of letting the explicit ordering win.
	StrictOrdering bool `json:"strict_ordering,omitempty" yaml:"strict_ordering,omitempty" toml:"strict_ordering,omitempty"`

	Stages []StageConfig `json:"stages" yaml:"stages" toml:"stages" validate:"required,min=1,max=5,dive"`

	Policy PolicyConfig `json:"policy" yaml:"policy,omitempty" toml:"policy,omitempty"`

	// Path is the file the manifest was loaded from. Script sources resolve
	// relative to its directory.
	Path string `json:"-" yaml:"-" toml:"-"`
}

// StageConfig is one stage and its systems in registration order.
type StageConfig struct {
	Name    string         `json:"name" yaml:"name" toml:"name" validate:"required,oneof=input pre-update update post-update render"`
	Systems []SystemConfig `json:"systems,omitempty" yaml:"systems,omitempty" toml:"systems,omitempty" validate:"dive"`
}

// SystemConfig declares one system, its access, and where its code comes from.
type SystemConfig struct {
	Label   string `json:"label" yaml:"label" toml:"label" validate:"required"`
	Channel string `json:"channel,omitempty" yaml:"channel,omitempty" toml:"channel,omitempty" validate:"omitempty,oneof=start parallel end exclusive-start exclusive-end"`
	Kind    string `json:"kind" yaml:"kind" toml:"kind" validate:"required,oneof=native starlark lua wasm"`

	// Ref names a native system in the registry (kind=native).
	Ref string `json:"ref,omitempty" yaml:"ref,omitempty" toml:"ref,omitempty"`

	// Source is a script or module path relative to the manifest.
	Source string `json:"source,omitempty" yaml:"source,omitempty" toml:"source,omitempty"`

	// Script is inline script text, an alternative to Source.
	Script string `json:"script,omitempty" yaml:"script,omitempty" toml:"script,omitempty"`

	Reads           []string `json:"reads,omitempty" yaml:"reads,omitempty" toml:"reads,omitempty" validate:"dive,required"`
	Writes          []string `json:"writes,omitempty" yaml:"writes,omitempty" toml:"writes,omitempty" validate:"dive,required"`
	ReadsResources  []string `json:"reads_resources,omitempty" yaml:"reads_resources,omitempty" toml:"reads_resources,omitempty" validate:"dive,required"`
	WritesResources []string `json:"writes_resources,omitempty" yaml:"writes_resources,omitempty" toml:"writes_resources,omitempty" validate:"dive,required"`
	Before          []string `json:"before,omitempty" yaml:"before,omitempty" toml:"before,omitempty" validate:"dive,required"`
	After           []string `json:"after,omitempty" yaml:"after,omitempty" toml:"after,omitempty" validate:"dive,required"`

	// Params are passed to the native factory.
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty" toml:"params,omitempty"`
}

// PolicyConfig enables schedule policies.
type PolicyConfig struct {
	Enabled bool `json:"enabled,omitempty" yaml:"enabled,omitempty" toml:"enabled,omitempty"`

	// Paths are directories or files of additional Rego policies.
	Paths []string `json:"paths,omitempty" yaml:"paths,omitempty" toml:"paths,omitempty"`

	// Mode is advisory (report only) or enforcing (error violations fail).
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty" toml:"mode,omitempty" validate:"omitempty,oneof=advisory enforcing"`
}

// TickInterval returns the parsed tick rate, or DefaultTickRate when unset.
func (m *Manifest) TickInterval() time.Duration {
	if m.TickRate == "" {
		return DefaultTickRate
	}
	d, err := time.ParseDuration(m.TickRate)
	if err != nil || d <= 0 {
		return DefaultTickRate
	}
	return d
}

// Stage returns the stage with the given name.
func (m *Manifest) Stage(name string) (*StageConfig, bool) {
	for i := range m.Stages {
		if m.Stages[i].Name == name {
			return &m.Stages[i], true
		}
	}
	return nil, false
}

// SystemCount returns the number of systems across all stages.
func (m *Manifest) SystemCount() int {
	n := 0
	for _, st := range m.Stages {
		n += len(st.Systems)
	}
	return n
}

// applyDefaults fills in omitted optional fields.
func (m *Manifest) applyDefaults() {
	if m.TickRate == "" {
		m.TickRate = DefaultTickRate.String()
	}
	if m.Policy.Mode == "" {
		m.Policy.Mode = PolicyModeAdvisory
	}
	for i := range m.Stages {
		for j := range m.Stages[i].Systems {
			if m.Stages[i].Systems[j].Channel == "" {
				m.Stages[i].Systems[j].Channel = "parallel"
			}
		}
	}
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path to the error (e.g., "stages[1].systems[0].label").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem found in a manifest.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.String()
	}
	return fmt.Sprintf("manifest has %d validation error(s): %s", len(v), strings.Join(msgs, "; "))
}
