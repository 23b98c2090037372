package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/froyo-ecs/pkg/config"
	"github.com/openfroyo/froyo-ecs/pkg/ecs"
	"github.com/openfroyo/froyo-ecs/pkg/policy"
)

// Format is a plan rendering format.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatDOT  Format = "dot"
)

// ParseFormat parses a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatText, FormatJSON, FormatYAML, FormatDOT:
		return f, nil
	case "":
		return FormatText, nil
	default:
		return "", fmt.Errorf("unknown plan format %q (want text, json, yaml or dot)", s)
	}
}

// Report is the plan of every stage of a manifest.
type Report struct {
	Manifest    string        `json:"manifest" yaml:"manifest"`
	Version     string        `json:"version,omitempty" yaml:"version,omitempty"`
	TickRate    string        `json:"tick_rate" yaml:"tick_rate"`
	MaxParallel int           `json:"max_parallel" yaml:"max_parallel"`
	Stages      []*ecs.Plan   `json:"stages" yaml:"stages"`
	Policy      *PolicyReport `json:"policy,omitempty" yaml:"policy,omitempty"`
}

// PolicyReport summarizes the policy evaluation of a manifest.
type PolicyReport struct {
	Mode       string             `json:"mode" yaml:"mode"`
	Allowed    bool               `json:"allowed" yaml:"allowed"`
	Policies   []string           `json:"policies" yaml:"policies"`
	Violations []policy.Violation `json:"violations,omitempty" yaml:"violations,omitempty"`
	Warnings   []string           `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// Plan returns the plan of every installed stage.
func (e *Engine) Plan() *Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	return newReport(e.manifest, e.plans, e.policy)
}

func newReport(m *config.Manifest, plans []*ecs.Plan, result *policy.Result) *Report {
	r := &Report{
		Manifest:    m.Name,
		Version:     m.Version,
		TickRate:    m.TickInterval().String(),
		MaxParallel: m.MaxParallel,
		Stages:      plans,
	}
	if result != nil {
		r.Policy = &PolicyReport{
			Mode:       m.Policy.Mode,
			Allowed:    result.Allowed,
			Policies:   result.EvaluatedPolicies,
			Violations: result.Violations,
			Warnings:   result.Warnings,
		}
	}
	return r
}

// Check builds m, rebuilds its stages and evaluates its policies without
// ticking. When an enforced policy rejects the manifest the report is
// returned along with the error.
func Check(ctx context.Context, m *config.Manifest, opts Options) (*Report, error) {
	if m == nil {
		return nil, newError(PhaseBuild, "manifest is nil", nil)
	}
	e := newEngine(opts)

	built, err := e.build(ctx, m)
	if err != nil {
		return nil, err
	}
	defer e.closeSystems(built.systems)

	plans, err := planStages(ctx, built.stages)
	if err != nil {
		return nil, err
	}

	result, err := e.checkPolicy(ctx, m, plans)
	if result == nil && err != nil {
		return nil, err
	}
	return newReport(m, plans, result), err
}

// Render writes r in the given format.
func Render(w io.Writer, r *Report, format Format) error {
	switch format {
	case FormatText, "":
		return renderText(w, r)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	case FormatDOT:
		for _, plan := range r.Stages {
			if _, err := io.WriteString(w, plan.ToDOT()); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown plan format %q", format)
	}
}

func renderText(w io.Writer, r *Report) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "manifest %s", r.Manifest)
	if r.Version != "" {
		fmt.Fprintf(&sb, " %s", r.Version)
	}
	parallel := "GOMAXPROCS"
	if r.MaxParallel > 0 {
		parallel = fmt.Sprint(r.MaxParallel)
	}
	fmt.Fprintf(&sb, " (tick %s, max_parallel %s)\n", r.TickRate, parallel)

	for _, plan := range r.Stages {
		sb.WriteString("\n")
		sb.WriteString(plan.String())
	}

	if p := r.Policy; p != nil {
		verdict := "allowed"
		if !p.Allowed {
			verdict = "rejected"
		}
		fmt.Fprintf(&sb, "\npolicy (%s): %s, %d policies, %d violations\n",
			p.Mode, verdict, len(p.Policies), len(p.Violations))
		for _, v := range p.Violations {
			target := v.Stage
			if v.System != "" {
				target += "/" + v.System
			}
			fmt.Fprintf(&sb, "  [%s] %s %s: %s\n", v.Severity, v.Policy, target, v.Message)
		}
		for _, warning := range p.Warnings {
			fmt.Fprintf(&sb, "  [warning] %s\n", warning)
		}
	}

	_, err := io.WriteString(w, sb.String())
	return err
}
