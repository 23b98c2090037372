package policy

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-ecs/pkg/ecs"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func parallelPlan(systems ...ecs.SystemPlan) *ecs.Plan {
	labels := make([]string, 0, len(systems))
	for _, s := range systems {
		labels = append(labels, s.Label)
	}
	return &ecs.Plan{
		Schedule: "update",
		Channels: []ecs.ChannelPlan{
			{Kind: ecs.ChannelExclusiveStart.String(), Systems: []ecs.SystemPlan{}},
			{
				Kind:    ecs.ChannelParallel.String(),
				Order:   labels,
				Levels:  [][]string{labels},
				Systems: systems,
			},
			{Kind: ecs.ChannelExclusiveEnd.String(), Systems: []ecs.SystemPlan{}},
		},
	}
}

func physicsPlan() *ecs.Plan {
	return &ecs.Plan{
		Schedule: "update",
		Rebuild:  1,
		Channels: []ecs.ChannelPlan{
			{
				Kind:    ecs.ChannelExclusiveStart.String(),
				Order:   []string{"time.advance"},
				Levels:  [][]string{{"time.advance"}},
				Systems: []ecs.SystemPlan{{Label: "time.advance", Access: ecs.Access{ResourceWrites: []string{"Time"}}}},
			},
			{
				Kind:   ecs.ChannelParallel.String(),
				Order:  []string{"physics.gravity", "physics.move"},
				Levels: [][]string{{"physics.gravity"}, {"physics.move"}},
				Systems: []ecs.SystemPlan{
					{Label: "physics.gravity", Access: ecs.Access{ComponentWrites: []string{"Velocity"}, ResourceReads: []string{"Gravity", "Time"}}},
					{Label: "physics.move", Level: 1, Access: ecs.Access{ComponentReads: []string{"Velocity"}, ComponentWrites: []string{"Position"}}},
				},
				Edges: []ecs.EdgePlan{{From: "physics.gravity", To: "physics.move", Kind: "conflict"}},
			},
			{
				Kind:    ecs.ChannelExclusiveEnd.String(),
				Order:   []string{"render.snapshot"},
				Levels:  [][]string{{"render.snapshot"}},
				Systems: []ecs.SystemPlan{{Label: "render.snapshot", Access: ecs.Access{ComponentReads: []string{"Position"}}}},
			},
		},
	}
}

func violationsOf(result *Result, policy string) []Violation {
	var out []Violation
	for _, v := range result.Violations {
		if v.Policy == policy {
			out = append(out, v)
		}
	}
	return out
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	var names []string
	for _, p := range eng.ListPolicies() {
		names = append(names, p.Name)
	}

	want := []string{"schedule.exclusive", "schedule.hotspot", "schedule.naming", "schedule.width"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("Expected built-ins %v, got %v", want, names)
	}
}

func TestEvaluatePlan_Clean(t *testing.T) {
	eng := newTestEngine(t)

	result, err := eng.EvaluatePlan(context.Background(), "update", physicsPlan(), Params{MaxParallel: 4})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if !result.Allowed {
		t.Error("Expected plan to be allowed")
	}
	if len(result.Violations) != 0 {
		t.Errorf("Expected no violations, got %+v", result.Violations)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("Expected no evaluation warnings, got %v", result.Warnings)
	}
	if len(result.EvaluatedPolicies) != 4 {
		t.Errorf("Expected 4 evaluated policies, got %v", result.EvaluatedPolicies)
	}
}

func TestEvaluatePlan_Naming(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		label     string
		violation bool
	}{
		{"physics.move", false},
		{"physics_move", false},
		{"spawn.grid-2", false},
		{"Move", true},
		{"physics..move", true},
		{"2fast", true},
		{"physics.", true},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			plan := parallelPlan(ecs.SystemPlan{Label: tt.label, Access: ecs.Access{ComponentReads: []string{"Position"}}})

			result, err := eng.EvaluatePlan(context.Background(), "update", plan, Params{})
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}

			got := violationsOf(result, "schedule.naming")
			if (len(got) > 0) != tt.violation {
				t.Fatalf("Expected violation=%v, got %+v", tt.violation, got)
			}
			if !tt.violation {
				return
			}
			if got[0].System != tt.label || got[0].Severity != SeverityError || got[0].Stage != "update" {
				t.Errorf("Unexpected violation: %+v", got[0])
			}
			if result.Allowed {
				t.Error("Expected naming violation to block")
			}
		})
	}
}

func TestEvaluatePlan_Width(t *testing.T) {
	eng := newTestEngine(t)

	plan := parallelPlan(
		ecs.SystemPlan{Label: "a", Access: ecs.Access{ComponentReads: []string{"Position"}}},
		ecs.SystemPlan{Label: "b", Access: ecs.Access{ComponentReads: []string{"Position"}}},
		ecs.SystemPlan{Label: "c", Access: ecs.Access{ComponentReads: []string{"Position"}}},
	)

	tests := []struct {
		name        string
		maxParallel int
		want        int
	}{
		{"unbounded", 0, 0},
		{"wide enough", 3, 0},
		{"too narrow", 2, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.EvaluatePlan(context.Background(), "update", plan, Params{MaxParallel: tt.maxParallel})
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}

			got := violationsOf(result, "schedule.width")
			if len(got) != tt.want {
				t.Fatalf("Expected %d width violations, got %+v", tt.want, got)
			}
			if tt.want > 0 {
				if got[0].Severity != SeverityWarning {
					t.Errorf("Expected warning severity, got %s", got[0].Severity)
				}
				if !strings.Contains(got[0].Message, "level 0 has 3 systems") {
					t.Errorf("Unexpected message: %s", got[0].Message)
				}
				if !result.Allowed {
					t.Error("Expected warnings not to block")
				}
			}
		})
	}
}

func TestEvaluatePlan_Exclusive(t *testing.T) {
	eng := newTestEngine(t)

	plan := physicsPlan()
	end := plan.Channel(ecs.ChannelExclusiveEnd)
	end.Order = append(end.Order, "debug.dump")
	end.Systems = append(end.Systems, ecs.SystemPlan{
		Label:  "debug.dump",
		Index:  1,
		Access: ecs.Access{RunsAfter: []string{"render.snapshot"}},
	})

	result, err := eng.EvaluatePlan(context.Background(), "render", plan, Params{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	got := violationsOf(result, "schedule.exclusive")
	if len(got) != 1 {
		t.Fatalf("Expected 1 exclusive violation, got %+v", got)
	}
	if got[0].System != "debug.dump" || got[0].Stage != "render" {
		t.Errorf("Unexpected violation: %+v", got[0])
	}
	if !strings.HasPrefix(got[0].Message, "exclusive-end system debug.dump") {
		t.Errorf("Unexpected message: %s", got[0].Message)
	}
}

func TestEvaluatePlan_Hotspot(t *testing.T) {
	eng := newTestEngine(t)

	var systems []ecs.SystemPlan
	for _, label := range []string{"drag", "gravity", "thrust", "wind"} {
		systems = append(systems, ecs.SystemPlan{
			Label:  label,
			Access: ecs.Access{ComponentWrites: []string{"Velocity"}, ResourceReads: []string{"Time"}},
		})
	}
	plan := parallelPlan(systems...)

	result, err := eng.EvaluatePlan(context.Background(), "update", plan, Params{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	got := violationsOf(result, "schedule.hotspot")
	if len(got) != 1 {
		t.Fatalf("Expected 1 hotspot violation, got %+v", got)
	}
	want := "component Velocity has 4 parallel writers (drag, gravity, thrust, wind), more than 3"
	if got[0].Message != want {
		t.Errorf("Expected message %q, got %q", want, got[0].Message)
	}

	result, err = eng.EvaluatePlan(context.Background(), "update", plan, Params{MaxWriters: 4})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got := violationsOf(result, "schedule.hotspot"); len(got) != 0 {
		t.Errorf("Expected no hotspot with max_writers 4, got %+v", got)
	}
}

func TestEvaluatePlan_FromSchedule(t *testing.T) {
	type Heat struct{}

	s := ecs.NewSchedule(ecs.WithName("update"))
	for _, label := range []string{"Burner", "cooler"} {
		sys := ecs.NewFuncSystem(ecs.Writes[Heat], func(context.Context, *ecs.World) error { return nil })
		if err := s.AddSystem(ecs.Label(label), sys); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}

	plan, err := s.Plan(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	eng := newTestEngine(t)
	result, err := eng.EvaluatePlan(context.Background(), "update", plan, Params{MaxWriters: 1})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if got := violationsOf(result, "schedule.naming"); len(got) != 1 || got[0].System != "Burner" {
		t.Errorf("Expected naming violation for Burner, got %+v", got)
	}
	if got := violationsOf(result, "schedule.hotspot"); len(got) != 1 {
		t.Errorf("Expected hotspot violation, got %+v", got)
	}
}

func TestEvaluatePlan_NilPlan(t *testing.T) {
	eng := newTestEngine(t)
	if _, err := eng.EvaluatePlan(context.Background(), "update", nil, Params{}); err == nil {
		t.Error("Expected error for nil plan")
	}
}

func TestResult_Err(t *testing.T) {
	eng := newTestEngine(t)

	plan := parallelPlan(ecs.SystemPlan{Label: "BadLabel", Access: ecs.Access{ComponentReads: []string{"Position"}}})
	result, err := eng.EvaluatePlan(context.Background(), "update", plan, Params{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if err := result.Err(ModeAdvisory); err != nil {
		t.Errorf("Expected advisory mode to pass, got: %v", err)
	}

	err = result.Err(ModeEnforcing)
	if !errors.Is(err, ErrPolicyViolation) {
		t.Fatalf("Expected ErrPolicyViolation, got: %v", err)
	}
	if !strings.Contains(err.Error(), "schedule.naming") {
		t.Errorf("Expected error to name the policy, got: %v", err)
	}

	clean, err := eng.EvaluatePlan(context.Background(), "update", physicsPlan(), Params{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := clean.Err(ModeEnforcing); err != nil {
		t.Errorf("Expected clean plan to pass enforcing mode, got: %v", err)
	}
}

func TestResult_Merge(t *testing.T) {
	a := &Result{Allowed: true, EvaluatedPolicies: []string{"schedule.naming"}}
	b := &Result{
		Allowed:           false,
		Violations:        []Violation{{Policy: "schedule.naming", Severity: SeverityError}},
		EvaluatedPolicies: []string{"schedule.naming", "schedule.width"},
	}

	a.Merge(b)
	a.Merge(nil)

	if a.Allowed || len(a.Violations) != 1 {
		t.Errorf("Unexpected merge result: %+v", a)
	}
	if !reflect.DeepEqual(a.EvaluatedPolicies, []string{"schedule.naming", "schedule.width"}) {
		t.Errorf("Unexpected evaluated policies: %v", a.EvaluatedPolicies)
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	plan := parallelPlan(ecs.SystemPlan{Label: "Loud", Access: ecs.Access{ComponentReads: []string{"Position"}}})

	if err := eng.DisablePolicy("schedule.naming"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	result, err := eng.EvaluatePlan(context.Background(), "update", plan, Params{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(violationsOf(result, "schedule.naming")) != 0 || !result.Allowed {
		t.Error("Expected disabled policy to be skipped")
	}

	if err := eng.EnablePolicy("schedule.naming"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	result, err = eng.EvaluatePlan(context.Background(), "update", plan, Params{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(violationsOf(result, "schedule.naming")) != 1 {
		t.Error("Expected enabled policy to report")
	}

	if err := eng.EnablePolicy("nonexistent"); err == nil {
		t.Error("Expected error for unknown policy")
	}
	if _, err := eng.GetPolicy("nonexistent"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestAddPolicies(t *testing.T) {
	eng := newTestEngine(t)

	custom := Policy{
		Name:     "schedule.size",
		Severity: SeverityWarning,
		Enabled:  true,
		Rego: `package schedule.size

import rego.v1

deny contains violation if {
	some channel in input.plan.channels
	count(channel.systems) > 1
	violation := {"message": sprintf("%s is crowded", [channel.kind]), "severity": "error"}
}
`,
	}
	if err := eng.AddPolicies(context.Background(), []Policy{custom}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	result, err := eng.EvaluatePlan(context.Background(), "update", physicsPlan(), Params{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	got := violationsOf(result, "schedule.size")
	if len(got) != 1 || got[0].Message != "parallel is crowded" {
		t.Fatalf("Unexpected violations: %+v", got)
	}
	if got[0].Severity != SeverityError || result.Allowed {
		t.Error("Expected severity from the deny entry to override the policy default")
	}

	broken := Policy{Name: "broken", Rego: "package broken\n\ndeny contains"}
	if err := eng.AddPolicies(context.Background(), []Policy{broken}); err == nil {
		t.Error("Expected compile error")
	}
	if _, err := eng.GetPolicy("broken"); err == nil {
		t.Error("Expected broken policy not to be stored")
	}
}

func TestReplacePolicies(t *testing.T) {
	eng := newTestEngine(t)

	first := Policy{Name: "first", Enabled: true, Rego: "package first\n"}
	second := Policy{Name: "second", Enabled: true, Rego: "package second\n"}

	if err := eng.ReplacePolicies(context.Background(), []Policy{first}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := eng.ReplacePolicies(context.Background(), []Policy{second}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if _, err := eng.GetPolicy("first"); err == nil {
		t.Error("Expected replaced policy to be gone")
	}
	if _, err := eng.GetPolicy("second"); err != nil {
		t.Errorf("Expected second policy, got: %v", err)
	}
	if len(eng.ListPolicies()) != 5 {
		t.Errorf("Expected built-ins plus one policy, got %d", len(eng.ListPolicies()))
	}

	broken := Policy{Name: "broken", Enabled: true, Rego: "package broken\n\ndeny contains"}
	if err := eng.ReplacePolicies(context.Background(), []Policy{first, broken}); err == nil {
		t.Fatal("Expected compile error")
	}
	if _, err := eng.GetPolicy("second"); err != nil {
		t.Errorf("Expected failed replace to keep the current policies, got: %v", err)
	}
	if _, err := eng.GetPolicy("first"); err == nil {
		t.Error("Expected failed replace not to add any policy")
	}
}

func TestLoadPolicies(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "size.rego"), maxSystemsRego)

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	plan := parallelPlan(
		ecs.SystemPlan{Label: "a"},
		ecs.SystemPlan{Label: "b"},
		ecs.SystemPlan{Label: "c"},
	)
	result, err := eng.EvaluatePlan(context.Background(), "update", plan, Params{})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	got := violationsOf(result, "schedule.size")
	if len(got) != 1 || got[0].Message != "channel parallel has 3 systems" {
		t.Errorf("Unexpected violations: %+v", got)
	}
}
