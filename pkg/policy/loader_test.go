package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const maxSystemsRego = `# Channels must stay small
# enough to read.
package schedule.size

import rego.v1

deny contains msg if {
	some channel in input.plan.channels
	count(channel.systems) > 2
	msg := sprintf("channel %s has %d systems", [channel.kind, count(channel.systems)])
}
`

func lintModule(pkg string) string {
	return "package " + pkg + "\n\nimport rego.v1\n\ndeny contains msg if { false; msg := \"\" }\n"
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func policyNames(policies []Policy) []string {
	names := make([]string, len(policies))
	for i, p := range policies {
		names[i] = p.Name
	}
	return names
}

func TestLoadFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	policyFile := filepath.Join(t.TempDir(), "crowded.rego")
	writeFile(t, policyFile, `# Parallel channels stay narrow.
# severity: error
# tags: size, throughput
#
# Note: counts systems, not levels.
package schedule.crowded

import rego.v1

deny contains msg if {
	some channel in input.plan.channels
	count(channel.systems) > 8
	msg := "crowded"
}
`)

	policy, err := loader.loadFile(policyFile)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if policy.Name != "schedule.crowded" {
		t.Errorf("Expected name from the package clause, got '%s'", policy.Name)
	}
	if policy.Description != "Parallel channels stay narrow. Note: counts systems, not levels." {
		t.Errorf("Unexpected description '%s'", policy.Description)
	}
	if policy.Severity != SeverityError || !policy.Enabled {
		t.Errorf("Expected enabled error policy, got %+v", policy)
	}
	if !reflect.DeepEqual(policy.Tags, []string{"size", "throughput"}) {
		t.Errorf("Unexpected tags %v", policy.Tags)
	}
	if policy.Source != policyFile {
		t.Errorf("Expected source %s, got %s", policyFile, policy.Source)
	}
}

func TestLoadFile_RegoDefaults(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	policyFile := filepath.Join(t.TempDir(), "max-systems.rego")
	writeFile(t, policyFile, maxSystemsRego)

	policy, err := loader.loadFile(policyFile)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if policy.Name != "schedule.size" {
		t.Errorf("Expected name 'schedule.size', got '%s'", policy.Name)
	}
	if policy.Description != "Channels must stay small enough to read." {
		t.Errorf("Unexpected description '%s'", policy.Description)
	}
	if policy.Severity != SeverityWarning || !policy.Enabled || policy.Tags != nil {
		t.Errorf("Expected enabled untagged warning policy, got %+v", policy)
	}
}

func TestLoadFile_JSON(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantName string
		severity Severity
		enabled  bool
	}{
		{
			name:     "named",
			content:  `{"name": "size-check", "rego": ` + quote(maxSystemsRego) + `, "severity": "error", "enabled": true}`,
			wantName: "size-check",
			severity: SeverityError,
			enabled:  true,
		},
		{
			name:     "defaults",
			content:  `{"rego": ` + quote(maxSystemsRego) + `}`,
			wantName: "schedule.size",
			severity: SeverityWarning,
			enabled:  true,
		},
		{
			name:     "disabled",
			content:  `{"rego": ` + quote(maxSystemsRego) + `, "severity": "INFO", "enabled": false}`,
			wantName: "schedule.size",
			severity: SeverityInfo,
			enabled:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := NewLoader(zerolog.Nop())
			path := filepath.Join(t.TempDir(), "policy.json")
			writeFile(t, path, tt.content)

			loaded, err := loader.loadFile(path)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if loaded.Name != tt.wantName || loaded.Severity != tt.severity || loaded.Enabled != tt.enabled {
				t.Errorf("Unexpected policy: %+v", loaded)
			}
			if loaded.Source != path {
				t.Errorf("Expected source %s, got %s", path, loaded.Source)
			}
		})
	}
}

func quote(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}

func TestLoadFile_Errors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"invalid json", "bad.json", "invalid json", "failed to parse JSON policy"},
		{"unknown json field", "extra.json", `{"rego": "package x", "owner": "me"}`, "unknown field"},
		{"json without rego", "empty.json", `{"name": "empty"}`, "no rego module"},
		{"json without deny", "nodeny.json", `{"rego": "package x"}`, "package x defines no deny rule"},
		{"json unknown severity", "sev.json", `{"rego": ` + quote(lintModule("x")) + `, "severity": "fatal"}`, `unknown severity "fatal"`},
		{"rego syntax error", "broken.rego", "package broken\n\ndeny contains", "failed to parse policy"},
		{"rego without deny", "allow.rego", "package allow\n\nallow := true\n", "package allow defines no deny rule"},
		{"rego unknown severity", "sev.rego", "# severity: loud\n" + lintModule("loud"), `unknown severity "loud"`},
		{"rego bad enabled", "toggle.rego", "# enabled: sometimes\n" + lintModule("toggle"), "invalid enabled value"},
		{"unsupported type", "policy.txt", "package x", "unsupported policy file type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := NewLoader(zerolog.Nop())
			path := filepath.Join(dir, tt.file)
			writeFile(t, path, tt.content)

			_, err := loader.loadFile(path)
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) || !strings.Contains(err.Error(), path) {
				t.Errorf("Expected error naming %s and containing %q, got: %v", path, tt.wantErr, err)
			}
		})
	}
}

func TestApplyHeader_Disabled(t *testing.T) {
	p := Policy{Enabled: true}
	if err := applyHeader(&p, "# Draft lint\n# enabled: false\npackage draft\n# severity: error\n"); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if p.Enabled || p.Description != "Draft lint" {
		t.Errorf("Expected disabled draft lint, got %+v", p)
	}
	if p.Severity != "" {
		t.Errorf("Expected comments after the package clause to be ignored, got severity %s", p.Severity)
	}
}

func TestLoadFromPaths(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "lint", "a.rego"), lintModule("a"))
	writeFile(t, filepath.Join(dir, "lint", "nested", "b.rego"), lintModule("b"))
	writeFile(t, filepath.Join(dir, "lint", "a_test.rego"), "package a_test\n\ntest_nothing if { true }\n")
	writeFile(t, filepath.Join(dir, "lint", ".drafts", "c.rego"), "package c\n")
	writeFile(t, filepath.Join(dir, "lint", "README.md"), "# Lint policies")
	writeFile(t, filepath.Join(dir, "single.rego"), maxSystemsRego)

	loaded, err := loader.LoadFromPaths(context.Background(), []string{
		filepath.Join(dir, "lint"),
		filepath.Join(dir, "single.rego"),
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want := []string{"a", "b", "schedule.size"}
	if got := policyNames(loaded); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected policies %v, got %v", want, got)
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("Expected error for non-existent path")
	}
}

func TestLoadFromPaths_RejectsIncompleteSet(t *testing.T) {
	t.Run("broken file", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "a.rego"), lintModule("a"))
		writeFile(t, filepath.Join(dir, "b.json"), "{")
		writeFile(t, filepath.Join(dir, "c.rego"), "package c\n")

		loaded, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{dir})
		if err == nil {
			t.Fatalf("Expected error, got policies %v", policyNames(loaded))
		}
		for _, file := range []string{"b.json", "c.rego"} {
			if !strings.Contains(err.Error(), file) {
				t.Errorf("Expected error to name %s, got: %v", file, err)
			}
		}
	})

	t.Run("duplicate name", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, "one.rego"), lintModule("schedule.dup"))
		writeFile(t, filepath.Join(dir, "two.rego"), lintModule("schedule.dup"))

		_, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), []string{dir})
		if err == nil || !strings.Contains(err.Error(), "policy schedule.dup is defined in both") {
			t.Errorf("Expected duplicate policy error, got: %v", err)
		}
	})
}

func TestLoader_CacheFollowsModification(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	policyFile := filepath.Join(t.TempDir(), "size.rego")
	writeFile(t, policyFile, maxSystemsRego)

	first, err := loader.loadFile(policyFile)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	again, err := loader.loadFile(policyFile)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !samePolicy(first, again) {
		t.Error("Expected unchanged file to give the same policy")
	}

	writeFile(t, policyFile, "# severity: error\n"+lintModule("changed"))
	fresh, err := loader.loadFile(policyFile)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if fresh.Name != "changed" || fresh.Severity != SeverityError {
		t.Errorf("Expected rewritten policy to be re-read, got %+v", fresh)
	}
}

func nextReload(t *testing.T, reloaded <-chan []Policy) []Policy {
	t.Helper()
	select {
	case policies := <-reloaded:
		return policies
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for policy reload")
		return nil
	}
}

func expectNoReload(t *testing.T, reloaded <-chan []Policy) {
	t.Helper()
	select {
	case policies := <-reloaded:
		t.Fatalf("Expected no reload, got policies %v", policyNames(policies))
	case <-time.After(300 * time.Millisecond):
	}
}

func TestLoader_Watch(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	loader.SetReloadDelay(20 * time.Millisecond)

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.rego"), lintModule("a"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []Policy, 4)
	err := loader.Watch(ctx, []string{dir}, func(policies []Policy) error {
		reloaded <- policies
		return nil
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer loader.StopWatching()

	writeFile(t, filepath.Join(dir, "b.rego"), lintModule("b"))
	if got := policyNames(nextReload(t, reloaded)); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Expected [a b] after adding b, got %v", got)
	}

	writeFile(t, filepath.Join(dir, "broken.rego"), "package broken\n")
	expectNoReload(t, reloaded)

	if err := os.Remove(filepath.Join(dir, "broken.rego")); err != nil {
		t.Fatalf("Failed to remove file: %v", err)
	}
	if err := os.Remove(filepath.Join(dir, "a.rego")); err != nil {
		t.Fatalf("Failed to remove file: %v", err)
	}
	if got := policyNames(nextReload(t, reloaded)); !reflect.DeepEqual(got, []string{"b"}) {
		t.Errorf("Expected [b] after removing a, got %v", got)
	}

	writeFile(t, filepath.Join(dir, "b.rego"), lintModule("b"))
	expectNoReload(t, reloaded)
}

func TestLoader_WatchFile(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	loader.SetReloadDelay(20 * time.Millisecond)

	dir := t.TempDir()
	watched := filepath.Join(dir, "size.rego")
	writeFile(t, watched, maxSystemsRego)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []Policy, 4)
	err := loader.Watch(ctx, []string{watched}, func(policies []Policy) error {
		reloaded <- policies
		return nil
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	defer loader.StopWatching()

	writeFile(t, filepath.Join(dir, "other.rego"), lintModule("other"))
	expectNoReload(t, reloaded)

	writeFile(t, watched, "# severity: error\n"+maxSystemsRego)
	policies := nextReload(t, reloaded)
	if len(policies) != 1 || policies[0].Severity != SeverityError {
		t.Errorf("Expected the watched policy with severity error, got %+v", policies)
	}
}
