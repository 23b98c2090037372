package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const cueManifest = `
name:      "physics"
tick_rate: "20ms"
stages: [{
	name: "update"
	systems: [{
		label:  "gravity"
		kind:   "native"
		ref:    "physics.gravity"
		writes: ["Velocity"]
		reads_resources: ["Gravity"]
	}, {
		label:  "move"
		kind:   "native"
		ref:    "physics.move"
		reads:  ["Velocity"]
		writes: ["Position"]
		after:  ["gravity"]
	}, {
		label:   "drag"
		channel: "end"
		kind:    "starlark"
		script:  "def run(world):\n    pass\n"
		writes_resources: ["Drag"]
	}]
}]
`

const yamlManifest = `
name: physics
tick_rate: 20ms
stages:
  - name: update
    systems:
      - label: gravity
        kind: native
        ref: physics.gravity
        writes: [Velocity]
        reads_resources: [Gravity]
      - label: move
        kind: native
        ref: physics.move
        reads: [Velocity]
        writes: [Position]
        after: [gravity]
      - label: drag
        channel: end
        kind: starlark
        script: |
          def run(world):
              pass
        writes_resources: [Drag]
`

const tomlManifest = `
name = "physics"
tick_rate = "20ms"

[[stages]]
name = "update"

[[stages.systems]]
label = "gravity"
kind = "native"
ref = "physics.gravity"
writes = ["Velocity"]
reads_resources = ["Gravity"]

[[stages.systems]]
label = "move"
kind = "native"
ref = "physics.move"
reads = ["Velocity"]
writes = ["Position"]
after = ["gravity"]

[[stages.systems]]
label = "drag"
channel = "end"
kind = "starlark"
script = """
def run(world):
    pass
"""
writes_resources = ["Drag"]
`

const hclManifestText = `
name      = "physics"
tick_rate = "20ms"

stage "update" {
  system "gravity" {
    kind            = "native"
    ref             = "physics.gravity"
    writes          = ["Velocity"]
    reads_resources = ["Gravity"]
  }

  system "move" {
    kind   = "native"
    ref    = "physics.move"
    reads  = ["Velocity"]
    writes = ["Position"]
    after  = ["gravity"]
  }

  system "drag" {
    channel          = "end"
    kind             = "starlark"
    script           = "def run(world):\n    pass\n"
    writes_resources = ["Drag"]
  }
}
`

const jsonManifest = `{
  "name": "physics",
  "tick_rate": "20ms",
  "stages": [{
    "name": "update",
    "systems": [
      {"label": "gravity", "kind": "native", "ref": "physics.gravity", "writes": ["Velocity"], "reads_resources": ["Gravity"]},
      {"label": "move", "kind": "native", "ref": "physics.move", "reads": ["Velocity"], "writes": ["Position"], "after": ["gravity"]},
      {"label": "drag", "channel": "end", "kind": "starlark", "script": "def run(world):\n    pass\n", "writes_resources": ["Drag"]}
    ]
  }]
}`

func TestParse_AllFormats(t *testing.T) {
	tests := []struct {
		format Format
		data   string
	}{
		{FormatCUE, cueManifest},
		{FormatYAML, yamlManifest},
		{FormatTOML, tomlManifest},
		{FormatHCL, hclManifestText},
		{FormatJSON, jsonManifest},
	}

	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			m, err := Parse([]byte(tt.data), tt.format)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			checkPhysicsManifest(t, m)
		})
	}
}

func checkPhysicsManifest(t *testing.T, m *Manifest) {
	t.Helper()

	if m.Name != "physics" {
		t.Errorf("Expected name 'physics', got %q", m.Name)
	}
	if m.TickInterval() != 20*time.Millisecond {
		t.Errorf("Expected tick interval 20ms, got %v", m.TickInterval())
	}
	if m.Policy.Mode != PolicyModeAdvisory {
		t.Errorf("Expected default policy mode %q, got %q", PolicyModeAdvisory, m.Policy.Mode)
	}
	if m.SystemCount() != 3 {
		t.Fatalf("Expected 3 systems, got %d", m.SystemCount())
	}

	st, ok := m.Stage("update")
	if !ok {
		t.Fatal("Expected stage 'update'")
	}

	gravity := st.Systems[0]
	if gravity.Label != "gravity" || gravity.Ref != "physics.gravity" {
		t.Errorf("Unexpected first system: %+v", gravity)
	}
	if gravity.Channel != "parallel" {
		t.Errorf("Expected default channel 'parallel', got %q", gravity.Channel)
	}
	if len(gravity.ReadsResources) != 1 || gravity.ReadsResources[0] != "Gravity" {
		t.Errorf("Expected reads_resources [Gravity], got %v", gravity.ReadsResources)
	}

	move := st.Systems[1]
	if len(move.After) != 1 || move.After[0] != "gravity" {
		t.Errorf("Expected move after [gravity], got %v", move.After)
	}
	if len(move.Reads) != 1 || len(move.Writes) != 1 {
		t.Errorf("Expected one read and one write, got %v / %v", move.Reads, move.Writes)
	}

	drag := st.Systems[2]
	if drag.Channel != "end" || drag.Kind != KindStarlark {
		t.Errorf("Unexpected drag system: %+v", drag)
	}
	if !strings.Contains(drag.Script, "def run(world):") {
		t.Errorf("Expected inline script, got %q", drag.Script)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "physics.yaml")
	if err := os.WriteFile(path, []byte(yamlManifest), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	checkPhysicsManifest(t, m)

	if m.Path != path {
		t.Errorf("Expected path %q, got %q", path, m.Path)
	}
}

func TestLoad_CUEPackageDirectory(t *testing.T) {
	dir := t.TempDir()

	files := map[string]string{
		"manifest.cue": `package physics

name:      "physics"
tick_rate: "20ms"
stages: [{
	name:    "update"
	systems: _systems
}]
`,
		"systems.cue": `package physics

_systems: [{
	label:  "gravity"
	kind:   "native"
	ref:    "physics.gravity"
	writes: ["Velocity"]
}]
`,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write test file: %v", err)
		}
	}

	m, err := NewLoader().Load(dir)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if m.SystemCount() != 1 {
		t.Errorf("Expected 1 system, got %d", m.SystemCount())
	}
	if m.Path != filepath.Join(dir, "manifest.cue") {
		t.Errorf("Expected manifest path inside directory, got %q", m.Path)
	}
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.ini")
	if err := os.WriteFile(path, []byte("name=x"), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("Expected error for unsupported extension")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Expected error for missing file")
	}
}

func TestParse_UnknownFieldsRejected(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		data   string
	}{
		{"yaml", FormatYAML, "name: x\ntickrate: 1s\nstages: [{name: update}]\n"},
		{"toml", FormatTOML, "name = \"x\"\ntickrate = \"1s\"\n[[stages]]\nname = \"update\"\n"},
		{"json", FormatJSON, `{"name": "x", "tickrate": "1s", "stages": [{"name": "update"}]}`},
		{"hcl", FormatHCL, "name = \"x\"\ntickrate = \"1s\"\nstage \"update\" {}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.data), tt.format); err == nil {
				t.Fatal("Expected error for unknown field")
			}
		})
	}
}

func TestParse_CUESyntaxErrorHasPosition(t *testing.T) {
	_, err := NewLoader().Parse([]byte("name: \"x\"\nstages: [\n"), FormatCUE, "broken.cue")
	if err == nil {
		t.Fatal("Expected syntax error")
	}

	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("Expected ValidationErrors, got %T: %v", err, err)
	}
	if verrs[0].Line == 0 {
		t.Errorf("Expected a line number, got %+v", verrs[0])
	}
}

func TestParse_HCLMissingKindHasPosition(t *testing.T) {
	data := "name = \"x\"\nstage \"update\" {\n  system \"a\" {\n    ref = \"physics.move\"\n  }\n}\n"
	_, err := NewLoader().Parse([]byte(data), FormatHCL, "broken.hcl")
	if err == nil {
		t.Fatal("Expected error for missing kind")
	}

	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("Expected ValidationErrors, got %T: %v", err, err)
	}
	if verrs[0].File != "broken.hcl" || verrs[0].Line == 0 {
		t.Errorf("Expected a position in broken.hcl, got %+v", verrs[0])
	}
}

func TestValidate_Problems(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		path     string
		message  string
	}{
		{
			name: "native without ref",
			manifest: `
name: x
stages:
  - name: update
    systems:
      - {label: a, kind: native}
`,
			path:    "stages[0].systems[0].ref",
			message: "requires ref",
		},
		{
			name: "duplicate label",
			manifest: `
name: x
stages:
  - name: update
    systems:
      - {label: a, kind: native, ref: physics.move}
      - {label: a, kind: native, ref: physics.gravity}
`,
			path:    "stages[0].systems[1].label",
			message: "already used",
		},
		{
			name: "script with source and script",
			manifest: `
name: x
stages:
  - name: update
    systems:
      - {label: a, kind: starlark, source: a.star, script: "x = 1"}
`,
			path:    "stages[0].systems[0]",
			message: "exactly one of source or script",
		},
		{
			name: "lua without code",
			manifest: `
name: x
stages:
  - name: update
    systems:
      - {label: a, kind: lua}
`,
			path:    "stages[0].systems[0]",
			message: "exactly one of source or script",
		},
		{
			name: "wasm inline script",
			manifest: `
name: x
stages:
  - name: update
    systems:
      - {label: a, kind: wasm, source: a.wasm, script: "x"}
`,
			path:    "stages[0].systems[0].script",
			message: "cannot have an inline script",
		},
		{
			name: "params on scripted system",
			manifest: `
name: x
stages:
  - name: update
    systems:
      - {label: a, kind: lua, script: "function run(w) end", params: {k: v}}
`,
			path:    "stages[0].systems[0].params",
			message: "only supported for native",
		},
		{
			name: "unknown stage",
			manifest: `
name: x
stages:
  - name: physics
`,
			path:    "stages[0].name",
			message: "must be one of",
		},
		{
			name: "duplicate stage",
			manifest: `
name: x
stages:
  - name: update
  - name: update
`,
			path:    "stages[1].name",
			message: "declared more than once",
		},
		{
			name: "bad tick rate",
			manifest: `
name: x
tick_rate: fast
stages:
  - name: update
`,
			path:    "tick_rate",
			message: "positive duration",
		},
		{
			name: "bad name",
			manifest: `
name: "my app"
stages:
  - name: update
`,
			path:    "name",
			message: "must match",
		},
		{
			name: "no stages",
			manifest: `
name: x
`,
			path:    "stages",
			message: "is required",
		},
		{
			name: "unknown kind",
			manifest: `
name: x
stages:
  - name: update
    systems:
      - {label: a, kind: python, source: a.py}
`,
			path:    "stages[0].systems[0].kind",
			message: "must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.manifest), FormatYAML)
			if err == nil {
				t.Fatal("Expected validation error")
			}

			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("Expected ValidationErrors, got %T: %v", err, err)
			}

			for _, ve := range verrs {
				if ve.Path == tt.path && strings.Contains(ve.Message, tt.message) {
					return
				}
			}
			t.Errorf("Expected problem at %s containing %q, got: %v", tt.path, tt.message, verrs)
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	data := `
name: x
stages:
  - name: update
    systems:
      - {label: a, kind: native}
      - {label: b, kind: lua}
`
	_, err := Parse([]byte(data), FormatYAML)

	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("Expected ValidationErrors, got %v", err)
	}

	paths := make(map[string]bool)
	for _, ve := range verrs {
		paths[ve.Path] = true
	}
	if !paths["stages[0].systems[0].ref"] || !paths["stages[0].systems[1]"] {
		t.Errorf("Expected problems for both systems, got: %v", verrs)
	}
	if !strings.HasPrefix(err.Error(), "manifest has ") {
		t.Errorf("Unexpected error text: %s", err.Error())
	}
}

func TestManifest_TickInterval(t *testing.T) {
	tests := []struct {
		rate string
		want time.Duration
	}{
		{"", DefaultTickRate},
		{"50ms", 50 * time.Millisecond},
		{"1m30s", 90 * time.Second},
		{"nonsense", DefaultTickRate},
		{"-1s", DefaultTickRate},
	}

	for _, tt := range tests {
		m := &Manifest{TickRate: tt.rate}
		if got := m.TickInterval(); got != tt.want {
			t.Errorf("TickInterval(%q) = %v, want %v", tt.rate, got, tt.want)
		}
	}
}

func TestFormatFromPath(t *testing.T) {
	tests := map[string]Format{
		"a.cue":      FormatCUE,
		"a.yaml":     FormatYAML,
		"a.YML":      FormatYAML,
		"a.toml":     FormatTOML,
		"a.hcl":      FormatHCL,
		"dir/a.json": FormatJSON,
	}
	for path, want := range tests {
		got, err := FormatFromPath(path)
		if err != nil {
			t.Fatalf("Expected no error for %s, got: %v", path, err)
		}
		if got != want {
			t.Errorf("FormatFromPath(%s) = %s, want %s", path, got, want)
		}
	}

	if _, err := FormatFromPath("a.txt"); err == nil {
		t.Error("Expected error for .txt")
	}
}

func TestValidationError_String(t *testing.T) {
	ve := ValidationError{File: "m.cue", Line: 3, Column: 7, Path: "stages[0].name", Message: "bad"}
	if got := ve.String(); got != "m.cue:3:7: stages[0].name: bad" {
		t.Errorf("Unexpected string: %s", got)
	}

	ve = ValidationError{Message: "bad"}
	if got := ve.String(); got != "bad" {
		t.Errorf("Unexpected string: %s", got)
	}
}
