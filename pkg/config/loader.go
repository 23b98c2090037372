package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"gopkg.in/yaml.v3"
)

// Format is a manifest encoding.
type Format string

// Supported manifest formats.
const (
	FormatCUE  Format = "cue"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatHCL  Format = "hcl"
	FormatJSON Format = "json"
)

// FormatFromPath selects a format by file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return FormatCUE, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".hcl":
		return FormatHCL, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported manifest extension %q", filepath.Ext(path))
	}
}

var identPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Loader decodes and validates manifests.
type Loader struct {
	mu       sync.Mutex
	ctx      *cue.Context
	schemas  *SchemaRegistry
	validate *validator.Validate
}

// NewLoader creates a loader with the built-in manifest schema.
func NewLoader() *Loader {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("ident", func(fl validator.FieldLevel) bool {
		return identPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d > 0
	})

	return &Loader{
		ctx:      cuecontext.New(),
		schemas:  NewSchemaRegistry(),
		validate: v,
	}
}

// Schemas returns the loader's schema registry.
func (l *Loader) Schemas() *SchemaRegistry {
	return l.schemas
}

var defaultLoader = sync.OnceValue(NewLoader)

// Load reads, decodes and validates the manifest at path using a shared loader.
func Load(path string) (*Manifest, error) {
	return defaultLoader().Load(path)
}

// Parse decodes and validates manifest data using a shared loader.
func Parse(data []byte, format Format) (*Manifest, error) {
	return defaultLoader().Parse(data, format, "")
}

// Validate validates a decoded manifest using a shared loader.
func Validate(m *Manifest) error {
	return defaultLoader().Validate(m)
}

// Load reads the manifest at path. A directory is loaded as a CUE package.
func (l *Loader) Load(path string) (*Manifest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat manifest %s: %w", path, err)
	}

	if info.IsDir() {
		m, err := l.loadCUEPackage(path)
		if err != nil {
			return nil, err
		}
		m.Path = filepath.Join(path, "manifest.cue")
		return l.finish(m)
	}

	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	m, err := l.decode(data, format, path)
	if err != nil {
		return nil, err
	}
	m.Path = path
	return l.finish(m)
}

// Parse decodes data in the given format and validates it. filename is used
// in error positions and may be empty.
func (l *Loader) Parse(data []byte, format Format, filename string) (*Manifest, error) {
	m, err := l.decode(data, format, filename)
	if err != nil {
		return nil, err
	}
	m.Path = filename
	return l.finish(m)
}

func (l *Loader) finish(m *Manifest) (*Manifest, error) {
	m.applyDefaults()
	if err := l.Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (l *Loader) decode(data []byte, format Format, filename string) (*Manifest, error) {
	if filename == "" {
		filename = "manifest." + string(format)
	}

	var m Manifest
	switch format {
	case FormatCUE:
		return l.decodeCUE(data, filename)

	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("failed to parse YAML manifest %s: %w", filename, err)
		}

	case FormatTOML:
		md, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&m)
		if err != nil {
			return nil, fmt.Errorf("failed to parse TOML manifest %s: %w", filename, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("failed to parse TOML manifest %s: unknown keys %s", filename, strings.Join(keys, ", "))
		}

	case FormatHCL:
		return decodeHCL(data, filename)

	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("failed to parse JSON manifest %s: %w", filename, err)
		}

	default:
		return nil, fmt.Errorf("unsupported manifest format %q", format)
	}

	return &m, nil
}

func (l *Loader) decodeCUE(data []byte, filename string) (*Manifest, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	val := l.ctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}
	return decodeCUEValue(val)
}

// loadCUEPackage loads every .cue file of a directory as one package.
func (l *Loader) loadCUEPackage(dir string) (*Manifest, error) {
	instances := load.Instances([]string{dir}, nil)
	if len(instances) == 0 {
		return nil, ValidationErrors{{File: dir, Message: "no CUE files found"}}
	}

	inst := instances[0]
	if inst.Err != nil {
		return nil, convertCUEErrors(inst.Err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	val := l.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}
	return decodeCUEValue(val)
}

func decodeCUEValue(val cue.Value) (*Manifest, error) {
	var m Manifest
	if err := val.Decode(&m); err != nil {
		return nil, convertCUEErrors(err)
	}
	return &m, nil
}

// Validate runs struct validation, the #Manifest schema and cross-field checks.
// All problems are reported together as ValidationErrors.
func (l *Loader) Validate(m *Manifest) error {
	var problems ValidationErrors

	if err := l.validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("failed to validate manifest: %w", err)
		}
		for _, fe := range verrs {
			problems = append(problems, ValidationError{
				File:    m.Path,
				Path:    strings.TrimPrefix(fe.Namespace(), "Manifest."),
				Message: describeFieldError(fe),
			})
		}
	}

	if err := l.schemas.ValidateManifest(m); err != nil {
		for _, ve := range convertCUEErrors(err) {
			ve.File = m.Path
			problems = append(problems, ve)
		}
	}

	problems = append(problems, crossCheck(m)...)

	if len(problems) > 0 {
		return dedupe(problems)
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fe.Value())
	case "ident":
		return fmt.Sprintf("must match %s, got %q", identPattern.String(), fe.Value())
	case "duration":
		return fmt.Sprintf("must be a positive duration, got %q", fe.Value())
	case "min", "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

// crossCheck reports constraints that span fields.
func crossCheck(m *Manifest) ValidationErrors {
	var problems ValidationErrors
	add := func(path, format string, args ...interface{}) {
		problems = append(problems, ValidationError{File: m.Path, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	stages := make(map[string]bool)
	for i, st := range m.Stages {
		stagePath := fmt.Sprintf("stages[%d]", i)
		if stages[st.Name] {
			add(stagePath+".name", "stage %q is declared more than once", st.Name)
		}
		stages[st.Name] = true

		labels := make(map[string]bool)
		for j, sys := range st.Systems {
			sysPath := fmt.Sprintf("%s.systems[%d]", stagePath, j)
			if sys.Label != "" && labels[sys.Label] {
				add(sysPath+".label", "label %q is already used in stage %s", sys.Label, st.Name)
			}
			labels[sys.Label] = true

			switch sys.Kind {
			case KindNative:
				if sys.Ref == "" {
					add(sysPath+".ref", "native system %q requires ref", sys.Label)
				}
				if sys.Source != "" || sys.Script != "" {
					add(sysPath, "native system %q cannot have source or script", sys.Label)
				}
			case KindStarlark, KindLua:
				if (sys.Source == "") == (sys.Script == "") {
					add(sysPath, "%s system %q requires exactly one of source or script", sys.Kind, sys.Label)
				}
			case KindWASM:
				if sys.Source == "" {
					add(sysPath+".source", "wasm system %q requires source", sys.Label)
				}
				if sys.Script != "" {
					add(sysPath+".script", "wasm system %q cannot have an inline script", sys.Label)
				}
			}
			if sys.Kind != KindNative && len(sys.Params) > 0 {
				add(sysPath+".params", "params are only supported for native systems")
			}
		}
	}

	return problems
}

func dedupe(problems ValidationErrors) ValidationErrors {
	seen := make(map[string]bool, len(problems))
	out := problems[:0]
	for _, p := range problems {
		key := p.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func convertCUEErrors(err error) ValidationErrors {
	var validationErrors ValidationErrors

	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: cueerrors.Details(e, nil),
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		validationErrors = append(validationErrors, ve)
	}

	if len(validationErrors) == 0 {
		validationErrors = ValidationErrors{{Message: err.Error()}}
	}
	return validationErrors
}

// HCL manifests use blocks for stages and systems:
//
//	name = "physics"
//	stage "update" {
//	  system "physics.move" {
//	    kind   = "native"
//	    ref    = "physics.move"
//	    writes = ["Position"]
//	  }
//	}
type hclManifest struct {
	Name           string     `hcl:"name,attr"`
	Version        string     `hcl:"version,optional"`
	TickRate       string     `hcl:"tick_rate,optional"`
	MaxParallel    int        `hcl:"max_parallel,optional"`
	StrictOrdering bool       `hcl:"strict_ordering,optional"`
	Stages         []hclStage `hcl:"stage,block"`
	Policy         *hclPolicy `hcl:"policy,block"`
}

type hclStage struct {
	Name    string      `hcl:"name,label"`
	Systems []hclSystem `hcl:"system,block"`
}

type hclSystem struct {
	Label           string            `hcl:"label,label"`
	Channel         string            `hcl:"channel,optional"`
	Kind            string            `hcl:"kind,attr"`
	Ref             string            `hcl:"ref,optional"`
	Source          string            `hcl:"source,optional"`
	Script          string            `hcl:"script,optional"`
	Reads           []string          `hcl:"reads,optional"`
	Writes          []string          `hcl:"writes,optional"`
	ReadsResources  []string          `hcl:"reads_resources,optional"`
	WritesResources []string          `hcl:"writes_resources,optional"`
	Before          []string          `hcl:"before,optional"`
	After           []string          `hcl:"after,optional"`
	Params          map[string]string `hcl:"params,optional"`
}

type hclPolicy struct {
	Enabled bool     `hcl:"enabled,optional"`
	Paths   []string `hcl:"paths,optional"`
	Mode    string   `hcl:"mode,optional"`
}

func decodeHCL(data []byte, filename string) (*Manifest, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, convertHCLDiagnostics(diags)
	}

	var hm hclManifest
	if diags := gohcl.DecodeBody(file.Body, nil, &hm); diags.HasErrors() {
		return nil, convertHCLDiagnostics(diags)
	}

	m := &Manifest{
		Name:           hm.Name,
		Version:        hm.Version,
		TickRate:       hm.TickRate,
		MaxParallel:    hm.MaxParallel,
		StrictOrdering: hm.StrictOrdering,
		Stages:         make([]StageConfig, 0, len(hm.Stages)),
	}
	if hm.Policy != nil {
		m.Policy = PolicyConfig(*hm.Policy)
	}
	for _, hs := range hm.Stages {
		st := StageConfig{Name: hs.Name}
		for _, sys := range hs.Systems {
			st.Systems = append(st.Systems, SystemConfig(sys))
		}
		m.Stages = append(m.Stages, st)
	}
	return m, nil
}

func convertHCLDiagnostics(diags hcl.Diagnostics) ValidationErrors {
	var out ValidationErrors
	for _, d := range diags {
		if d.Severity != hcl.DiagError {
			continue
		}
		ve := ValidationError{Message: d.Summary}
		if d.Detail != "" {
			ve.Message += ": " + d.Detail
		}
		if d.Subject != nil {
			ve.File = d.Subject.Filename
			ve.Line = d.Subject.Start.Line
			ve.Column = d.Subject.Start.Column
		}
		out = append(out, ve)
	}
	return out
}
