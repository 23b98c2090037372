package config

import (
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with the built-in manifest schema.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	if err := sr.RegisterSchema("manifest", "#Manifest", builtinManifestSchema); err != nil {
		panic(fmt.Sprintf("built-in manifest schema: %v", err))
	}

	return sr
}

// RegisterSchema compiles source and registers the named definition in it
// (e.g. "#Manifest") under name.
func (sr *SchemaRegistry) RegisterSchema(name, definition, source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(definition))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, definition)
	}
	if err := def.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema encodes data into CUE, unifies it with the named schema
// and requires the result to be concrete.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	// cue.Context is not safe for concurrent use.
	sr.mu.Lock()
	defer sr.mu.Unlock()

	schema, ok := sr.schemas[schemaName]
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	return schema.Unify(dataVal).Validate(cue.Concrete(true))
}

// ValidateManifest validates a manifest against the built-in #Manifest schema.
func (sr *SchemaRegistry) ValidateManifest(m *Manifest) error {
	return sr.ValidateAgainstSchema("manifest", m)
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinManifestSchema = `
#Ident: string & =~"^[a-zA-Z0-9_-]+$"

#Manifest: {
	name:             #Ident
	version?:         string
	tick_rate?:       =~"^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
	max_parallel?:    int & >=0
	strict_ordering?: bool
	stages: [#Stage, ...#Stage]
	policy?: #Policy
}

#Stage: {
	name: "input" | "pre-update" | "update" | "post-update" | "render"
	systems?: [...#System]
}

#System: {
	label:    string & !=""
	channel?: "start" | "parallel" | "end" | "exclusive-start" | "exclusive-end"
	kind:     "native" | "starlark" | "lua" | "wasm"
	ref?:     string
	source?:  string
	script?:  string

	reads?:            [...string]
	writes?:           [...string]
	reads_resources?:  [...string]
	writes_resources?: [...string]
	before?:           [...string]
	after?:            [...string]

	params?: {[string]: string}

	if kind == "native" {
		ref: string & !=""
	}
}

#Policy: {
	enabled?: bool
	paths?: [...string]
	mode?: "advisory" | "enforcing"
}
`
