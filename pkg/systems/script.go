package systems

import (
	"io"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-ecs/pkg/ecs"
)

// ScriptConfig contains configuration shared by scripted systems.
type ScriptConfig struct {
	// Registry interns the names in the system's declarations.
	// Default is ecs.DefaultRegistry().
	Registry *ecs.Registry

	// MaxSteps bounds the Starlark steps of one run. Default is 1,000,000.
	MaxSteps uint64

	// MemoryLimitPages is the WASM memory limit in pages (64KB each).
	// Default is 16 pages (1MB).
	MemoryLimitPages uint32

	// Logger receives script print output.
	Logger zerolog.Logger
}

// DefaultScriptConfig returns the default script configuration.
func DefaultScriptConfig() *ScriptConfig {
	return &ScriptConfig{
		Registry:         ecs.DefaultRegistry(),
		MaxSteps:         1_000_000,
		MemoryLimitPages: 16,
		Logger:           zerolog.Nop(),
	}
}

func (c *ScriptConfig) withDefaults() *ScriptConfig {
	def := DefaultScriptConfig()
	if c == nil {
		return def
	}
	out := *c
	if out.Registry == nil {
		out.Registry = def.Registry
	}
	if out.MaxSteps == 0 {
		out.MaxSteps = def.MaxSteps
	}
	if out.MemoryLimitPages == 0 {
		out.MemoryLimitPages = def.MemoryLimitPages
	}
	return &out
}

// Close releases a system's interpreter or runtime, if it holds one.
func Close(sys ecs.System) error {
	if c, ok := sys.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
