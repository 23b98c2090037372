package systems

import (
	"context"
	"fmt"
	"os"

	"github.com/openfroyo/froyo-ecs/pkg/config"
	"github.com/openfroyo/froyo-ecs/pkg/ecs"
)

// Builder turns manifest system declarations into ecs.System values.
type Builder struct {
	// Natives resolves kind=native references.
	Natives *Registry

	// Script configures scripted systems.
	Script *ScriptConfig
}

// NewBuilder creates a builder. A nil natives registry uses the built-ins.
func NewBuilder(natives *Registry, script *ScriptConfig) *Builder {
	if natives == nil {
		natives = NewBuiltinRegistry()
	}
	return &Builder{Natives: natives, Script: script.withDefaults()}
}

// AccessOf extracts the declared access of a manifest system.
func AccessOf(sc config.SystemConfig) Access {
	return Access{
		Reads:           sc.Reads,
		Writes:          sc.Writes,
		ReadsResources:  sc.ReadsResources,
		WritesResources: sc.WritesResources,
		Before:          sc.Before,
		After:           sc.After,
	}
}

// Build creates the system declared by sc. Script sources resolve relative
// to the manifest m.
func (b *Builder) Build(ctx context.Context, m *config.Manifest, sc config.SystemConfig) (ecs.System, error) {
	label := ecs.Label(sc.Label)
	access := AccessOf(sc)

	switch sc.Kind {
	case config.KindNative:
		sys, err := b.Natives.New(sc.Ref, sc.Params)
		if err != nil {
			return nil, err
		}
		return WithAccess(sys, access, b.Script.Registry), nil

	case config.KindStarlark:
		filename, src, err := b.source(m, sc)
		if err != nil {
			return nil, err
		}
		return NewStarlarkSystem(label, filename, src, access, b.Script)

	case config.KindLua:
		filename, src, err := b.source(m, sc)
		if err != nil {
			return nil, err
		}
		return NewLuaSystem(label, filename, src, access, b.Script)

	case config.KindWASM:
		_, src, err := b.source(m, sc)
		if err != nil {
			return nil, err
		}
		return NewWASMSystem(ctx, label, src, access, b.Script)

	default:
		return nil, fmt.Errorf("unsupported system kind %q", sc.Kind)
	}
}

func (b *Builder) source(m *config.Manifest, sc config.SystemConfig) (string, []byte, error) {
	if sc.Script != "" {
		return sc.Label + ".inline", []byte(sc.Script), nil
	}

	path := config.ResolveSource(m, sc.Source)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read source for %s: %w", sc.Label, err)
	}
	return path, data, nil
}
