package systems

import (
	"context"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/openfroyo/froyo-ecs/pkg/ecs"
)

// WASMSystem runs the exported run function of a WebAssembly module.
//
// The host module "env" exposes the system's declared resources by index,
// reads first, then writes:
//
//	get_resource(id i32) f64
//	set_resource(id i32, value f64)
//
// Resources are exchanged as numbers only.
type WASMSystem struct {
	label     ecs.Label
	access    Access
	guard     *ResourceGuard
	registry  *ecs.Registry
	resources []string

	mu      sync.Mutex
	runtime wazero.Runtime
	module  api.Module
	run     api.Function

	// view and failure are only set while run is executing.
	view    *ResourceView
	failure error
}

// NewWASMSystem compiles and instantiates the module.
func NewWASMSystem(ctx context.Context, label ecs.Label, wasmModule []byte, access Access, cfg *ScriptConfig) (*WASMSystem, error) {
	cfg = cfg.withDefaults()

	s := &WASMSystem{
		label:     label,
		access:    access,
		guard:     NewResourceGuard(label, cfg.Registry, access),
		registry:  cfg.Registry,
		resources: access.Resources(),
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true)

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	builder := runtime.NewHostModuleBuilder("env")
	s.registerHostFunctions(builder)
	if _, err := builder.Instantiate(ctx); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	module, err := runtime.Instantiate(ctx, wasmModule)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASM module: %w", err)
	}

	run := module.ExportedFunction("run")
	if run == nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("WASM module for %s does not export run", label)
	}
	if def := run.Definition(); len(def.ParamTypes()) != 0 {
		runtime.Close(ctx)
		return nil, fmt.Errorf("WASM export run must take no parameters, got %d", len(def.ParamTypes()))
	}

	s.runtime = runtime
	s.module = module
	s.run = run
	return s, nil
}

func (s *WASMSystem) registerHostFunctions(builder wazero.HostModuleBuilder) {
	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, id uint32) float64 {
			name, ok := s.resourceName(id)
			if !ok {
				return 0
			}
			val, found, err := s.view.Get(name)
			if err != nil {
				s.fail(err)
				return 0
			}
			if !found {
				return 0
			}
			f, ok := toFloat(val)
			if !ok {
				s.fail(fmt.Errorf("resource %q is %T, not a number", name, val))
				return 0
			}
			return f
		}).
		Export("get_resource")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, id uint32, value float64) {
			name, ok := s.resourceName(id)
			if !ok {
				return
			}
			if err := s.view.Set(name, value); err != nil {
				s.fail(err)
			}
		}).
		Export("set_resource")
}

func (s *WASMSystem) resourceName(id uint32) (string, bool) {
	if int(id) >= len(s.resources) {
		s.fail(fmt.Errorf("%w: system %s has no resource #%d", ErrAccessViolation, s.label, id))
		return "", false
	}
	return s.resources[id], true
}

func (s *WASMSystem) fail(err error) {
	if s.failure == nil {
		s.failure = err
	}
}

// Declare implements ecs.System.
func (s *WASMSystem) Declare(d ecs.AccessDescriptor) {
	s.access.Declare(d, s.registry)
}

// Run implements ecs.System. The first host function failure of a run is
// returned after the call completes.
func (s *WASMSystem) Run(ctx context.Context, w *ecs.World) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.module == nil {
		return fmt.Errorf("WASM system %s is closed", s.label)
	}

	s.view = s.guard.View(w)
	s.failure = nil
	defer func() { s.view = nil }()

	if _, err := s.run.Call(ctx); err != nil {
		return fmt.Errorf("WASM run failed: %w", err)
	}
	return s.failure
}

// Close closes the module and its runtime.
func (s *WASMSystem) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runtime == nil {
		return nil
	}
	err := s.runtime.Close(context.Background())
	s.runtime = nil
	s.module = nil
	s.run = nil
	return err
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
