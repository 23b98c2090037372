package systems

import (
	"context"
	"fmt"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/openfroyo/froyo-ecs/pkg/ecs"
)

// StarlarkSystem runs the run(world) function of a Starlark script.
//
// The script is compiled and its globals initialized once. Each run calls
// run on a fresh thread with a step limit; the thread is cancelled when the
// context is done.
type StarlarkSystem struct {
	label    ecs.Label
	access   Access
	guard    *ResourceGuard
	registry *ecs.Registry
	maxSteps uint64
	run      starlark.Callable
	print    func(*starlark.Thread, string)
}

// NewStarlarkSystem compiles src and resolves its run function.
func NewStarlarkSystem(label ecs.Label, filename string, src []byte, access Access, cfg *ScriptConfig) (*StarlarkSystem, error) {
	cfg = cfg.withDefaults()

	opts := &syntax.FileOptions{
		Set:       true,
		While:     true,
		Recursion: true,
	}
	_, prog, err := starlark.SourceProgramOptions(opts, filename, src, starlarkPredeclared.Has)
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s: %w", filename, err)
	}

	logger := cfg.Logger.With().Str("system", string(label)).Logger()
	printFn := func(_ *starlark.Thread, msg string) {
		logger.Debug().Msg(msg)
	}

	thread := &starlark.Thread{Name: string(label), Print: printFn}
	thread.SetMaxExecutionSteps(cfg.MaxSteps)
	globals, err := prog.Init(thread, starlarkPredeclared)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s: %w", filename, err)
	}
	globals.Freeze()

	fn, ok := globals["run"].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%s must define a run(world) function", filename)
	}

	return &StarlarkSystem{
		label:    label,
		access:   access,
		guard:    NewResourceGuard(label, cfg.Registry, access),
		registry: cfg.Registry,
		maxSteps: cfg.MaxSteps,
		run:      fn,
		print:    printFn,
	}, nil
}

var starlarkPredeclared = starlark.StringDict{
	"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
}

// Declare implements ecs.System.
func (s *StarlarkSystem) Declare(d ecs.AccessDescriptor) {
	s.access.Declare(d, s.registry)
}

// Run implements ecs.System.
func (s *StarlarkSystem) Run(ctx context.Context, w *ecs.World) error {
	thread := &starlark.Thread{Name: string(s.label), Print: s.print}
	thread.SetMaxExecutionSteps(s.maxSteps)
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(ctx.Err().Error())
	})
	defer stop()

	if _, err := starlark.Call(thread, s.run, starlark.Tuple{s.worldValue(s.guard.View(w))}, nil); err != nil {
		return err
	}
	return nil
}

func (s *StarlarkSystem) worldValue(view *ResourceView) starlark.Value {
	get := func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		var def starlark.Value = starlark.None
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "default?", &def); err != nil {
			return nil, err
		}
		val, ok, err := view.Get(name)
		if err != nil {
			return nil, err
		}
		if !ok {
			return def, nil
		}
		return toStarlarkValue(val)
	}

	set := func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		var value starlark.Value
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "value", &value); err != nil {
			return nil, err
		}
		goVal, err := fromStarlarkValue(value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		return starlark.None, view.Set(name, goVal)
	}

	return starlarkstruct.FromStringDict(starlark.String("world"), starlark.StringDict{
		"label": starlark.String(s.label),
		"get":   starlark.NewBuiltin("get", get),
		"set":   starlark.NewBuiltin("set", set),
	})
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float32:
		return starlark.Float(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			starlarkVal, err := toStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		return fromStarlarkIterable(val, val.Len())
	case starlark.Tuple:
		return fromStarlarkIterable(val, val.Len())
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}

func fromStarlarkIterable(it starlark.Indexable, n int) ([]interface{}, error) {
	list := make([]interface{}, n)
	for i := 0; i < n; i++ {
		item, err := fromStarlarkValue(it.Index(i))
		if err != nil {
			return nil, err
		}
		list[i] = item
	}
	return list, nil
}
