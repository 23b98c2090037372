package systems

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/openfroyo/froyo-ecs/pkg/ecs"
)

// LuaSystem runs the global run(world) function of a Lua script.
// Each system owns one VM; runs are serialized by a mutex.
type LuaSystem struct {
	label    ecs.Label
	access   Access
	guard    *ResourceGuard
	registry *ecs.Registry

	mu sync.Mutex
	vm *lua.LState
}

// NewLuaSystem loads src into a new VM and resolves its run function.
func NewLuaSystem(label ecs.Label, filename string, src []byte, access Access, cfg *ScriptConfig) (*LuaSystem, error) {
	cfg = cfg.withDefaults()

	vm := lua.NewState()
	logger := cfg.Logger.With().Str("system", string(label)).Logger()
	vm.SetGlobal("print", vm.NewFunction(func(L *lua.LState) int {
		parts := make([]string, L.GetTop())
		for i := range parts {
			parts[i] = L.ToStringMeta(L.Get(i + 1)).String()
		}
		logger.Debug().Msg(strings.Join(parts, "\t"))
		return 0
	}))

	fn, err := vm.Load(bytes.NewReader(src), filename)
	if err != nil {
		vm.Close()
		return nil, fmt.Errorf("failed to compile %s: %w", filename, err)
	}
	vm.Push(fn)
	if err := vm.PCall(0, lua.MultRet, nil); err != nil {
		vm.Close()
		return nil, fmt.Errorf("failed to load %s: %w", filename, err)
	}

	if _, ok := vm.GetGlobal("run").(*lua.LFunction); !ok {
		vm.Close()
		return nil, fmt.Errorf("%s must define a global run(world) function", filename)
	}

	return &LuaSystem{
		label:    label,
		access:   access,
		guard:    NewResourceGuard(label, cfg.Registry, access),
		registry: cfg.Registry,
		vm:       vm,
	}, nil
}

// Declare implements ecs.System.
func (s *LuaSystem) Declare(d ecs.AccessDescriptor) {
	s.access.Declare(d, s.registry)
}

// Run implements ecs.System.
func (s *LuaSystem) Run(ctx context.Context, w *ecs.World) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.vm == nil {
		return fmt.Errorf("lua system %s is closed", s.label)
	}

	s.vm.SetContext(ctx)
	defer s.vm.RemoveContext()

	var violation error
	err := s.vm.CallByParam(lua.P{
		Fn:      s.vm.GetGlobal("run"),
		NRet:    0,
		Protect: true,
	}, s.worldTable(s.guard.View(w), &violation))
	if err != nil && violation != nil {
		return violation
	}
	return err
}

// Close closes the VM.
func (s *LuaSystem) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.vm != nil {
		s.vm.Close()
		s.vm = nil
	}
	return nil
}

// worldTable builds the world argument. Guard errors are stored in violation
// so they survive the trip through the VM.
func (s *LuaSystem) worldTable(view *ResourceView, violation *error) *lua.LTable {
	vm := s.vm
	t := vm.NewTable()
	t.RawSetString("label", lua.LString(s.label))
	vm.SetFuncs(t, map[string]lua.LGFunction{
		"get": func(L *lua.LState) int {
			name := L.CheckString(1)
			val, ok, err := view.Get(name)
			if err != nil {
				*violation = err
				L.RaiseError("%s", err.Error())
				return 0
			}
			if !ok {
				L.Push(L.Get(2))
				return 1
			}
			lv, err := toLuaValue(L, val)
			if err != nil {
				L.RaiseError("get %s: %s", name, err.Error())
				return 0
			}
			L.Push(lv)
			return 1
		},
		"set": func(L *lua.LState) int {
			name := L.CheckString(1)
			val, err := fromLuaValue(L.CheckAny(2))
			if err != nil {
				L.RaiseError("set %s: %s", name, err.Error())
				return 0
			}
			if err := view.Set(name, val); err != nil {
				*violation = err
				L.RaiseError("%s", err.Error())
			}
			return 0
		},
	})
	return t
}

func toLuaValue(L *lua.LState, v any) (lua.LValue, error) {
	switch val := v.(type) {
	case nil:
		return lua.LNil, nil
	case bool:
		return lua.LBool(val), nil
	case int:
		return lua.LNumber(val), nil
	case int64:
		return lua.LNumber(val), nil
	case uint64:
		return lua.LNumber(val), nil
	case float32:
		return lua.LNumber(val), nil
	case float64:
		return lua.LNumber(val), nil
	case string:
		return lua.LString(val), nil
	case []any:
		t := L.NewTable()
		for _, item := range val {
			lv, err := toLuaValue(L, item)
			if err != nil {
				return nil, err
			}
			t.Append(lv)
		}
		return t, nil
	case map[string]any:
		t := L.NewTable()
		for k, item := range val {
			lv, err := toLuaValue(L, item)
			if err != nil {
				return nil, err
			}
			t.RawSetString(k, lv)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromLuaValue converts a Lua value. Integral numbers become int64; tables
// with a sequence part become lists, other tables become maps.
func fromLuaValue(v lua.LValue) (any, error) {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(val), nil
	case lua.LNumber:
		f := float64(val)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f), nil
		}
		return f, nil
	case lua.LString:
		return string(val), nil
	case *lua.LTable:
		if n := val.MaxN(); n > 0 {
			list := make([]any, n)
			for i := 1; i <= n; i++ {
				item, err := fromLuaValue(val.RawGetInt(i))
				if err != nil {
					return nil, err
				}
				list[i-1] = item
			}
			return list, nil
		}

		out := make(map[string]any)
		var convErr error
		val.ForEach(func(k, item lua.LValue) {
			if convErr != nil {
				return
			}
			key, ok := k.(lua.LString)
			if !ok {
				convErr = fmt.Errorf("table key must be string, got %s", k.Type())
				return
			}
			goVal, err := fromLuaValue(item)
			if err != nil {
				convErr = err
				return
			}
			out[string(key)] = goVal
		})
		if convErr != nil {
			return nil, convErr
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported lua type: %s", v.Type())
	}
}
