package systems

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/openfroyo/froyo-ecs/pkg/ecs"
)

// DefaultDelta is the step used when no Time resource is present.
const DefaultDelta = 16 * time.Millisecond

func registerBuiltins(r *Registry) {
	r.MustRegister("physics.gravity", newGravitySystem)
	r.MustRegister("physics.move", newMoveSystem)
	r.MustRegister("render.snapshot", newSnapshotSystem)
	r.MustRegister("time.advance", newTimeSystem)
	r.MustRegister("spawn.grid", newSpawnGridSystem)
	r.MustRegister("lifecycle.cull", newCullSystem)
}

// deltaSeconds returns the current step from the Time resource.
func deltaSeconds(w *ecs.World) float64 {
	if t, ok := ecs.Resource[Time](w); ok && t.Delta > 0 {
		return t.Delta.Seconds()
	}
	return DefaultDelta.Seconds()
}

func newGravitySystem(params map[string]string) (ecs.System, error) {
	if err := checkParams(params); err != nil {
		return nil, err
	}
	return ecs.NewFuncSystem(
		func(d ecs.AccessDescriptor) {
			ecs.Writes[Velocity](d)
			ecs.ReadsResource[Gravity](d)
			ecs.ReadsResource[Time](d)
		},
		func(_ context.Context, w *ecs.World) error {
			g := DefaultGravity
			if res, ok := ecs.Resource[Gravity](w); ok {
				g = *res
			}
			step := g.Accel.Mul(deltaSeconds(w))
			ecs.Components[Velocity](w).Each(func(_ ecs.Entity, v *Velocity) {
				v.Vec3 = v.Add(step)
			})
			return nil
		},
	), nil
}

func newMoveSystem(params map[string]string) (ecs.System, error) {
	if err := checkParams(params); err != nil {
		return nil, err
	}
	return ecs.NewFuncSystem(
		func(d ecs.AccessDescriptor) {
			ecs.Reads[Velocity](d)
			ecs.Writes[Position](d)
			ecs.ReadsResource[Time](d)
		},
		func(_ context.Context, w *ecs.World) error {
			dt := deltaSeconds(w)
			ecs.Each2(ecs.Components[Position](w), ecs.Components[Velocity](w), func(_ ecs.Entity, p *Position, v *Velocity) {
				p.Vec3 = p.Add(v.Mul(dt))
			})
			return nil
		},
	), nil
}

func newSnapshotSystem(params map[string]string) (ecs.System, error) {
	if err := checkParams(params); err != nil {
		return nil, err
	}
	return ecs.NewFuncSystem(
		func(d ecs.AccessDescriptor) {
			ecs.Reads[Position](d)
			ecs.ReadsResource[Time](d)
			ecs.WritesResource[RenderStats](d)
		},
		func(_ context.Context, w *ecs.World) error {
			stats := RenderStats{}
			if t, ok := ecs.Resource[Time](w); ok {
				stats.Tick = t.Tick
			}

			var sum mgl64.Vec3
			ecs.Components[Position](w).Each(func(_ ecs.Entity, p *Position) {
				if stats.Bodies == 0 {
					stats.Min, stats.Max = p.Vec3, p.Vec3
				}
				for i := 0; i < 3; i++ {
					stats.Min[i] = math.Min(stats.Min[i], p.Vec3[i])
					stats.Max[i] = math.Max(stats.Max[i], p.Vec3[i])
				}
				sum = sum.Add(p.Vec3)
				stats.Bodies++
			})
			if stats.Bodies > 0 {
				stats.Centroid = sum.Mul(1 / float64(stats.Bodies))
			}

			if res, ok := ecs.Resource[RenderStats](w); ok {
				*res = stats
			} else {
				ecs.SetResource(w, stats)
			}
			return nil
		},
	), nil
}

func newTimeSystem(params map[string]string) (ecs.System, error) {
	if err := checkParams(params, "delta"); err != nil {
		return nil, err
	}
	delta, err := paramDuration(params, "delta", DefaultDelta)
	if err != nil {
		return nil, err
	}

	return ecs.NewFuncSystem(
		func(d ecs.AccessDescriptor) {
			ecs.WritesResource[Time](d)
		},
		func(_ context.Context, w *ecs.World) error {
			t, ok := ecs.Resource[Time](w)
			if !ok {
				ecs.SetResource(w, Time{Tick: 1, Delta: delta, Elapsed: delta})
				return nil
			}
			t.Tick++
			t.Delta = delta
			t.Elapsed += delta
			return nil
		},
	), nil
}

// spawnGridSystem spawns its bodies on the first run only.
type spawnGridSystem struct {
	count   int
	spacing float64
	height  float64
	spawned bool
}

func newSpawnGridSystem(params map[string]string) (ecs.System, error) {
	if err := checkParams(params, "count", "spacing", "height"); err != nil {
		return nil, err
	}
	count, err := paramInt(params, "count", 16)
	if err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, fmt.Errorf("param count must be non-negative, got %d", count)
	}
	spacing, err := paramFloat(params, "spacing", 1)
	if err != nil {
		return nil, err
	}
	height, err := paramFloat(params, "height", 10)
	if err != nil {
		return nil, err
	}
	return &spawnGridSystem{count: count, spacing: spacing, height: height}, nil
}

func (s *spawnGridSystem) Declare(d ecs.AccessDescriptor) {
	ecs.Writes[Position](d)
	ecs.Writes[Velocity](d)
}

func (s *spawnGridSystem) Run(_ context.Context, w *ecs.World) error {
	if s.spawned {
		return nil
	}
	s.spawned = true

	side := int(math.Ceil(math.Sqrt(float64(s.count))))
	positions := ecs.Components[Position](w)
	velocities := ecs.Components[Velocity](w)
	for i := 0; i < s.count; i++ {
		e := w.Spawn()
		x, z := float64(i%side), float64(i/side)
		positions.Set(e, Position{mgl64.Vec3{x * s.spacing, s.height, z * s.spacing}})
		velocities.Set(e, Velocity{})
	}
	return nil
}

func newCullSystem(params map[string]string) (ecs.System, error) {
	if err := checkParams(params, "floor"); err != nil {
		return nil, err
	}
	floor, err := paramFloat(params, "floor", -100)
	if err != nil {
		return nil, err
	}

	return ecs.NewFuncSystem(
		func(d ecs.AccessDescriptor) {
			ecs.Reads[Position](d)
		},
		func(_ context.Context, w *ecs.World) error {
			ecs.Components[Position](w).Each(func(e ecs.Entity, p *Position) {
				if p.Y() < floor {
					w.QueueDespawn(e)
				}
			})
			return nil
		},
	), nil
}

// WithAccess adds the manifest's declarations to a native system. Names the
// system already declares are not declared twice.
func WithAccess(sys ecs.System, access Access, registry *ecs.Registry) ecs.System {
	return &declaredSystem{inner: sys, access: access, registry: registry}
}

type declaredSystem struct {
	inner    ecs.System
	access   Access
	registry *ecs.Registry
}

func (s *declaredSystem) Declare(d ecs.AccessDescriptor) {
	dd := &dedupDescriptor{AccessDescriptor: d, seen: make(map[dedupKey]bool)}
	s.inner.Declare(dd)
	s.access.Declare(dd, s.registry)
}

func (s *declaredSystem) Run(ctx context.Context, w *ecs.World) error {
	return s.inner.Run(ctx, w)
}

// Close closes the wrapped system if it holds resources.
func (s *declaredSystem) Close() error {
	return Close(s.inner)
}

type dedupKey struct {
	kind byte
	id   uint32
}

// dedupDescriptor drops repeated declarations of the same ID and mode.
type dedupDescriptor struct {
	ecs.AccessDescriptor
	seen map[dedupKey]bool
}

func (d *dedupDescriptor) first(kind byte, id uint32) bool {
	k := dedupKey{kind: kind, id: id}
	if d.seen[k] {
		return false
	}
	d.seen[k] = true
	return true
}

func (d *dedupDescriptor) ReadsComponentWithID(id ecs.ComponentTypeID) {
	if d.first('r', uint32(id)) {
		d.AccessDescriptor.ReadsComponentWithID(id)
	}
}

func (d *dedupDescriptor) WritesComponentWithID(id ecs.ComponentTypeID) {
	if d.first('w', uint32(id)) {
		d.AccessDescriptor.WritesComponentWithID(id)
	}
}

func (d *dedupDescriptor) ReadsResourceWithID(id ecs.ResourceID) {
	if d.first('R', uint32(id)) {
		d.AccessDescriptor.ReadsResourceWithID(id)
	}
}

func (d *dedupDescriptor) WritesResourceWithID(id ecs.ResourceID) {
	if d.first('W', uint32(id)) {
		d.AccessDescriptor.WritesResourceWithID(id)
	}
}

func checkParams(params map[string]string, allowed ...string) error {
	for key := range params {
		known := false
		for _, a := range allowed {
			if key == a {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("unknown param %q", key)
		}
	}
	return nil
}

func paramInt(params map[string]string, key string, def int) (int, error) {
	raw, ok := params[key]
	if !ok {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("param %s: %w", key, err)
	}
	return v, nil
}

func paramFloat(params map[string]string, key string, def float64) (float64, error) {
	raw, ok := params[key]
	if !ok {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("param %s: %w", key, err)
	}
	return v, nil
}

func paramDuration(params map[string]string, key string, def time.Duration) (time.Duration, error) {
	raw, ok := params[key]
	if !ok {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("param %s: %w", key, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("param %s must be positive, got %s", key, raw)
	}
	return v, nil
}
