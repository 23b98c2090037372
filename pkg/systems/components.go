package systems

import (
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

// Position is the world-space position of a body.
type Position struct {
	mgl64.Vec3
}

// TypeName implements ecs.TypeNamer.
func (Position) TypeName() string { return "Position" }

// Velocity is the linear velocity of a body in units per second.
type Velocity struct {
	mgl64.Vec3
}

// TypeName implements ecs.TypeNamer.
func (Velocity) TypeName() string { return "Velocity" }

// Gravity is the global acceleration applied by physics.gravity.
type Gravity struct {
	Accel mgl64.Vec3
}

// TypeName implements ecs.TypeNamer.
func (Gravity) TypeName() string { return "Gravity" }

// ScriptValue implements ScriptValuer.
func (g Gravity) ScriptValue() any {
	return vecValue(g.Accel)
}

// DefaultGravity is used when no Gravity resource has been set.
var DefaultGravity = Gravity{Accel: mgl64.Vec3{0, -9.81, 0}}

// Time is the simulation clock advanced by time.advance.
type Time struct {
	Tick    uint64
	Delta   time.Duration
	Elapsed time.Duration
}

// TypeName implements ecs.TypeNamer.
func (Time) TypeName() string { return "Time" }

// ScriptValue implements ScriptValuer.
func (t Time) ScriptValue() any {
	return map[string]any{
		"tick":    int64(t.Tick),
		"delta":   t.Delta.Seconds(),
		"elapsed": t.Elapsed.Seconds(),
	}
}

// RenderStats summarizes body positions for the render stage.
type RenderStats struct {
	Tick     uint64
	Bodies   int
	Centroid mgl64.Vec3
	Min      mgl64.Vec3
	Max      mgl64.Vec3
}

// TypeName implements ecs.TypeNamer.
func (RenderStats) TypeName() string { return "RenderStats" }

// ScriptValue implements ScriptValuer.
func (r RenderStats) ScriptValue() any {
	return map[string]any{
		"tick":     int64(r.Tick),
		"bodies":   int64(r.Bodies),
		"centroid": vecValue(r.Centroid),
		"min":      vecValue(r.Min),
		"max":      vecValue(r.Max),
	}
}

// ScriptValuer is implemented by resources that scripted systems can read.
// The returned value must be built from nil, bool, int64, float64, string,
// []any and map[string]any.
type ScriptValuer interface {
	ScriptValue() any
}

func vecValue(v mgl64.Vec3) []any {
	return []any{v.X(), v.Y(), v.Z()}
}
