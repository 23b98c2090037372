// Package systems provides the systems a manifest can register: built-in
// native systems and Starlark, Lua and WebAssembly scripted systems.
//
// # Native Systems
//
// Native systems are Go values created by a Factory from manifest params.
// The built-in registry holds:
//
//	physics.gravity   writes Velocity, reads Gravity and Time
//	physics.move      reads Velocity and Time, writes Position
//	render.snapshot   reads Position and Time, writes RenderStats
//	time.advance      writes Time (param delta, default 16ms)
//	spawn.grid        writes Position and Velocity, spawns once (count, spacing, height)
//	lifecycle.cull    reads Position, despawns bodies below floor
//
// # Scripted Systems
//
// A scripted system declares exactly what the manifest lists for it. Scripts
// see the world's named resources through a guard: reading a resource that is
// not in reads_resources or writes_resources, or writing one that is not in
// writes_resources, fails the system with ErrAccessViolation.
//
// Starlark and Lua scripts define run(world). The world argument has a label
// field and two functions:
//
//	world.get(name, default=None)
//	world.set(name, value)
//
// A Starlark drag system:
//
//	def run(world):
//	    v = world.get("Speed", 0.0)
//	    world.set("Speed", v * 0.98)
//
// WebAssembly modules export run and import get_resource and set_resource
// from the env module; see WASMSystem.
package systems
