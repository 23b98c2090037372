// Package ecs provides the world storage and the parallel system scheduler of
// the Froyo ECS runtime.
//
// # Systems and access
//
// A System declares what it touches through an AccessDescriptor:
//
//	func (m *Move) Declare(a ecs.AccessDescriptor) {
//		ecs.Reads[Velocity](a)
//		ecs.Writes[Position](a)
//		a.RunsAfterLabel("physics.gravity")
//	}
//
// Declaring the same ID twice, or both reading and writing it, is a
// declaration conflict reported when the schedule is rebuilt.
//
// # Schedules
//
// A Schedule owns three channels that run in a fixed order every tick:
//
//	exclusive-at-start -> parallel -> exclusive-at-end
//
// Exclusive channels run one system at a time on the caller's goroutine. The
// parallel channel is split into levels; systems in one level have no
// conflicting accesses and run concurrently on a bounded worker pool, and a
// barrier separates consecutive levels.
//
// Two systems conflict when one writes a component or resource that the other
// reads or writes. Conflicting pairs are ordered by registration index unless
// an explicit runs-before/runs-after constraint orders them the other way.
// Cycles among explicit constraints are configuration errors.
//
// Graphs are rebuilt lazily: registration marks the schedule Dirty, and the
// next RunOnce rebuilds all three channels before executing.
//
// # Stages
//
// A Schedule is a Stage. Stages composes the five engine stages (input,
// pre-update, update, post-update, render) and runs each once per tick.
package ecs
