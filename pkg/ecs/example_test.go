package ecs_test

import (
	"context"
	"fmt"
	"log"

	"github.com/openfroyo/froyo-ecs/pkg/ecs"
)

type Position struct{ X, Y float64 }

type Velocity struct{ DX, DY float64 }

// Example demonstrates how conflicting accesses split the parallel channel
// into levels.
func Example_levels() {
	schedule := ecs.NewSchedule(ecs.WithName("update"))

	move := ecs.NewFuncSystem(
		func(a ecs.AccessDescriptor) {
			ecs.Reads[Velocity](a)
			ecs.Writes[Position](a)
		},
		func(_ context.Context, w *ecs.World) error {
			ecs.Each2(ecs.Components[Position](w), ecs.Components[Velocity](w),
				func(_ ecs.Entity, p *Position, v *Velocity) {
					p.X += v.DX
					p.Y += v.DY
				})
			return nil
		},
	)
	gravity := ecs.NewFuncSystem(
		func(a ecs.AccessDescriptor) { ecs.Writes[Velocity](a) },
		func(_ context.Context, w *ecs.World) error {
			ecs.Components[Velocity](w).Each(func(_ ecs.Entity, v *Velocity) { v.DY -= 1 })
			return nil
		},
	)
	render := ecs.NewFuncSystem(
		func(a ecs.AccessDescriptor) { ecs.Reads[Position](a) },
		func(_ context.Context, w *ecs.World) error {
			ecs.Components[Position](w).Each(func(e ecs.Entity, p *Position) {
				fmt.Printf("entity %d at (%.0f, %.0f)\n", e.Index(), p.X, p.Y)
			})
			return nil
		},
	)

	if err := schedule.AddSystem("gravity", gravity); err != nil {
		log.Fatal(err)
	}
	if err := schedule.AddSystem("move", move); err != nil {
		log.Fatal(err)
	}
	if err := schedule.AddSystem("render", render); err != nil {
		log.Fatal(err)
	}

	world := ecs.NewWorld()
	e := world.Spawn()
	ecs.Components[Position](world).Set(e, Position{})
	ecs.Components[Velocity](world).Set(e, Velocity{DX: 2, DY: 1})

	ctx := context.Background()
	plan, err := schedule.Plan(ctx)
	if err != nil {
		log.Fatal(err)
	}
	for i, level := range plan.Channel(ecs.ChannelParallel).Levels {
		fmt.Printf("level %d: %v\n", i, level)
	}

	if err := schedule.RunOnce(ctx, world); err != nil {
		log.Fatal(err)
	}

	// Output:
	// level 0: [gravity]
	// level 1: [move]
	// level 2: [render]
	// entity 0 at (2, 0)
}

// Example demonstrates that a dependency cycle is reported when the schedule
// is rebuilt.
func Example_cycle() {
	schedule := ecs.NewSchedule()
	_ = schedule.AddSystem("a", ecs.NewFuncSystem(func(d ecs.AccessDescriptor) { d.RunsAfterLabel("b") }, nil))
	_ = schedule.AddSystem("b", ecs.NewFuncSystem(func(d ecs.AccessDescriptor) { d.RunsAfterLabel("a") }, nil))

	err := schedule.RunOnce(context.Background(), ecs.NewWorld())
	fmt.Println(ecs.IsConfiguration(err))
	// Output:
	// true
}
