package ecs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// executor runs the systems of a channel against a world.
type executor struct {
	schedule    string
	maxParallel int
	observer    Observer
	logger      zerolog.Logger
}

// runExclusive runs every entry on the calling goroutine in the channel's
// total order, stopping at the first failure.
func (x *executor) runExclusive(ctx context.Context, w *World, c *SystemChannel, tick uint64) error {
	if len(c.graph.order) == 0 {
		return nil
	}
	x.observer.LevelStarted(ctx, c.kind, 0, len(c.graph.order))

	for _, node := range c.graph.order {
		info := SystemInfo{
			Schedule: x.schedule,
			Channel:  c.kind,
			Label:    c.entries[node].Label,
			Tick:     tick,
		}
		if err := x.runSystem(ctx, w, c.entries[node], info); err != nil {
			return err
		}
	}
	return nil
}

// runParallel runs the channel level by level. Each level is a barrier: a
// level starts only after every system of the previous level has returned.
// A failing level is allowed to finish but no later level is started.
func (x *executor) runParallel(ctx context.Context, w *World, c *SystemChannel, tick uint64) error {
	for level, nodes := range c.graph.levels {
		x.observer.LevelStarted(ctx, c.kind, level, len(nodes))
		x.logger.Debug().
			Int("level", level).
			Int("width", len(nodes)).
			Msg("Dispatching level")

		if err := x.executeLevel(ctx, w, c, level, nodes, tick); err != nil {
			return err
		}
	}
	return nil
}

// executeLevel runs the systems of one level on a bounded worker pool.
func (x *executor) executeLevel(
	ctx context.Context,
	w *World,
	c *SystemChannel,
	level int,
	nodes []int,
	tick uint64,
) error {
	infoFor := func(node int) SystemInfo {
		return SystemInfo{
			Schedule: x.schedule,
			Channel:  c.kind,
			Label:    c.entries[node].Label,
			Level:    level,
			Tick:     tick,
		}
	}

	if len(nodes) == 1 {
		return x.runSystem(ctx, w, c.entries[nodes[0]], infoFor(nodes[0]))
	}

	workerCount := x.maxParallel
	if len(nodes) < workerCount {
		workerCount = len(nodes)
	}

	// Work queue holds positions within the level so results keep index order.
	workQueue := make(chan int, len(nodes))
	for i := range nodes {
		workQueue <- i
	}
	close(workQueue)

	results := make([]error, len(nodes))
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for pos := range workQueue {
				node := nodes[pos]
				results[pos] = x.runSystem(ctx, w, c.entries[node], infoFor(node))
			}
		}()
	}
	wg.Wait()

	var failed []error
	for _, err := range results {
		if err != nil {
			failed = append(failed, err)
		}
	}
	switch len(failed) {
	case 0:
		return nil
	case 1:
		return failed[0]
	default:
		return errors.Join(failed...)
	}
}

// runSystem invokes one system, converting a panic into an execution error.
func (x *executor) runSystem(ctx context.Context, w *World, entry *SystemEntry, info SystemInfo) (err error) {
	sysCtx := x.observer.SystemStarted(ctx, info)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			cause, ok := r.(error)
			if !ok {
				cause = fmt.Errorf("%v", r)
			}
			err = NewExecutionError("system panicked", cause).
				WithCode(ErrCodeSystemFailed).
				WithLabel(entry.Label).
				WithChannel(info.Channel.String()).
				WithDetail("stack", string(debug.Stack()))
		}

		duration := time.Since(start)
		if err != nil {
			x.logger.Error().
				Err(err).
				Str("system", string(entry.Label)).
				Str("channel", info.Channel.String()).
				Dur("duration", duration).
				Msg("System failed")
		}
		x.observer.SystemCompleted(sysCtx, info, duration, err)
	}()

	if runErr := entry.System.Run(sysCtx, w); runErr != nil {
		return NewExecutionError("system returned an error", runErr).
			WithCode(ErrCodeSystemFailed).
			WithLabel(entry.Label).
			WithChannel(info.Channel.String())
	}
	return nil
}
