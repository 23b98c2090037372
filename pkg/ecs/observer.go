package ecs

import (
	"context"
	"time"
)

// RebuildInfo describes a completed (or failed) graph rebuild.
type RebuildInfo struct {
	Schedule string
	Rebuild  uint64
	Systems  int
	Levels   int
	Edges    int
	Duration time.Duration
	Err      error
}

// TickInfo describes one RunOnce call.
type TickInfo struct {
	Schedule string
	Tick     uint64
	Rebuilt  bool
	Duration time.Duration
}

// SystemInfo identifies a system invocation.
type SystemInfo struct {
	Schedule string
	Channel  ChannelKind
	Label    Label
	Level    int
	Tick     uint64
}

// Observer receives scheduling events. Calls for systems in the same parallel
// level are made concurrently, so implementations must be safe for concurrent use.
type Observer interface {
	RebuildCompleted(ctx context.Context, info RebuildInfo)
	TickStarted(ctx context.Context, info TickInfo) context.Context
	TickCompleted(ctx context.Context, info TickInfo, err error)
	LevelStarted(ctx context.Context, channel ChannelKind, level, width int)
	SystemStarted(ctx context.Context, info SystemInfo) context.Context
	SystemCompleted(ctx context.Context, info SystemInfo, duration time.Duration, err error)
}

// NopObserver ignores every event. Embed it to implement a subset of Observer.
type NopObserver struct{}

func (NopObserver) RebuildCompleted(context.Context, RebuildInfo) {}

func (NopObserver) TickStarted(ctx context.Context, _ TickInfo) context.Context { return ctx }

func (NopObserver) TickCompleted(context.Context, TickInfo, error) {}

func (NopObserver) LevelStarted(context.Context, ChannelKind, int, int) {}

func (NopObserver) SystemStarted(ctx context.Context, _ SystemInfo) context.Context { return ctx }

func (NopObserver) SystemCompleted(context.Context, SystemInfo, time.Duration, error) {}

type multiObserver []Observer

// Observers fans events out to every observer in order.
func Observers(observers ...Observer) Observer {
	flat := make(multiObserver, 0, len(observers))
	for _, o := range observers {
		if o == nil {
			continue
		}
		if m, ok := o.(multiObserver); ok {
			flat = append(flat, m...)
			continue
		}
		flat = append(flat, o)
	}
	if len(flat) == 1 {
		return flat[0]
	}
	return flat
}

func (m multiObserver) RebuildCompleted(ctx context.Context, info RebuildInfo) {
	for _, o := range m {
		o.RebuildCompleted(ctx, info)
	}
}

func (m multiObserver) TickStarted(ctx context.Context, info TickInfo) context.Context {
	for _, o := range m {
		ctx = o.TickStarted(ctx, info)
	}
	return ctx
}

func (m multiObserver) TickCompleted(ctx context.Context, info TickInfo, err error) {
	for _, o := range m {
		o.TickCompleted(ctx, info, err)
	}
}

func (m multiObserver) LevelStarted(ctx context.Context, channel ChannelKind, level, width int) {
	for _, o := range m {
		o.LevelStarted(ctx, channel, level, width)
	}
}

func (m multiObserver) SystemStarted(ctx context.Context, info SystemInfo) context.Context {
	for _, o := range m {
		ctx = o.SystemStarted(ctx, info)
	}
	return ctx
}

func (m multiObserver) SystemCompleted(ctx context.Context, info SystemInfo, d time.Duration, err error) {
	for _, o := range m {
		o.SystemCompleted(ctx, info, d, err)
	}
}
