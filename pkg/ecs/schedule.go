package ecs

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ScheduleState tracks whether the dependency graphs match the registered systems.
type ScheduleState int

const (
	// StateClean means the graphs reflect the registered systems.
	StateClean ScheduleState = iota

	// StateDirty means a registration changed since the last rebuild.
	StateDirty
)

// String returns the string representation of the state.
func (s ScheduleState) String() string {
	switch s {
	case StateClean:
		return "clean"
	case StateDirty:
		return "dirty"
	default:
		return "unknown"
	}
}

// Option configures a Schedule.
type Option func(*Schedule)

// WithName names the schedule in logs, errors and telemetry.
func WithName(name string) Option {
	return func(s *Schedule) { s.name = name }
}

// WithMaxParallel bounds the number of systems running concurrently.
// Values <= 0 select runtime.GOMAXPROCS(0).
func WithMaxParallel(n int) Option {
	return func(s *Schedule) {
		if n > 0 {
			s.exec.maxParallel = n
		}
	}
}

// WithLogger sets the logger used by the schedule.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Schedule) { s.logger = logger }
}

// WithObserver installs an observer for rebuild, tick and system events.
func WithObserver(observer Observer) Option {
	return func(s *Schedule) {
		if observer != nil {
			s.observer = observer
		}
	}
}

// WithStrictOrdering turns a conflict whose registration order is reversed by
// an explicit ordering into a configuration error.
func WithStrictOrdering(strict bool) Option {
	return func(s *Schedule) { s.strict = strict }
}

// WithRegistry sets the ID registry used to name IDs in errors and plans.
func WithRegistry(registry *Registry) Option {
	return func(s *Schedule) {
		if registry != nil {
			s.registry = registry
		}
	}
}

type pendingOp struct {
	remove bool
	kind   ChannelKind
	entry  *SystemEntry
	label  Label
}

// Schedule runs three channels every tick: exclusive-at-start, parallel and
// exclusive-at-end. Graphs are rebuilt lazily on the first tick after a
// registration change.
//
// Registrations made while a tick is running are queued and applied when the
// tick returns.
type Schedule struct {
	name     string
	registry *Registry
	strict   bool
	logger   zerolog.Logger
	observer Observer
	exec     executor

	mu       sync.Mutex
	channels [3]*SystemChannel
	labels   map[Label]ChannelKind
	state    ScheduleState
	running  bool
	pending  []pendingOp
	rebuilds uint64
	ticks    uint64
}

// NewSchedule creates an empty schedule.
func NewSchedule(opts ...Option) *Schedule {
	s := &Schedule{
		name:     "default",
		registry: defaultRegistry,
		logger:   zerolog.Nop(),
		observer: NopObserver{},
		labels:   make(map[Label]ChannelKind),
		state:    StateDirty,
		exec:     executor{maxParallel: runtime.GOMAXPROCS(0)},
	}
	for _, kind := range []ChannelKind{ChannelExclusiveStart, ChannelParallel, ChannelExclusiveEnd} {
		s.channels[kind] = newSystemChannel(kind)
	}
	for _, opt := range opts {
		opt(s)
	}

	s.logger = s.logger.With().Str("schedule", s.name).Logger()
	s.exec.schedule = s.name
	s.exec.observer = s.observer
	s.exec.logger = s.logger
	return s
}

// Name returns the schedule name.
func (s *Schedule) Name() string {
	return s.name
}

// AddExclusiveAtStartSystem registers a system in the exclusive-at-start channel.
func (s *Schedule) AddExclusiveAtStartSystem(label Label, system System) error {
	return s.add(ChannelExclusiveStart, label, system)
}

// AddSystem registers a system in the parallel channel.
func (s *Schedule) AddSystem(label Label, system System) error {
	return s.add(ChannelParallel, label, system)
}

// AddExclusiveAtEndSystem registers a system in the exclusive-at-end channel.
func (s *Schedule) AddExclusiveAtEndSystem(label Label, system System) error {
	return s.add(ChannelExclusiveEnd, label, system)
}

// AddToChannel registers a system in the given channel.
func (s *Schedule) AddToChannel(kind ChannelKind, label Label, system System) error {
	if kind < ChannelExclusiveStart || kind > ChannelExclusiveEnd {
		return NewConfigurationError(fmt.Sprintf("unknown channel %d", kind), nil).
			WithCode(ErrCodeNotFound).
			WithLabel(label)
	}
	return s.add(kind, label, system)
}

func (s *Schedule) add(kind ChannelKind, label Label, system System) error {
	if label == "" {
		return NewConfigurationError("system label is empty", nil).
			WithChannel(kind.String())
	}
	if system == nil {
		return NewConfigurationError("system is nil", nil).
			WithLabel(label).
			WithChannel(kind.String())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.labels[label]; ok {
		return NewConfigurationError(fmt.Sprintf("duplicate system label: %s", label), nil).
			WithCode(ErrCodeDuplicateLabel).
			WithLabel(label).
			WithChannel(existing.String())
	}
	s.labels[label] = kind

	entry := newSystemEntry(label, system, s.registry)
	if s.running {
		s.pending = append(s.pending, pendingOp{kind: kind, entry: entry, label: label})
		return nil
	}
	s.channels[kind].add(entry)
	s.state = StateDirty
	return nil
}

// RemoveSystem unregisters the labelled system.
func (s *Schedule) RemoveSystem(label Label) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kind, ok := s.labels[label]
	if !ok {
		return NewConfigurationError(fmt.Sprintf("unknown system label: %s", label), nil).
			WithCode(ErrCodeNotFound).
			WithLabel(label)
	}
	delete(s.labels, label)

	if s.running {
		s.pending = append(s.pending, pendingOp{remove: true, kind: kind, label: label})
		return nil
	}
	s.channels[kind].remove(label)
	s.state = StateDirty
	return nil
}

// applyPendingLocked applies registrations queued during a tick.
func (s *Schedule) applyPendingLocked() {
	if len(s.pending) == 0 {
		return
	}
	for _, op := range s.pending {
		if op.remove {
			s.channels[op.kind].remove(op.label)
		} else {
			s.channels[op.kind].add(op.entry)
		}
	}
	s.pending = nil
	s.state = StateDirty
}

// State returns the current Clean/Dirty state.
func (s *Schedule) State() ScheduleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Rebuilds returns the number of successful rebuilds.
func (s *Schedule) Rebuilds() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebuilds
}

// Ticks returns the number of RunOnce calls that started executing.
func (s *Schedule) Ticks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

// Len returns the number of registered systems across all channels.
func (s *Schedule) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.labels)
}

// Channel returns a copy of the channel of the given kind as of the last
// rebuild. Registrations and rebuilds made afterwards do not show in the copy.
func (s *Schedule) Channel(kind ChannelKind) *SystemChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels[kind].snapshot()
}

// Rebuild rebuilds all three channel graphs regardless of state.
func (s *Schedule) Rebuild(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return NewConfigurationError("cannot rebuild while a tick is running", nil)
	}
	return s.rebuildLocked(ctx)
}

func (s *Schedule) rebuildLocked(ctx context.Context) error {
	start := time.Now()
	info := RebuildInfo{Schedule: s.name, Rebuild: s.rebuilds + 1}

	var err error
	for _, c := range s.channels {
		if err = c.rebuild(s.strict); err != nil {
			break
		}
		info.Systems += len(c.entries)
		info.Levels += len(c.graph.levels)
		info.Edges += len(c.graph.edges)
	}

	info.Duration = time.Since(start)
	info.Err = err
	s.observer.RebuildCompleted(ctx, info)

	if err != nil {
		s.state = StateDirty
		s.logger.Error().Err(err).Msg("Schedule rebuild failed")
		return err
	}

	s.rebuilds++
	s.state = StateClean
	s.logger.Debug().
		Uint64("rebuild", s.rebuilds).
		Int("systems", info.Systems).
		Int("levels", info.Levels).
		Int("edges", info.Edges).
		Dur("duration", info.Duration).
		Msg("Schedule rebuilt")
	return nil
}

// RunOnce executes one tick: the exclusive-at-start channel, then the parallel
// channel, then the exclusive-at-end channel. A Dirty schedule is rebuilt first.
// The first system failure stops the tick and is returned.
func (s *Schedule) RunOnce(ctx context.Context, w *World) error {
	if w == nil {
		return NewConfigurationError("world is nil", nil)
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return NewConfigurationError("schedule is already running a tick", nil)
	}
	rebuilt := false
	if s.state == StateDirty {
		if err := s.rebuildLocked(ctx); err != nil {
			s.mu.Unlock()
			return err
		}
		rebuilt = true
	}
	s.running = true
	s.ticks++
	info := TickInfo{Schedule: s.name, Tick: s.ticks, Rebuilt: rebuilt}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.applyPendingLocked()
		s.mu.Unlock()
	}()

	start := time.Now()
	tickCtx := s.observer.TickStarted(ctx, info)

	err := s.exec.runExclusive(tickCtx, w, s.channels[ChannelExclusiveStart], info.Tick)
	if err == nil {
		err = s.exec.runParallel(tickCtx, w, s.channels[ChannelParallel], info.Tick)
	}
	if err == nil {
		err = s.exec.runExclusive(tickCtx, w, s.channels[ChannelExclusiveEnd], info.Tick)
	}

	info.Duration = time.Since(start)
	s.observer.TickCompleted(tickCtx, info, err)
	return err
}

// Run implements Stage.
func (s *Schedule) Run(ctx context.Context, w *World) error {
	return s.RunOnce(ctx, w)
}

// Plan rebuilds the schedule if needed and returns a snapshot of its graphs.
func (s *Schedule) Plan(ctx context.Context) (*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDirty {
		if s.running {
			return nil, NewConfigurationError("cannot rebuild while a tick is running", nil)
		}
		if err := s.rebuildLocked(ctx); err != nil {
			return nil, err
		}
	}
	return s.planLocked(), nil
}
