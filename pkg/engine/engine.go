package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-ecs/pkg/config"
	"github.com/openfroyo/froyo-ecs/pkg/ecs"
	"github.com/openfroyo/froyo-ecs/pkg/policy"
	"github.com/openfroyo/froyo-ecs/pkg/systems"
	"github.com/openfroyo/froyo-ecs/pkg/telemetry"
)

// Options configures an Engine.
type Options struct {
	// Builder builds manifest systems. Default is systems.NewBuilder(nil, nil).
	Builder SystemBuilder

	// Registry interns component and resource names.
	// Default is ecs.DefaultRegistry().
	Registry *ecs.Registry

	// World is ticked by the stages. Default is a new world on Registry.
	World *ecs.World

	// Policy evaluates stage plans when the manifest enables policies.
	// A nil evaluator skips policy checks.
	Policy PolicyEvaluator

	// Telemetry, when set, observes every schedule and receives reload and
	// policy events.
	Telemetry *telemetry.Telemetry

	// Observers are installed on every schedule.
	Observers []ecs.Observer

	Logger zerolog.Logger
}

// Engine owns the stages built from a manifest and ticks them against one
// world. A reloaded manifest replaces the stages between ticks; the world
// and its entities carry over.
type Engine struct {
	opts     Options
	logger   zerolog.Logger
	observer ecs.Observer
	world    *ecs.World

	mu       sync.Mutex
	manifest *config.Manifest
	stages   *ecs.Stages
	systems  []ecs.System
	plans    []*ecs.Plan
	policy   *policy.Result
	state    State
	ticks    uint64
	reloads  int
	rejected int
	lastTick time.Time
	lastErr  error
}

// New builds the stages of m. Every stage graph is rebuilt and, when the
// manifest enables policies, checked before New returns.
func New(ctx context.Context, m *config.Manifest, opts Options) (*Engine, error) {
	if m == nil {
		return nil, newError(PhaseBuild, "manifest is nil", nil)
	}
	e := newEngine(opts)

	built, err := e.prepare(ctx, m)
	if err != nil {
		return nil, err
	}
	e.install(m, built)

	e.logger.Info().
		Str("manifest", m.Name).
		Int("stages", len(m.Stages)).
		Int("systems", m.SystemCount()).
		Dur("tick_rate", m.TickInterval()).
		Msg("Engine built")

	return e, nil
}

func newEngine(opts Options) *Engine {
	if opts.Registry == nil {
		opts.Registry = ecs.DefaultRegistry()
	}
	if opts.Builder == nil {
		opts.Builder = systems.NewBuilder(nil, &systems.ScriptConfig{Registry: opts.Registry})
	}
	if opts.World == nil {
		opts.World = ecs.NewWorldWithRegistry(opts.Registry)
	}

	observers := append([]ecs.Observer{}, opts.Observers...)
	if opts.Telemetry != nil {
		observers = append(observers, telemetry.NewScheduleObserver(opts.Telemetry))
	}

	return &Engine{
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "engine").Logger(),
		observer: ecs.Observers(observers...),
		world:    opts.World,
		state:    StateIdle,
	}
}

// prepared is a fully built and checked set of stages not yet installed.
type prepared struct {
	stages  *ecs.Stages
	systems []ecs.System
	plans   []*ecs.Plan
	policy  *policy.Result
}

func (e *Engine) prepare(ctx context.Context, m *config.Manifest) (*prepared, error) {
	built, err := e.build(ctx, m)
	if err != nil {
		return nil, err
	}

	plans, err := planStages(ctx, built.stages)
	if err != nil {
		e.closeSystems(built.systems)
		return nil, err
	}
	built.plans = plans

	result, err := e.checkPolicy(ctx, m, plans)
	if err != nil {
		e.closeSystems(built.systems)
		return nil, err
	}
	built.policy = result

	return built, nil
}

func (e *Engine) build(ctx context.Context, m *config.Manifest) (*prepared, error) {
	out := &prepared{stages: ecs.NewStages()}

	for _, sc := range m.Stages {
		label, err := ecs.ParseStageLabel(sc.Name)
		if err != nil {
			e.closeSystems(out.systems)
			return nil, newError(PhaseBuild, "unknown stage", err).WithStage(sc.Name)
		}

		schedule := ecs.NewSchedule(
			ecs.WithName(sc.Name),
			ecs.WithMaxParallel(m.MaxParallel),
			ecs.WithStrictOrdering(m.StrictOrdering),
			ecs.WithRegistry(e.opts.Registry),
			ecs.WithObserver(e.observer),
			ecs.WithLogger(e.logger.With().Str("stage", sc.Name).Logger()),
		)

		for _, sys := range sc.Systems {
			kind, err := ecs.ParseChannelKind(sys.Channel)
			if err != nil {
				e.closeSystems(out.systems)
				return nil, newError(PhaseBuild, "invalid channel", err).WithStage(sc.Name).WithSystem(sys.Label)
			}

			system, err := e.opts.Builder.Build(ctx, m, sys)
			if err != nil {
				e.closeSystems(out.systems)
				return nil, newError(PhaseBuild, "failed to build system", err).WithStage(sc.Name).WithSystem(sys.Label)
			}
			out.systems = append(out.systems, system)

			if err := schedule.AddToChannel(kind, ecs.Label(sys.Label), system); err != nil {
				e.closeSystems(out.systems)
				return nil, newError(PhaseBuild, "failed to register system", err).WithStage(sc.Name).WithSystem(sys.Label)
			}
		}

		out.stages.Set(label, schedule)
	}

	return out, nil
}

func planStages(ctx context.Context, stages *ecs.Stages) ([]*ecs.Plan, error) {
	var plans []*ecs.Plan
	for _, label := range stages.Labels() {
		schedule, ok := stages.Schedule(label)
		if !ok {
			continue
		}
		plan, err := schedule.Plan(ctx)
		if err != nil {
			err := newError(PhasePlan, "failed to rebuild stage", err).WithStage(label.String())
			if l, ok := ecs.FailedLabel(err.Err); ok {
				err.WithSystem(string(l))
			}
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

// install swaps in p and returns the systems it replaced.
func (e *Engine) install(m *config.Manifest, p *prepared) []ecs.System {
	old := e.systems
	e.manifest = m
	e.stages = p.stages
	e.systems = p.systems
	e.plans = p.plans
	e.policy = p.policy
	return old
}

func (e *Engine) closeSystems(built []ecs.System) {
	for _, sys := range built {
		if err := systems.Close(sys); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to close system")
		}
	}
}

// Tick runs every stage once and then applies queued despawns.
func (e *Engine) Tick(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateClosed {
		return newError(PhaseTick, "engine is closed", nil)
	}

	err := e.stages.Run(ctx, e.world)
	despawned := e.world.Flush()
	e.ticks++
	e.lastTick = time.Now()

	if err != nil {
		e.lastErr = err
		return newError(PhaseTick, fmt.Sprintf("tick %d failed", e.ticks), err)
	}

	if despawned > 0 {
		e.logger.Debug().Uint64("tick", e.ticks).Int("despawned", despawned).Msg("Despawned entities")
	}
	return nil
}

// RunOptions controls Run.
type RunOptions struct {
	// Ticks stops the loop after this many ticks. Zero runs until ctx is done.
	Ticks uint64

	// Updates delivers reloaded manifests. They are applied between ticks.
	Updates <-chan config.Update
}

// Run ticks at the manifest's tick rate until opts.Ticks ticks have run, ctx
// is done, or a tick fails. A tick failure is returned; cancellation is not.
func (e *Engine) Run(ctx context.Context, opts RunOptions) error {
	e.mu.Lock()
	switch e.state {
	case StateRunning:
		e.mu.Unlock()
		return newError(PhaseTick, "engine is already running", nil)
	case StateClosed:
		e.mu.Unlock()
		return newError(PhaseTick, "engine is closed", nil)
	}
	e.state = StateRunning
	interval := e.manifest.TickInterval()
	e.mu.Unlock()

	e.logger.Info().Dur("interval", interval).Uint64("ticks", opts.Ticks).Msg("Tick loop started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	updates := opts.Updates
	var done uint64
	for opts.Ticks == 0 || done < opts.Ticks {
		select {
		case <-ctx.Done():
			e.stop(StateStopped, done)
			return nil

		case u, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			e.applyUpdate(ctx, u)
			if next := e.Interval(); next != interval {
				interval = next
				ticker.Reset(interval)
				e.logger.Info().Dur("interval", interval).Msg("Tick rate changed")
			}

		case <-ticker.C:
			if err := e.Tick(ctx); err != nil {
				e.stop(StateFailed, done)
				return err
			}
			done++
		}
	}

	e.stop(StateStopped, done)
	return nil
}

func (e *Engine) stop(state State, ticks uint64) {
	e.mu.Lock()
	if e.state != StateClosed {
		e.state = state
	}
	e.mu.Unlock()
	e.logger.Info().Str("state", string(state)).Uint64("ticks", ticks).Msg("Tick loop stopped")
}

func (e *Engine) applyUpdate(ctx context.Context, u config.Update) {
	if u.Err != nil {
		e.rejectReload(newError(PhaseReload, "manifest failed to load", u.Err))
		return
	}
	// Reload reports its own failure.
	_ = e.Reload(ctx, u.Manifest)
}

// Reload builds m and, if it builds, rebuilds and passes enforced policies,
// installs it in place of the current stages. On failure the current stages
// keep running.
func (e *Engine) Reload(ctx context.Context, m *config.Manifest) error {
	if m == nil {
		err := newError(PhaseReload, "manifest is nil", nil)
		e.rejectReload(err)
		return err
	}

	p, err := e.prepare(ctx, m)
	if err != nil {
		err := newError(PhaseReload, "manifest rejected", err)
		e.rejectReload(err)
		return err
	}

	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		e.closeSystems(p.systems)
		return newError(PhaseReload, "engine is closed", nil)
	}
	old := e.install(m, p)
	e.reloads++
	e.mu.Unlock()

	e.closeSystems(old)

	e.logger.Info().
		Str("manifest", m.Name).
		Int("systems", m.SystemCount()).
		Msg("Manifest applied")
	if tel := e.opts.Telemetry; tel != nil {
		if tel.Metrics != nil {
			tel.Metrics.RecordReload(telemetry.StatusSuccess)
		}
		if tel.Events != nil {
			_ = tel.Events.PublishManifestReloaded(m.Path, nil)
		}
	}
	return nil
}

func (e *Engine) rejectReload(err error) {
	e.mu.Lock()
	e.rejected++
	e.lastErr = err
	path := ""
	if e.manifest != nil {
		path = e.manifest.Path
	}
	e.mu.Unlock()

	e.logger.Warn().Err(err).Msg("Manifest reload rejected, keeping current stages")
	if tel := e.opts.Telemetry; tel != nil {
		if tel.Metrics != nil {
			tel.Metrics.RecordReload(telemetry.StatusFailed)
		}
		if tel.Events != nil {
			_ = tel.Events.PublishManifestReloaded(path, err)
		}
	}
}

// Close releases every system. A closed engine cannot tick.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		return nil
	}
	e.state = StateClosed
	old := e.systems
	e.systems = nil
	e.mu.Unlock()

	e.closeSystems(old)
	return nil
}

// Manifest returns the installed manifest.
func (e *Engine) Manifest() *config.Manifest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.manifest
}

// World returns the world the stages tick.
func (e *Engine) World() *ecs.World {
	return e.world
}

// Interval returns the tick interval of the installed manifest.
func (e *Engine) Interval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.manifest.TickInterval()
}

// Schedule returns the schedule of the named stage.
func (e *Engine) Schedule(stage string) (*ecs.Schedule, bool) {
	label, err := ecs.ParseStageLabel(stage)
	if err != nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stages.Schedule(label)
}

// PolicyResult returns the policy evaluation of the installed manifest, or
// nil when policies are disabled.
func (e *Engine) PolicyResult() *policy.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.policy
}

// Status returns a snapshot of the engine.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{
		State:    e.state,
		Manifest: e.manifest.Name,
		Systems:  e.manifest.SystemCount(),
		Ticks:    e.ticks,
		Reloads:  e.reloads,
		Rejected: e.rejected,
		LastTick: e.lastTick,
		Entities: e.world.Entities(),
	}
	for _, label := range e.stages.Labels() {
		st.Stages = append(st.Stages, label.String())
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	return st
}
