package stores

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-ecs/pkg/ecs"
)

type tickKey struct {
	schedule string
	tick     uint64
}

type pendingTick struct {
	started time.Time
	systems []SystemRecord
}

// JournalObserver is an ecs.Observer that writes rebuilds, ticks and system
// invocations of one run to a Journal. Write errors are logged and counted,
// never returned to the schedule.
type JournalObserver struct {
	ecs.NopObserver

	journal Journal
	runID   string
	logger  zerolog.Logger

	mu      sync.Mutex
	pending map[tickKey]*pendingTick
	ticks   uint64
	errors  int
}

// NewJournalObserver creates an observer recording into run runID.
func NewJournalObserver(journal Journal, runID string, logger zerolog.Logger) *JournalObserver {
	return &JournalObserver{
		journal: journal,
		runID:   runID,
		logger:  logger.With().Str("component", "journal").Str("run_id", runID).Logger(),
		pending: make(map[tickKey]*pendingTick),
	}
}

// RunID returns the run the observer records into.
func (o *JournalObserver) RunID() string {
	return o.runID
}

// Ticks returns the number of ticks recorded.
func (o *JournalObserver) Ticks() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ticks
}

// Errors returns the number of failed journal writes.
func (o *JournalObserver) Errors() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.errors
}

// RebuildCompleted records the rebuild.
func (o *JournalObserver) RebuildCompleted(ctx context.Context, info ecs.RebuildInfo) {
	rec := &RebuildRecord{
		RunID:      o.runID,
		Stage:      info.Schedule,
		Rebuild:    info.Rebuild,
		Systems:    info.Systems,
		Levels:     info.Levels,
		Edges:      info.Edges,
		Duration:   info.Duration,
		Error:      errString(info.Err),
		RecordedAt: time.Now(),
	}
	if err := o.journal.RecordRebuild(ctx, rec); err != nil {
		o.failed(err, "Failed to record rebuild")
	}
}

// TickStarted opens a pending tick.
func (o *JournalObserver) TickStarted(ctx context.Context, info ecs.TickInfo) context.Context {
	o.mu.Lock()
	o.pending[tickKey{info.Schedule, info.Tick}] = &pendingTick{started: time.Now()}
	o.mu.Unlock()
	return ctx
}

// SystemCompleted adds the invocation to its pending tick.
func (o *JournalObserver) SystemCompleted(_ context.Context, info ecs.SystemInfo, d time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, ok := o.pending[tickKey{info.Schedule, info.Tick}]
	if !ok {
		return
	}
	p.systems = append(p.systems, SystemRecord{
		Label:    string(info.Label),
		Channel:  info.Channel.String(),
		Level:    info.Level,
		Duration: d,
		Error:    errString(err),
	})
}

// TickCompleted writes the tick with its system invocations.
func (o *JournalObserver) TickCompleted(ctx context.Context, info ecs.TickInfo, err error) {
	key := tickKey{info.Schedule, info.Tick}

	o.mu.Lock()
	p, ok := o.pending[key]
	delete(o.pending, key)
	o.mu.Unlock()

	if !ok {
		p = &pendingTick{started: time.Now().Add(-info.Duration)}
	}

	rec := &TickRecord{
		RunID:     o.runID,
		Stage:     info.Schedule,
		Tick:      info.Tick,
		Rebuilt:   info.Rebuilt,
		StartedAt: p.started,
		Duration:  info.Duration,
		Error:     errString(err),
		Systems:   p.systems,
	}
	if werr := o.journal.RecordTick(ctx, rec); werr != nil {
		o.failed(werr, "Failed to record tick")
		return
	}

	o.mu.Lock()
	o.ticks++
	o.mu.Unlock()
}

func (o *JournalObserver) failed(err error, msg string) {
	o.mu.Lock()
	o.errors++
	o.mu.Unlock()
	o.logger.Error().Err(err).Msg(msg)
}
