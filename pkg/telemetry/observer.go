package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/froyo-ecs/pkg/ecs"
	"go.opentelemetry.io/otel/trace"
)

// Status label values used by the scheduler metrics.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// ScheduleObserver reports schedule activity to every telemetry pillar.
// It is safe for concurrent use.
type ScheduleObserver struct {
	tel *Telemetry
	log *Logger
}

var _ ecs.Observer = (*ScheduleObserver)(nil)

// NewScheduleObserver creates an observer backed by tel.
func NewScheduleObserver(tel *Telemetry) *ScheduleObserver {
	return &ScheduleObserver{
		tel: tel,
		log: tel.Logger.NewComponentLogger("scheduler"),
	}
}

func (o *ScheduleObserver) RebuildCompleted(_ context.Context, info ecs.RebuildInfo) {
	status := StatusSuccess
	if info.Err != nil {
		status = StatusFailed
		o.recordError(info.Err)
		o.log.WithSchedule(info.Schedule).WithError(info.Err).Error("schedule rebuild failed")
	} else {
		o.log.WithSchedule(info.Schedule).WithFields(map[string]interface{}{
			"rebuild": info.Rebuild,
			"systems": info.Systems,
			"levels":  info.Levels,
			"edges":   info.Edges,
		}).Debug("schedule rebuilt")
	}

	o.tel.Metrics.RecordRebuild(info.Schedule, status, info.Duration, info.Systems, info.Levels)
	if err := o.tel.Events.PublishRebuild(info.Schedule, info.Rebuild, info.Systems, info.Levels, info.Err); err != nil {
		o.log.WithError(err).Warn("dropped rebuild event")
	}
}

func (o *ScheduleObserver) TickStarted(ctx context.Context, info ecs.TickInfo) context.Context {
	ctx = context.WithValue(ctx, scheduleNameKey{}, info.Schedule)
	ctx, _ = o.tel.Tracer.StartTickSpan(ctx, info.Schedule, info.Tick)
	return ctx
}

func (o *ScheduleObserver) TickCompleted(ctx context.Context, info ecs.TickInfo, err error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(AttrRebuilt.Bool(info.Rebuilt))

	status := StatusSuccess
	if err != nil {
		status = StatusFailed
		RecordError(span, err)
		o.recordError(err)
		if pubErr := o.tel.Events.PublishTickFailed(info.Schedule, info.Tick, err.Error()); pubErr != nil {
			o.log.WithError(pubErr).Warn("dropped tick event")
		}
	} else {
		RecordSuccess(span)
	}
	span.End()

	o.tel.Metrics.RecordTick(info.Schedule, status, info.Duration)
}

func (o *ScheduleObserver) LevelStarted(ctx context.Context, channel ecs.ChannelKind, level, width int) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("level.started", trace.WithAttributes(
		AttrChannel.String(channel.String()),
		AttrLevel.Int(level),
	))
	o.tel.Metrics.RecordLevelWidth(scheduleOf(ctx), channel.String(), width)
}

func (o *ScheduleObserver) SystemStarted(ctx context.Context, info ecs.SystemInfo) context.Context {
	o.tel.Metrics.IncRunningSystems()
	ctx, _ = o.tel.Tracer.StartSystemSpan(ctx, info.Schedule, info.Channel.String(), info.Label.String(), info.Level)
	return ctx
}

func (o *ScheduleObserver) SystemCompleted(ctx context.Context, info ecs.SystemInfo, duration time.Duration, err error) {
	o.tel.Metrics.DecRunningSystems()

	span := trace.SpanFromContext(ctx)
	status := StatusSuccess
	if err != nil {
		status = StatusFailed
		RecordError(span, err)
		if pubErr := o.tel.Events.PublishSystemFailed(info.Schedule, info.Label.String(), info.Tick, err.Error()); pubErr != nil {
			o.log.WithError(pubErr).Warn("dropped system event")
		}
	} else {
		RecordSuccess(span)
		if o.tel.Config != nil && o.tel.Config.Events.SystemEvents {
			_ = o.tel.Events.PublishSystemCompleted(info.Schedule, info.Label.String(), info.Tick, duration)
		}
	}
	span.End()

	o.tel.Metrics.RecordSystemRun(info.Schedule, info.Channel.String(), info.Label.String(), status, duration)
}

func (o *ScheduleObserver) recordError(err error) {
	var se *ecs.SchedulerError
	if errors.As(err, &se) {
		o.tel.Metrics.RecordError(string(se.Class), se.Code)
		return
	}
	o.tel.Metrics.RecordError("unknown", "")
}

type scheduleNameKey struct{}

func scheduleOf(ctx context.Context) string {
	name, _ := ctx.Value(scheduleNameKey{}).(string)
	return name
}
