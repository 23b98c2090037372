// Package telemetry provides observability for schedules and the engine that
// drives them.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing. The
// ScheduleObserver adapts all four to the ecs.Observer hooks, so a schedule
// only needs one option to be fully instrumented:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	schedule := ecs.NewSchedule(
//	    ecs.WithName("update"),
//	    ecs.WithObserver(telemetry.NewScheduleObserver(tel)),
//	    ecs.WithLogger(tel.Logger.Zerolog()),
//	)
//
// # Tracing
//
// Each tick is a root span named "schedule.tick". Every system invocation is a
// child span named "system.<label>", and each parallel level adds a
// "level.started" event to the tick span. Sampling is decided per tick and
// inherited by its systems.
//
// Supported exporters: "otlp", "stdout", and "none".
//
// # Metrics
//
// Key metrics exposed (namespace froyo_ecs by default):
//
//   - ticks_total{schedule,status}
//   - tick_duration_seconds{schedule}
//   - rebuilds_total{schedule,status}
//   - rebuild_duration_seconds{schedule}
//   - schedule_systems{schedule}, schedule_levels{schedule}
//   - system_runs_total{schedule,channel,system,status}
//   - system_duration_seconds{schedule,channel,system}
//   - level_width{schedule,channel}
//   - errors_by_class_total{class}, errors_by_code_total{code}
//   - manifest_reloads_total{status}
//   - policy_violations_total{policy,severity}
//   - running_systems
//
// Metrics are exposed via HTTP at /metrics (default: :9090/metrics).
//
// # Events
//
// Rebuilds, failed ticks, failed systems, manifest reloads, and policy
// violations are published as events. Successful system runs are only
// published when EventsConfig.SystemEvents is set.
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("%s: %s\n", event.Type, event.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
package telemetry
