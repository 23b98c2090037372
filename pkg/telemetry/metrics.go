package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for schedules and their systems.
type Metrics struct {
	config MetricsConfig

	// Tick metrics
	ticks        *prometheus.CounterVec
	tickDuration *prometheus.HistogramVec

	// Rebuild metrics
	rebuilds        *prometheus.CounterVec
	rebuildDuration *prometheus.HistogramVec
	scheduleSystems *prometheus.GaugeVec
	scheduleLevels  *prometheus.GaugeVec

	// System metrics
	systemRuns     *prometheus.CounterVec
	systemDuration *prometheus.HistogramVec
	levelWidth     *prometheus.HistogramVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// Engine metrics
	reloads          *prometheus.CounterVec
	policyViolations *prometheus.CounterVec
	runningSystems   prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ticks_total",
				Help:      "Total number of schedule ticks",
			},
			[]string{"schedule", "status"},
		),
		tickDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tick_duration_seconds",
				Help:      "Duration of a full schedule tick in seconds",
				Buckets:   buckets,
			},
			[]string{"schedule"},
		),

		rebuilds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rebuilds_total",
				Help:      "Total number of dependency graph rebuilds",
			},
			[]string{"schedule", "status"},
		),
		rebuildDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rebuild_duration_seconds",
				Help:      "Duration of dependency graph rebuilds in seconds",
				Buckets:   buckets,
			},
			[]string{"schedule"},
		),
		scheduleSystems: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "schedule_systems",
				Help:      "Number of systems registered in the last rebuilt graph",
			},
			[]string{"schedule"},
		),
		scheduleLevels: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "schedule_levels",
				Help:      "Number of parallel levels in the last rebuilt graph",
			},
			[]string{"schedule"},
		),

		systemRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "system_runs_total",
				Help:      "Total number of system invocations",
			},
			[]string{"schedule", "channel", "system", "status"},
		),
		systemDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "system_duration_seconds",
				Help:      "Duration of system invocations in seconds",
				Buckets:   buckets,
			},
			[]string{"schedule", "channel", "system"},
		),
		levelWidth: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "level_width",
				Help:      "Number of systems executed together in one parallel level",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 7),
			},
			[]string{"schedule", "channel"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of scheduler errors by class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of scheduler errors by code",
			},
			[]string{"code"},
		),

		reloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "manifest_reloads_total",
				Help:      "Total number of manifest hot reloads",
			},
			[]string{"status"},
		),
		policyViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_violations_total",
				Help:      "Total number of schedule policy violations",
			},
			[]string{"policy", "severity"},
		),
		runningSystems: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "running_systems",
				Help:      "Number of systems currently executing",
			},
		),
	}

	registry.MustRegister(
		m.ticks,
		m.tickDuration,
		m.rebuilds,
		m.rebuildDuration,
		m.scheduleSystems,
		m.scheduleLevels,
		m.systemRuns,
		m.systemDuration,
		m.levelWidth,
		m.errorsByClass,
		m.errorsByCode,
		m.reloads,
		m.policyViolations,
		m.runningSystems,
	)

	return m, nil
}

// Tick Metrics

// RecordTick records a completed tick.
func (m *Metrics) RecordTick(schedule, status string, duration time.Duration) {
	if m.ticks == nil {
		return
	}
	m.ticks.WithLabelValues(schedule, status).Inc()
	m.tickDuration.WithLabelValues(schedule).Observe(duration.Seconds())
}

// Rebuild Metrics

// RecordRebuild records a graph rebuild and the shape of the resulting graph.
func (m *Metrics) RecordRebuild(schedule, status string, duration time.Duration, systems, levels int) {
	if m.rebuilds == nil {
		return
	}
	m.rebuilds.WithLabelValues(schedule, status).Inc()
	m.rebuildDuration.WithLabelValues(schedule).Observe(duration.Seconds())
	if status == StatusSuccess {
		m.scheduleSystems.WithLabelValues(schedule).Set(float64(systems))
		m.scheduleLevels.WithLabelValues(schedule).Set(float64(levels))
	}
}

// System Metrics

// RecordSystemRun records one system invocation.
func (m *Metrics) RecordSystemRun(schedule, channel, system, status string, duration time.Duration) {
	if m.systemRuns == nil {
		return
	}
	m.systemRuns.WithLabelValues(schedule, channel, system, status).Inc()
	m.systemDuration.WithLabelValues(schedule, channel, system).Observe(duration.Seconds())
}

// RecordLevelWidth records how many systems started together in one level.
func (m *Metrics) RecordLevelWidth(schedule, channel string, width int) {
	if m.levelWidth == nil {
		return
	}
	m.levelWidth.WithLabelValues(schedule, channel).Observe(float64(width))
}

// IncRunningSystems increments the running systems gauge.
func (m *Metrics) IncRunningSystems() {
	if m.runningSystems == nil {
		return
	}
	m.runningSystems.Inc()
}

// DecRunningSystems decrements the running systems gauge.
func (m *Metrics) DecRunningSystems() {
	if m.runningSystems == nil {
		return
	}
	m.runningSystems.Dec()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Engine Metrics

// RecordReload records a manifest reload attempt.
func (m *Metrics) RecordReload(status string) {
	if m.reloads == nil {
		return
	}
	m.reloads.WithLabelValues(status).Inc()
}

// RecordPolicyViolation records a policy violation.
func (m *Metrics) RecordPolicyViolation(policy, severity string) {
	if m.policyViolations == nil {
		return
	}
	m.policyViolations.WithLabelValues(policy, severity).Inc()
}

// Registry returns the underlying Prometheus registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// MetricsServer is a running metrics endpoint.
type MetricsServer struct {
	server *http.Server
	addr   string
	errCh  chan error
}

// Addr returns the address the server is listening on.
func (s *MetricsServer) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Shutdown stops the server and returns the first serve error, if any.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	return <-s.errCh
}

// StartMetricsServer starts an HTTP server to expose metrics. It returns a nil
// server when metrics are disabled.
func (m *Metrics) StartMetricsServer() (*MetricsServer, error) {
	if !m.config.Enabled {
		return nil, nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	listener, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return nil, err
	}

	srv := &MetricsServer{
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		addr:  listener.Addr().String(),
		errCh: make(chan error, 1),
	}

	go func() {
		err := srv.server.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		srv.errCh <- err
	}()

	return srv, nil
}
