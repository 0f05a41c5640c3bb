package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/opendeck/deck/pkg/engine"
)

// Metrics provides Prometheus metrics for deck. It satisfies the executor's
// observer interface, so wiring it into an executor is enough to account for
// every run and step.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Step metrics
	stepsApplied *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec

	// Probe metrics
	probes       *prometheus.CounterVec
	probeLatency *prometheus.HistogramVec

	// Provider metrics
	providerErrors *prometheus.CounterVec

	// Migration metrics
	migrations *prometheus.CounterVec

	// System metrics
	activeRuns prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
// A disabled configuration yields a no-op collector.
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

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of plan runs started",
			},
			[]string{"target"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of plan runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of plan runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		stepsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_applied_total",
				Help:      "Total number of steps applied",
			},
			[]string{"op", "outcome"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of step application in seconds",
				Buckets:   buckets,
			},
			[]string{"op"},
		),

		probes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probes_total",
				Help:      "Total number of target probes",
			},
			[]string{"target", "reachable"},
		),
		probeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "probe_latency_seconds",
				Help:      "Probe round-trip time in seconds",
				Buckets:   buckets,
			},
			[]string{"target"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_errors_total",
				Help:      "Total number of provider errors by kind",
			},
			[]string{"kind"},
		),

		migrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "migrations_total",
				Help:      "Total number of migrations by outcome",
			},
			[]string{"status"},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active plan runs",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.stepsApplied,
		m.stepDuration,
		m.probes,
		m.probeLatency,
		m.providerErrors,
		m.migrations,
		m.activeRuns,
	)

	return m, nil
}

// RunStarted records a starting run against its target.
func (m *Metrics) RunStarted(target string) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(target).Inc()
	m.activeRuns.Inc()
}

// RunCompleted records a completed run with its terminal status and duration.
func (m *Metrics) RunCompleted(status engine.RunStatus, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(string(status)).Inc()
	m.runDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// StepApplied records one applied step with its outcome and duration.
func (m *Metrics) StepApplied(op engine.StepOp, outcome engine.Outcome, duration time.Duration) {
	if m.stepsApplied == nil {
		return
	}
	m.stepsApplied.WithLabelValues(string(op), string(outcome)).Inc()
	m.stepDuration.WithLabelValues(string(op)).Observe(duration.Seconds())
}

// RecordProbe records a target probe and its latency.
func (m *Metrics) RecordProbe(target string, reachable bool, latency time.Duration) {
	if m.probes == nil {
		return
	}
	reach := "false"
	if reachable {
		reach = "true"
	}
	m.probes.WithLabelValues(target, reach).Inc()
	if reachable {
		m.probeLatency.WithLabelValues(target).Observe(latency.Seconds())
	}
}

// RecordProviderError records a classified provider error.
func (m *Metrics) RecordProviderError(kind string) {
	if m.providerErrors == nil {
		return
	}
	m.providerErrors.WithLabelValues(kind).Inc()
}

// RecordMigration records a migration outcome.
func (m *Metrics) RecordMigration(status engine.RunStatus) {
	if m.migrations == nil {
		return
	}
	m.migrations.WithLabelValues(string(status)).Inc()
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

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()

	return nil
}
