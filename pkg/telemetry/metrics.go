package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for reconciliation runs.
// All methods are safe on a nil or disabled instance.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Resource metrics
	outcomes         *prometheus.CounterVec
	resourceDuration *prometheus.HistogramVec
	resourceRetries  *prometheus.CounterVec
	driftDetections  *prometheus.CounterVec

	// Controller RPC metrics
	rpcCalls    *prometheus.CounterVec
	rpcDuration *prometheus.HistogramVec
	rpcRetries  *prometheus.CounterVec

	// Task metrics
	taskPolls    *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	// Error metrics
	errorsByKind *prometheus.CounterVec

	activeRuns prometheus.Gauge

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

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of runs started",
			},
			[]string{"mode"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs completed",
			},
			[]string{"mode", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of runs in seconds",
				Buckets:   buckets,
			},
			[]string{"mode"},
		),

		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_outcomes_total",
				Help:      "Resource outcomes by kind, action and status",
			},
			[]string{"kind", "action", "status"},
		),
		resourceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resource_reconcile_duration_seconds",
				Help:      "Duration of one resource reconciliation in seconds",
				Buckets:   buckets,
			},
			[]string{"kind", "action"},
		),
		resourceRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_retries_total",
				Help:      "Whole-resource retries by kind and error kind",
			},
			[]string{"kind", "error_kind"},
		),
		driftDetections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_detections_total",
				Help:      "Total number of drift detections",
			},
			[]string{"kind"},
		),

		rpcCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rpc_calls_total",
				Help:      "Controller RPC calls by family, function and outcome",
			},
			[]string{"family", "function", "outcome"},
		),
		rpcDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rpc_call_duration_seconds",
				Help:      "Duration of controller RPC calls in seconds",
				Buckets:   buckets,
			},
			[]string{"family", "function"},
		),
		rpcRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rpc_retries_total",
				Help:      "Read retries issued by the RPC client",
			},
			[]string{"family", "function"},
		),

		taskPolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_polls_total",
				Help:      "Task status polls by observed state",
			},
			[]string{"state"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_wait_duration_seconds",
				Help:      "Time spent waiting for asynchronous tasks",
				Buckets:   buckets,
			},
			[]string{"state"},
		),

		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Resource failures by error kind",
			},
			[]string{"kind"},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.outcomes,
		m.resourceDuration,
		m.resourceRetries,
		m.driftDetections,
		m.rpcCalls,
		m.rpcDuration,
		m.rpcRetries,
		m.taskPolls,
		m.taskDuration,
		m.errorsByKind,
		m.activeRuns,
	)

	return m, nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(mode string) {
	if m == nil || m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(mode).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(mode, status string, duration time.Duration) {
	if m == nil || m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(mode, status).Inc()
	m.runDuration.WithLabelValues(mode).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// Resource Metrics

// RecordOutcome records the outcome of one resource.
func (m *Metrics) RecordOutcome(kind, action, status string, duration time.Duration) {
	if m == nil || m.outcomes == nil {
		return
	}
	m.outcomes.WithLabelValues(kind, action, status).Inc()
	m.resourceDuration.WithLabelValues(kind, action).Observe(duration.Seconds())
}

// RecordResourceRetry records a whole-resource retry.
func (m *Metrics) RecordResourceRetry(kind, errorKind string) {
	if m == nil || m.resourceRetries == nil {
		return
	}
	m.resourceRetries.WithLabelValues(kind, errorKind).Inc()
}

// RecordDriftDetection records that a resource drifted from its desired spec.
func (m *Metrics) RecordDriftDetection(kind string) {
	if m == nil || m.driftDetections == nil {
		return
	}
	m.driftDetections.WithLabelValues(kind).Inc()
}

// RPC Metrics

// RecordRPCCall records a controller call with its duration.
func (m *Metrics) RecordRPCCall(family, function, outcome string, duration time.Duration) {
	if m == nil || m.rpcCalls == nil {
		return
	}
	m.rpcCalls.WithLabelValues(family, function, outcome).Inc()
	m.rpcDuration.WithLabelValues(family, function).Observe(duration.Seconds())
}

// RecordRPCRetry records a read retry.
func (m *Metrics) RecordRPCRetry(family, function string) {
	if m == nil || m.rpcRetries == nil {
		return
	}
	m.rpcRetries.WithLabelValues(family, function).Inc()
}

// Task Metrics

// RecordTaskPoll records one task status read.
func (m *Metrics) RecordTaskPoll(state string) {
	if m == nil || m.taskPolls == nil {
		return
	}
	m.taskPolls.WithLabelValues(state).Inc()
}

// RecordTaskWait records the total wait for a task to terminate.
func (m *Metrics) RecordTaskWait(state string, duration time.Duration) {
	if m == nil || m.taskDuration == nil {
		return
	}
	m.taskDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// Error Metrics

// RecordError records a resource failure by error kind.
func (m *Metrics) RecordError(kind string) {
	if m == nil || m.errorsByKind == nil {
		return
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
}

// Registry returns the underlying registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
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

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the registry on ListenAddress. It returns the
// server so callers can shut it down; nil when there is nothing to serve.
func (m *Metrics) StartMetricsServer() *http.Server {
	if m == nil || !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("address", m.config.ListenAddress).Msg("metrics server stopped")
		}
	}()

	return server
}
