package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Invocation kinds used as the "kind" label.
const (
	KindRoute = "route"
	KindHook  = "hook"
)

// PluginMetrics holds the Prometheus metrics of the plugin runtime.
// All methods are safe on a nil receiver so components can run without metrics.
type PluginMetrics struct {
	InvocationsTotal     *prometheus.CounterVec
	InvocationDuration   *prometheus.HistogramVec
	SlowInvocationsTotal *prometheus.CounterVec
	SandboxStartsTotal   *prometheus.CounterVec
	FallbackLoadsTotal   *prometheus.CounterVec
	RegistrationsTotal   *prometheus.CounterVec
	LogEntriesDropped    prometheus.Counter
	LogWriteErrors       prometheus.Counter
	ActiveSandboxes      prometheus.Gauge
	OrchestratorRuns     *prometheus.CounterVec
}

// NewPluginMetrics creates and registers all plugin runtime metrics
func NewPluginMetrics(registry prometheus.Registerer) *PluginMetrics {
	m := &PluginMetrics{
		InvocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugind_invocations_total",
				Help: "Total number of plugin route and hook invocations",
			},
			[]string{"plugin_id", "kind", "status"},
		),
		InvocationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plugind_invocation_duration_seconds",
				Help:    "Plugin invocation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"plugin_id", "kind"},
		),
		SlowInvocationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugind_slow_invocations_total",
				Help: "Plugin invocations that exceeded the slow call threshold",
			},
			[]string{"plugin_id", "kind"},
		),
		SandboxStartsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugind_sandbox_starts_total",
				Help: "Sandbox worker start attempts",
			},
			[]string{"plugin_id", "status"},
		),
		FallbackLoadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugind_fallback_loads_total",
				Help: "In-process fallback load attempts",
			},
			[]string{"plugin_id", "status"},
		),
		RegistrationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugind_registrations_total",
				Help: "Tenant plugin registrations by outcome",
			},
			[]string{"mode"},
		),
		LogEntriesDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "plugind_log_entries_dropped_total",
				Help: "Plugin log entries dropped because the persistence queue was full",
			},
		),
		LogWriteErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "plugind_log_write_errors_total",
				Help: "Plugin log entries that failed to persist",
			},
		),
		ActiveSandboxes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "plugind_active_sandboxes",
				Help: "Number of running sandbox worker processes",
			},
		),
		OrchestratorRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugind_orchestrator_runs_total",
				Help: "Plugin lifecycle orchestration runs",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.InvocationsTotal,
		m.InvocationDuration,
		m.SlowInvocationsTotal,
		m.SandboxStartsTotal,
		m.FallbackLoadsTotal,
		m.RegistrationsTotal,
		m.LogEntriesDropped,
		m.LogWriteErrors,
		m.ActiveSandboxes,
		m.OrchestratorRuns,
	)

	return m
}

// RecordInvocation records a plugin invocation
func (m *PluginMetrics) RecordInvocation(pluginID, kind string, duration time.Duration, err error, slow bool) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.InvocationsTotal.WithLabelValues(pluginID, kind, status).Inc()
	m.InvocationDuration.WithLabelValues(pluginID, kind).Observe(duration.Seconds())
	if slow {
		m.SlowInvocationsTotal.WithLabelValues(pluginID, kind).Inc()
	}
}

// RecordSandboxStart records a sandbox start attempt
func (m *PluginMetrics) RecordSandboxStart(pluginID string, err error) {
	if m == nil {
		return
	}
	m.SandboxStartsTotal.WithLabelValues(pluginID, statusOf(err)).Inc()
	if err == nil {
		m.ActiveSandboxes.Inc()
	}
}

// RecordSandboxStop records a sandbox worker exit
func (m *PluginMetrics) RecordSandboxStop() {
	if m == nil {
		return
	}
	m.ActiveSandboxes.Dec()
}

// RecordFallbackLoad records an in-process load attempt
func (m *PluginMetrics) RecordFallbackLoad(pluginID string, err error) {
	if m == nil {
		return
	}
	m.FallbackLoadsTotal.WithLabelValues(pluginID, statusOf(err)).Inc()
}

// RecordRegistration records the outcome of a tenant registration ("sandbox", "fallback", "skipped", "failed")
func (m *PluginMetrics) RecordRegistration(mode string) {
	if m == nil {
		return
	}
	m.RegistrationsTotal.WithLabelValues(mode).Inc()
}

// RecordLogDropped records a dropped plugin log entry
func (m *PluginMetrics) RecordLogDropped() {
	if m == nil {
		return
	}
	m.LogEntriesDropped.Inc()
}

// RecordLogWriteError records a failed plugin log write
func (m *PluginMetrics) RecordLogWriteError() {
	if m == nil {
		return
	}
	m.LogWriteErrors.Inc()
}

// RecordOrchestratorRun records an orchestrator run
func (m *PluginMetrics) RecordOrchestratorRun(err error) {
	if m == nil {
		return
	}
	m.OrchestratorRuns.WithLabelValues(statusOf(err)).Inc()
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// MetricsHandler returns an HTTP handler for the given registry
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
