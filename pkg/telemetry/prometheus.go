package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/polis-analyst/pkg/domain"
)

// ToolMetrics holds the Prometheus metrics for external tool calls. It
// satisfies the governance adapter's MetricsRecorder.
type ToolMetrics struct {
	callsTotal   *prometheus.CounterVec
	callLatency  *prometheus.HistogramVec
	fallbacks    *prometheus.CounterVec
	breakerState *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewToolMetrics creates the metrics on a private registry.
func NewToolMetrics() *ToolMetrics {
	registry := prometheus.NewRegistry()

	m := &ToolMetrics{
		callsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyst_tool_calls_total",
				Help: "Total number of tool calls by tool, source and outcome",
			},
			[]string{"tool", "source", "outcome"},
		),

		callLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "analyst_tool_call_duration_seconds",
				Help:    "Tool call latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool", "source"},
		),

		fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "analyst_tool_fallbacks_total",
				Help: "Tool calls answered from a fallback, by provenance",
			},
			[]string{"tool", "provenance"},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "analyst_circuit_breaker_state",
				Help: "Circuit breaker state per source (0 closed, 1 half-open, 2 open)",
			},
			[]string{"source"},
		),

		registry: registry,
	}

	registry.MustRegister(m.callsTotal, m.callLatency, m.fallbacks, m.breakerState)
	return m
}

// ObserveToolCall records one adapter call.
func (m *ToolMetrics) ObserveToolCall(rec domain.ToolCallRecord) {
	m.callsTotal.WithLabelValues(rec.Tool, rec.Source, string(rec.Outcome)).Inc()
	m.callLatency.WithLabelValues(rec.Tool, rec.Source).Observe(rec.Duration.Seconds())
	if rec.Provenance.Degraded() {
		m.fallbacks.WithLabelValues(rec.Tool, string(rec.Provenance)).Inc()
	}
}

// SetBreakerState publishes the breaker state for a source.
func (m *ToolMetrics) SetBreakerState(source, state string) {
	v := 0.0
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	m.breakerState.WithLabelValues(source).Set(v)
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *ToolMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *ToolMetrics) Registry() *prometheus.Registry {
	return m.registry
}
