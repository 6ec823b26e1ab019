package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/polisai/polis-analyst/pkg/domain"
)

// MeterName is the instrumentation scope for pipeline metrics.
const MeterName = "polis.pipeline"

var (
	metricsOnce             sync.Once
	metricsInitErr          error
	stageExecutionCounter   metric.Int64Counter
	stageDegradedCounter    metric.Int64Counter
	stageLatencyHistogram   metric.Float64Histogram
	invocationCounter       metric.Int64Counter
	invocationLatency       metric.Float64Histogram
	guardrailDecisionsCount metric.Int64Counter
)

// StageMetrics captures the fields needed to record one stage execution.
type StageMetrics struct {
	Pipeline string
	Stage    string
	Status   domain.StageStatus
	Duration time.Duration
}

// InvocationMetrics captures the fields needed to record one invocation.
type InvocationMetrics struct {
	Pipeline string
	Status   domain.InvocationStatus
	// Code is the sanitized failure or refusal code, empty on success.
	Code     string
	Duration time.Duration
}

// RecordStageMetrics emits counters and histograms that describe stage execution behaviour.
func RecordStageMetrics(ctx context.Context, m StageMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("pipeline.name", m.Pipeline),
		attribute.String("stage.name", m.Stage),
		attribute.String("stage.status", string(m.Status)),
	)

	stageExecutionCounter.Add(ctx, 1, attrs)
	if m.Duration > 0 {
		stageLatencyHistogram.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
	if m.Status == domain.StageDegraded {
		stageDegradedCounter.Add(ctx, 1, attrs)
	}
}

// RecordInvocationMetrics emits the per-invocation counter and latency.
func RecordInvocationMetrics(ctx context.Context, m InvocationMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("pipeline.name", m.Pipeline),
		attribute.String("invocation.status", string(m.Status)),
		attribute.String("invocation.code", m.Code),
	)
	invocationCounter.Add(ctx, 1, attrs)
	if m.Duration > 0 {
		invocationLatency.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}
}

// RecordGuardrailMetric counts a guardrail decision by action and category.
func RecordGuardrailMetric(ctx context.Context, d domain.GuardrailDecision) {
	if err := ensureMetrics(); err != nil {
		return
	}
	guardrailDecisionsCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("guardrail.action", string(d.Action)),
		attribute.String("guardrail.category", d.Category),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(MeterName)

		stageExecutionCounter, metricsInitErr = meter.Int64Counter(
			"pipeline.stage.executions_total",
			metric.WithDescription("Pipeline stage executions partitioned by status"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stageDegradedCounter, metricsInitErr = meter.Int64Counter(
			"pipeline.stage.degraded_total",
			metric.WithDescription("Stages that completed on fallback data"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stageLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"pipeline.stage.duration_ms",
			metric.WithDescription("Observed stage execution latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		invocationCounter, metricsInitErr = meter.Int64Counter(
			"pipeline.invocations_total",
			metric.WithDescription("Pipeline invocations partitioned by terminal status"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		invocationLatency, metricsInitErr = meter.Float64Histogram(
			"pipeline.invocation.duration_ms",
			metric.WithDescription("Observed end-to-end invocation latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		guardrailDecisionsCount, metricsInitErr = meter.Int64Counter(
			"pipeline.guardrail.decisions_total",
			metric.WithDescription("Guardrail decisions partitioned by action"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}

// ResetMetricsForTest clears cached metric instruments so tests can
// reinitialize them against a fresh MeterProvider.
func ResetMetricsForTest() {
	metricsOnce = sync.Once{}
	metricsInitErr = nil
	stageExecutionCounter = nil
	stageDegradedCounter = nil
	stageLatencyHistogram = nil
	invocationCounter = nil
	invocationLatency = nil
	guardrailDecisionsCount = nil
}
