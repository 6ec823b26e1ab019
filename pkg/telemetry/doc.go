// Package telemetry wires OpenTelemetry tracing and metrics plus the
// Prometheus tool-call metrics for the analyst pipeline.
//
// It centralises trace provider setup, records stage and invocation metrics,
// and offers helpers that attach guardrail decisions and stage outcomes to
// spans so operators can correlate refusals and degraded sources with the
// invocations that hit them.
package telemetry
