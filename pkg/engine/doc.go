// Package engine runs analysis pipelines: a fixed, ordered list of stages
// executed once per request.
//
// Architecture:
//
// orchestrator.go - Orchestrator: guardrail screening, stage loop, result assembly
// pipeline.go     - Pipeline contract validation and the preset Registry
// runtime/        - Stage interface and StageContext shared with stage packages
//
// The orchestrator owns the invocation state machine
// (init → running → done, with terminal aborted and failed), opens a fresh
// State Store namespace per invocation, and hands each stage the summaries of
// the stages before it. Stages never retry automatically.
package engine
