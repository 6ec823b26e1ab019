package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-analyst/pkg/domain"
	"github.com/polisai/polis-analyst/pkg/engine/runtime"
	"github.com/polisai/polis-analyst/pkg/policy"
	"github.com/polisai/polis-analyst/pkg/storage"
	"github.com/polisai/polis-analyst/pkg/telemetry"
	"github.com/polisai/polis-analyst/pkg/tools"
)

// ReasonCancelled is the failure reason of an invocation cancelled by its caller.
const ReasonCancelled = "cancelled"

// Config holds dependencies for creating an Orchestrator.
type Config struct {
	Pipeline  *Pipeline
	Store     storage.StateStore
	Guardrail *policy.Guardrail
	Toolkit   *tools.Toolkit
	Reasoner  domain.Reasoner
	Audit     domain.AuditSink
	Logger    *slog.Logger
	// Redactions maps span attribute keys to a redaction strategy.
	Redactions map[string]string
	Now        func() time.Time
	NewID      func() string
}

// Orchestrator runs one pipeline, stage by stage, for each request.
type Orchestrator struct {
	pipeline   *Pipeline
	store      storage.StateStore
	guardrail  *policy.Guardrail
	toolkit    *tools.Toolkit
	reasoner   domain.Reasoner
	audit      domain.AuditSink
	logger     *slog.Logger
	redactions map[string]string
	now        func() time.Time
	newID      func() string
	tracer     trace.Tracer
}

// NewOrchestrator validates the pipeline contracts and fills missing
// dependencies with in-memory defaults.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if err := cfg.Pipeline.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Store == nil {
		cfg.Store = storage.NewMemoryStateStore(storage.MemoryStateStoreConfig{Audit: cfg.Audit, Logger: cfg.Logger})
	}
	if cfg.Toolkit == nil {
		cfg.Toolkit = tools.New(tools.Config{Logger: cfg.Logger})
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Orchestrator{
		pipeline:   cfg.Pipeline,
		store:      cfg.Store,
		guardrail:  cfg.Guardrail,
		toolkit:    cfg.Toolkit,
		reasoner:   cfg.Reasoner,
		audit:      cfg.Audit,
		logger:     cfg.Logger,
		redactions: cfg.Redactions,
		now:        cfg.Now,
		newID:      cfg.NewID,
		tracer:     otel.Tracer(telemetry.TracerName),
	}, nil
}

// Pipeline returns the pipeline this orchestrator runs.
func (o *Orchestrator) Pipeline() *Pipeline { return o.pipeline }

// Store returns the State Store. Entries of finished invocations stay
// readable until Release.
func (o *Orchestrator) Store() storage.StateStore { return o.store }

// Release drops the State Store namespace of a finished invocation.
func (o *Orchestrator) Release(invocationID string) { o.store.Release(invocationID) }

// invocation carries the mutable bookkeeping of one Run.
type invocation struct {
	id     string
	state  domain.InvocationState
	result domain.Result
}

func (inv *invocation) transition(to domain.InvocationState) {
	if inv.state.Terminal() {
		return
	}
	inv.state = to
}

// Run executes the pipeline for req. The returned error is reserved for
// caller mistakes; every pipeline outcome is reported in the Result.
func (o *Orchestrator) Run(ctx context.Context, req domain.Request) (domain.Result, error) {
	if strings.TrimSpace(req.Subject) == "" {
		return domain.Result{}, fmt.Errorf("%w: empty subject", domain.ErrInvalidInput)
	}

	inv := &invocation{id: o.newID(), state: domain.StateInit}
	inv.result = domain.Result{InvocationID: inv.id, StartedAt: o.now(), Stages: []domain.StageSummary{}}

	ctx, span := o.tracer.Start(ctx, "pipeline.invoke")
	span.SetAttributes(telemetry.RedactAttributes(o.redactions, []attribute.KeyValue{
		attribute.String("pipeline.name", o.pipeline.Name),
		attribute.String("invocation.id", inv.id),
		attribute.String("subject", req.Subject),
		attribute.String("request.text", req.Text),
		attribute.Int("pipeline.stages", len(o.pipeline.Stages)),
	})...)
	defer span.End()

	o.logger.Info("invocation started",
		"invocation_id", inv.id,
		"pipeline", o.pipeline.Name,
		"subject", req.Subject,
	)
	o.record(ctx, inv.id, domain.AuditInvocationStart, "", map[string]string{
		"pipeline": o.pipeline.Name,
		"subject":  req.Subject,
		"stages":   strings.Join(o.pipeline.StageNames(), ","),
	})

	if !o.screen(ctx, span, inv, req) {
		return o.finish(ctx, span, inv), nil
	}

	if err := o.store.Open(ctx, inv.id); err != nil {
		o.fail(inv, "", err)
		return o.finish(ctx, span, inv), nil
	}

	for i, stage := range o.pipeline.Stages {
		if err := ctx.Err(); err != nil {
			inv.transition(domain.StateAborted)
			inv.result.Failure = &domain.Failure{Stage: stage.Name(), Code: "CANCELLED", Reason: ReasonCancelled}
			o.logger.Warn("invocation cancelled", "invocation_id", inv.id, "before_stage", stage.Name())
			break
		}
		inv.transition(domain.StateRunning)

		summary, err := o.runStage(ctx, inv, req, i, stage)
		if err != nil {
			o.fail(inv, stage.Name(), err)
			break
		}
		inv.result.Stages = append(inv.result.Stages, summary)
		last := summary
		inv.result.LastSuccessful = &last
		inv.result.Disclosures = append(inv.result.Disclosures, summary.Disclosures...)
	}

	if !inv.state.Terminal() {
		inv.transition(domain.StateDone)
		if n := len(inv.result.Stages); n > 0 {
			inv.result.Document = inv.result.Stages[n-1].Text
		}
	}
	return o.finish(ctx, span, inv), nil
}

// screen runs the guardrail once; it reports whether stages may run.
func (o *Orchestrator) screen(ctx context.Context, span trace.Span, inv *invocation, req domain.Request) bool {
	decision := domain.GuardrailDecision{Action: domain.GuardrailAllow}
	if o.guardrail != nil {
		decision = o.guardrail.Evaluate(ctx, inv.id, guardrailInput(req))
	}
	inv.result.Guardrail = decision
	telemetry.RecordGuardrailDecision(span, decision)
	telemetry.RecordGuardrailMetric(ctx, decision)

	switch decision.Action {
	case domain.GuardrailBlock:
		inv.transition(domain.StateAborted)
		inv.result.Refusal = &domain.Refusal{RuleID: decision.RuleID, Category: decision.Category, Reason: decision.Reason}
		o.logger.Warn("request refused by guardrail",
			"invocation_id", inv.id,
			"rule_id", decision.RuleID,
			"category", decision.Category,
		)
		return false
	case domain.GuardrailWarn:
		inv.result.Warnings = append(inv.result.Warnings, decision.Reason)
	}
	return true
}

func guardrailInput(req domain.Request) string {
	if req.Text == "" {
		return req.Subject
	}
	return req.Subject + "\n" + req.Text
}

// runStage executes one stage on a context detached from caller cancellation.
func (o *Orchestrator) runStage(ctx context.Context, inv *invocation, req domain.Request, index int, stage runtime.Stage) (summary domain.StageSummary, err error) {
	name := stage.Name()
	stageCtx, span := o.tracer.Start(context.WithoutCancel(ctx), "pipeline.stage",
		trace.WithAttributes(
			attribute.String("stage.name", name),
			attribute.Int("stage.index", index),
			attribute.String("invocation.id", inv.id),
		),
	)
	defer span.End()

	o.record(stageCtx, inv.id, domain.AuditStageStart, name, map[string]string{"index": strconv.Itoa(index)})

	sc := &runtime.StageContext{
		InvocationID: inv.id,
		Pipeline:     o.pipeline.Name,
		Request:      req,
		Session:      storage.NewSession(o.store, inv.id, name, stage.Contract(), o.pipeline.laterProducers(index)),
		Toolkit:      o.toolkit,
		Reasoner:     o.reasoner,
		Audit:        o.audit,
		Logger:       o.logger.With("invocation_id", inv.id, "stage", name),
		Previous:     append([]domain.StageSummary(nil), inv.result.Stages...),
		Warnings:     append([]string(nil), inv.result.Warnings...),
	}

	start := o.now()
	defer func() {
		duration := o.now().Sub(start)
		status := summary.Status
		if err != nil {
			status = domain.StageFailed
			span.RecordError(err)
			span.SetStatus(codes.Error, domain.ErrorCode(err))
			o.logger.Error("stage failed",
				"invocation_id", inv.id,
				"stage", name,
				"error", err,
			)
			o.record(stageCtx, inv.id, domain.AuditStageFailed, name, map[string]string{
				"code":        domain.ErrorCode(err),
				"duration_ms": strconv.FormatInt(duration.Milliseconds(), 10),
			})
		} else {
			telemetry.RecordStageSummary(span, summary)
			o.record(stageCtx, inv.id, domain.AuditStageComplete, name, map[string]string{
				"status":      string(summary.Status),
				"keys":        strings.Join(summary.Keys, ","),
				"disclosures": strconv.Itoa(len(summary.Disclosures)),
				"duration_ms": strconv.FormatInt(duration.Milliseconds(), 10),
			})
		}
		telemetry.RecordStageMetrics(stageCtx, telemetry.StageMetrics{
			Pipeline: o.pipeline.Name,
			Stage:    name,
			Status:   status,
			Duration: duration,
		})
	}()

	summary, err = o.invokeStage(stageCtx, stage, sc)
	if err != nil {
		return domain.StageSummary{}, &domain.StageError{Stage: name, Err: err}
	}

	summary.Stage = name
	summary.Duration = o.now().Sub(start)
	if summary.Status == "" {
		summary.Status = domain.StageCompleted
	}
	if len(summary.Disclosures) > 0 {
		summary.Status = domain.StageDegraded
	}
	if size := summary.Size(); size > runtime.MaxSummaryBytes {
		return domain.StageSummary{}, &domain.StageError{
			Stage: name,
			Err:   fmt.Errorf("%w: summary is %d bytes, limit %d", domain.ErrContractViolation, size, runtime.MaxSummaryBytes),
		}
	}
	return summary, nil
}

// invokeStage converts a stage panic into an error.
func (o *Orchestrator) invokeStage(ctx context.Context, stage runtime.Stage, sc *runtime.StageContext) (summary domain.StageSummary, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage panicked: %v", r)
		}
	}()
	return stage.Run(ctx, sc)
}

func (o *Orchestrator) fail(inv *invocation, stage string, err error) {
	inv.transition(domain.StateFailed)
	code := domain.ErrorCode(err)
	inv.result.Failure = &domain.Failure{Stage: stage, Code: code, Reason: sanitizedReason(stage, code)}
}

// sanitizedReason describes a failure by its class only; error text can carry
// payload fragments and never reaches the result.
func sanitizedReason(stage, code string) string {
	class := strings.ToLower(strings.ReplaceAll(code, "_", " "))
	if stage == "" {
		return class
	}
	return fmt.Sprintf("stage %q failed: %s", stage, class)
}

func (o *Orchestrator) finish(ctx context.Context, span trace.Span, inv *invocation) domain.Result {
	res := &inv.result
	res.FinishedAt = o.now()

	code := ""
	switch inv.state {
	case domain.StateDone:
		res.Status = domain.StatusSucceeded
	case domain.StateAborted:
		res.Status = domain.StatusAborted
		if res.Refusal != nil {
			code = domain.ErrorCode(domain.ErrGuardrailBlocked)
		} else if res.Failure != nil {
			code = res.Failure.Code
		}
	default:
		res.Status = domain.StatusFailed
		if res.Failure != nil {
			code = res.Failure.Code
		}
	}

	span.SetAttributes(attribute.String("invocation.status", string(res.Status)))
	if res.Status == domain.StatusFailed {
		span.SetStatus(codes.Error, code)
	}

	detail := map[string]string{
		"status": string(res.Status),
		"stages": strconv.Itoa(len(res.Stages)),
	}
	if code != "" {
		detail["code"] = code
	}
	if len(res.Disclosures) > 0 {
		detail["disclosures"] = strconv.Itoa(len(res.Disclosures))
	}
	o.record(ctx, inv.id, domain.AuditInvocationEnd, "", detail)

	telemetry.RecordInvocationMetrics(ctx, telemetry.InvocationMetrics{
		Pipeline: o.pipeline.Name,
		Status:   res.Status,
		Code:     code,
		Duration: res.FinishedAt.Sub(res.StartedAt),
	})
	o.logger.Info("invocation finished",
		"invocation_id", inv.id,
		"status", res.Status,
		"stages", len(res.Stages),
		"code", code,
	)
	return *res
}

func (o *Orchestrator) record(ctx context.Context, invocationID string, kind domain.AuditKind, stage string, detail map[string]string) {
	if o.audit == nil {
		return
	}
	err := o.audit.Append(context.WithoutCancel(ctx), domain.AuditEntry{
		InvocationID: invocationID,
		Timestamp:    o.now(),
		Kind:         kind,
		Stage:        stage,
		Detail:       detail,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		o.logger.Warn("audit append failed", "invocation_id", invocationID, "kind", kind, "error", err)
	}
}
