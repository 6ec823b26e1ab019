package governance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/polisai/polis-analyst/pkg/domain"
)

// MetricsRecorder receives adapter observations.
type MetricsRecorder interface {
	ObserveToolCall(rec domain.ToolCallRecord)
	SetBreakerState(source, state string)
}

// AdapterConfig holds dependencies for NewAdapter.
type AdapterConfig struct {
	Breakers *CircuitBreakerManager
	Limiter  *RateLimiter
	Timeouts *TimeoutManager
	Audit    domain.AuditSink
	Metrics  MetricsRecorder
	Logger   *slog.Logger
	Now      func() time.Time
}

// Adapter wraps volatile sources with a timeout, a per-source circuit breaker,
// rate limiting, and a fallback chain (last good value, then sentinel).
type Adapter struct {
	breakers *CircuitBreakerManager
	limiter  *RateLimiter
	timeouts *TimeoutManager
	audit    domain.AuditSink
	metrics  MetricsRecorder
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.RWMutex
	snapshots map[string]any
}

// NewAdapter creates an adapter, filling missing dependencies with defaults.
func NewAdapter(cfg AdapterConfig) *Adapter {
	if cfg.Breakers == nil {
		cfg.Breakers = NewCircuitBreakerManager()
	}
	if cfg.Limiter == nil {
		cfg.Limiter = NewRateLimiter(nil)
	}
	if cfg.Timeouts == nil {
		cfg.Timeouts = NewTimeoutManager(DefaultCallTimeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Adapter{
		breakers:  cfg.Breakers,
		limiter:   cfg.Limiter,
		timeouts:  cfg.Timeouts,
		audit:     cfg.Audit,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       cfg.Now,
		snapshots: make(map[string]any),
	}
}

// Breakers exposes the breaker manager.
func (a *Adapter) Breakers() *CircuitBreakerManager { return a.breakers }

// Scope identifies the invocation and stage a call is made on behalf of.
type Scope struct {
	InvocationID string
	Stage        string
}

// Call describes one resilient call.
type Call[T any] struct {
	Tool   string
	Source string
	Args   map[string]string
	// Primary performs the live call.
	Primary func(ctx context.Context) (T, error)
	// Validate rejects empty or malformed primary values. Optional.
	Validate func(T) error
	// Sentinel is substituted when neither the primary nor a cached value is available.
	Sentinel *T
	// NoCache disables last-good snapshots for this call.
	NoCache bool
}

// Result is a value paired with where it came from.
type Result[T any] struct {
	Value      T
	Provenance domain.Provenance
	Record     domain.ToolCallRecord
	// Cause is the primary failure, if any. It is informational only.
	Cause error
}

// Degraded reports whether the value is not from the live source.
func (r Result[T]) Degraded() bool {
	return r.Provenance.Degraded()
}

// Execute performs call through the adapter. It never returns the primary
// error; failures surface as a degraded provenance on the result.
func Execute[T any](ctx context.Context, a *Adapter, scope Scope, call Call[T]) Result[T] {
	start := a.now()
	digest := ArgsDigest(call.Args)
	cacheKey := call.Tool + "|" + digest
	breaker := a.breakers.Get(call.Source)
	before := breaker.State()

	value, cause := attempt(ctx, a, breaker, call)

	res := Result[T]{Cause: cause}
	outcome := domain.OutcomePrimarySuccess
	switch {
	case cause == nil:
		res.Value = value
		res.Provenance = domain.ProvenancePrimary
		if !call.NoCache {
			a.mu.Lock()
			a.snapshots[cacheKey] = value
			a.mu.Unlock()
		}
	default:
		outcome = domain.OutcomeFallbackUsed
		if cached, ok := a.snapshot(cacheKey, call.NoCache); ok {
			if v, ok := cached.(T); ok {
				res.Value = v
				res.Provenance = domain.ProvenanceCached
				break
			}
		}
		if call.Sentinel != nil {
			res.Value = *call.Sentinel
			res.Provenance = domain.ProvenanceSentinel
			break
		}
		outcome = domain.OutcomeFailed
		res.Provenance = domain.ProvenanceNone
	}

	after := breaker.State()
	res.Record = domain.ToolCallRecord{
		InvocationID: scope.InvocationID,
		Tool:         call.Tool,
		Source:       call.Source,
		ArgsDigest:   digest,
		Outcome:      outcome,
		Provenance:   res.Provenance,
		BreakerState: string(after),
		Duration:     a.now().Sub(start),
		Timestamp:    start,
	}
	if cause != nil {
		res.Record.Reason = reason(cause)
	}

	a.report(ctx, scope, res.Record, before, after)
	return res
}

func attempt[T any](ctx context.Context, a *Adapter, breaker *CircuitBreaker, call Call[T]) (T, error) {
	var zero T
	if call.Primary == nil {
		return zero, errors.New("no primary source")
	}
	if !a.limiter.Allow(call.Source) {
		return zero, fmt.Errorf("%w: local limit for %s", domain.ErrRateLimited, call.Source)
	}
	if err := breaker.Allow(); err != nil {
		return zero, err
	}

	value, err := Run(ctx, a.timeouts, call.Source, call.Primary)
	if err == nil && call.Validate != nil {
		err = call.Validate(value)
	}
	breaker.Record(err)
	if err != nil {
		return zero, err
	}
	return value, nil
}

func (a *Adapter) snapshot(key string, disabled bool) (any, bool) {
	if disabled {
		return nil, false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	v, ok := a.snapshots[key]
	return v, ok
}

func (a *Adapter) report(ctx context.Context, scope Scope, rec domain.ToolCallRecord, before, after CircuitBreakerState) {
	if a.metrics != nil {
		a.metrics.ObserveToolCall(rec)
		a.metrics.SetBreakerState(rec.Source, string(after))
	}

	logArgs := []any{
		"invocation_id", rec.InvocationID,
		"tool", rec.Tool,
		"source", rec.Source,
		"outcome", rec.Outcome,
		"provenance", rec.Provenance,
		"breaker_state", rec.BreakerState,
	}
	if rec.Outcome == domain.OutcomePrimarySuccess {
		a.logger.Debug("tool call", logArgs...)
	} else {
		a.logger.Warn("tool call degraded", append(logArgs, "reason", rec.Reason)...)
	}

	if a.audit == nil || scope.InvocationID == "" {
		return
	}
	detail := map[string]string{
		"tool":          rec.Tool,
		"source":        rec.Source,
		"args_digest":   rec.ArgsDigest,
		"outcome":       string(rec.Outcome),
		"provenance":    string(rec.Provenance),
		"breaker_state": rec.BreakerState,
		"duration_ms":   fmt.Sprint(rec.Duration.Milliseconds()),
	}
	if rec.Reason != "" {
		detail["reason"] = rec.Reason
	}
	if err := a.audit.Append(ctx, domain.AuditEntry{
		InvocationID: scope.InvocationID,
		Timestamp:    rec.Timestamp,
		Kind:         domain.AuditToolCall,
		Stage:        scope.Stage,
		Detail:       detail,
	}); err != nil {
		a.logger.Warn("tool call audit append failed", "invocation_id", scope.InvocationID, "error", err)
	}

	if before != after {
		if err := a.audit.Append(ctx, domain.AuditEntry{
			InvocationID: scope.InvocationID,
			Kind:         domain.AuditBreakerTransition,
			Stage:        scope.Stage,
			Detail: map[string]string{
				"source": rec.Source,
				"from":   string(before),
				"to":     string(after),
			},
		}); err != nil {
			a.logger.Warn("breaker audit append failed", "invocation_id", scope.InvocationID, "error", err)
		}
	}
}

// ArgsDigest returns the hex sha256 of the canonical JSON encoding of args.
func ArgsDigest(args map[string]string) string {
	if args == nil {
		args = map[string]string{}
	}
	// encoding/json sorts map keys, which makes the encoding canonical.
	raw, _ := json.Marshal(args)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return "circuit open"
	case errors.Is(err, ErrRequestTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrRateLimited):
		return "rate limited"
	case errors.Is(err, domain.ErrEmptyResult):
		return "empty result"
	case errors.Is(err, domain.ErrInvalidInput):
		return "invalid result"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "source error"
	}
}
