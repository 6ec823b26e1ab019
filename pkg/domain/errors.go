package domain

import (
	"errors"
	"fmt"
)

// Pipeline error taxonomy.
var (
	ErrGuardrailBlocked       = errors.New("request blocked by guardrail")
	ErrExternalSourceDegraded = errors.New("external source degraded")
	ErrKeyConflict            = errors.New("state key already written")
	ErrKeyNotFound            = errors.New("state key not found")
	ErrInvocationNotFound     = errors.New("invocation not found")
	ErrSchemaMismatch         = errors.New("payload does not match key schema")
	ErrContractViolation      = errors.New("stage contract violation")
	ErrInvalidInput           = errors.New("invalid input")
	ErrStageFailed            = errors.New("unrecoverable stage error")
	ErrConfigInvalid          = errors.New("invalid configuration")
	ErrRateLimited            = errors.New("source rate limited")
	ErrEmptyResult            = errors.New("source returned no data")
)

// DomainError wraps errors with additional context.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Code    string
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// StateError reports a State Store failure for a specific key.
type StateError struct {
	Op           string
	InvocationID string
	Key          string
	Err          error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("state %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StateError) Unwrap() error {
	return e.Err
}

// StageError marks an error raised by a pipeline stage.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %q: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrStageFailed) match every StageError.
func (e *StageError) Is(target error) bool {
	return target == ErrStageFailed
}

// ErrorCode maps an error to the stable machine-readable code surfaced in results.
func ErrorCode(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) && domainErr.Code != "" {
		return domainErr.Code
	}
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrGuardrailBlocked):
		return "GUARDRAIL_BLOCKED"
	case errors.Is(err, ErrKeyConflict):
		return "STATE_KEY_CONFLICT"
	case errors.Is(err, ErrKeyNotFound):
		return "STATE_KEY_NOT_FOUND"
	case errors.Is(err, ErrSchemaMismatch):
		return "STATE_SCHEMA_MISMATCH"
	case errors.Is(err, ErrContractViolation):
		return "CONTRACT_VIOLATION"
	case errors.Is(err, ErrInvalidInput):
		return "INVALID_INPUT"
	case errors.Is(err, ErrExternalSourceDegraded):
		return "SOURCE_DEGRADED"
	default:
		return "STAGE_FAILED"
	}
}
