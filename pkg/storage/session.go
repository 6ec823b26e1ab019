package storage

import (
	"context"
	"fmt"

	"github.com/polisai/polis-analyst/pkg/domain"
)

// Contract lists the key namespaces a stage writes and reads.
type Contract struct {
	Produces []string
	Consumes []string
}

// Session is a StateStore handle scoped to one invocation and one stage.
// It rejects writes outside the stage's declared namespaces, so a stage with an
// empty contract cannot write at all, and reads of namespaces that a later
// stage produces.
type Session struct {
	store        StateStore
	invocationID string
	stage        string
	produces     map[string]bool
	later        map[string]string
}

// NewSession binds store to an invocation and stage. later maps namespaces
// to the later stage that produces them.
func NewSession(store StateStore, invocationID, stage string, contract Contract, later map[string]string) *Session {
	produces := make(map[string]bool, len(contract.Produces))
	for _, ns := range contract.Produces {
		produces[ns] = true
	}
	return &Session{
		store:        store,
		invocationID: invocationID,
		stage:        stage,
		produces:     produces,
		later:        later,
	}
}

// InvocationID returns the bound invocation.
func (s *Session) InvocationID() string { return s.invocationID }

// Stage returns the bound stage name.
func (s *Session) Stage() string { return s.stage }

// Put writes payload under key on behalf of the bound stage.
func (s *Session) Put(ctx context.Context, key string, payload domain.Payload, opts ...PutOption) error {
	ns := domain.Namespace(key)
	if !s.produces[ns] {
		return &domain.StateError{
			Op: "put", InvocationID: s.invocationID, Key: key,
			Err: fmt.Errorf("%w: stage %q does not produce %q", domain.ErrContractViolation, s.stage, ns),
		}
	}
	return s.store.Put(ctx, s.invocationID, s.stage, key, payload, opts...)
}

// Get reads the payload under key on behalf of the bound stage.
func (s *Session) Get(ctx context.Context, key string) (domain.Payload, error) {
	ns := domain.Namespace(key)
	if owner, ok := s.later[ns]; ok {
		return nil, &domain.StateError{
			Op: "get", InvocationID: s.invocationID, Key: key,
			Err: fmt.Errorf("%w: %q is produced by later stage %q", domain.ErrContractViolation, ns, owner),
		}
	}
	return s.store.Get(ctx, s.invocationID, s.stage, key)
}

// Series reads a series payload.
func (s *Session) Series(ctx context.Context, key string) (*domain.Series, error) {
	p, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	series, ok := p.(*domain.Series)
	if !ok {
		return nil, fmt.Errorf("%w: %q holds %s", domain.ErrSchemaMismatch, key, p.Kind())
	}
	return series, nil
}

// Records reads a record list payload.
func (s *Session) Records(ctx context.Context, key string) (*domain.RecordList, error) {
	p, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	records, ok := p.(*domain.RecordList)
	if !ok {
		return nil, fmt.Errorf("%w: %q holds %s", domain.ErrSchemaMismatch, key, p.Kind())
	}
	return records, nil
}

// Summary reads a scalar summary payload.
func (s *Session) Summary(ctx context.Context, key string) (*domain.ScalarSummary, error) {
	p, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	summary, ok := p.(*domain.ScalarSummary)
	if !ok {
		return nil, fmt.Errorf("%w: %q holds %s", domain.ErrSchemaMismatch, key, p.Kind())
	}
	return summary, nil
}
