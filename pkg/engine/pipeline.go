package engine

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/polisai/polis-analyst/pkg/domain"
	"github.com/polisai/polis-analyst/pkg/engine/runtime"
)

// Pipeline is a named, ordered list of stages.
type Pipeline struct {
	Name   string
	Stages []runtime.Stage
}

// Validate checks the stage contracts: names are unique, no namespace has two
// producers, and every consumed namespace is produced by an earlier stage.
func (p *Pipeline) Validate() error {
	if p == nil || len(p.Stages) == 0 {
		return fmt.Errorf("%w: pipeline has no stages", domain.ErrConfigInvalid)
	}

	names := make(map[string]bool, len(p.Stages))
	producer := make(map[string]string)
	for _, stage := range p.Stages {
		name := stage.Name()
		if name == "" {
			return fmt.Errorf("%w: pipeline %q has an unnamed stage", domain.ErrConfigInvalid, p.Name)
		}
		if names[name] {
			return fmt.Errorf("%w: stage %q appears twice in pipeline %q", domain.ErrConfigInvalid, name, p.Name)
		}
		names[name] = true

		contract := stage.Contract()
		for _, ns := range contract.Consumes {
			if _, ok := producer[ns]; !ok {
				return fmt.Errorf("%w: stage %q consumes %q before any stage produces it",
					domain.ErrContractViolation, name, ns)
			}
		}
		for _, ns := range contract.Produces {
			if owner, ok := producer[ns]; ok {
				return fmt.Errorf("%w: %q is produced by both %q and %q",
					domain.ErrContractViolation, ns, owner, name)
			}
			producer[ns] = name
		}
	}
	return nil
}

// laterProducers maps each namespace produced after stage index i to its producer.
func (p *Pipeline) laterProducers(i int) map[string]string {
	out := make(map[string]string)
	for _, stage := range p.Stages[i+1:] {
		for _, ns := range stage.Contract().Produces {
			out[ns] = stage.Name()
		}
	}
	return out
}

// StageNames lists the stages in execution order.
func (p *Pipeline) StageNames() []string {
	out := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		out[i] = s.Name()
	}
	return out
}

// Registry holds the named pipeline presets.
type Registry struct {
	mu        sync.RWMutex
	pipelines map[string]*Pipeline
	logger    *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{pipelines: make(map[string]*Pipeline), logger: logger}
}

// Register validates and adds a pipeline, replacing any pipeline of the same name.
func (r *Registry) Register(p *Pipeline) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipelines[p.Name] = p
	r.logger.Debug("registered pipeline", "pipeline", p.Name, "stages", p.StageNames())
	return nil
}

// Select returns the pipeline with the given name.
func (r *Registry) Select(name string) (*Pipeline, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.pipelines[name]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: no pipeline named %q", domain.ErrConfigInvalid, name)
}

// Names lists registered pipelines in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.pipelines))
	for name := range r.pipelines {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
