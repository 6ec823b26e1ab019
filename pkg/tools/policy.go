package tools

import (
	"context"
	"fmt"
	"strconv"

	"github.com/polisai/polis-analyst/internal/governance"
	"github.com/polisai/polis-analyst/pkg/domain"
	"github.com/polisai/polis-analyst/pkg/storage"
)

// LookupPolicy retrieves policy positions for a topic and writes policy:<topic>.
func (k *Toolkit) LookupPolicy(ctx context.Context, sess *storage.Session, topic string) (Summary, error) {
	if topic == "" {
		return Summary{}, fmt.Errorf("%w: empty topic", domain.ErrInvalidInput)
	}

	res := governance.Execute(ctx, k.adapter, scope(sess), governance.Call[[]domain.PolicyRecord]{
		Tool:   ToolPolicyLookup,
		Source: SourcePolicy,
		Args:   map[string]string{"topic": topic},
		Primary: func(ctx context.Context) ([]domain.PolicyRecord, error) {
			if k.policies == nil {
				return nil, fmt.Errorf("%w: no policy retriever", domain.ErrExternalSourceDegraded)
			}
			return k.policies.Lookup(ctx, topic)
		},
		Validate: func(records []domain.PolicyRecord) error {
			if len(records) == 0 {
				return domain.ErrEmptyResult
			}
			return nil
		},
		Sentinel: &[]domain.PolicyRecord{},
	})

	list := &domain.RecordList{Records: make([]domain.Record, len(res.Value))}
	for i, r := range res.Value {
		list.Records[i] = domain.Record{
			ID: r.ID,
			Attributes: map[string]string{
				"topic":    r.Topic,
				"position": r.Position,
				"source":   r.Source,
			},
		}
	}

	key := domain.Key(domain.NSPolicy, topic)
	if err := sess.Put(ctx, key, list); err != nil {
		return Summary{}, err
	}
	return Summary{
		Tool:       ToolPolicyLookup,
		Key:        key,
		Provenance: res.Provenance,
		Text:       fmt.Sprintf("%d policy records for %s", len(res.Value), topic),
		Facts:      map[string]string{"records": strconv.Itoa(len(res.Value))},
	}, nil
}
