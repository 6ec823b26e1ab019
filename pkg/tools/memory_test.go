package tools

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-analyst/internal/governance"
	"github.com/polisai/polis-analyst/pkg/audit"
	"github.com/polisai/polis-analyst/pkg/domain"
)

type mockMemory struct {
	mock.Mock
}

func (m *mockMemory) Store(ctx context.Context, subject string, facts []domain.Fact) error {
	return m.Called(ctx, subject, facts).Error(0)
}

func (m *mockMemory) Retrieve(ctx context.Context, subject string) ([]domain.Fact, error) {
	args := m.Called(ctx, subject)
	facts, _ := args.Get(0).([]domain.Fact)
	return facts, args.Error(1)
}

func TestLookupMemoryShowsLatestFacts(t *testing.T) {
	f := newFixture(t)
	mem := new(mockMemory)
	f.toolkit.memory = mem

	var facts []domain.Fact
	for i := range 7 {
		facts = append(facts, domain.Fact{Subject: "ACME", Text: fmt.Sprintf("f%d", i)})
	}
	mem.On("Retrieve", mock.Anything, "ACME").Return(facts, nil).Once()

	sum, got, err := f.toolkit.LookupMemory(context.Background(), f.session(t, "inv-mem"), "ACME")
	require.NoError(t, err)
	assert.Len(t, got, 7)
	assert.Equal(t, "7", sum.Facts["facts"])
	assert.Equal(t, "7 stored facts: f2; f3; f4; f5; f6", sum.Text)
	mem.AssertExpectations(t)
}

func TestLookupMemoryFailureIsDegraded(t *testing.T) {
	f := newFixture(t)
	mem := new(mockMemory)
	f.toolkit.memory = mem
	mem.On("Retrieve", mock.Anything, "ACME").Return(nil, errors.New("disk gone"))

	sum, got, err := f.toolkit.LookupMemory(context.Background(), f.session(t, "inv-mem"), "ACME")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, domain.ProvenanceSentinel, sum.Provenance)
	assert.Equal(t, "memory unavailable", sum.Text)
}

func TestRememberSkipsEmptyFacts(t *testing.T) {
	f := newFixture(t)
	mem := new(mockMemory)
	f.toolkit.memory = mem
	fact := domain.Fact{Subject: "ACME", Text: "long bias"}
	mem.On("Store", mock.Anything, "ACME", []domain.Fact{fact}).Return(nil).Once()
	sess := f.session(t, "inv-mem")

	require.NoError(t, f.toolkit.Remember(context.Background(), sess, "ACME"))
	require.NoError(t, f.toolkit.Remember(context.Background(), sess, "ACME", fact))
	mem.AssertExpectations(t)
	mem.AssertNumberOfCalls(t, "Store", 1)
}

func TestRememberFailureIsReported(t *testing.T) {
	f := newFixture(t)
	mem := new(mockMemory)
	f.toolkit.memory = mem
	mem.On("Store", mock.Anything, "ACME", mock.Anything).Return(errors.New("read-only"))

	err := f.toolkit.Remember(context.Background(), f.session(t, "inv-mem"), "ACME", domain.Fact{Text: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read-only")
	assert.Equal(t, 1, f.log.Count("inv-mem", domain.AuditToolCall))
}

func TestLookupMemoryIsBoundedByTimeout(t *testing.T) {
	f := newFixture(t)
	timeouts := governance.NewTimeoutManager(time.Second)
	timeouts.Configure(SourceMemory, 20*time.Millisecond)
	f.toolkit.adapter = governance.NewAdapter(governance.AdapterConfig{Audit: f.log, Timeouts: timeouts})
	mem := new(mockMemory)
	f.toolkit.memory = mem
	mem.On("Retrieve", mock.Anything, "ACME").
		Run(func(args mock.Arguments) { <-args.Get(0).(context.Context).Done() }).
		Return(nil, context.DeadlineExceeded)

	start := time.Now()
	sum, facts, err := f.toolkit.LookupMemory(context.Background(), f.session(t, "inv-slow"), "ACME")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Nil(t, facts)
	assert.Equal(t, domain.ProvenanceSentinel, sum.Provenance)

	entries, err := f.log.Entries(context.Background(), "inv-slow")
	require.NoError(t, err)
	calls := audit.Filter(entries, domain.AuditToolCall)
	require.Len(t, calls, 1)
	assert.Equal(t, ToolMemory, calls[0].Detail["tool"])
	assert.Equal(t, string(domain.OutcomeFallbackUsed), calls[0].Detail["outcome"])
}
