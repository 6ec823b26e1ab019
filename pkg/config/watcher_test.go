package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-analyst/pkg/policy"
)

type recordingTarget struct {
	mu    sync.Mutex
	loads [][]string
}

func (r *recordingTarget) Swap(_ context.Context, rf policy.RuleFile) error {
	ids := make([]string, len(rf.Rules))
	for i, rule := range rf.Rules {
		ids[i] = rule.ID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loads = append(r.loads, ids)
	return nil
}

func (r *recordingTarget) last() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.loads) == 0 {
		return nil
	}
	return r.loads[len(r.loads)-1]
}

const ruleFileV1 = `
rules:
  - id: all-in
    category: reckless
    action: block
    predicate:
      type: phrase
      patterns: ["all in"]
`

const ruleFileV2 = `
rules:
  - id: all-in
    category: reckless
    action: block
    predicate:
      type: phrase
      patterns: ["all in"]
  - id: promise
    category: unrealistic
    action: warn
    predicate:
      type: phrase
      patterns: ["guaranteed"]
`

func TestRuleWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(ruleFileV1), 0o600))

	target := &recordingTarget{}
	w, err := NewRuleWatcher(path, target, nil)
	require.NoError(t, err)
	defer func() { assert.NoError(t, w.Close()) }()

	assert.Equal(t, []string{"all-in"}, target.last())
	assert.Equal(t, 1, w.Reloads())

	require.NoError(t, os.WriteFile(path, []byte(ruleFileV2), 0o600))
	assert.Eventually(t, func() bool {
		return len(target.last()) == 2
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("rules: [broken"), 0o600))
	assert.Eventually(t, func() bool {
		return w.LastError() != nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"all-in", "promise"}, target.last())
}

func TestRuleWatcherInitialLoadFailure(t *testing.T) {
	_, err := NewRuleWatcher(filepath.Join(t.TempDir(), "missing.yaml"), &recordingTarget{}, nil)
	assert.Error(t, err)
}
