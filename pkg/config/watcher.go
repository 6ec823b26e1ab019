package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/polisai/polis-analyst/pkg/policy"
)

// RuleTarget receives reloaded guardrail tables.
type RuleTarget interface {
	Swap(ctx context.Context, rf policy.RuleFile) error
}

// RuleWatcher reloads a guardrail rule file when it changes on disk. A file
// that fails to parse or compile leaves the active table in place.
type RuleWatcher struct {
	path     string
	target   RuleTarget
	logger   *slog.Logger
	debounce time.Duration
	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
	done     chan struct{}

	mu      sync.Mutex
	reloads int
	lastErr error
}

// NewRuleWatcher loads the file into target once and starts watching it.
func NewRuleWatcher(path string, target RuleTarget, logger *slog.Logger) (*RuleWatcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &RuleWatcher{
		path:     absPath,
		target:   target,
		logger:   logger,
		debounce: 100 * time.Millisecond,
		done:     make(chan struct{}),
	}
	if err := w.load(context.Background()); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors often replace the file, so watch its directory.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}
	w.watcher = watcher

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.watchLoop(ctx)
	return w, nil
}

// Reloads reports how many successful loads happened, including the first.
func (w *RuleWatcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

// LastError returns the error of the most recent failed reload, if any.
func (w *RuleWatcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Close stops the watcher.
func (w *RuleWatcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *RuleWatcher) watchLoop(ctx context.Context) {
	defer close(w.done)
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(w.debounce, func() {
					if err := w.load(ctx); err != nil {
						w.logger.Error("guardrail rule reload failed", "path", w.path, "error", err)
						return
					}
					w.logger.Info("guardrail rules reloaded", "path", w.path)
				})
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("rule watcher error", "error", err)
		}
	}
}

func (w *RuleWatcher) load(ctx context.Context) error {
	rf, err := policy.LoadRuleFile(w.path)
	if err == nil {
		err = w.target.Swap(ctx, rf)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.lastErr = err
		return err
	}
	w.lastErr = nil
	w.reloads++
	return nil
}
