package governance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRequestTimeout is returned when a call exceeds its timeout.
var ErrRequestTimeout = errors.New("request timeout exceeded")

// DefaultCallTimeout bounds a primary call when no per-source timeout is set.
const DefaultCallTimeout = 5 * time.Second

// TimeoutManager holds per-source call timeouts.
type TimeoutManager struct {
	mu       sync.RWMutex
	fallback time.Duration
	perSrc   map[string]time.Duration
}

// NewTimeoutManager creates a manager with the given default timeout.
func NewTimeoutManager(defaultTimeout time.Duration) *TimeoutManager {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultCallTimeout
	}
	return &TimeoutManager{fallback: defaultTimeout, perSrc: make(map[string]time.Duration)}
}

// Configure sets the timeout of one source.
func (tm *TimeoutManager) Configure(source string, timeout time.Duration) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if timeout <= 0 {
		delete(tm.perSrc, source)
		return
	}
	tm.perSrc[source] = timeout
}

// Timeout returns the effective timeout for a source.
func (tm *TimeoutManager) Timeout(source string) time.Duration {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	if d, ok := tm.perSrc[source]; ok {
		return d
	}
	return tm.fallback
}

// Run executes fn with a deadline of Timeout(source). fn runs on its own
// goroutine so a callee that ignores its context cannot hold the caller past
// the deadline; its late result is discarded.
func Run[T any](ctx context.Context, tm *TimeoutManager, source string, fn func(context.Context) (T, error)) (T, error) {
	timeout := tm.Timeout(source)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("source %q panicked: %v", source, r)}
			}
		}()
		v, err := fn(callCtx)
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return r.value, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, source, timeout)
		}
		return r.value, r.err
	case <-callCtx.Done():
		var zero T
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, source, timeout)
	}
}
