package governance

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is in the open state.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed indicates the circuit is closed and requests are allowed.
	StateClosed CircuitBreakerState = "closed"
	// StateOpen indicates the circuit is open and requests are rejected.
	StateOpen CircuitBreakerState = "open"
	// StateHalfOpen indicates the circuit is testing if the source has recovered.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig defines thresholds for circuit breaking.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures int
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// HalfOpenProbes is the number of probe requests admitted while half-open.
	// All probes must succeed to close the circuit; any failure reopens it.
	HalfOpenProbes int
}

// DefaultCircuitBreakerConfig returns the defaults used for every source
// without an explicit configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:    3,
		Cooldown:       30 * time.Second,
		HalfOpenProbes: 1,
	}
}

// Transition describes a breaker state change.
type Transition struct {
	Source string
	From   CircuitBreakerState
	To     CircuitBreakerState
	At     time.Time
}

// CircuitBreaker implements the circuit breaker pattern for one source.
type CircuitBreaker struct {
	mu     sync.Mutex
	source string
	state  CircuitBreakerState
	config CircuitBreakerConfig
	now    func() time.Time
	notify func(Transition)

	consecutiveFailures int
	probesInFlight      int
	probeSuccesses      int
	openUntil           time.Time
	lastStateChange     time.Time
	totalFailures       int
	totalSuccesses      int
}

func newCircuitBreaker(source string, config CircuitBreakerConfig, now func() time.Time, notify func(Transition)) *CircuitBreaker {
	defaults := DefaultCircuitBreakerConfig()
	if config.MaxFailures <= 0 {
		config.MaxFailures = defaults.MaxFailures
	}
	if config.Cooldown <= 0 {
		config.Cooldown = defaults.Cooldown
	}
	if config.HalfOpenProbes <= 0 {
		config.HalfOpenProbes = defaults.HalfOpenProbes
	}
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		source:          source,
		state:           StateClosed,
		config:          config,
		now:             now,
		notify:          notify,
		lastStateChange: now(),
	}
}

// Allow reports whether a request may proceed. A nil result must be paired
// with exactly one Record call.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if cb.now().Before(cb.openUntil) {
			return ErrCircuitOpen
		}
		cb.transitionToLocked(StateHalfOpen)
		cb.probesInFlight++
		return nil
	case StateHalfOpen:
		if cb.probesInFlight < cb.config.HalfOpenProbes {
			cb.probesInFlight++
			return nil
		}
		return ErrCircuitOpen
	default:
		return fmt.Errorf("unknown circuit breaker state: %s", cb.state)
	}
}

// Record reports the result of an allowed request.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.totalSuccesses++
		cb.consecutiveFailures = 0
	} else {
		cb.totalFailures++
		cb.consecutiveFailures++
	}

	switch cb.state {
	case StateHalfOpen:
		if err != nil {
			cb.transitionToLocked(StateOpen)
			return
		}
		cb.probeSuccesses++
		if cb.probeSuccesses >= cb.config.HalfOpenProbes {
			cb.transitionToLocked(StateClosed)
		}
	case StateClosed:
		if err != nil && cb.consecutiveFailures >= cb.config.MaxFailures {
			cb.transitionToLocked(StateOpen)
		}
	}
}

func (cb *CircuitBreaker) transitionToLocked(newState CircuitBreakerState) {
	if cb.state == newState {
		return
	}
	now := cb.now()
	from := cb.state

	cb.state = newState
	cb.lastStateChange = now
	cb.consecutiveFailures = 0
	cb.probesInFlight = 0
	cb.probeSuccesses = 0
	if newState == StateOpen {
		cb.openUntil = now.Add(cb.config.Cooldown)
	} else {
		cb.openUntil = time.Time{}
	}

	if cb.notify != nil {
		cb.notify(Transition{Source: cb.source, From: from, To: newState, At: now})
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CircuitBreakerStats exposes circuit breaker status information.
type CircuitBreakerStats struct {
	State               string `json:"state"`
	Failures            int    `json:"failures"`
	Successes           int    `json:"successes"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	LastStateChange     string `json:"lastStateChange"`
	Cooldown            string `json:"cooldown"`
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		State:               string(cb.state),
		Failures:            cb.totalFailures,
		Successes:           cb.totalSuccesses,
		ConsecutiveFailures: cb.consecutiveFailures,
		LastStateChange:     cb.lastStateChange.Format(time.RFC3339),
		Cooldown:            cb.config.Cooldown.String(),
	}
}

// CircuitBreakerManager manages circuit breakers for multiple sources.
type CircuitBreakerManager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	configs  map[string]CircuitBreakerConfig
	defaults CircuitBreakerConfig
	now      func() time.Time
	notify   func(Transition)
}

// ManagerOption customises a CircuitBreakerManager.
type ManagerOption func(*CircuitBreakerManager)

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *CircuitBreakerManager) { m.now = now }
}

// WithTransitionHook registers a callback invoked on every state change.
// The callback runs while the breaker lock is held and must not call back into it.
func WithTransitionHook(fn func(Transition)) ManagerOption {
	return func(m *CircuitBreakerManager) { m.notify = fn }
}

// WithDefaults sets the configuration for sources without an explicit one.
func WithDefaults(cfg CircuitBreakerConfig) ManagerOption {
	return func(m *CircuitBreakerManager) { m.defaults = cfg }
}

// NewCircuitBreakerManager creates a new circuit breaker manager.
func NewCircuitBreakerManager(opts ...ManagerOption) *CircuitBreakerManager {
	m := &CircuitBreakerManager{
		breakers: make(map[string]*CircuitBreaker),
		configs:  make(map[string]CircuitBreakerConfig),
		defaults: DefaultCircuitBreakerConfig(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Configure adds or updates the breaker for a source.
func (m *CircuitBreakerManager) Configure(source string, config CircuitBreakerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[source] = config
	m.breakers[source] = newCircuitBreaker(source, config, m.now, m.notify)
}

// Get retrieves the breaker for a source, creating one if needed.
func (m *CircuitBreakerManager) Get(source string) *CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[source]
	m.mu.RUnlock()
	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, exists := m.breakers[source]; exists {
		return cb
	}
	cfg, ok := m.configs[source]
	if !ok {
		cfg = m.defaults
	}
	cb = newCircuitBreaker(source, cfg, m.now, m.notify)
	m.breakers[source] = cb
	return cb
}

// Stats returns statistics for all breakers.
func (m *CircuitBreakerManager) Stats() map[string]CircuitBreakerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make(map[string]CircuitBreakerStats, len(m.breakers))
	for source, cb := range m.breakers {
		stats[source] = cb.Stats()
	}
	return stats
}
