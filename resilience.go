package ldappool

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int32

const (
	StateCircuitClosed CircuitBreakerState = iota
	StateCircuitOpen
	StateCircuitHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateCircuitClosed:
		return "CLOSED"
	case StateCircuitOpen:
		return "OPEN"
	case StateCircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig holds configuration for the dial circuit breaker
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive dial failures before opening the circuit
	MaxFailures int64 `mapstructure:"max_failures"`
	// Timeout is how long to wait before transitioning from open to half-open
	Timeout time.Duration `mapstructure:"timeout"`
	// HalfOpenMaxRequests is the number of trial dials allowed in half-open state
	HalfOpenMaxRequests int64 `mapstructure:"half_open_max_requests"`
}

// DefaultCircuitBreakerConfig returns a sensible default configuration
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		MaxFailures:         5,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 3,
	}
}

// CircuitBreakerStats is a snapshot of a CircuitBreaker.
type CircuitBreakerStats struct {
	Name        string
	State       CircuitBreakerState
	Failures    int64
	Requests    int64
	Successes   int64
	Rejected    int64
	LastFailure time.Time
	NextRetry   time.Time
}

// CircuitBreaker stops dialing a server that keeps failing. While open,
// Execute fails fast with *CircuitBreakerError; after Timeout a limited
// number of trial calls decide whether to close it again.
type CircuitBreaker struct {
	config *CircuitBreakerConfig
	logger *slog.Logger
	name   string
	now    func() time.Time

	mu          sync.RWMutex
	lastFailure time.Time
	nextRetry   time.Time

	state    atomic.Int32
	failures atomic.Int64
	// trial calls let through and trial calls that succeeded while half-open
	halfOpenAdmitted  atomic.Int64
	halfOpenSuccesses atomic.Int64
	requests     atomic.Int64
	successes    atomic.Int64
	rejected     atomic.Int64
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, config *CircuitBreakerConfig, logger *slog.Logger) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	cb := &CircuitBreaker{
		config: config,
		logger: logger,
		name:   name,
		now:    time.Now,
	}
	cb.state.Store(int32(StateCircuitClosed))
	return cb
}

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.canExecute() {
		cb.rejected.Add(1)
		currentState := cb.State()

		cb.mu.RLock()
		err := &CircuitBreakerError{
			State:       currentState.String(),
			Failures:    int(cb.failures.Load()),
			LastFailure: cb.lastFailure,
			NextRetry:   cb.nextRetry,
		}
		cb.mu.RUnlock()

		cb.logger.Debug("circuit_breaker_blocked",
			slog.String("name", cb.name),
			slog.String("state", currentState.String()),
			slog.Int64("failures", cb.failures.Load()))
		return err
	}

	err := fn()
	cb.recordResult(err)
	return err
}

func (cb *CircuitBreaker) canExecute() bool {
	cb.requests.Add(1)

	switch cb.State() {
	case StateCircuitClosed:
		return true
	case StateCircuitOpen:
		cb.mu.RLock()
		nextRetry := cb.nextRetry
		cb.mu.RUnlock()

		if cb.now().Before(nextRetry) {
			return false
		}
		if cb.state.CompareAndSwap(int32(StateCircuitOpen), int32(StateCircuitHalfOpen)) {
			cb.logger.Info("circuit_breaker_transition",
				slog.String("name", cb.name),
				slog.String("from", "OPEN"),
				slog.String("to", "HALF_OPEN"))
			return cb.admitTrial()
		}
		// lost the race, queue up for a trial slot like everyone else
		return cb.State() == StateCircuitHalfOpen && cb.admitTrial()
	case StateCircuitHalfOpen:
		return cb.admitTrial()
	default:
		return false
	}
}

// admitTrial reserves one of the HalfOpenMaxRequests trial slots.
func (cb *CircuitBreaker) admitTrial() bool {
	if cb.halfOpenAdmitted.Add(1) > cb.config.HalfOpenMaxRequests {
		cb.halfOpenAdmitted.Add(-1)
		return false
	}
	return true
}

func (cb *CircuitBreaker) recordResult(err error) {
	currentState := cb.State()

	if err == nil {
		cb.successes.Add(1)
		switch currentState {
		case StateCircuitClosed:
			cb.failures.Store(0)
		case StateCircuitHalfOpen:
			if cb.halfOpenSuccesses.Add(1) >= cb.config.HalfOpenMaxRequests &&
				cb.state.CompareAndSwap(int32(StateCircuitHalfOpen), int32(StateCircuitClosed)) {
				cb.failures.Store(0)
				cb.logger.Info("circuit_breaker_closed",
					slog.String("name", cb.name),
					slog.String("reason", "successful_requests"))
			}
		}
		return
	}

	failureCount := cb.failures.Add(1)

	cb.mu.Lock()
	cb.lastFailure = cb.now()
	cb.mu.Unlock()

	switch currentState {
	case StateCircuitClosed:
		if failureCount >= cb.config.MaxFailures {
			cb.openCircuit()
		}
	case StateCircuitHalfOpen:
		cb.openCircuit()
	}
}

func (cb *CircuitBreaker) openCircuit() {
	// trial slots are cleared before the state can move on to half-open
	cb.halfOpenAdmitted.Store(0)
	cb.halfOpenSuccesses.Store(0)
	cb.state.Store(int32(StateCircuitOpen))

	cb.mu.Lock()
	cb.nextRetry = cb.now().Add(cb.config.Timeout)
	nextRetry := cb.nextRetry
	cb.mu.Unlock()

	cb.logger.Warn("circuit_breaker_opened",
		slog.String("name", cb.name),
		slog.Int64("failures", cb.failures.Load()),
		slog.Time("next_retry", nextRetry))
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	return CircuitBreakerState(cb.state.Load())
}

// Stats returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return CircuitBreakerStats{
		Name:        cb.name,
		State:       cb.State(),
		Failures:    cb.failures.Load(),
		Requests:    cb.requests.Load(),
		Successes:   cb.successes.Load(),
		Rejected:    cb.rejected.Load(),
		LastFailure: cb.lastFailure,
		NextRetry:   cb.nextRetry,
	}
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.state.Store(int32(StateCircuitClosed))
	cb.failures.Store(0)
	cb.halfOpenAdmitted.Store(0)
	cb.halfOpenSuccesses.Store(0)

	cb.logger.Info("circuit_breaker_reset", slog.String("name", cb.name))
}
