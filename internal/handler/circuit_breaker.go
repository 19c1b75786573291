package handler

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gantry-io/gantry/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before
	// opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning
	// to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of test requests allowed in half-open state.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns a sensible default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// CircuitBreaker wraps a handler and sheds load to it after consecutive
// failures. A rejected invocation fails with a retryable CIRCUIT_OPEN
// error, so the step lands back in the retry/backoff path instead of
// hammering a failing dependency.
type CircuitBreaker struct {
	inner  Handler
	config CircuitBreakerConfig

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
}

// WithCircuitBreaker wraps a handler with circuit breaking.
func WithCircuitBreaker(inner Handler, config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config = DefaultCircuitBreakerConfig()
	}
	return &CircuitBreaker{inner: inner, config: config}
}

func (cb *CircuitBreaker) Name() string          { return cb.inner.Name() }
func (cb *CircuitBreaker) Schema() HandlerSchema { return cb.inner.Schema() }

func (cb *CircuitBreaker) Validate(params map[string]any) error {
	return cb.inner.Validate(params)
}

func (cb *CircuitBreaker) Process(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	if err := cb.allow(); err != nil {
		return nil, err
	}

	out, err := cb.inner.Process(ctx, inv)
	if err != nil {
		cb.recordFailure()
		return nil, err
	}
	cb.recordSuccess()
	return out, nil
}

// State returns the current circuit state, applying the open -> half-open
// cooldown transition.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

// Stats returns diagnostic information about the circuit breaker.
func (cb *CircuitBreaker) Stats() map[string]any {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"handler":              cb.inner.Name(),
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    cb.config.FailureThreshold,
		"cooldown":             cb.config.Cooldown.String(),
	}
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this request is the first test request
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for handler %q: %d consecutive failures",
			cb.inner.Name(), cb.consecutiveFailures).
			WithDetails(map[string]any{
				"handler":              cb.inner.Name(),
				"consecutive_failures": cb.consecutiveFailures,
				"cooldown_remaining":   (cb.config.Cooldown - time.Since(cb.lastFailureTime)).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= cb.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for handler %q: max test requests reached", cb.inner.Name())
		}
		cb.halfOpenAttempts++
		return nil
	}

	return nil
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()

	// Any failure in half-open reopens the circuit.
	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
	}
}
