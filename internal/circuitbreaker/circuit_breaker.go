// Package circuitbreaker implements per-provider failure isolation.
// Breaker state is process-local: in a multi-instance deployment each
// instance tracks provider health independently, which is the intended
// tradeoff (fast reaction, no cross-instance coordination).
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/link-scanner/internal/logging"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed means the circuit is closed and requests are allowed
	StateClosed State = "closed"
	// StateOpen means the circuit is open and requests are blocked
	StateOpen State = "open"
	// StateHalfOpen means the circuit is testing if the provider has recovered
	StateHalfOpen State = "half_open"
)

// GaugeValue maps a state onto the numeric value exported on /metrics.
func (s State) GaugeValue() float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config configures a circuit breaker
type Config struct {
	Name             string
	FailureThreshold int           // consecutive windowed failures before opening
	SuccessThreshold int           // half-open successes required to close
	Timeout          time.Duration // open duration before attempting half-open
	Window           time.Duration // rolling window for counting failures
}

// DefaultConfig returns the default circuit breaker configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Timeout:          30 * time.Second,
		Window:           60 * time.Second,
	}
}

// StateChangeFunc is called whenever a breaker changes state.
type StateChangeFunc func(name string, from, to State)

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	name             string
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	window           time.Duration
	onStateChange    StateChangeFunc

	mu                sync.Mutex
	state             State
	failureTimes      []time.Time
	halfOpenSuccesses int
	rejections        int64
	lastStateChange   time.Time
	now               func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	return &CircuitBreaker{
		name:             config.Name,
		failureThreshold: config.FailureThreshold,
		successThreshold: config.SuccessThreshold,
		timeout:          config.Timeout,
		window:           config.Window,
		state:            StateClosed,
		lastStateChange:  time.Now(),
		now:              time.Now,
	}
}

// OnStateChange registers a hook fired on every state transition.
func (cb *CircuitBreaker) OnStateChange(fn StateChangeFunc) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn with circuit breaker protection. When the circuit is
// open the call is rejected with ErrCircuitOpen without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := fn()
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return nil

	case StateOpen:
		if cb.now().Sub(cb.lastStateChange) >= cb.timeout {
			cb.setState(StateHalfOpen)
			logging.WithFields(map[string]interface{}{
				"circuitBreaker": cb.name,
				"state":          StateHalfOpen,
			}).Info("Circuit breaker transitioning to half-open")
			return nil
		}
		cb.rejections++
		return ErrCircuitOpen

	default:
		return nil
	}
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		// A success breaks any failure streak
		cb.failureTimes = cb.failureTimes[:0]

	case StateHalfOpen:
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.successThreshold {
			cb.setState(StateClosed)
			cb.failureTimes = cb.failureTimes[:0]
			logging.WithFields(map[string]interface{}{
				"circuitBreaker": cb.name,
				"state":          StateClosed,
			}).Info("Circuit breaker closed after successful recovery")
		}
	}
}

func (cb *CircuitBreaker) onFailure() {
	switch cb.state {
	case StateClosed:
		now := cb.now()
		cb.failureTimes = append(cb.failureTimes, now)
		cb.pruneWindow(now)
		if len(cb.failureTimes) >= cb.failureThreshold {
			cb.setState(StateOpen)
			logging.WithFields(map[string]interface{}{
				"circuitBreaker":   cb.name,
				"state":            StateOpen,
				"windowedFailures": len(cb.failureTimes),
			}).Warn("Circuit breaker opened due to failures")
		}

	case StateHalfOpen:
		// Any failure in half-open reopens the circuit
		cb.setState(StateOpen)
		logging.WithFields(map[string]interface{}{
			"circuitBreaker": cb.name,
			"state":          StateOpen,
		}).Warn("Circuit breaker reopened after failure in half-open state")
	}
}

func (cb *CircuitBreaker) pruneWindow(now time.Time) {
	cutoff := now.Add(-cb.window)
	kept := cb.failureTimes[:0]
	for _, t := range cb.failureTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cb.failureTimes = kept
}

func (cb *CircuitBreaker) setState(state State) {
	from := cb.state
	cb.state = state
	cb.lastStateChange = cb.now()
	if state == StateHalfOpen {
		cb.halfOpenSuccesses = 0
	}
	if cb.onStateChange != nil && from != state {
		cb.onStateChange(cb.name, from, state)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name             string    `json:"name"`
	State            State     `json:"state"`
	WindowedFailures int       `json:"windowedFailures"`
	Rejections       int64     `json:"rejections"`
	LastStateChange  time.Time `json:"lastStateChange"`
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() *Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.pruneWindow(cb.now())

	return &Stats{
		Name:             cb.name,
		State:            cb.state,
		WindowedFailures: len(cb.failureTimes),
		Rejections:       cb.rejections,
		LastStateChange:  cb.lastStateChange,
	}
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed)
	cb.failureTimes = cb.failureTimes[:0]
	cb.halfOpenSuccesses = 0

	logging.WithField("circuitBreaker", cb.name).Info("Circuit breaker manually reset")
}

// Registry manages one circuit breaker per provider key. State is
// per-instance; it is not shared through the cache store.
type Registry struct {
	breakers      map[string]*CircuitBreaker
	defaults      *Config
	onStateChange StateChangeFunc
	mu            sync.Mutex
}

// NewRegistry creates a breaker registry with shared defaults.
func NewRegistry(defaults *Config) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
	}
}

// OnStateChange registers a hook applied to every breaker in the registry.
func (r *Registry) OnStateChange(fn StateChangeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStateChange = fn
	for _, cb := range r.breakers {
		cb.OnStateChange(fn)
	}
}

// GetOrCreate gets an existing circuit breaker or creates a new one
func (r *Registry) GetOrCreate(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, exists := r.breakers[name]; exists {
		return cb
	}

	cfg := *r.defaults
	if cfg.FailureThreshold == 0 {
		cfg = *DefaultConfig(name)
	}
	cfg.Name = name

	cb := NewCircuitBreaker(&cfg)
	if r.onStateChange != nil {
		cb.OnStateChange(r.onStateChange)
	}
	r.breakers[name] = cb
	return cb
}

// Get retrieves a circuit breaker by name
func (r *Registry) Get(name string) (*CircuitBreaker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, exists := r.breakers[name]; exists {
		return cb, nil
	}
	return nil, fmt.Errorf("circuit breaker '%s' not found", name)
}

// GetAllStats returns statistics for all circuit breakers
func (r *Registry) GetAllStats() map[string]*Stats {
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	result := make(map[string]*Stats, len(breakers))
	for _, cb := range breakers {
		stats := cb.GetStats()
		result[stats.Name] = stats
	}
	return result
}

// ResetAll resets all circuit breakers
func (r *Registry) ResetAll() {
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	for _, cb := range breakers {
		cb.Reset()
	}
	logging.Info("All circuit breakers reset")
}
