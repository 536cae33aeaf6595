// Package circuit provides a circuit breaker guarding calls to optional
// downstream services (brokers, databases) so a dead dependency cannot stall
// the miner.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/gominer/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - calls pass through
	StateClosed State = iota
	// StateOpen - calls are rejected without running
	StateOpen
	// StateHalfOpen - calls are let through to probe recovery
	StateHalfOpen
)

// String returns string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration
type Config struct {
	MaxFailures     int           // failures before opening
	SuccessRequired int           // half-open successes needed to close
	Timeout         time.Duration // open duration before probing
	ResetTimeout    time.Duration // failure count window while closed

	// OnStateChange is called outside the breaker lock after a transition.
	OnStateChange func(from, to State)
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	config *Config
	now    func() time.Time
	mutex  sync.Mutex

	state         State
	failures      int
	successes     int
	rejected      int
	lastFailTime  time.Time
	lastResetTime time.Time
}

// New creates a new circuit breaker
func New(config *Config) *Breaker {
	return newWithClock(config, time.Now)
}

func newWithClock(config *Config, now func() time.Time) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	return &Breaker{
		config:        config,
		now:           now,
		state:         StateClosed,
		lastResetTime: now(),
	}
}

func (cb *Breaker) openError() error {
	return errors.New(errors.ErrorTypeInternal, "circuit_breaker", "circuit breaker is open").
		WithContext("state", StateOpen.String())
}

// Execute runs fn with circuit breaker protection
func (cb *Breaker) Execute(_ context.Context, fn func() error) error {
	if !cb.allowRequest() {
		return cb.openError()
	}
	err := fn()
	cb.recordResult(err)
	return err
}

// ExecuteWithResult runs fn with circuit breaker protection and returns its result
func ExecuteWithResult[T any](_ context.Context, cb *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	if !cb.allowRequest() {
		return zero, cb.openError()
	}
	result, err := fn()
	cb.recordResult(err)
	return result, err
}

func (cb *Breaker) transition(to State) (from State, changed bool) {
	from = cb.state
	if from == to {
		return from, false
	}
	cb.state = to
	cb.successes = 0
	return from, true
}

func (cb *Breaker) notify(from, to State, changed bool) {
	if changed && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(from, to)
	}
}

func (cb *Breaker) allowRequest() bool {
	cb.mutex.Lock()
	now := cb.now()

	var (
		allowed bool
		from    State
		changed bool
	)
	switch cb.state {
	case StateClosed:
		if now.Sub(cb.lastResetTime) > cb.config.ResetTimeout {
			cb.failures = 0
			cb.lastResetTime = now
		}
		allowed = true
	case StateOpen:
		if now.Sub(cb.lastFailTime) > cb.config.Timeout {
			from, changed = cb.transition(StateHalfOpen)
			allowed = true
		} else {
			cb.rejected++
		}
	case StateHalfOpen:
		allowed = true
	}
	cb.mutex.Unlock()

	cb.notify(from, StateHalfOpen, changed)
	return allowed
}

func (cb *Breaker) recordResult(err error) {
	cb.mutex.Lock()
	var (
		from    State
		to      State
		changed bool
	)

	if err != nil {
		cb.failures++
		cb.lastFailTime = cb.now()
		if (cb.state == StateClosed && cb.failures >= cb.config.MaxFailures) || cb.state == StateHalfOpen {
			to = StateOpen
			from, changed = cb.transition(to)
		}
	} else {
		cb.successes++
		if cb.state == StateHalfOpen && cb.successes >= cb.config.SuccessRequired {
			to = StateClosed
			from, changed = cb.transition(to)
			cb.failures = 0
			cb.lastResetTime = cb.now()
		}
	}
	cb.mutex.Unlock()

	cb.notify(from, to, changed)
}

// GetState returns the current state of the circuit breaker
func (cb *Breaker) GetState() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// Stats represents circuit breaker statistics
type Stats struct {
	State        State
	Failures     int
	Successes    int
	Rejected     int
	LastFailTime time.Time
}

// GetStats returns statistics about the circuit breaker
func (cb *Breaker) GetStats() Stats {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return Stats{
		State:        cb.state,
		Failures:     cb.failures,
		Successes:    cb.successes,
		Rejected:     cb.rejected,
		LastFailTime: cb.lastFailTime,
	}
}

// Reset manually resets the circuit breaker to closed state
func (cb *Breaker) Reset() {
	cb.mutex.Lock()
	from, changed := cb.transition(StateClosed)
	cb.failures = 0
	cb.lastResetTime = cb.now()
	cb.mutex.Unlock()

	cb.notify(from, StateClosed, changed)
}
