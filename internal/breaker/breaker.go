// Package breaker implements a keyed circuit breaker guarding repair
// attempts and provider calls
package breaker

import (
	"errors"
	"log"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed indicates normal operation
	StateClosed State = "closed"
	// StateOpen indicates the guarded operation is failing and calls are rejected
	StateOpen State = "open"
	// StateHalfOpen indicates trial calls are being admitted to probe recovery
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned by Call when the breaker rejects the request
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds circuit breaker thresholds
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the circuit
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before admitting
	// trial calls. Evaluated lazily on the next Allow check, not via a timer.
	RecoveryTimeout time.Duration
	// HalfOpenMaxCalls bounds trial executions admitted while half-open
	HalfOpenMaxCalls int
}

// DefaultConfig returns the provider-level breaker defaults
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// Breaker is a single circuit breaker instance.
//
// The failure count resets to zero only on a transition into closed.
// While half-open, at most HalfOpenMaxCalls trial executions are admitted
// before the breaker decides to re-close or re-open.
type Breaker struct {
	mu  sync.Mutex
	cfg Config

	state             State
	failures          int
	halfOpenAdmitted  int
	halfOpenSuccesses int
	lastStateChange   time.Time

	now func() time.Time
}

// New creates a breaker in the closed state
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 3
	}

	return &Breaker{
		cfg:             cfg,
		state:           StateClosed,
		lastStateChange: time.Now(),
		now:             time.Now,
	}
}

// Allow reports whether the guarded operation may be attempted. Callers
// that use Allow directly must report the outcome via RecordSuccess or
// RecordFailure; Call does both.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if b.now().Sub(b.lastStateChange) >= b.cfg.RecoveryTimeout {
			b.transition(StateHalfOpen)
			b.halfOpenAdmitted = 1
			return true
		}
		return false

	case StateHalfOpen:
		if b.halfOpenAdmitted < b.cfg.HalfOpenMaxCalls {
			b.halfOpenAdmitted++
			return true
		}
		return false

	default:
		return false
	}
}

// RecordSuccess reports a successful guarded operation
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0

	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.HalfOpenMaxCalls {
			b.transition(StateClosed)
			log.Printf("[breaker] closed after %d successful trial calls", b.halfOpenSuccesses)
		}
	}
}

// RecordFailure reports a failed guarded operation
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
			log.Printf("[breaker] opened after %d failures", b.failures)
		}

	case StateHalfOpen:
		// A single trial failure reopens the circuit
		b.transition(StateOpen)
		log.Printf("[breaker] reopened after trial failure")
	}
}

// Call runs fn through the breaker, rejecting with ErrCircuitOpen when the
// circuit is open and recording the outcome automatically
func (b *Breaker) Call(fn func() error) error {
	if !b.Allow() {
		return ErrCircuitOpen
	}

	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}

	b.RecordSuccess()
	return nil
}

// State returns the current breaker state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the current consecutive-failure count
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// transition moves the breaker to a new state. Caller must hold the lock.
func (b *Breaker) transition(next State) {
	b.state = next
	b.lastStateChange = b.now()

	switch next {
	case StateClosed:
		// Failure count resets only on entering closed
		b.failures = 0
		b.halfOpenAdmitted = 0
		b.halfOpenSuccesses = 0
	case StateHalfOpen:
		b.halfOpenAdmitted = 0
		b.halfOpenSuccesses = 0
	case StateOpen:
		b.halfOpenAdmitted = 0
		b.halfOpenSuccesses = 0
	}
}

// Registry holds one breaker per key (provider name or failure class),
// creating breakers on first use with a shared config
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry using cfg for new breakers
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// ForKey returns the breaker for key, creating it if needed
func (r *Registry) ForKey(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[key]
	if !ok {
		b = New(r.cfg)
		r.breakers[key] = b
	}
	return b
}

// States returns the current state of every breaker in the registry
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make(map[string]State, len(r.breakers))
	for key, b := range r.breakers {
		states[key] = b.State()
	}
	return states
}
