// Package circuitbreaker implements the circuit breaker pattern.
//
// A circuit breaker prevents cascading failures by tracking consecutive failures
// and temporarily blocking requests to failing resources.
//
// States:
//   - Closed: Normal operation, requests allowed
//   - Open: Too many failures, requests blocked
//   - HalfOpen: Testing if resource recovered, requests allowed until an outcome is recorded
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	Closed   State = iota // Normal operation, requests allowed
	Open                  // Failing, requests blocked
	HalfOpen              // Testing if recovered
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChangeFunc is called after a breaker moves between states.
// It runs outside the breaker lock and may call back into the breaker.
type StateChangeFunc func(name string, from, to State)

// Config holds configuration for a circuit breaker.
type Config struct {
	Threshold     int             // Failures before circuit opens (default: 5)
	Cooldown      time.Duration   // Time before half-open (default: 30s)
	Window        time.Duration   // Failures further apart than this restart the count (0 = never)
	OnStateChange StateChangeFunc // Optional transition hook
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Cooldown:  30 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern for a single resource.
type Breaker struct {
	mu          sync.Mutex
	name        string
	state       State
	failures    int       // consecutive failures within the window
	lastFailure time.Time // when the last failure occurred
	cfg         Config
}

// New creates a new unnamed circuit breaker.
func New(cfg Config) *Breaker {
	return NewNamed("", cfg)
}

// NewNamed creates a circuit breaker whose transitions are reported under name.
func NewNamed(name string, cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{name: name, state: Closed, cfg: cfg}
}

// transition must be called with b.mu held; the returned func fires the hook
// and must be called after unlocking.
func (b *Breaker) transition(to State) func() {
	from := b.state
	b.state = to
	if from == to || b.cfg.OnStateChange == nil {
		return func() {}
	}
	hook, name := b.cfg.OnStateChange, b.name
	return func() { hook(name, from, to) }
}

// Allow returns true if a request should be attempted.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	switch b.state {
	case Open:
		if time.Since(b.lastFailure) > b.cfg.Cooldown {
			fire := b.transition(HalfOpen)
			b.mu.Unlock()
			fire()
			return true
		}
		b.mu.Unlock()
		return false
	default:
		b.mu.Unlock()
		return true
	}
}

// RecordSuccess records a successful request.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.failures = 0
	fire := b.transition(Closed)
	b.mu.Unlock()
	fire()
}

// RecordFailure records a failed request.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	now := time.Now()
	if b.cfg.Window > 0 && b.state == Closed && !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.cfg.Window {
		b.failures = 0
	}
	b.failures++
	b.lastFailure = now

	fire := func() {}
	switch {
	case b.state == HalfOpen:
		fire = b.transition(Open)
	case b.failures >= b.cfg.Threshold:
		fire = b.transition(Open)
	}
	b.mu.Unlock()
	fire()
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset resets the breaker to closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.failures = 0
	fire := b.transition(Closed)
	b.mu.Unlock()
	fire()
}
