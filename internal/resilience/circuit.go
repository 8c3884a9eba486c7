// Package resilience wraps calls to external collaborators with bounded
// retries, error classification, circuit breaking and requeue bookkeeping.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CircuitState is the state of a breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned without calling through while a breaker is open.
// It is transient: the observation is requeued, not failed.
var ErrCircuitOpen = eris.New("resilience: circuit breaker is open")

// CircuitBreakerConfig controls when a breaker opens and how it recovers.
type CircuitBreakerConfig struct {
	// FailureThreshold consecutive tripping failures open the circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before a probe.
	ResetTimeout time.Duration
	// HalfOpenMaxProbes successful probes close the circuit again.
	HalfOpenMaxProbes int
	// ShouldTrip decides which errors count. Defaults to IsTransient, so a
	// provider answering "bad request" does not open its circuit.
	ShouldTrip func(err error) bool
}

// DefaultCircuitBreakerConfig opens after 5 failures for 30s.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		ResetTimeout:      30 * time.Second,
		HalfOpenMaxProbes: 1,
	}
}

// CircuitBreaker guards one collaborator.
type CircuitBreaker struct {
	name string
	cfg  CircuitBreakerConfig

	mu       sync.Mutex
	state    CircuitState
	failures int
	probes   int
	openedAt time.Time

	now func() time.Time
}

// NewCircuitBreaker creates a closed breaker named after the collaborator it
// guards.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	d := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = d.ResetTimeout
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = d.HalfOpenMaxProbes
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = IsTransient
	}
	return &CircuitBreaker{name: name, cfg: cfg, now: time.Now}
}

// Call runs fn unless the circuit is open.
func Call[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if !cb.allow() {
		return zero, NewTransientError(ErrCircuitOpen, 0)
	}
	v, err := fn(ctx)
	cb.record(err)
	return v, err
}

// State returns the current state, reporting half-open once the reset
// timeout has passed.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return cb.state
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != CircuitOpen {
		return true
	}
	if cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		cb.transition(CircuitHalfOpen)
		return true
	}
	return false
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil || !cb.cfg.ShouldTrip(err) {
		switch cb.state {
		case CircuitHalfOpen:
			cb.probes++
			if cb.probes >= cb.cfg.HalfOpenMaxProbes {
				cb.transition(CircuitClosed)
			}
		case CircuitClosed:
			cb.failures = 0
		}
		return
	}

	cb.failures++
	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transition(CircuitOpen)
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.probes = 0
	switch to {
	case CircuitOpen:
		cb.openedAt = cb.now()
	case CircuitClosed:
		cb.failures = 0
	}
	zap.L().Warn("resilience: circuit state change",
		zap.String("collaborator", cb.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}

// Breakers hands out one breaker per collaborator name.
type Breakers struct {
	cfg      CircuitBreakerConfig
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakers creates an empty breaker set sharing cfg.
func NewBreakers(cfg CircuitBreakerConfig) *Breakers {
	return &Breakers{cfg: cfg, breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for name, creating it on first use.
func (b *Breakers) Get(name string) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.breakers[name]
	if !ok {
		cb = NewCircuitBreaker(name, b.cfg)
		b.breakers[name] = cb
	}
	return cb
}

// States snapshots every breaker's state.
func (b *Breakers) States() map[string]CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]CircuitState, len(b.breakers))
	for name, cb := range b.breakers {
		out[name] = cb.State()
	}
	return out
}
