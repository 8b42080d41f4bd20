package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	skerr "socketkit/internal/errors"
)

// ── Circuit state ────────────────────────────────────────────────────

// State is the state of one endpoint's circuit.
type State int

const (
	// StateClosed lets exchanges through.
	StateClosed State = iota
	// StateOpen rejects exchanges until ResetTimeout has passed.
	StateOpen
	// StateHalfOpen lets a single probe through to test recovery.
	StateHalfOpen
)

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

// ── Configuration ────────────────────────────────────────────────────

// CircuitBreakerConfig configures a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens an
	// endpoint's circuit (default 5).
	MaxFailures int
	// ResetTimeout is how long a circuit stays open before a probe is
	// allowed (default 30s).
	ResetTimeout time.Duration
	// HalfOpenMax is the number of successful probes that close the
	// circuit again (default 1).
	HalfOpenMax int
	// OnStateChange is called on every transition.  It runs under the
	// breaker's lock and must not block.
	OnStateChange func(key string, from, to State)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		MaxFailures:  5,
		ResetTimeout: 30 * time.Second,
		HalfOpenMax:  1,
	}
}

// ── CircuitBreaker ───────────────────────────────────────────────────

// CircuitBreaker keeps one circuit per key, normally an endpoint
// address, so a dead host does not block exchanges with healthy ones.
// Failures caused by the caller cancelling its context are not counted
// against the endpoint.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

type circuit struct {
	state     State
	failures  int
	successes int
	openedAt  time.Time
	probing   bool // a half-open probe is in flight
}

// NewCircuitBreaker creates a circuit breaker with the given config.
func NewCircuitBreaker(cfg *CircuitBreakerConfig) *CircuitBreaker {
	c := *DefaultCircuitBreakerConfig()
	if cfg != nil {
		if cfg.MaxFailures > 0 {
			c.MaxFailures = cfg.MaxFailures
		}
		if cfg.ResetTimeout > 0 {
			c.ResetTimeout = cfg.ResetTimeout
		}
		if cfg.HalfOpenMax > 0 {
			c.HalfOpenMax = cfg.HalfOpenMax
		}
		c.OnStateChange = cfg.OnStateChange
	}
	return &CircuitBreaker{cfg: c, now: time.Now, circuits: make(map[string]*circuit)}
}

// Execute runs fn unless key's circuit is open.  A rejected call
// returns an error matching ErrCircuitOpen without calling fn.
func (cb *CircuitBreaker) Execute(key string, fn func() error) error {
	if err := cb.before(key); err != nil {
		return err
	}
	err := fn()
	cb.after(key, err)
	return err
}

// State returns the state of key's circuit.
func (cb *CircuitBreaker) State(key string) State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if c, ok := cb.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// Failures returns key's consecutive failure count.
func (cb *CircuitBreaker) Failures(key string) int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if c, ok := cb.circuits[key]; ok {
		return c.failures
	}
	return 0
}

// Reset forgets everything known about key.
func (cb *CircuitBreaker) Reset(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if c, ok := cb.circuits[key]; ok {
		cb.transition(key, c, StateClosed)
		delete(cb.circuits, key)
	}
}

// ── internal ─────────────────────────────────────────────────────────

func (cb *CircuitBreaker) before(key string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c, ok := cb.circuits[key]
	if !ok {
		return nil
	}

	switch c.state {
	case StateOpen:
		elapsed := cb.now().Sub(c.openedAt)
		if elapsed < cb.cfg.ResetTimeout {
			return fmt.Errorf("%w: %s failed %d times in a row, retry in %v",
				skerr.ErrCircuitOpen, key, c.failures, (cb.cfg.ResetTimeout - elapsed).Truncate(time.Millisecond))
		}
		cb.transition(key, c, StateHalfOpen)
		c.probing = true
	case StateHalfOpen:
		if c.probing {
			return fmt.Errorf("%w: %s is being probed", skerr.ErrCircuitOpen, key)
		}
		c.probing = true
	}
	return nil
}

func (cb *CircuitBreaker) after(key string, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c, ok := cb.circuits[key]
	if !ok {
		if err == nil || callerCancelled(err) {
			return
		}
		c = &circuit{}
		cb.circuits[key] = c
	}
	c.probing = false

	switch {
	case callerCancelled(err):
		// Says nothing about the endpoint.
	case err != nil:
		c.failures++
		c.successes = 0
		if c.state == StateHalfOpen || c.failures >= cb.cfg.MaxFailures {
			c.openedAt = cb.now()
			cb.transition(key, c, StateOpen)
		}
	case c.state == StateHalfOpen:
		c.successes++
		if c.successes >= cb.cfg.HalfOpenMax {
			cb.transition(key, c, StateClosed)
			delete(cb.circuits, key)
		}
	default:
		delete(cb.circuits, key)
	}
}

func (cb *CircuitBreaker) transition(key string, c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(key, from, to)
	}
}

func callerCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
