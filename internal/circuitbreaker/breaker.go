// Package circuitbreaker stops calling a dependency after repeated failures
// and tries it again after a cooldown. Circuits are independent per key;
// the monitor keys them by chain so one unreachable node does not stall
// the others.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State of one circuit.
type State int

const (
	StateClosed   State = iota // calls flow
	StateOpen                  // calls rejected until the cooldown ends
	StateHalfOpen              // one trial call in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned by Call without invoking fn while a circuit is open
// or probing.
var ErrOpen = errors.New("circuitbreaker: circuit open")

var transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "settlegate",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit state changes by key and target state.",
}, []string{"key", "to_state"})

func init() {
	prometheus.MustRegister(transitions)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Snapshot describes one circuit.
type Snapshot struct {
	State    State
	Failures int
	// RetryAt is when an open circuit admits its next trial call.
	RetryAt time.Time
}

// Breaker holds one circuit per key.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

// New returns a Breaker that opens a circuit after threshold consecutive
// failures and tries again after cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		circuits:  make(map[string]*circuit),
	}
}

// Call runs fn when key's circuit admits it and records the result.
// Cancellation of the caller's context is neither a success nor a failure.
func (b *Breaker) Call(key string, fn func() error) error {
	if !b.admit(key) {
		return ErrOpen
	}
	err := fn()
	b.record(key, err)
	return err
}

func (b *Breaker) admit(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.cooldown {
			return false
		}
		b.set(key, c, StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

func (b *Breaker) record(key string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		if err == nil {
			return
		}
		c = &circuit{}
		b.circuits[key] = c
	}

	switch {
	case errors.Is(err, context.Canceled):
		// A shutdown mid-trial leaves the circuit open for the next run.
		if c.state == StateHalfOpen {
			b.set(key, c, StateOpen)
		}
	case err == nil:
		c.failures = 0
		b.set(key, c, StateClosed)
	default:
		c.failures++
		if c.state == StateHalfOpen || c.failures >= b.threshold {
			c.openedAt = b.now()
			b.set(key, c, StateOpen)
		}
	}
}

// set requires b.mu.
func (b *Breaker) set(key string, c *circuit, to State) {
	if c.state == to {
		return
	}
	c.state = to
	transitions.WithLabelValues(key, to.String()).Inc()
}

// State returns key's state; unknown keys are closed.
func (b *Breaker) State(key string) State {
	return b.Snapshot(key).State
}

// Snapshot returns key's circuit details.
func (b *Breaker) Snapshot(key string) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return Snapshot{State: StateClosed}
	}
	s := Snapshot{State: c.state, Failures: c.failures}
	if c.state == StateOpen {
		s.RetryAt = c.openedAt.Add(b.cooldown)
	}
	return s
}
