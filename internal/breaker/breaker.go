// Package breaker isolates unhealthy dependencies. One state machine per
// dependency name, created lazily on first use; while a circuit is open,
// calls fail fast without touching the dependency at all.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned without invoking the wrapped function while a
// circuit is open and its recovery timeout has not elapsed.
var ErrCircuitOpen = errors.New("circuit open")

const (
	DefaultThreshold       = 5
	DefaultRecoveryTimeout = 60 * time.Second
)

// Snapshot is a read-only copy of one circuit's state, for observability.
type Snapshot struct {
	Name            string
	State           State
	FailureCount    int
	LastFailureAt   time.Time
	LastSuccessAt   time.Time
	Threshold       int
	RecoveryTimeout time.Duration
}

type circuit struct {
	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailureAt   time.Time
	lastSuccessAt   time.Time
	threshold       int
	recoveryTimeout time.Duration
}

type Option func(*Registry)

func WithNowFunc(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.nowFn = now
		}
	}
}

func WithDefaults(threshold int, recoveryTimeout time.Duration) Option {
	return func(r *Registry) {
		if threshold > 0 {
			r.threshold = threshold
		}
		if recoveryTimeout > 0 {
			r.recoveryTimeout = recoveryTimeout
		}
	}
}

// Registry holds one circuit per dependency name. The registry lock only
// guards the map; each circuit carries its own lock so dependencies never
// contend with each other, and the wrapped function runs with no lock held.
type Registry struct {
	mu       sync.Mutex
	nowFn    func() time.Time
	circuits map[string]*circuit

	threshold       int
	recoveryTimeout time.Duration
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		nowFn:           time.Now,
		circuits:        make(map[string]*circuit),
		threshold:       DefaultThreshold,
		recoveryTimeout: DefaultRecoveryTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) circuitFor(name string) *circuit {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.circuits[name]
	if !ok {
		c = &circuit{
			state:           StateClosed,
			threshold:       r.threshold,
			recoveryTimeout: r.recoveryTimeout,
		}
		r.circuits[name] = c
	}
	return c
}

// SetRule retunes one circuit's threshold and recovery timeout at runtime.
// Counters and state are preserved; an already-open circuit with a shorter
// timeout simply becomes eligible for its trial call sooner.
func (r *Registry) SetRule(name string, threshold int, recoveryTimeout time.Duration) {
	c := r.circuitFor(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	if threshold > 0 {
		c.threshold = threshold
	}
	if recoveryTimeout > 0 {
		c.recoveryTimeout = recoveryTimeout
	}
}

// Call runs fn under the named circuit. While the circuit is open and the
// recovery timeout has not elapsed, fn is never invoked and ErrCircuitOpen
// comes back immediately. The open to half_open transition happens lazily
// here, on the first call after the timeout, not via a background timer.
func (r *Registry) Call(ctx context.Context, name string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c := r.circuitFor(name)

	c.mu.Lock()
	if c.state == StateOpen {
		if r.nowFn().Sub(c.lastFailureAt) < c.recoveryTimeout {
			c.mu.Unlock()
			return ErrCircuitOpen
		}
		c.state = StateHalfOpen
	}
	c.mu.Unlock()

	err := fn(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	now := r.nowFn()
	if err != nil {
		c.failureCount++
		c.lastFailureAt = now
		if c.state == StateHalfOpen || c.failureCount >= c.threshold {
			c.state = StateOpen
		}
		return err
	}
	c.state = StateClosed
	c.failureCount = 0
	c.lastSuccessAt = now
	return nil
}

// Status returns a snapshot of the named circuit. The second return is
// false when no call has ever touched that dependency.
func (r *Registry) Status(name string) (Snapshot, bool) {
	r.mu.Lock()
	c, ok := r.circuits[name]
	r.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Name:            name,
		State:           c.state,
		FailureCount:    c.failureCount,
		LastFailureAt:   c.lastFailureAt,
		LastSuccessAt:   c.lastSuccessAt,
		Threshold:       c.threshold,
		RecoveryTimeout: c.recoveryTimeout,
	}, true
}

// Snapshots lists every known circuit, for the operations surface.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	names := make([]string, 0, len(r.circuits))
	for name := range r.circuits {
		names = append(names, name)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(names))
	for _, name := range names {
		if snap, ok := r.Status(name); ok {
			out = append(out, snap)
		}
	}
	return out
}
