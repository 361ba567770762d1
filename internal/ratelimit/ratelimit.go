// Package ratelimit flow-controls calls to external dependencies with one
// token bucket per dependency name. Buckets refill passively from elapsed
// time; there is no background goroutine topping them up.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

// ErrWaitTimeout is returned when WaitForTokens exhausts its budget without
// the bucket ever holding enough tokens.
var ErrWaitTimeout = errors.New("rate limit wait timeout")

const (
	DefaultMaxTokens    = 60
	DefaultWindow       = time.Minute
	DefaultPollInterval = 100 * time.Millisecond
)

// Snapshot is a read-only copy of one bucket, for observability.
type Snapshot struct {
	Name         string
	Tokens       int
	MaxTokens    int
	Window       time.Duration
	LastRefillAt time.Time
}

type bucket struct {
	mu           sync.Mutex
	tokens       int
	maxTokens    int
	window       time.Duration
	lastRefillAt time.Time
}

// refillLocked adds floor(elapsed/window*max) tokens, capped at capacity.
// The refill clock only advances when whole tokens were added, so partial
// progress toward the next token is never thrown away.
func (b *bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefillAt)
	if elapsed <= 0 {
		return
	}
	add := int(math.Floor(elapsed.Seconds() / b.window.Seconds() * float64(b.maxTokens)))
	if add <= 0 {
		return
	}
	b.tokens += add
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefillAt = now
}

type Option func(*Registry)

func WithNowFunc(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.nowFn = now
		}
	}
}

func WithDefaults(maxTokens int, window time.Duration) Option {
	return func(r *Registry) {
		if maxTokens > 0 {
			r.maxTokens = maxTokens
		}
		if window > 0 {
			r.window = window
		}
	}
}

func WithPollInterval(interval time.Duration) Option {
	return func(r *Registry) {
		if interval > 0 {
			r.pollInterval = interval
		}
	}
}

// Registry holds one bucket per dependency name, created full on first use.
// Refill and decrement happen under the bucket's lock as one atomic unit,
// so two callers can never both spend the same token.
type Registry struct {
	mu      sync.Mutex
	nowFn   func() time.Time
	buckets map[string]*bucket

	maxTokens    int
	window       time.Duration
	pollInterval time.Duration
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		nowFn:        time.Now,
		buckets:      make(map[string]*bucket),
		maxTokens:    DefaultMaxTokens,
		window:       DefaultWindow,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) bucketFor(name string) *bucket {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[name]
	if !ok {
		b = &bucket{
			tokens:       r.maxTokens,
			maxTokens:    r.maxTokens,
			window:       r.window,
			lastRefillAt: r.nowFn(),
		}
		r.buckets[name] = b
	}
	return b
}

// SetRule retunes one bucket's capacity and window at runtime. Tokens are
// clamped to the new capacity but otherwise preserved, so tightening a rule
// does not hand out a fresh burst.
func (r *Registry) SetRule(name string, maxTokens int, window time.Duration) {
	b := r.bucketFor(name)
	b.mu.Lock()
	defer b.mu.Unlock()
	if maxTokens > 0 {
		b.maxTokens = maxTokens
		if b.tokens > maxTokens {
			b.tokens = maxTokens
		}
	}
	if window > 0 {
		b.window = window
	}
}

// Acquire takes n tokens from the named bucket if available. It refills
// from elapsed time first and never blocks.
func (r *Registry) Acquire(name string, n int) bool {
	if n <= 0 {
		return true
	}

	b := r.bucketFor(name)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(r.nowFn())
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// WaitForTokens polls Acquire until it succeeds, the context is done, or
// maxWait elapses, in which case it fails with ErrWaitTimeout.
func (r *Registry) WaitForTokens(ctx context.Context, name string, n int, maxWait time.Duration) error {
	if r.Acquire(name, n) {
		return nil
	}

	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrWaitTimeout
		case <-ticker.C:
			if r.Acquire(name, n) {
				return nil
			}
		}
	}
}

// Status returns a snapshot of the named bucket, refreshed to now. The
// second return is false when the dependency has never been seen.
func (r *Registry) Status(name string) (Snapshot, bool) {
	r.mu.Lock()
	b, ok := r.buckets[name]
	r.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(r.nowFn())
	return Snapshot{
		Name:         name,
		Tokens:       b.tokens,
		MaxTokens:    b.maxTokens,
		Window:       b.window,
		LastRefillAt: b.lastRefillAt,
	}, true
}

// Snapshots lists every known bucket, for the operations surface.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	names := make([]string, 0, len(r.buckets))
	for name := range r.buckets {
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
