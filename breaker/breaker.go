// Package breaker implements the circuit breaker that gates platform calls.
//
// The breaker counts consecutive failures. Once the count reaches the threshold
// the circuit opens and calls fail fast with ErrOpen until the cooldown has
// elapsed since the last failure; the next call is then a half-open trial whose
// success closes the circuit and whose failure re-opens it.
//
// Cancellation is a withdrawal, not a failure: when the caller's context ends
// the breaker state is left exactly as it was. A per-call timeout that fires
// while the caller is still waiting does count.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned without invoking the operation while the circuit is open.
var ErrOpen = errors.New("circuit breaker open")

// State is the breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// String returns the state name used in logs and the status endpoint.
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

// Snapshot is a point-in-time copy of the breaker counters.
type Snapshot struct {
	State               State     `json:"-"`
	StateName           string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
}

// Breaker is safe for concurrent use.
type Breaker struct {
	mu          sync.Mutex
	open        bool
	failures    int
	lastFailure time.Time

	threshold int
	timeout   time.Duration
	now       func() time.Time
	isFailure func(error) bool
	onChange  func(State)
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithFailurePredicate decides which returned errors count as failures.
// Errors for which fn returns false are passed through without touching the counters.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(b *Breaker) { b.isFailure = fn }
}

// WithStateHook is called (outside the lock) whenever the stored state changes.
func WithStateHook(fn func(State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// New returns a closed breaker. threshold and timeout must be positive.
func New(threshold int, timeout time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		panic("breaker: threshold must be positive")
	}
	if timeout <= 0 {
		panic("breaker: timeout must be positive")
	}
	b := &Breaker{
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
		isFailure: func(err error) bool { return err != nil },
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Call runs op through b. See Breaker.Do.
func Call[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if !b.Allow() {
		return zero, ErrOpen
	}
	v, err := op(ctx)
	if err != nil {
		// Only the caller's own cancellation is a withdrawal. A deadline the op
		// hit on its own while ctx is live is a failure like any other.
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return zero, err
		}
		if b.isFailure(err) {
			b.recordFailure()
		}
		return zero, err
	}
	b.recordSuccess()
	return v, nil
}

// Do runs op unless the circuit is open, recording the outcome.
// The operation's own error is always returned unchanged.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	_, err := Call(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Allow reports whether a call would currently be attempted. It does not mutate state.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked() != Open
}

// State returns the effective state. An open circuit whose cooldown has
// elapsed reports HalfOpen: the next call will be the trial.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

// RetryAfter returns how long the circuit stays open, or zero.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stateLocked() != Open {
		return 0
	}
	return b.timeout - b.now().Sub(b.lastFailure)
}

// Reset closes the circuit and forgets the failure history.
func (b *Breaker) Reset() {
	b.mu.Lock()
	changed := b.open
	b.open = false
	b.failures = 0
	b.lastFailure = time.Time{}
	b.mu.Unlock()
	if changed {
		b.notify(Closed)
	}
}

// Snapshot returns a copy of the counters for diagnostics.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.stateLocked()
	return Snapshot{
		State:               st,
		StateName:           st.String(),
		ConsecutiveFailures: b.failures,
		LastFailureAt:       b.lastFailure,
	}
}

func (b *Breaker) stateLocked() State {
	if !b.open {
		return Closed
	}
	if b.now().Sub(b.lastFailure) > b.timeout {
		return HalfOpen
	}
	return Open
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	b.failures++
	b.lastFailure = b.now()
	opened := false
	if b.failures >= b.threshold {
		opened = !b.open
		b.open = true
	}
	b.mu.Unlock()
	if opened {
		b.notify(Open)
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	closed := b.open
	b.open = false
	b.failures = 0
	b.mu.Unlock()
	if closed {
		b.notify(Closed)
	}
}

func (b *Breaker) notify(s State) {
	if b.onChange != nil {
		b.onChange(s)
	}
}
