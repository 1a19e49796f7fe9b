// Package pacing computes how long to wait before the next platform call or poll.
//
// The delay shrinks as channel activity grows, grows with retries and
// consecutive failures, is smoothed against the previous delay and carries a
// ±20% jitter so that many pollers do not retry in lockstep.
package pacing

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// FastTestDelay is returned for every input when Options.FastTest is set.
const FastTestDelay = 10 * time.Millisecond

const (
	smoothingWeight = 0.3
	jitterFraction  = 0.2
	failureFactor   = 0.5
)

// Options configures a Policy.
type Options struct {
	MinDelay        time.Duration
	MaxDelay        time.Duration
	BackoffBase     float64
	MaxBackoffDelay time.Duration
	FastTest        bool
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MinDelay:        2 * time.Second,
		MaxDelay:        30 * time.Second,
		BackoffBase:     2,
		MaxBackoffDelay: 5 * time.Minute,
	}
}

// Validate reports malformed options. FastTest options are always valid since
// the delay bounds are never consulted.
func (o Options) Validate() error {
	if o.FastTest {
		return nil
	}
	if o.MinDelay <= 0 {
		return fmt.Errorf("min delay must be positive, got %s", o.MinDelay)
	}
	if o.MaxDelay < o.MinDelay {
		return fmt.Errorf("max delay %s below min delay %s", o.MaxDelay, o.MinDelay)
	}
	if o.BackoffBase < 1 {
		return fmt.Errorf("backoff base must be >= 1, got %v", o.BackoffBase)
	}
	if o.MaxBackoffDelay < o.MaxDelay {
		return fmt.Errorf("max backoff delay %s below max delay %s", o.MaxBackoffDelay, o.MaxDelay)
	}
	return nil
}

// State is the caller-owned input carried between successive Next calls.
// A zero PreviousDelay means there is no previous delay to smooth against.
type State struct {
	PreviousDelay       time.Duration
	RetryCount          int
	ConsecutiveFailures int
}

// Policy is the delay function. It is safe for concurrent use as long as the
// jitter source is.
type Policy struct {
	opts Options
	rnd  func() float64
}

// Option customizes a Policy.
type Option func(*Policy)

// WithRand replaces the jitter source. fn must return values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(p *Policy) { p.rnd = fn }
}

// NoJitter makes the policy deterministic.
func NoJitter() Option {
	return WithRand(func() float64 { return 0.5 })
}

// New builds a Policy, rejecting malformed options.
func New(opts Options, extra ...Option) (*Policy, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	p := &Policy{opts: opts, rnd: rand.Float64}
	for _, o := range extra {
		o(p)
	}
	return p, nil
}

// MustNew is New for static configuration; malformed options are a programmer error.
func MustNew(opts Options, extra ...Option) *Policy {
	p, err := New(opts, extra...)
	if err != nil {
		panic(fmt.Sprintf("pacing: %v", err))
	}
	return p
}

// Options returns the configured options.
func (p *Policy) Options() Options { return p.opts }

// Next returns the delay for the given activity level and state.
// activity is an opaque busyness hint (e.g. concurrent viewers); zero or
// negative means unknown and selects the slowest tier.
func (p *Policy) Next(activity int, st State) time.Duration {
	if p.opts.FastTest {
		return FastTestDelay
	}
	minD := float64(p.opts.MinDelay)
	maxD := float64(p.opts.MaxDelay)

	d := p.base(activity)
	ceiling := maxD

	if st.RetryCount > 0 {
		d *= math.Pow(p.opts.BackoffBase, float64(st.RetryCount))
		d = math.Min(d, float64(p.opts.MaxBackoffDelay))
		ceiling = math.Max(ceiling, float64(p.opts.MaxBackoffDelay))
	}
	if st.ConsecutiveFailures > 0 {
		d *= 1 + failureFactor*float64(st.ConsecutiveFailures)
		d = math.Min(d, 2*maxD)
		ceiling = math.Max(ceiling, 2*maxD)
	}
	if st.PreviousDelay > 0 {
		d = smoothingWeight*d + (1-smoothingWeight)*float64(st.PreviousDelay)
	}

	d += d * jitterFraction * (2*p.rnd() - 1)

	d = math.Max(d, minD)
	d = math.Min(d, ceiling)
	return time.Duration(d)
}

// base is the inverse step function of activity, clamped to [MinDelay, MaxDelay].
func (p *Policy) base(activity int) float64 {
	maxD := float64(p.opts.MaxDelay)
	var d float64
	switch {
	case activity >= 1000:
		d = float64(p.opts.MinDelay)
	case activity >= 100:
		d = maxD * 0.25
	case activity >= 10:
		d = maxD * 0.5
	case activity >= 1:
		d = maxD * 0.75
	default:
		d = maxD
	}
	return math.Min(math.Max(d, float64(p.opts.MinDelay)), maxD)
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
