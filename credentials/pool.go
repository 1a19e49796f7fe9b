// Package credentials manages the ordered credential sets used to reach the
// platform API and rotates to the next set when the active one runs out of
// quota.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/live-resolver/streamapi"
	"github.com/onnwee/live-resolver/telemetry"
)

// DefaultCooldown matches the YouTube daily quota reset.
const DefaultCooldown = 24 * time.Hour

// Builder turns a credential set into a platform capability.
type Builder func(ctx context.Context, s Set) (streamapi.API, error)

// Status is the diagnostics view of one set.
type Status struct {
	ID             string    `json:"id"`
	Active         bool      `json:"active"`
	ExhaustedUntil time.Time `json:"exhausted_until,omitempty"`
}

// Pool holds credential sets in priority order. It satisfies the resolver's
// Rotator contract.
type Pool struct {
	build    Builder
	cooldown time.Duration
	now      func() time.Time

	mu        sync.Mutex
	sets      []Set
	active    int
	api       streamapi.API
	exhausted map[string]time.Time
}

// Option configures a Pool.
type Option func(*Pool)

// WithCooldown sets how long an exhausted set is skipped.
func WithCooldown(d time.Duration) Option { return func(p *Pool) { p.cooldown = d } }

// WithClock injects the time source.
func WithClock(now func() time.Time) Option { return func(p *Pool) { p.now = now } }

// NewPool builds a pool over sets. The first set is activated lazily by Current.
func NewPool(sets []Set, build Builder, opts ...Option) (*Pool, error) {
	if len(sets) == 0 {
		return nil, errors.New("credentials: no credential sets")
	}
	if build == nil {
		return nil, errors.New("credentials: nil builder")
	}
	p := &Pool{
		build:     build,
		cooldown:  DefaultCooldown,
		now:       time.Now,
		sets:      append([]Set(nil), sets...),
		active:    -1,
		exhausted: map[string]time.Time{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Current returns the active capability, activating the first usable set if
// none is active yet.
func (p *Pool) Current(ctx context.Context) (streamapi.API, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.api != nil {
		return p.api, p.sets[p.active].ID, nil
	}
	return p.activateFrom(ctx, 0, len(p.sets))
}

// Rotate marks the active set exhausted and activates the next usable one.
// It returns streamapi.ErrCredentialsExhausted when every set is exhausted.
func (p *Pool) Rotate(ctx context.Context) (streamapi.API, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	start := 0
	if p.active >= 0 {
		id := p.sets[p.active].ID
		p.exhausted[id] = p.now().Add(p.cooldown)
		slog.Warn("credential set exhausted", slog.String("component", "credentials"), slog.String("credential_set", id), slog.Duration("cooldown", p.cooldown))
		start = p.active + 1
	}
	p.api = nil
	p.active = -1
	return p.activateFrom(ctx, start, len(p.sets))
}

// activateFrom tries up to n sets starting at index start, wrapping around.
func (p *Pool) activateFrom(ctx context.Context, start, n int) (streamapi.API, string, error) {
	now := p.now()
	var lastErr error
	for i := 0; i < n; i++ {
		idx := (start + i) % len(p.sets)
		s := p.sets[idx]
		if until, ok := p.exhausted[s.ID]; ok {
			if now.Before(until) {
				continue
			}
			delete(p.exhausted, s.ID)
		}
		api, err := p.build(ctx, s)
		if err != nil {
			if ctx.Err() != nil {
				return nil, "", ctx.Err()
			}
			lastErr = err
			p.exhausted[s.ID] = now.Add(p.cooldown)
			slog.Error("credential set unusable", slog.String("component", "credentials"), slog.String("credential_set", s.ID), slog.Any("err", err))
			telemetry.ObserveRotation("build_failed")
			continue
		}
		p.active, p.api = idx, api
		return api, s.ID, nil
	}
	if lastErr != nil {
		return nil, "", fmt.Errorf("%w: last build error: %v", streamapi.ErrCredentialsExhausted, lastErr)
	}
	return nil, "", streamapi.ErrCredentialsExhausted
}

// Replace swaps in a new list of sets, keeping exhaustion marks by id. The
// active capability survives when its set is still present.
func (p *Pool) Replace(sets []Set) error {
	if len(sets) == 0 {
		return errors.New("credentials: refusing to replace with an empty list")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	activeID := ""
	var activeSet Set
	if p.active >= 0 {
		activeSet = p.sets[p.active]
		activeID = activeSet.ID
	}
	p.sets = append([]Set(nil), sets...)
	p.active = -1
	keep := p.api
	p.api = nil
	for i, s := range p.sets {
		if s.ID == activeID && s == activeSet {
			p.active, p.api = i, keep
		}
	}
	ids := map[string]bool{}
	for _, s := range p.sets {
		ids[s.ID] = true
	}
	for id := range p.exhausted {
		if !ids[id] {
			delete(p.exhausted, id)
		}
	}
	return nil
}

// Snapshot lists the sets with their state.
func (p *Pool) Snapshot() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	out := make([]Status, 0, len(p.sets))
	for i, s := range p.sets {
		st := Status{ID: s.ID, Active: i == p.active && p.api != nil}
		if until, ok := p.exhausted[s.ID]; ok && now.Before(until) {
			st.ExhaustedUntil = until
		}
		out = append(out, st)
	}
	return out
}
