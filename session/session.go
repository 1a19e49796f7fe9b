// Package session persists the last successfully resolved broadcast so a
// restarted process can reconnect to it without spending search quota.
//
// A cached session is only a hint: it is ignored once older than the freshness
// window and must be re-verified against the platform before it is trusted.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/live-resolver/streamapi"
)

// DefaultKey is the fixed record name used by the resolver.
const DefaultKey = "resolved_session"

// DefaultFreshness is how long a cached session stays eligible for reuse.
const DefaultFreshness = 24 * time.Hour

// ResolvedSession is the cacheable result of a successful resolution.
type ResolvedSession struct {
	ChannelRef string    `json:"channel_ref"`
	Platform   string    `json:"platform,omitempty"`
	StreamID   string    `json:"stream_id"`
	ChatHandle string    `json:"chat_handle"`
	Title      string    `json:"title,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Valid reports whether both identifiers are present.
func (s ResolvedSession) Valid() bool {
	return s.StreamID != "" && s.ChatHandle != ""
}

// Cache wraps a Store with freshness and verification rules.
type Cache struct {
	store     Store
	key       string
	freshness time.Duration
	now       func() time.Time
	log       *slog.Logger

	mu       sync.Mutex
	disabled bool
	last     *ResolvedSession
}

// CacheOption customizes a Cache.
type CacheOption func(*Cache)

// WithKey overrides the record key.
func WithKey(key string) CacheOption { return func(c *Cache) { c.key = key } }

// WithFreshness overrides the freshness window.
func WithFreshness(d time.Duration) CacheOption { return func(c *Cache) { c.freshness = d } }

// WithClock injects the time source.
func WithClock(now func() time.Time) CacheOption { return func(c *Cache) { c.now = now } }

// NewCache returns a Cache over store. A nil store yields a permanently disabled cache.
func NewCache(store Store, opts ...CacheOption) *Cache {
	c := &Cache{
		store:     store,
		key:       DefaultKey,
		freshness: DefaultFreshness,
		now:       time.Now,
		log:       slog.Default().With(slog.String("component", "session_cache")),
		disabled:  store == nil,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Disabled reports whether the cache stopped persisting after a store failure.
func (c *Cache) Disabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disabled
}

// Last returns the most recently loaded or saved session, if any.
func (c *Cache) Last() *ResolvedSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return nil
	}
	s := *c.last
	return &s
}

// Load returns the stored session when one exists and is still fresh.
// Missing, unreadable and corrupt records all read as "no cache".
func (c *Cache) Load(ctx context.Context) (*ResolvedSession, bool) {
	if c.Disabled() {
		return nil, false
	}
	raw, err := c.store.Get(ctx, c.key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) && ctx.Err() == nil {
			c.log.Warn("session cache read failed", slog.Any("err", err))
		}
		return nil, false
	}
	var s ResolvedSession
	if err := json.Unmarshal(raw, &s); err != nil {
		c.log.Warn("session cache record corrupt; ignoring", slog.Any("err", err))
		return nil, false
	}
	if !s.Valid() {
		return nil, false
	}
	if age := c.now().Sub(s.ResolvedAt); age > c.freshness {
		c.log.Debug("session cache stale", slog.String("stream_id", s.StreamID), slog.Duration("age", age))
		return nil, false
	}
	c.mu.Lock()
	cp := s
	c.last = &cp
	c.mu.Unlock()
	return &s, true
}

// Save overwrites the stored session. A store failure disables the cache for
// the rest of the process instead of failing the caller's resolution; the
// error is still returned so it can be logged.
func (c *Cache) Save(ctx context.Context, s ResolvedSession) error {
	if !s.Valid() {
		return fmt.Errorf("refusing to cache incomplete session (stream=%q chat=%q)", s.StreamID, s.ChatHandle)
	}
	c.mu.Lock()
	cp := s
	c.last = &cp
	disabled := c.disabled
	c.mu.Unlock()
	if disabled {
		return nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := c.store.Put(ctx, c.key, raw); err != nil {
		if ctx.Err() != nil {
			return err
		}
		c.mu.Lock()
		c.disabled = true
		c.mu.Unlock()
		c.log.Error("session cache write failed; cache disabled", slog.Any("err", err))
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Verify re-checks a cached session against the platform. It returns true only
// when the stream exists, is on air and still reports the same chat handle.
// A platform error is returned alongside false; callers must treat it as
// "not verified" and never as a reason to abort resolution.
func (c *Cache) Verify(ctx context.Context, s ResolvedSession, api streamapi.API) (bool, error) {
	d, err := api.FetchDetails(ctx, s.StreamID)
	if err != nil {
		if streamapi.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if !d.Joinable() {
		return false, nil
	}
	return d.ChatHandle == s.ChatHandle, nil
}
