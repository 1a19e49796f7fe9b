// Package resolver finds the live (or about-to-go-live) broadcast of a channel
// and the chat handle that goes with it.
//
// A resolution tries the cached session first and re-verifies it; when that
// fails it searches live broadcasts, then upcoming ones. Every platform call
// goes through one shared circuit breaker, every search is paced by the delay
// policy, and quota exhaustion triggers credential rotation.
//
// One Resolver owns one breaker and one cache. Callers that share a channel
// must share the Resolver; Resolve serializes them.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/live-resolver/breaker"
	"github.com/onnwee/live-resolver/pacing"
	"github.com/onnwee/live-resolver/session"
	"github.com/onnwee/live-resolver/streamapi"
	"github.com/onnwee/live-resolver/telemetry"
)

const tracerName = "github.com/onnwee/live-resolver/resolver"

// DefaultCallTimeout bounds a single platform call when Config.CallTimeout is zero.
const DefaultCallTimeout = 30 * time.Second

// ErrNoChannel is reported when Resolve is called with an empty channel reference.
var ErrNoChannel = errors.New("empty channel reference")

// Rotator swaps the active credential set after quota exhaustion. It returns
// streamapi.ErrCredentialsExhausted when no set with remaining quota is left.
type Rotator interface {
	Rotate(ctx context.Context) (streamapi.API, string, error)
}

// Config wires a Resolver. API, Breaker, Cache and Pacer are required.
type Config struct {
	API           streamapi.API
	CredentialSet string
	Rotator       Rotator
	Breaker       *breaker.Breaker
	Cache         *session.Cache
	Pacer         *pacing.Policy
	MaxRetries    int
	CallTimeout   time.Duration
	Platform      string
	Clock         func() time.Time
	Sleep         func(context.Context, time.Duration) error
}

// Diagnostics is the inspection view served by the status endpoint.
type Diagnostics struct {
	Breaker       breaker.Snapshot         `json:"breaker"`
	LastSession   *session.ResolvedSession `json:"last_session,omitempty"`
	CacheDisabled bool                     `json:"cache_disabled"`
	CredentialSet string                   `json:"credential_set,omitempty"`
	LastOutcome   string                   `json:"last_outcome,omitempty"`
	LastResolveAt time.Time                `json:"last_resolve_at,omitempty"`
}

// Resolver is the resolution orchestrator.
type Resolver struct {
	resolveMu sync.Mutex

	rotator    Rotator
	breaker    *breaker.Breaker
	cache      *session.Cache
	pacer      *pacing.Policy
	maxRetries  int
	callTimeout time.Duration
	platform    string
	now         func() time.Time
	sleep       func(context.Context, time.Duration) error
	activity    atomic.Int64

	// guarded by resolveMu
	lastCallAt time.Time

	mu            sync.RWMutex
	api           streamapi.API
	credentialSet string
	lastOutcome   Outcome
	lastResolveAt time.Time
	resolved      bool
}

// New builds a Resolver. Missing collaborators or a negative retry budget are
// programmer errors and panic.
func New(cfg Config) *Resolver {
	if cfg.API == nil || cfg.Breaker == nil || cfg.Cache == nil || cfg.Pacer == nil {
		panic("resolver: API, Breaker, Cache and Pacer are required")
	}
	if cfg.MaxRetries < 0 {
		panic(fmt.Sprintf("resolver: negative MaxRetries %d", cfg.MaxRetries))
	}
	r := &Resolver{
		api:           cfg.API,
		credentialSet: cfg.CredentialSet,
		rotator:       cfg.Rotator,
		breaker:       cfg.Breaker,
		cache:         cfg.Cache,
		pacer:         cfg.Pacer,
		maxRetries:    cfg.MaxRetries,
		callTimeout:   cfg.CallTimeout,
		platform:      cfg.Platform,
		now:           cfg.Clock,
		sleep:         cfg.Sleep,
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.sleep == nil {
		r.sleep = pacing.Sleep
	}
	if r.callTimeout <= 0 {
		r.callTimeout = DefaultCallTimeout
	}
	return r
}

// SetActivity records the latest activity hint (e.g. concurrent viewers) used
// to pace searches and polls. Zero means unknown.
func (r *Resolver) SetActivity(level int64) { r.activity.Store(level) }

// Activity returns the current activity hint.
func (r *Resolver) Activity() int64 { return r.activity.Load() }

// Pacer returns the delay policy shared with the poller.
func (r *Resolver) Pacer() *pacing.Policy { return r.pacer }

// Breaker returns the shared circuit breaker.
func (r *Resolver) Breaker() *breaker.Breaker { return r.breaker }

// NextPollDelay is the interval a caller should wait before the next Resolve.
func (r *Resolver) NextPollDelay(st pacing.State) time.Duration {
	return r.pacer.Next(int(r.activity.Load()), st)
}

// Inspect returns current breaker state and the last cached session.
func (r *Resolver) Inspect() Diagnostics {
	r.mu.RLock()
	d := Diagnostics{
		CredentialSet: r.credentialSet,
		LastResolveAt: r.lastResolveAt,
	}
	if r.resolved {
		d.LastOutcome = r.lastOutcome.String()
	}
	r.mu.RUnlock()
	d.Breaker = r.breaker.Snapshot()
	d.LastSession = r.cache.Last()
	d.CacheDisabled = r.cache.Disabled()
	return d
}

// SetAPI replaces the capability, e.g. after the credential file was reloaded.
// It takes effect at the next platform call.
func (r *Resolver) SetAPI(api streamapi.API, credentialSet string) {
	if api == nil {
		return
	}
	r.mu.Lock()
	r.api = api
	r.credentialSet = credentialSet
	r.mu.Unlock()
}

func (r *Resolver) current() streamapi.API {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.api
}

// Resolve finds the broadcast for channelRef. It never panics on platform
// failures; every terminal condition is reported through Result.Outcome.
func (r *Resolver) Resolve(ctx context.Context, channelRef string) Result {
	r.resolveMu.Lock()
	defer r.resolveMu.Unlock()

	if telemetry.GetCorrelation(ctx) == "" {
		ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	}
	ctx, span := telemetry.StartSpan(ctx, tracerName, "resolver.Resolve", attribute.String("channel", channelRef))
	defer span.End()
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "resolver"), slog.String("channel", channelRef))

	start := r.now()
	res := r.resolve(ctx, channelRef, log)

	r.mu.Lock()
	r.lastOutcome = res.Outcome
	r.lastResolveAt = start
	r.resolved = true
	r.mu.Unlock()

	telemetry.ObserveResolution(res.Outcome.String())
	span.SetAttributes(attribute.String("outcome", res.Outcome.String()))
	switch res.Outcome {
	case Found, NotFound:
		telemetry.SetSpanSuccess(span)
	default:
		telemetry.RecordError(span, res.Err)
	}

	attrs := []any{slog.String("outcome", res.Outcome.String())}
	if res.Session != nil {
		attrs = append(attrs, slog.String("stream_id", res.Session.StreamID), slog.String("chat_handle", res.Session.ChatHandle), slog.String("source", res.Source))
	}
	if res.Err != nil {
		attrs = append(attrs, slog.Any("err", res.Err))
	}
	switch res.Outcome {
	case Found:
		log.Info("broadcast resolved", attrs...)
	case NotFound, Canceled:
		log.Debug("resolution finished", attrs...)
	default:
		log.Warn("resolution failed", attrs...)
	}
	return res
}

func (r *Resolver) resolve(ctx context.Context, channelRef string, log *slog.Logger) Result {
	if channelRef == "" {
		return Result{Outcome: NotFound, Err: ErrNoChannel}
	}
	if res, done := r.tryCache(ctx, channelRef, log); done {
		return res
	}
	if err := ctx.Err(); err != nil {
		return canceled(err)
	}
	if !r.breaker.Allow() {
		return Result{Outcome: TemporarilyUnavailable, RetryAfter: r.breaker.RetryAfter(), Err: breaker.ErrOpen}
	}

	var ps pacing.State
	for _, kind := range []streamapi.BroadcastKind{streamapi.Live, streamapi.Upcoming} {
		if res, done := r.searchPhase(ctx, channelRef, kind, &ps, log); done {
			return res
		}
	}
	return Result{Outcome: NotFound}
}

// tryCache attempts instant reconnection. done is false when control should
// fall through to a fresh search.
func (r *Resolver) tryCache(ctx context.Context, channelRef string, log *slog.Logger) (Result, bool) {
	cached, ok := r.cache.Load(ctx)
	if !ok || cached.ChannelRef != channelRef {
		return Result{}, false
	}
	rotations := 0
	for {
		api := r.current()
		verified, err := platformCall(ctx, r, "verify", func(ctx context.Context) (bool, error) {
			return r.cache.Verify(ctx, *cached, api)
		})
		telemetry.ObserveAPICall("verify", err)
		switch {
		case err == nil && verified:
			telemetry.ObserveCacheVerification("verified")
			refreshed := *cached
			refreshed.ResolvedAt = r.now()
			if serr := r.cache.Save(ctx, refreshed); serr != nil {
				log.Warn("session cache save failed", slog.Any("err", serr))
			}
			return Result{Outcome: Found, Session: &refreshed, Source: SourceCache}, true
		case err == nil:
			telemetry.ObserveCacheVerification("stale")
			log.Info("cached session no longer live; searching", slog.String("stream_id", cached.StreamID))
			return Result{}, false
		case ctx.Err() != nil:
			return canceled(ctx.Err()), true
		case streamapi.IsQuota(err):
			if rotations >= r.maxRetries {
				telemetry.ObserveCacheVerification("error")
				return Result{Outcome: QuotaExhausted, Err: err}, true
			}
			if res, stop := r.rotateOrStop(ctx, err, log); stop {
				return res, true
			}
			rotations++
		default:
			telemetry.ObserveCacheVerification("error")
			log.Info("cached session verification failed; searching", slog.String("stream_id", cached.StreamID), slog.Any("err", err))
			return Result{}, false
		}
	}
}

func (r *Resolver) searchPhase(ctx context.Context, channelRef string, kind streamapi.BroadcastKind, ps *pacing.State, log *slog.Logger) (Result, bool) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "resolver.search", attribute.String("kind", kind.String()))
	defer span.End()
	log = log.With(slog.String("phase", kind.String()))

	rotations, transient := 0, 0
	for {
		if err := r.pace(ctx, ps); err != nil {
			return canceled(err), true
		}
		sess, viewers, err := r.attempt(ctx, channelRef, kind, log)
		if err == nil {
			ps.ConsecutiveFailures = 0
			if sess == nil {
				log.Debug("no broadcast in phase")
				return Result{}, false
			}
			if serr := r.cache.Save(ctx, *sess); serr != nil {
				log.Warn("session cache save failed", slog.Any("err", serr))
			}
			telemetry.SetSpanSuccess(span)
			return Result{Outcome: Found, Session: sess, Source: kind.String(), Viewers: viewers}, true
		}
		telemetry.RecordError(span, err)

		switch {
		case ctx.Err() != nil:
			return canceled(ctx.Err()), true
		case errors.Is(err, breaker.ErrOpen):
			return Result{Outcome: TemporarilyUnavailable, RetryAfter: r.breaker.RetryAfter(), Err: err}, true
		case streamapi.IsQuota(err):
			if rotations >= r.maxRetries {
				return Result{Outcome: QuotaExhausted, Err: err}, true
			}
			if res, stop := r.rotateOrStop(ctx, err, log); stop {
				return res, true
			}
			rotations++
		case streamapi.KindOf(err) == streamapi.KindForbidden:
			return Result{Outcome: TransientError, Err: err}, true
		default:
			transient++
			if transient > r.maxRetries {
				return Result{Outcome: TransientError, Err: err}, true
			}
			ps.RetryCount++
			ps.ConsecutiveFailures++
			log.Warn("search failed; retrying", slog.Int("attempt", transient), slog.Any("err", err))
		}
	}
}

// pace waits out the delay policy, measured from the previous platform call.
func (r *Resolver) pace(ctx context.Context, ps *pacing.State) error {
	d := r.pacer.Next(int(r.activity.Load()), *ps)
	ps.PreviousDelay = d
	if r.lastCallAt.IsZero() {
		return ctx.Err()
	}
	wait := d - r.now().Sub(r.lastCallAt)
	if wait <= 0 {
		return ctx.Err()
	}
	return r.sleep(ctx, wait)
}

// attempt runs one search and validates its candidates. A nil session with a
// nil error means the phase found nothing joinable.
func (r *Resolver) attempt(ctx context.Context, channelRef string, kind streamapi.BroadcastKind, log *slog.Logger) (*session.ResolvedSession, int64, error) {
	api := r.current()
	r.lastCallAt = r.now()
	candidates, err := platformCall(ctx, r, "search", func(ctx context.Context) ([]streamapi.Candidate, error) {
		return api.SearchBroadcasts(ctx, channelRef, kind)
	})
	telemetry.ObserveAPICall("search", err)
	if err != nil {
		if streamapi.IsNotFound(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	for _, c := range candidates {
		if c.StreamID == "" {
			continue
		}
		d, err := platformCall(ctx, r, "details", func(ctx context.Context) (streamapi.Details, error) {
			return api.FetchDetails(ctx, c.StreamID)
		})
		telemetry.ObserveAPICall("details", err)
		if err != nil {
			if streamapi.IsNotFound(err) {
				continue
			}
			return nil, 0, err
		}
		if !d.Joinable() {
			log.Debug("candidate not yet resolvable", slog.String("stream_id", c.StreamID), slog.Bool("started", d.HasStarted), slog.Bool("ended", d.HasEnded))
			continue
		}
		title := d.Title
		if title == "" {
			title = c.Title
		}
		return &session.ResolvedSession{
			ChannelRef: channelRef,
			Platform:   r.platform,
			StreamID:   c.StreamID,
			ChatHandle: d.ChatHandle,
			Title:      title,
			ResolvedAt: r.now(),
		}, d.Viewers, nil
	}
	return nil, 0, nil
}

// platformCall runs one platform call through the breaker under its own
// deadline. A deadline hit while ctx is still live is a transient failure, so
// the breaker counts it and callers never mistake it for cancellation.
func platformCall[T any](ctx context.Context, r *Resolver, op string, call func(context.Context) (T, error)) (T, error) {
	return breaker.Call(ctx, r.breaker, func(ctx context.Context) (T, error) {
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
		v, err := call(callCtx)
		if err != nil && ctx.Err() == nil && (callCtx.Err() != nil || errors.Is(err, context.DeadlineExceeded)) {
			return v, streamapi.NewError(streamapi.KindTransient, op, fmt.Errorf("no answer within %s: %w", r.callTimeout, err))
		}
		return v, err
	})
}

// rotateOrStop swaps credentials after a quota error. stop is true when the
// resolution must end with the returned result.
func (r *Resolver) rotateOrStop(ctx context.Context, cause error, log *slog.Logger) (Result, bool) {
	if r.rotator == nil {
		telemetry.ObserveRotation("unavailable")
		return Result{Outcome: QuotaExhausted, Err: cause}, true
	}
	api, id, err := r.rotator.Rotate(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return canceled(ctx.Err()), true
		}
		telemetry.ObserveRotation("exhausted")
		log.Error("credential rotation failed", slog.Any("err", err))
		return Result{Outcome: QuotaExhausted, Err: fmt.Errorf("%w (after %v)", err, cause)}, true
	}
	r.mu.Lock()
	r.api = api
	r.credentialSet = id
	r.mu.Unlock()
	r.breaker.Reset()
	telemetry.ObserveRotation("rotated")
	log.Warn("quota exhausted; rotated credential set", slog.String("credential_set", id))
	return Result{}, false
}

func canceled(err error) Result {
	return Result{Outcome: Canceled, Err: err}
}
