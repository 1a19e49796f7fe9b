// Package server exposes the diagnostics HTTP API: liveness, readiness, resolver
// status, Prometheus metrics and an admin-only manual resolve. Every request
// carries a correlation id in its context for consistent logging.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/live-resolver/credentials"
	"github.com/onnwee/live-resolver/resolver"
)

// CredentialLister reports the state of the credential sets.
type CredentialLister interface {
	Snapshot() []credentials.Status
}

// Deps wires the handlers to the running resolver.
type Deps struct {
	Resolver    *resolver.Resolver
	Credentials CredentialLister // optional
	// Ping checks the durable cache backend, if any.
	Ping func(context.Context) error
	// ChannelRef is used by /admin/resolve when no channel query is given.
	ChannelRef string

	AdminToken      string
	AdminUsername   string
	AdminPassword   string
	RateLimitPerIP  int
	RateLimitWindow time.Duration
}

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter cleanup goroutine.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	h := &Handlers{deps: deps}
	auth := newAuthConfig(deps.AdminUsername, deps.AdminPassword, deps.AdminToken)
	limiter := newIPRateLimiter(ctx, &rateLimiterConfig{
		enabled:       deps.RateLimitPerIP > 0,
		requestsPerIP: deps.RateLimitPerIP,
		window:        deps.RateLimitWindow,
	})

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(withCorrelation)

	r.Get("/healthz", h.HandleHealthz)
	r.Get("/readyz", h.HandleReadyz)
	r.Get("/status", h.HandleStatus)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/admin", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler { return adminAuth(next, auth) })
		r.Use(func(next http.Handler) http.Handler { return rateLimitMiddleware(next, limiter) })
		r.Post("/resolve", h.HandleResolve)
		r.Post("/breaker/reset", h.HandleBreakerReset)
	})
	return r
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// WithoutCancel keeps context values but lets shutdown finish.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
