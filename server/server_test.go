package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/live-resolver/breaker"
	"github.com/onnwee/live-resolver/credentials"
	"github.com/onnwee/live-resolver/pacing"
	"github.com/onnwee/live-resolver/resolver"
	"github.com/onnwee/live-resolver/session"
	"github.com/onnwee/live-resolver/streamapi"
)

// stubAPI reports one live broadcast, or fails every call with err.
type stubAPI struct{ err error }

func (s stubAPI) SearchBroadcasts(_ context.Context, _ string, kind streamapi.BroadcastKind) ([]streamapi.Candidate, error) {
	if s.err != nil {
		return nil, s.err
	}
	if kind == streamapi.Live {
		return []streamapi.Candidate{{StreamID: "S1", Title: "live now"}}, nil
	}
	return nil, nil
}

func (s stubAPI) FetchDetails(context.Context, string) (streamapi.Details, error) {
	if s.err != nil {
		return streamapi.Details{}, s.err
	}
	return streamapi.Details{HasStarted: true, ChatHandle: "chat-1", Title: "live now", Viewers: 42}, nil
}

type staticCreds []credentials.Status

func (s staticCreds) Snapshot() []credentials.Status { return s }

func newTestDeps(t *testing.T, api streamapi.API) Deps {
	t.Helper()
	r := resolver.New(resolver.Config{
		API:           api,
		CredentialSet: "primary",
		Breaker:       breaker.New(1, time.Hour, breaker.WithFailurePredicate(streamapi.IsFailure)),
		Cache:         session.NewCache(session.NewMemoryStore()),
		Pacer:         pacing.MustNew(pacing.Options{FastTest: true}),
		MaxRetries:    0,
		Platform:      "youtube",
	})
	return Deps{
		Resolver:    r,
		Credentials: staticCreds{{ID: "primary", Active: true}},
		ChannelRef:  "UC1",
	}
}

func serve(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthzOK(t *testing.T) {
	h := NewMux(context.Background(), newTestDeps(t, stubAPI{}))
	rr := serve(t, h, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
	assert.NotEmpty(t, rr.Header().Get(correlationHeader))
}

func TestReadyz(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		h := NewMux(context.Background(), newTestDeps(t, stubAPI{}))
		rr := serve(t, h, http.MethodGet, "/readyz")
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	})

	t.Run("store down", func(t *testing.T) {
		deps := newTestDeps(t, stubAPI{})
		deps.Ping = func(context.Context) error { return errors.New("connection refused") }
		rr := serve(t, NewMux(context.Background(), deps), http.MethodGet, "/readyz")
		require.Equal(t, http.StatusServiceUnavailable, rr.Code)
		var body map[string]string
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
		assert.Equal(t, "cache_store", body["failed_check"])
	})

	t.Run("circuit open", func(t *testing.T) {
		deps := newTestDeps(t, stubAPI{err: streamapi.NewError(streamapi.KindTransient, "search", errors.New("503"))})
		res := deps.Resolver.Resolve(context.Background(), "UC1")
		require.Equal(t, resolver.TransientError, res.Outcome)

		rr := serve(t, NewMux(context.Background(), deps), http.MethodGet, "/readyz")
		require.Equal(t, http.StatusServiceUnavailable, rr.Code)
		var body map[string]string
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
		assert.Equal(t, "circuit_breaker", body["failed_check"])
	})

	t.Run("no active credentials", func(t *testing.T) {
		deps := newTestDeps(t, stubAPI{})
		deps.Credentials = staticCreds{{ID: "a", ExhaustedUntil: time.Now().Add(time.Hour)}}
		rr := serve(t, NewMux(context.Background(), deps), http.MethodGet, "/readyz")
		require.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.Contains(t, rr.Body.String(), "credentials")
	})
}

func TestStatus(t *testing.T) {
	deps := newTestDeps(t, stubAPI{})
	require.Equal(t, resolver.Found, deps.Resolver.Resolve(context.Background(), "UC1").Outcome)
	deps.Resolver.SetActivity(42)

	rr := serve(t, NewMux(context.Background(), deps), http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Breaker struct {
			State string `json:"state"`
		} `json:"breaker"`
		LastSession   *session.ResolvedSession `json:"last_session"`
		CredentialSet string                   `json:"credential_set"`
		LastOutcome   string                   `json:"last_outcome"`
		Activity      int64                    `json:"activity"`
		Credentials   []credentials.Status     `json:"credentials"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Equal(t, "closed", body.Breaker.State)
	require.NotNil(t, body.LastSession)
	assert.Equal(t, "S1", body.LastSession.StreamID)
	assert.Equal(t, "primary", body.CredentialSet)
	assert.Equal(t, "found", body.LastOutcome)
	assert.Equal(t, int64(42), body.Activity)
	require.Len(t, body.Credentials, 1)
}

func TestMetricsEndpoint(t *testing.T) {
	rr := serve(t, NewMux(context.Background(), newTestDeps(t, stubAPI{})), http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "go_goroutines"))
}

func TestAdminResolve(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		deps := newTestDeps(t, stubAPI{})
		deps.AdminToken = "tok"
		h := NewMux(context.Background(), deps)

		rr := serve(t, h, http.MethodPost, "/admin/resolve")
		require.Equal(t, http.StatusUnauthorized, rr.Code)

		req := httptest.NewRequest(http.MethodPost, "/admin/resolve?channel=UC9", nil)
		req.Header.Set("X-Admin-Token", "tok")
		rr = httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var body resolveResponse
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
		assert.Equal(t, "found", body.Outcome)
		assert.Equal(t, resolver.SourceLive, body.Source)
		require.NotNil(t, body.Session)
		assert.Equal(t, "UC9", body.Session.ChannelRef)
	})

	t.Run("breaker open", func(t *testing.T) {
		deps := newTestDeps(t, stubAPI{err: streamapi.NewError(streamapi.KindTransient, "search", errors.New("503"))})
		h := NewMux(context.Background(), deps)

		rr := serve(t, h, http.MethodPost, "/admin/resolve")
		require.Equal(t, http.StatusBadGateway, rr.Code)

		rr = serve(t, h, http.MethodPost, "/admin/resolve")
		require.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.NotEmpty(t, rr.Header().Get("Retry-After"))

		rr = serve(t, h, http.MethodPost, "/admin/breaker/reset")
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, breaker.Closed, deps.Resolver.Breaker().State())
	})

	t.Run("missing channel", func(t *testing.T) {
		deps := newTestDeps(t, stubAPI{})
		deps.ChannelRef = ""
		rr := serve(t, NewMux(context.Background(), deps), http.MethodPost, "/admin/resolve")
		require.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestStartAndShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- Start(ctx, "127.0.0.1:0", http.NotFoundHandler()) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
