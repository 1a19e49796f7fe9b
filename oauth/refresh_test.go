package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/live-resolver/db"
	"github.com/onnwee/live-resolver/testutil"
)

type memTokens struct {
	mu   sync.Mutex
	rows map[string]row
}

type row struct {
	access, refresh, raw string
	expiry               time.Time
}

func newMemTokens() *memTokens { return &memTokens{rows: map[string]row{}} }

func (m *memTokens) UpsertOAuthToken(_ context.Context, provider, access, refresh string, expiry time.Time, raw string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[provider] = row{access, refresh, raw, expiry}
	return nil
}

func (m *memTokens) GetOAuthToken(_ context.Context, provider string) (string, string, time.Time, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rows[provider]
	return r.access, r.refresh, r.expiry, r.raw, nil
}

func (m *memTokens) get(provider string) row {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[provider]
}

func TestRefreshOnceOutsideWindow(t *testing.T) {
	store := newMemTokens()
	_ = store.UpsertOAuthToken(context.Background(), "p", "a", "r", time.Now().Add(time.Hour), "")
	called := false
	refreshed, err := RefreshOnce(context.Background(), store, "p", 30*time.Minute, func(context.Context, string) (*oauth2.Token, error) {
		called = true
		return nil, nil
	})
	if err != nil || refreshed || called {
		t.Errorf("RefreshOnce() = %v, %v (called=%v); want no refresh", refreshed, err, called)
	}
}

func TestRefreshOnceWithinWindow(t *testing.T) {
	store := newMemTokens()
	_ = store.UpsertOAuthToken(context.Background(), "p", "old-access", "old-refresh", time.Now().Add(5*time.Minute), "")
	newExpiry := time.Now().Add(2 * time.Hour)
	refreshed, err := RefreshOnce(context.Background(), store, "p", 15*time.Minute, func(_ context.Context, rt string) (*oauth2.Token, error) {
		if rt != "old-refresh" {
			t.Errorf("refresh called with %q, want old-refresh", rt)
		}
		return &oauth2.Token{AccessToken: "new-access", Expiry: newExpiry}, nil
	})
	if err != nil || !refreshed {
		t.Fatalf("RefreshOnce() = %v, %v", refreshed, err)
	}
	got := store.get("p")
	if got.access != "new-access" {
		t.Errorf("access = %q, want new-access", got.access)
	}
	if got.refresh != "old-refresh" {
		t.Errorf("refresh token should be kept when provider omits it, got %q", got.refresh)
	}
	if !got.expiry.Equal(newExpiry) || got.raw == "" {
		t.Errorf("expiry/raw not persisted: %+v", got)
	}
}

func TestRefreshOnceErrors(t *testing.T) {
	store := newMemTokens()
	_ = store.UpsertOAuthToken(context.Background(), "p", "a", "r", time.Now(), "")

	if _, err := RefreshOnce(context.Background(), store, "p", time.Hour, func(context.Context, string) (*oauth2.Token, error) {
		return nil, errors.New("refresh failed")
	}); err == nil {
		t.Error("expected refresh error")
	}
	if _, err := RefreshOnce(context.Background(), store, "p", time.Hour, func(context.Context, string) (*oauth2.Token, error) {
		return &oauth2.Token{}, nil
	}); err == nil {
		t.Error("expected error for empty access token")
	}
	if got := store.get("p"); got.access != "a" {
		t.Errorf("failed refresh must not overwrite the token, got %q", got.access)
	}
}

func TestRefreshOnceNoRefreshToken(t *testing.T) {
	store := newMemTokens()
	_ = store.UpsertOAuthToken(context.Background(), "p", "a", "", time.Now(), "")
	refreshed, err := RefreshOnce(context.Background(), store, "p", time.Hour, nil)
	if err != nil || refreshed {
		t.Errorf("RefreshOnce() = %v, %v; want skip", refreshed, err)
	}
}

func TestConfigRefresher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.Form.Get("refresh_token") != "rt" {
			t.Errorf("refresh_token = %q", r.Form.Get("refresh_token"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "at", "token_type": "Bearer", "expires_in": 3600})
	}))
	defer srv.Close()

	fn := ConfigRefresher(&oauth2.Config{ClientID: "c", ClientSecret: "s", Endpoint: oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams}})
	tok, err := fn(context.Background(), "rt")
	if err != nil || tok.AccessToken != "at" {
		t.Errorf("ConfigRefresher() = %+v, %v", tok, err)
	}
}

func TestStartRefresherStopsOnCancel(t *testing.T) {
	store := newMemTokens()
	_ = store.UpsertOAuthToken(context.Background(), "p", "old", "rt", time.Now().Add(time.Minute), "")
	var mu sync.Mutex
	calls := 0
	ctx, cancel := context.WithCancel(context.Background())
	StartRefresher(ctx, store, "p", 20*time.Millisecond, time.Hour, func(context.Context, string) (*oauth2.Token, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return &oauth2.Token{AccessToken: "new", Expiry: time.Now().Add(time.Minute)}, nil
	})

	deadline := time.Now().Add(2 * time.Second)
	for store.get("p").access != "new" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if store.get("p").access != "new" {
		t.Fatal("refresher never refreshed the token")
	}
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	after := calls
	mu.Unlock()
	time.Sleep(80 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != after {
		t.Errorf("refresher kept running after cancel: %d -> %d calls", after, calls)
	}
}

func TestRefreshOncePostgres(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	store := &db.Store{DB: dbx}
	ctx := context.Background()
	if err := store.UpsertOAuthToken(ctx, "youtube:it", "old", "rt", time.Now().Add(time.Minute), ""); err != nil {
		t.Fatalf("seed token: %v", err)
	}
	refreshed, err := RefreshOnce(ctx, store, "youtube:it", time.Hour, func(context.Context, string) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: "new", Expiry: time.Now().Add(time.Hour)}, nil
	})
	if err != nil || !refreshed {
		t.Fatalf("RefreshOnce() = %v, %v", refreshed, err)
	}
	access, _, _, _, err := store.GetOAuthToken(ctx, "youtube:it")
	if err != nil || access != "new" {
		t.Errorf("stored access = %q, %v", access, err)
	}
}
