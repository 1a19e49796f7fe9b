package youtubeapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// mockTokenStore implements TokenStore for testing
type mockTokenStore struct {
	tokens map[string]tokenData
}

type tokenData struct {
	access  string
	refresh string
	expiry  time.Time
	raw     string
}

func newMockTokenStore() *mockTokenStore {
	return &mockTokenStore{tokens: make(map[string]tokenData)}
}

func (m *mockTokenStore) UpsertOAuthToken(_ context.Context, provider, accessToken, refreshToken string, expiry time.Time, raw string) error {
	m.tokens[provider] = tokenData{access: accessToken, refresh: refreshToken, expiry: expiry, raw: raw}
	return nil
}

func (m *mockTokenStore) GetOAuthToken(_ context.Context, provider string) (string, string, time.Time, string, error) {
	if d, ok := m.tokens[provider]; ok {
		return d.access, d.refresh, d.expiry, d.raw, nil
	}
	return "", "", time.Time{}, "", nil
}

func tokenServer(t *testing.T, calls *int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "fresh-access",
			"refresh_token": "rotated-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProviderKey(t *testing.T) {
	a := NewAuth("primary", "id", "secret", "rt", nil)
	assert.Equal(t, "youtube:primary", a.Provider())
	assert.Equal(t, "youtube:primary", ProviderKey("primary"))
	assert.Equal(t, "id", a.Config().ClientID)
}

func TestRefreshIfNeeded_NoToken(t *testing.T) {
	a := NewAuth("s1", "id", "secret", "", newMockTokenStore())
	_, err := a.refreshIfNeeded(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "no youtube token"))
}

func TestRefreshIfNeeded_ValidToken(t *testing.T) {
	store := newMockTokenStore()
	a := NewAuth("s1", "id", "secret", "seed", store)
	_ = store.UpsertOAuthToken(context.Background(), a.Provider(), "valid-token", "refresh-token", time.Now().Add(10*time.Minute), "")

	tok, err := a.refreshIfNeeded(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "valid-token", tok.AccessToken)
	assert.Equal(t, "refresh-token", tok.RefreshToken)
}

func TestRefreshIfNeeded_SeedRefreshesAndPersists(t *testing.T) {
	calls := 0
	srv := tokenServer(t, &calls)
	store := newMockTokenStore()
	a := NewAuth("s1", "id", "secret", "seed-refresh", store)
	a.Config().Endpoint = oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams}

	tok, err := a.refreshIfNeeded(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", tok.AccessToken)
	assert.Equal(t, 1, calls)

	saved := store.tokens["youtube:s1"]
	assert.Equal(t, "fresh-access", saved.access)
	assert.Equal(t, "rotated-refresh", saved.refresh)
	assert.NotEmpty(t, saved.raw)

	// Persisted token is reused without another round trip.
	ts, err := a.TokenSource(context.Background())
	require.NoError(t, err)
	tok, err = ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", tok.AccessToken)
	assert.Equal(t, 1, calls)
}

func TestAuthWithoutStoreKeepsMemoryToken(t *testing.T) {
	calls := 0
	srv := tokenServer(t, &calls)
	a := NewAuth("s1", "id", "secret", "seed", nil)
	a.Config().Endpoint = oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams}
	ts, err := a.TokenSource(context.Background())
	require.NoError(t, err)
	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", tok.AccessToken)
}
