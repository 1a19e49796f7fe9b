package youtubeapi

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	yt "google.golang.org/api/youtube/v3"
)

// TokenStore persists OAuth tokens by provider key so refreshed access tokens
// survive restarts and can be shared with the background refresher.
type TokenStore interface {
	UpsertOAuthToken(ctx context.Context, provider string, accessToken string, refreshToken string, expiry time.Time, raw string) error
	GetOAuthToken(ctx context.Context, provider string) (accessToken string, refreshToken string, expiry time.Time, raw string, err error)
}

// ProviderKey is the oauth_tokens key for a credential set.
func ProviderKey(setID string) string { return "youtube:" + setID }

// Auth is the OAuth half of a credential set: client id/secret plus a
// refresh token, with access tokens cached in a TokenStore.
type Auth struct {
	provider string
	store    TokenStore
	oauth    *oauth2.Config
	seed     string
}

// NewAuth builds the OAuth config for one credential set. refreshToken seeds
// the store when nothing has been persisted yet. store may be nil, in which
// case tokens live only in memory.
func NewAuth(setID, clientID, clientSecret, refreshToken string, store TokenStore) *Auth {
	return &Auth{
		provider: ProviderKey(setID),
		store:    store,
		seed:     refreshToken,
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{yt.YoutubeReadonlyScope},
		},
	}
}

// Config exposes the oauth2 config (for the background refresher).
func (a *Auth) Config() *oauth2.Config { return a.oauth }

// Provider returns the token store key.
func (a *Auth) Provider() string { return a.provider }

// TokenSource returns a reusable source that refreshes through the store.
func (a *Auth) TokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	tok, err := a.refreshIfNeeded(ctx)
	if err != nil {
		return nil, err
	}
	return oauth2.ReuseTokenSource(tok, &storingSource{ctx: ctx, a: a, base: a.oauth.TokenSource(ctx, tok)}), nil
}

func (a *Auth) stored(ctx context.Context) (*oauth2.Token, error) {
	tok := &oauth2.Token{RefreshToken: a.seed}
	if a.store == nil {
		return tok, nil
	}
	access, refresh, expiry, raw, err := a.store.GetOAuthToken(ctx, a.provider)
	if err != nil {
		return nil, err
	}
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), tok)
	}
	if access != "" {
		tok.AccessToken = access
		tok.Expiry = expiry
	}
	if refresh != "" {
		tok.RefreshToken = refresh
	}
	return tok, nil
}

func (a *Auth) refreshIfNeeded(ctx context.Context) (*oauth2.Token, error) {
	tok, err := a.stored(ctx)
	if err != nil {
		return nil, err
	}
	if tok.RefreshToken == "" && tok.AccessToken == "" {
		return nil, errors.New("no youtube token stored")
	}
	if tok.AccessToken != "" && time.Until(tok.Expiry) > 2*time.Minute {
		return tok, nil
	}
	newTok, err := a.oauth.TokenSource(ctx, tok).Token()
	if err != nil {
		return tok, err
	}
	a.persist(ctx, newTok)
	return newTok, nil
}

func (a *Auth) persist(ctx context.Context, tok *oauth2.Token) {
	if a.store == nil {
		return
	}
	rawBytes, _ := json.Marshal(tok)
	_ = a.store.UpsertOAuthToken(ctx, a.provider, tok.AccessToken, tok.RefreshToken, tok.Expiry, string(rawBytes))
}

type storingSource struct {
	ctx  context.Context
	a    *Auth
	base oauth2.TokenSource
}

func (s *storingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.a.persist(s.ctx, tok)
	return tok, nil
}
