// Package oauth keeps persisted OAuth tokens fresh in the background. It
// performs jittered checks and refreshes when expiry falls within a window,
// so resolutions never pay for a token round trip.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/oauth2"
)

// TokenStore is the persisted token table (db.Store in production).
type TokenStore interface {
	UpsertOAuthToken(ctx context.Context, provider, accessToken, refreshToken string, expiry time.Time, raw string) error
	GetOAuthToken(ctx context.Context, provider string) (accessToken, refreshToken string, expiry time.Time, raw string, err error)
}

// RefreshFunc exchanges a refresh token for a new token.
type RefreshFunc func(ctx context.Context, refreshToken string) (*oauth2.Token, error)

// ConfigRefresher returns a RefreshFunc backed by an oauth2 client config.
func ConfigRefresher(cfg *oauth2.Config) RefreshFunc {
	return func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
		return cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	}
}

// RefreshOnce refreshes provider's token when it expires within window.
// It reports whether a refresh happened.
func RefreshOnce(ctx context.Context, store TokenStore, provider string, window time.Duration, fn RefreshFunc) (bool, error) {
	_, rt, exp, _, err := store.GetOAuthToken(ctx, provider)
	if err != nil {
		return false, err
	}
	if rt == "" || time.Until(exp) > window {
		return false, nil
	}
	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	tok, err := fn(ctx2, rt)
	if err != nil {
		return false, err
	}
	if tok == nil || tok.AccessToken == "" {
		return false, errors.New("refresh returned no access token")
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = rt
	}
	raw, _ := json.Marshal(tok)
	if err := store.UpsertOAuthToken(ctx, provider, tok.AccessToken, tok.RefreshToken, tok.Expiry, string(raw)); err != nil {
		return false, err
	}
	return true, nil
}

// StartRefresher launches a goroutine that periodically runs RefreshOnce
// until ctx is done.
// interval: how often to wake up and check.
// window: refresh when remaining lifetime <= window.
func StartRefresher(ctx context.Context, store TokenStore, provider string, interval, window time.Duration, fn RefreshFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	log := slog.Default().With(slog.String("component", "oauth_refresh"), slog.String("provider", provider))
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: scheduling jitter, not security
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		next := initialJitter
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(next):
			}
			refreshed, err := RefreshOnce(ctx, store, provider, window, fn)
			switch {
			case err != nil && ctx.Err() == nil:
				log.Warn("token refresh failed", slog.Any("err", err))
			case refreshed:
				log.Info("token refreshed")
			}
			// ±20% jitter around interval.
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: scheduling jitter, not security
			next = interval + time.Duration(rand.Int63n(jitterRange*2+1)-jitterRange)
		}
	}()
}
