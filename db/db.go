// Package db provides the Postgres connection, schema migration, and the two
// small tables the resolver needs: a key/value table backing the session
// cache and an oauth_tokens table backing credential-set tokens.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/live-resolver/crypto"
	"github.com/onnwee/live-resolver/session"
)

// Connect opens and pings a Postgres connection.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	dbx, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	dbx.SetMaxOpenConns(4)
	dbx.SetConnMaxIdleTime(5 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := dbx.PingContext(pingCtx); err != nil {
		_ = dbx.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return dbx, nil
}

// Migrate applies the schema. It is RunMigrations under the name the rest of
// the code base uses.
func Migrate(dbx *sql.DB) error { return RunMigrations(dbx) }

// Store implements session.Store on the kv table and youtubeapi.TokenStore on
// oauth_tokens. With a non-nil Enc, token columns are sealed (AES-256-GCM)
// and marked encryption_version=1.
type Store struct {
	DB  *sql.DB
	Enc crypto.Encryptor
}

var _ session.Store = (*Store)(nil)

// Get reads a kv value. Missing keys return session.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var v string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return []byte(v), nil
}

// Put upserts a kv value in one statement, so readers never see a partial write.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO kv(key, value, updated_at) VALUES($1, $2, NOW())
		 ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, string(value))
	if err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

// UpsertOAuthToken stores or replaces the token row for provider.
func (s *Store) UpsertOAuthToken(ctx context.Context, provider, access, refresh string, expiry time.Time, raw string) error {
	version := 0
	if s.Enc != nil {
		version = 1
		var err error
		for _, v := range []*string{&access, &refresh, &raw} {
			if *v, err = crypto.EncryptString(s.Enc, *v); err != nil {
				return fmt.Errorf("encrypt token for %s: %w", provider, err)
			}
		}
	}
	var exp sql.NullTime
	if !expiry.IsZero() {
		exp = sql.NullTime{Time: expiry, Valid: true}
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, raw, encryption_version, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,NOW())
		 ON CONFLICT(provider) DO UPDATE SET
		   access_token=EXCLUDED.access_token,
		   refresh_token=EXCLUDED.refresh_token,
		   expires_at=EXCLUDED.expires_at,
		   raw=EXCLUDED.raw,
		   encryption_version=EXCLUDED.encryption_version,
		   updated_at=NOW()`,
		provider, access, refresh, exp, raw, version)
	if err != nil {
		return fmt.Errorf("upsert token for %s: %w", provider, err)
	}
	return nil
}

// GetOAuthToken returns the stored token for provider, or zero values when
// none is stored. Plaintext rows (encryption_version=0) are read as is.
func (s *Store) GetOAuthToken(ctx context.Context, provider string) (access, refresh string, expiry time.Time, raw string, err error) {
	var (
		a, r, w sql.NullString
		exp     sql.NullTime
		version int
	)
	err = s.DB.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, raw, encryption_version FROM oauth_tokens WHERE provider=$1`,
		provider).Scan(&a, &r, &exp, &w, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", time.Time{}, "", nil
	}
	if err != nil {
		return "", "", time.Time{}, "", fmt.Errorf("get token for %s: %w", provider, err)
	}
	access, refresh, raw = a.String, r.String, w.String
	if version == 1 {
		if s.Enc == nil {
			return "", "", time.Time{}, "", fmt.Errorf("token for %s is encrypted but ENCRYPTION_KEY not configured", provider)
		}
		for _, v := range []*string{&access, &refresh, &raw} {
			if *v, err = crypto.DecryptString(s.Enc, *v); err != nil {
				return "", "", time.Time{}, "", fmt.Errorf("decrypt token for %s: %w", provider, err)
			}
		}
	}
	if exp.Valid {
		expiry = exp.Time
	}
	return access, refresh, expiry, raw, nil
}
