// Package main seals plaintext secrets at rest with ENCRYPTION_KEY.
//
// It rewrites the credentials file so api_key, client_secret and
// refresh_token values carry the "enc:" prefix, and optionally re-encrypts
// plaintext rows (encryption_version=0) of the oauth_tokens table.
//
// Usage:
//
//	seal-credentials [--file PATH] [--tokens] [--dry-run]
//
// Environment Variables:
//
//	ENCRYPTION_KEY: Base64-encoded 32-byte key (required)
//	CREDENTIALS_FILE: default for --file
//	DB_DSN: database for --tokens
//
// Example:
//
//	export ENCRYPTION_KEY="$(openssl rand -base64 32)"
//	./seal-credentials --file credentials.yaml --dry-run
//	./seal-credentials --file credentials.yaml --tokens
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/onnwee/live-resolver/credentials"
	"github.com/onnwee/live-resolver/crypto"
	"github.com/onnwee/live-resolver/db"
)

func main() {
	_ = godotenv.Load()

	path := flag.String("file", os.Getenv("CREDENTIALS_FILE"), "Credentials file to seal in place")
	tokens := flag.Bool("tokens", false, "Also encrypt plaintext rows in oauth_tokens (needs DB_DSN)")
	dryRun := flag.Bool("dry-run", false, "Report what would be sealed without writing")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	key := os.Getenv("ENCRYPTION_KEY")
	if key == "" {
		slog.Error("ENCRYPTION_KEY environment variable is required")
		os.Exit(1)
	}
	enc, err := crypto.NewAESEncryptor(key)
	if err != nil {
		slog.Error("failed to initialize encryptor", slog.Any("error", err))
		os.Exit(1)
	}
	if *path == "" && !*tokens {
		slog.Error("nothing to do: pass --file or --tokens")
		os.Exit(2)
	}

	if *path != "" {
		n, err := sealFile(*path, enc, *dryRun)
		if err != nil {
			slog.Error("sealing credentials file failed", slog.String("file", *path), slog.Any("error", err))
			os.Exit(1)
		}
		slog.Info("credentials file processed", slog.String("file", *path), slog.Int("sealed", n), slog.Bool("dry_run", *dryRun))
	}

	if *tokens {
		ctx := context.Background()
		database, err := db.Connect(ctx, os.Getenv("DB_DSN"))
		if err != nil {
			slog.Error("failed to connect to database", slog.Any("error", err))
			os.Exit(1)
		}
		defer database.Close()
		n, err := sealTokens(ctx, database, enc, *dryRun)
		if err != nil {
			slog.Error("token encryption failed", slog.Any("error", err))
			os.Exit(1)
		}
		slog.Info("oauth tokens processed", slog.Int("sealed", n), slog.Bool("dry_run", *dryRun))
	}
}

// sealFile seals the credentials file, or only counts plaintext secrets when dryRun is set.
func sealFile(path string, enc crypto.Encryptor, dryRun bool) (int, error) {
	if !dryRun {
		return credentials.SealFile(path, enc)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var doc struct {
		Sets []map[string]any `yaml:"credential_sets"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("parse credentials: %w", err)
	}
	n := 0
	for _, s := range doc.Sets {
		for _, field := range []string{"api_key", "client_secret", "refresh_token"} {
			if v, ok := s[field].(string); ok && v != "" && !crypto.IsSealed(v) {
				n++
			}
		}
	}
	return n, nil
}

type tokenRow struct {
	Provider     string
	AccessToken  string
	RefreshToken string
	Raw          sql.NullString
}

// sealTokens encrypts every plaintext oauth_tokens row in its own transaction.
func sealTokens(ctx context.Context, database *sql.DB, enc crypto.Encryptor, dryRun bool) (int, error) {
	rows, err := database.QueryContext(ctx,
		`SELECT provider, COALESCE(access_token, ''), COALESCE(refresh_token, ''), raw FROM oauth_tokens WHERE encryption_version = 0 ORDER BY provider`)
	if err != nil {
		return 0, fmt.Errorf("query plaintext tokens: %w", err)
	}
	var tokens []tokenRow
	for rows.Next() {
		var t tokenRow
		if err := rows.Scan(&t.Provider, &t.AccessToken, &t.RefreshToken, &t.Raw); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan token row: %w", err)
		}
		tokens = append(tokens, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate token rows: %w", err)
	}
	if len(tokens) == 0 {
		slog.Info("no plaintext tokens found")
		return 0, nil
	}

	sealed, failed := 0, 0
	for i, t := range tokens {
		logger := slog.With(slog.String("provider", t.Provider), slog.Int("index", i+1), slog.Int("total", len(tokens)))
		if dryRun {
			logger.Info("would encrypt token (dry-run)")
			sealed++
			continue
		}
		if err := sealToken(ctx, database, enc, t); err != nil {
			logger.Error("failed to encrypt token", slog.Any("error", err))
			failed++
			continue
		}
		logger.Info("encrypted token")
		sealed++
	}
	if failed > 0 {
		return sealed, fmt.Errorf("%d of %d tokens failed", failed, len(tokens))
	}
	return sealed, nil
}

func sealToken(ctx context.Context, database *sql.DB, enc crypto.Encryptor, t tokenRow) error {
	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	raw := t.Raw.String
	for _, v := range []*string{&t.AccessToken, &t.RefreshToken, &raw} {
		if *v == "" {
			continue
		}
		if *v, err = crypto.EncryptString(enc, *v); err != nil {
			return fmt.Errorf("encrypt: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE oauth_tokens
		 SET access_token=$1, refresh_token=$2, raw=$3, encryption_version=1, updated_at=NOW()
		 WHERE provider=$4 AND encryption_version=0`,
		t.AccessToken, t.RefreshToken, sql.NullString{String: raw, Valid: t.Raw.Valid}, t.Provider)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("expected 1 row updated, got %d (token may have been modified concurrently)", n)
	}
	return tx.Commit()
}
