// Command live-resolver keeps track of the current live broadcast of one
// channel and its chat handle.
// It:
//   - Loads configuration and initializes structured logging and tracing.
//   - Loads credential sets (file or env), builds the platform client for the
//     first usable one and rotates on quota exhaustion.
//   - Opens the session cache (file, Postgres or memory) so a restart rejoins
//     the running broadcast without a search.
//   - Polls for the live or upcoming broadcast and logs live/offline transitions.
//   - Exposes /healthz, /readyz, /status and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/live-resolver/breaker"
	"github.com/onnwee/live-resolver/config"
	"github.com/onnwee/live-resolver/credentials"
	"github.com/onnwee/live-resolver/crypto"
	"github.com/onnwee/live-resolver/db"
	"github.com/onnwee/live-resolver/oauth"
	"github.com/onnwee/live-resolver/pacing"
	"github.com/onnwee/live-resolver/resolver"
	"github.com/onnwee/live-resolver/server"
	"github.com/onnwee/live-resolver/session"
	"github.com/onnwee/live-resolver/streamapi"
	"github.com/onnwee/live-resolver/telemetry"
	"github.com/onnwee/live-resolver/twitchapi"
	"github.com/onnwee/live-resolver/youtubeapi"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Local dev convenience only; production relies on real env.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing("live-resolver", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("live-resolver exited with error", slog.Any("err", err))
		shutdown()
		os.Exit(1)
	}
	slog.Info("shut down")
}

func setupLogging(level, format string) {
	lvl := slog.LevelInfo
	unknown := false
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		unknown = true
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	if unknown {
		slog.Warn("unknown LOG_LEVEL, using info", slog.String("value", level))
	}
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var enc crypto.Encryptor
	if cfg.EncryptionKey != "" {
		aes, err := crypto.NewAESEncryptor(cfg.EncryptionKey)
		if err != nil {
			return fmt.Errorf("encryption key: %w", err)
		}
		enc = aes
	}

	var (
		database *sql.DB
		pgStore  *db.Store
	)
	if cfg.CacheBackend == config.CachePostgres {
		var err error
		if database, err = db.Connect(ctx, cfg.DBDsn); err != nil {
			return err
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := db.Migrate(database); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		pgStore = &db.Store{DB: database, Enc: enc}
	}

	sets, err := loadSets(cfg, enc)
	if err != nil {
		return err
	}
	var tokens youtubeapi.TokenStore
	if pgStore != nil {
		tokens = pgStore
	}
	pool, err := credentials.NewPool(sets, newBuilder(ctx, cfg, tokens), credentials.WithCooldown(cfg.QuotaCooldown))
	if err != nil {
		return err
	}
	api, setID, err := pool.Current(ctx)
	if err != nil {
		return fmt.Errorf("no usable credential set: %w", err)
	}
	slog.Info("credential set active", slog.String("credential_set", setID), slog.Int("sets", len(sets)))

	var store session.Store
	switch cfg.CacheBackend {
	case config.CachePostgres:
		store = pgStore
	case config.CacheMemory:
		store = session.NewMemoryStore()
	default:
		store = &session.FileStore{Dir: cfg.DataDir}
	}

	brk := breaker.New(cfg.FailureLimit, cfg.OpenCooldown,
		breaker.WithFailurePredicate(streamapi.IsFailure),
		breaker.WithStateHook(func(s breaker.State) {
			telemetry.SetCircuitState(int(s))
			slog.Info("circuit breaker state changed", slog.String("state", s.String()))
		}),
	)
	pacer, err := pacing.New(cfg.Pacing)
	if err != nil {
		return err
	}
	res := resolver.New(resolver.Config{
		API:           api,
		CredentialSet: setID,
		Rotator:       pool,
		Breaker:       brk,
		Cache:         session.NewCache(store, session.WithFreshness(cfg.CacheWindow)),
		Pacer:         pacer,
		MaxRetries:    cfg.MaxRetries,
		CallTimeout:   cfg.CallTimeout,
		Platform:      cfg.Platform,
	})

	if pgStore != nil && cfg.Platform == config.PlatformYouTube {
		for _, s := range sets {
			if !s.OAuth() {
				continue
			}
			auth := youtubeapi.NewAuth(s.ID, s.ClientID, s.ClientSecret, s.RefreshToken, pgStore)
			oauth.StartRefresher(ctx, pgStore, auth.Provider(), 10*time.Minute, 20*time.Minute, oauth.ConfigRefresher(auth.Config()))
		}
	}

	var wg sync.WaitGroup
	if cfg.CredentialsFile != "" && cfg.CredentialsWatch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := pool.Watch(ctx, cfg.CredentialsFile, enc, func() {
				api, id, err := pool.Current(ctx)
				if err != nil {
					slog.Warn("no usable credential set after reload", slog.Any("err", err))
					return
				}
				res.SetAPI(api, id)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("credentials watcher stopped", slog.Any("err", err))
			}
		}()
	}

	poller := &resolver.Poller{
		Resolver:   res,
		ChannelRef: cfg.Channel,
		OnLive: func(ctx context.Context, s session.ResolvedSession) {
			telemetry.LoggerWithCorr(ctx).Info("broadcast live",
				slog.String("stream_id", s.StreamID),
				slog.String("chat_handle", s.ChatHandle),
				slog.String("title", s.Title))
		},
		OnOffline: func(ctx context.Context, s session.ResolvedSession) {
			telemetry.LoggerWithCorr(ctx).Info("broadcast offline", slog.String("stream_id", s.StreamID))
		},
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = poller.Run(ctx)
	}()

	deps := server.Deps{
		Resolver:        res,
		Credentials:     pool,
		ChannelRef:      cfg.Channel,
		AdminToken:      cfg.AdminToken,
		AdminUsername:   cfg.AdminUsername,
		AdminPassword:   cfg.AdminPassword,
		RateLimitPerIP:  cfg.RateLimitPerIP,
		RateLimitWindow: cfg.RateLimitWindow,
	}
	if database != nil {
		deps.Ping = database.PingContext
	}
	serveErr := server.Start(ctx, cfg.HTTPAddr, server.NewMux(ctx, deps))

	// Start returns on shutdown or on a listen error; stop the workers either way.
	cancel()
	wg.Wait()
	return serveErr
}

// loadSets reads the credentials file, or describes one set from env.
func loadSets(cfg *config.Config, enc crypto.Encryptor) ([]credentials.Set, error) {
	if cfg.CredentialsFile != "" {
		return credentials.LoadFile(cfg.CredentialsFile, enc)
	}
	if cfg.Platform == config.PlatformTwitch {
		return []credentials.Set{{ID: "env", ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}}, nil
	}
	return []credentials.Set{{
		ID:           "env",
		APIKey:       cfg.YTAPIKey,
		ClientID:     cfg.YTClientID,
		ClientSecret: cfg.YTClientSecret,
		RefreshToken: cfg.YTRefreshToken,
	}}, nil
}

// newBuilder returns the per-platform client constructor. Clients outlive the
// rotation call that builds them, so they are bound to the process context.
func newBuilder(appCtx context.Context, cfg *config.Config, tokens youtubeapi.TokenStore) credentials.Builder {
	if cfg.Platform == config.PlatformTwitch {
		return func(_ context.Context, s credentials.Set) (streamapi.API, error) {
			if s.ClientID == "" || s.ClientSecret == "" {
				return nil, fmt.Errorf("twitch credential set %q needs client_id and client_secret", s.ID)
			}
			return &twitchapi.HelixClient{
				AppTokenSource: &twitchapi.TokenSource{ClientID: s.ClientID, ClientSecret: s.ClientSecret},
				ClientID:       s.ClientID,
				BaseURL:        cfg.TwitchEndpoint,
			}, nil
		}
	}
	return func(_ context.Context, s credentials.Set) (streamapi.API, error) {
		opts := youtubeapi.Options{Endpoint: cfg.YTEndpoint}
		if s.OAuth() {
			auth := youtubeapi.NewAuth(s.ID, s.ClientID, s.ClientSecret, s.RefreshToken, tokens)
			ts, err := auth.TokenSource(appCtx)
			if err != nil {
				return nil, fmt.Errorf("credential set %q: %w", s.ID, err)
			}
			opts.TokenSource = ts
		} else {
			opts.APIKey = s.APIKey
		}
		return youtubeapi.NewClient(appCtx, opts)
	}
}
