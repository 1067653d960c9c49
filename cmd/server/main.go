package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/duet/internal/api"
	"github.com/eldtechnologies/duet/internal/api/middleware"
	"github.com/eldtechnologies/duet/internal/auth"
	"github.com/eldtechnologies/duet/internal/chat"
	"github.com/eldtechnologies/duet/internal/config"
	"github.com/eldtechnologies/duet/internal/fanout"
	"github.com/eldtechnologies/duet/internal/gateway"
	"github.com/eldtechnologies/duet/internal/notify"
	"github.com/eldtechnologies/duet/internal/presence"
	"github.com/eldtechnologies/duet/internal/store"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx := context.Background()

	ds, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("store", cfg.Store).Msg("store connection failed")
	}
	defer ds.Close()

	// Initialize Redis store
	var redisStore *store.RedisStore
	if cfg.RedisURL != "" {
		redisStore, err = store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		logger.Info().Msg("connected to Redis")
	}

	// Offline delivery goes through Redis when available, otherwise the log.
	var publisher notify.Publisher = notify.LogPublisher{Logger: logger}
	var mirror gateway.PresenceMirror
	if redisStore != nil {
		publisher = redisStore
		mirror = redisStore
	}

	registry := presence.NewMemoryRegistry()
	notifier := notify.NewDispatcher(ds, publisher, logger, cfg.NotifyQueueSize)
	events := fanout.New(registry, notifier, logger)
	svc := chat.NewService(ds, chat.Limits{
		Text:      cfg.MaxTextBytes,
		Image:     cfg.MaxImageBytes,
		Video:     cfg.MaxVideoBytes,
		File:      cfg.MaxUploadBytes,
		Thumbnail: cfg.MaxThumbnailBytes,
	}, events, logger)

	authn := auth.NewAuthenticator(auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer), ds)

	gwCfg := gateway.DefaultConfig()
	gwCfg.Buffer = cfg.SessionBuffer
	gwCfg.EventsPerSecond = cfg.SessionEventsPerSecond
	gwCfg.Burst = cfg.SessionEventBurst
	// Largest frame is a video message with its thumbnail, plus envelope.
	gwCfg.ReadLimit = int64(cfg.MaxVideoBytes+cfg.MaxThumbnailBytes) + 64<<10
	gw := gateway.New(gwCfg, authn, svc, registry, ds, mirror, logger)

	// Create router
	router := api.NewRouter(logger, api.Deps{
		Store:    ds,
		Redis:    redisStore,
		Chat:     svc,
		Registry: registry,
		Auth:     authn,
		Gateway:  gw,
		RateLimit: middleware.RateLimiterConfig{
			Whitelist:        cfg.RateLimitWhitelist,
			AutoBlockEnabled: cfg.AutoBlockEnabled,
		},
		MaxBodyBytes: gwCfg.ReadLimit,
	})

	// WriteTimeout is left unset; hijacked websocket connections manage their own deadlines.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Str("store", cfg.Store).
			Msg("starting duet server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	gw.Close()
	// Sessions are gone, so nothing enqueues after this; flush what is pending.
	notifier.Close()

	logger.Info().Msg("server stopped")
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.DataStore, error) {
	switch cfg.Store {
	case config.StorePostgres:
		logger.Info().Msg("running database migrations...")
		if err := store.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
			return nil, err
		}
		logger.Info().Msg("migrations completed")
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to PostgreSQL")
		return pg, nil
	case config.StoreSQLite:
		lite, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened SQLite database")
		return lite, nil
	default:
		logger.Warn().Msg("using in-memory store; data is lost on restart")
		return store.NewMemoryStore(), nil
	}
}
