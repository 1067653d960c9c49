package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
)

// Config holds all configuration for the application.
type Config struct {
	Port        string `env:"PORT,default=8080"`
	Env         string `env:"ENV,default=development"`
	Store       string `env:"STORE"`
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH,default=./data/duet.db"`
	RedisURL    string `env:"REDIS_URL"`

	// Credentials
	JWTSecret string `env:"JWT_SECRET"`
	JWTIssuer string `env:"JWT_ISSUER,default=duet"`

	// Content ceilings in bytes
	MaxTextBytes      int `env:"MAX_TEXT_BYTES,default=4096"`
	MaxUploadBytes    int `env:"MAX_UPLOAD_SIZE_BYTES,default=5242880"`
	MaxImageBytes     int `env:"MAX_IMAGE_SIZE_BYTES,default=3145728"`
	MaxVideoBytes     int `env:"MAX_VIDEO_SIZE_BYTES,default=10485760"`
	MaxThumbnailBytes int `env:"MAX_THUMBNAIL_BYTES,default=500000"`

	// Real-time sessions
	SessionBuffer          int     `env:"SESSION_BUFFER,default=64"`
	SessionEventsPerSecond float64 `env:"SESSION_EVENTS_PER_SECOND,default=20"`
	SessionEventBurst      int     `env:"SESSION_EVENT_BURST,default=40"`

	// Offline notifications waiting for the push worker
	NotifyQueueSize int `env:"NOTIFY_QUEUE_SIZE,default=256"`

	// Rate limiting
	RateLimitWhitelist []string `env:"RATE_LIMIT_WHITELIST"` // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled   bool     `env:"AUTO_BLOCK_ENABLED,default=false"`
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
func Load() (*Config, error) {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	return load(envconfig.OsLookuper())
}

func load(l envconfig.Lookuper) (*Config, error) {
	cfg := &Config{}
	if err := envconfig.ProcessWith(context.Background(), cfg, l); err != nil {
		return nil, fmt.Errorf("parsing env vars: %w", err)
	}

	whitelist := cfg.RateLimitWhitelist[:0]
	for _, entry := range cfg.RateLimitWhitelist {
		if entry = strings.TrimSpace(entry); entry != "" {
			whitelist = append(whitelist, entry)
		}
	}
	cfg.RateLimitWhitelist = whitelist

	if cfg.Store == "" {
		cfg.Store = StoreSQLite
		if cfg.DatabaseURL != "" {
			cfg.Store = StorePostgres
		}
	}

	switch cfg.Store {
	case StorePostgres, StoreSQLite, StoreMemory:
	default:
		return nil, fmt.Errorf("unknown STORE %q", cfg.Store)
	}
	if cfg.Store == StorePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for the postgres store")
	}

	// In production, require database, redis and a signing secret
	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required in production")
		}
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("REDIS_URL is required in production")
		}
		if cfg.JWTSecret == "" {
			return nil, fmt.Errorf("JWT_SECRET is required in production")
		}
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}

	return cfg, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}
