package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	AppURL    string `env:"APP_URL" default:"http://localhost:8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	SessionSecret string        `env:"SESSION_SECRET"`
	SessionMaxAge time.Duration `env:"SESSION_MAX_AGE" default:"168h"` // 7 days

	RelayURL      string `env:"RELAY_URL"`
	RelayDisabled bool   `env:"RELAY_DISABLED" default:"false"`
	RelayChannel  string `env:"RELAY_CHANNEL" default:"live:invalidate"`

	MaxLiveConnections        int64         `env:"MAX_LIVE_CONNECTIONS" default:"10000"`
	MaxLiveConnectionsPerUser int           `env:"MAX_LIVE_CONNECTIONS_PER_USER" default:"5"`
	HeartbeatInterval         time.Duration `env:"HEARTBEAT_INTERVAL" default:"30s"`
	LiveConnectRate           float64       `env:"LIVE_CONNECT_RATE" default:"5"`
	LiveConnectBurst          int           `env:"LIVE_CONNECT_BURST" default:"10"`

	InternalAPIToken string        `env:"INTERNAL_API_TOKEN"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT" default:"10s"`
}

const (
	minSessionSecretLength = 32
	minInternalTokenLength = 16
)

var relaySchemes = map[string]struct{}{
	"redis":      {},
	"rediss":     {},
	"postgres":   {},
	"postgresql": {},
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// IsDevelopment reports whether the app runs locally.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// RelayOff reports whether cross-instance delivery is switched off. Test
// environments never use the shared transport.
func (c *Config) RelayOff() bool {
	return c.RelayDisabled || c.AppEnv == "test" || c.RelayURL == ""
}

func validate(cfg *Config) error {
	if cfg.SessionSecret == "" {
		return errors.New("SESSION_SECRET is required")
	}
	if len(cfg.SessionSecret) < minSessionSecretLength {
		return fmt.Errorf("SESSION_SECRET must be at least %d characters", minSessionSecretLength)
	}

	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json, got %q", cfg.LogFormat)
	}

	if cfg.MaxLiveConnections <= 0 {
		return errors.New("MAX_LIVE_CONNECTIONS must be positive")
	}
	if cfg.MaxLiveConnectionsPerUser <= 0 {
		return errors.New("MAX_LIVE_CONNECTIONS_PER_USER must be positive")
	}
	if int64(cfg.MaxLiveConnectionsPerUser) > cfg.MaxLiveConnections {
		return errors.New("MAX_LIVE_CONNECTIONS_PER_USER must not exceed MAX_LIVE_CONNECTIONS")
	}
	if cfg.HeartbeatInterval < time.Second {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be at least 1s, got %s", cfg.HeartbeatInterval)
	}
	if cfg.LiveConnectRate <= 0 || cfg.LiveConnectBurst <= 0 {
		return errors.New("LIVE_CONNECT_RATE and LIVE_CONNECT_BURST must be positive")
	}

	if cfg.RelayURL != "" {
		u, err := url.Parse(cfg.RelayURL)
		if err != nil {
			return fmt.Errorf("RELAY_URL is not a valid URL: %w", err)
		}
		if _, ok := relaySchemes[strings.ToLower(u.Scheme)]; !ok {
			return fmt.Errorf("RELAY_URL scheme must be redis, rediss, postgres or postgresql, got %q", u.Scheme)
		}
	}
	if cfg.RelayChannel == "" {
		return errors.New("RELAY_CHANNEL must not be empty")
	}

	if cfg.InternalAPIToken != "" && len(cfg.InternalAPIToken) < minInternalTokenLength {
		return fmt.Errorf("INTERNAL_API_TOKEN must be at least %d characters", minInternalTokenLength)
	}

	return nil
}
