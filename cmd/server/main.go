package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/marketplace/internal/adapter/httpserver"
	"github.com/pscheid92/marketplace/internal/adapter/metrics"
	postgresadapter "github.com/pscheid92/marketplace/internal/adapter/postgres"
	redisadapter "github.com/pscheid92/marketplace/internal/adapter/redis"
	"github.com/pscheid92/marketplace/internal/domain"
	"github.com/pscheid92/marketplace/internal/invalidation"
	"github.com/pscheid92/marketplace/internal/live"
	"github.com/pscheid92/marketplace/internal/platform/config"
	"github.com/pscheid92/marketplace/internal/platform/logging"
	"github.com/pscheid92/marketplace/internal/platform/version"
	"github.com/pscheid92/marketplace/internal/relay"
)

const relayStartupTimeout = 15 * time.Second

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func relayDialers(reg prometheus.Registerer) relay.Dialers {
	redisMetrics := metrics.NewRedisMetrics(reg)
	postgresMetrics := metrics.NewPostgresMetrics(reg)

	dialRedis := func(ctx context.Context, cfg relay.Config) (domain.Transport, error) {
		return redisadapter.Dial(ctx, cfg.URL, cfg.Channel, redisadapter.NewMetricsHook(redisMetrics))
	}
	dialPostgres := func(ctx context.Context, cfg relay.Config) (domain.Transport, error) {
		return postgresadapter.Dial(ctx, cfg.URL, cfg.Channel, postgresMetrics)
	}

	return relay.Dialers{
		"redis":      dialRedis,
		"rediss":     dialRedis,
		"postgres":   dialPostgres,
		"postgresql": dialPostgres,
	}
}

func setupRelay(cfg *config.Config, hub *live.Hub, reg prometheus.Registerer) relay.Relay {
	ctx, cancel := context.WithTimeout(context.Background(), relayStartupTimeout)
	defer cancel()

	relayCfg := relay.Config{
		URL:      cfg.RelayURL,
		Channel:  cfg.RelayChannel,
		Disabled: cfg.RelayOff(),
	}
	return relay.Open(ctx, relayCfg, hub, relayDialers(reg), metrics.NewRelayMetrics(reg))
}

// runGracefulShutdown ends live streams first so the HTTP server is not left
// waiting on long-lived requests, then drains HTTP and stops the relay.
func runGracefulShutdown(cfg *config.Config, srv *httpserver.Server, hub *live.Hub, rel relay.Relay) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := hub.Close(shutdownCtx); err != nil {
			slog.Error("Live hub shutdown error", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
		if err := rel.Close(shutdownCtx); err != nil {
			slog.Error("Relay shutdown error", "error", err)
		}

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", append(version.Get().LogAttrs(), "env", cfg.AppEnv, "port", cfg.Port)...)

	reg := metrics.NewRegistry()

	hub := live.NewHub(live.Options{
		MaxConnections:        cfg.MaxLiveConnections,
		MaxConnectionsPerUser: cfg.MaxLiveConnectionsPerUser,
		HeartbeatInterval:     cfg.HeartbeatInterval,
	}, clock, metrics.NewLiveMetrics(reg))

	rel := setupRelay(cfg, hub, reg)
	notifier := invalidation.NewNotifier(rel)

	srv := httpserver.NewServer(cfg, httpserver.Deps{
		Hub:         hub,
		Notifier:    notifier,
		Relay:       rel,
		Registry:    reg,
		HTTPMetrics: metrics.NewHTTPMetrics(reg),
		HealthChecks: []httpserver.HealthCheck{
			{Name: "relay", Check: rel.Check},
		},
	})

	done := runGracefulShutdown(cfg, srv, hub, rel)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
