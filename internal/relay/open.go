package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/pscheid92/marketplace/internal/adapter/metrics"
	"github.com/pscheid92/marketplace/internal/domain"
	"github.com/pscheid92/marketplace/internal/platform/retry"
)

// Config selects and addresses the shared transport.
type Config struct {
	URL      string
	Channel  string
	Disabled bool
}

// Dialer connects a transport for one URL scheme.
type Dialer func(ctx context.Context, cfg Config) (domain.Transport, error)

// Dialers maps URL schemes to transport constructors.
type Dialers map[string]Dialer

var dialPolicy = retry.Policy{
	MaxAttempts:    3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// Open picks the relay once at startup. It returns a LocalRelay when the relay
// is disabled or unconfigured, and also when the transport cannot be dialed or
// subscribed; the process then keeps serving its own clients.
func Open(ctx context.Context, cfg Config, hub Broadcaster, dialers Dialers, m *metrics.RelayMetrics) Relay {
	local := NewLocalRelay(hub, m)

	if cfg.Disabled || cfg.URL == "" {
		slog.Info("Relay running in local-only mode", "disabled", cfg.Disabled)
		return local
	}

	dial, scheme, err := dialers.lookup(cfg.URL)
	if err != nil {
		slog.Error("Relay transport unavailable, running in local-only mode", "error", err)
		return local
	}

	transport, err := retry.Do(ctx, dialPolicy, retry.Transient, func(ctx context.Context) (domain.Transport, error) {
		return dial(ctx, cfg)
	})
	if err != nil {
		slog.Error("Relay transport unreachable, running in local-only mode", "scheme", scheme, "error", err)
		return local
	}

	bus, err := NewBusRelay(ctx, transport, hub, m)
	if err != nil {
		if closeErr := transport.Close(); closeErr != nil {
			slog.Debug("Closing relay transport failed", "error", closeErr)
		}
		slog.Error("Relay subscribe failed, running in local-only mode", "scheme", scheme, "error", err)
		return local
	}

	slog.Info("Relay connected", "scheme", scheme, "channel", cfg.Channel)
	return bus
}

func (d Dialers) lookup(rawURL string) (Dialer, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("parse relay url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	dial, ok := d[scheme]
	if !ok {
		return nil, scheme, fmt.Errorf("unsupported relay url scheme %q", scheme)
	}
	return dial, scheme, nil
}
