package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/marketplace/internal/adapter/metrics"
	"github.com/pscheid92/marketplace/internal/domain"
	"github.com/pscheid92/marketplace/internal/platform/retry"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultChannel = "live:invalidate"

	// MaxPayload is the NOTIFY payload limit of a default Postgres build.
	MaxPayload = 8000

	subscriberBuffer = 64
	closeTimeout     = 5 * time.Second
)

var (
	ErrPayloadTooLarge   = errors.New("notify payload too large")
	ErrAlreadySubscribed = errors.New("transport already subscribed")
)

// Transport publishes with pg_notify on a pool and listens on one dedicated
// connection, reconnecting it with backoff when it drops.
type Transport struct {
	pool      *pgxpool.Pool
	connCfg   *pgx.ConnConfig
	channel   string
	clock     clockwork.Clock
	metrics   *metrics.PostgresMetrics
	reconnect retry.Policy

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
}

var _ domain.Transport = (*Transport)(nil)

// Dial connects the publish pool and prepares the listener configuration.
// m may be nil.
func Dial(ctx context.Context, databaseURL, channel string, m *metrics.PostgresMetrics) (*Transport, error) {
	var tracer pgx.QueryTracer
	if m != nil {
		tracer = NewMetricsTracer(m)
	}

	connCfg, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	connCfg.Tracer = tracer

	pool, err := Connect(ctx, databaseURL, tracer)
	if err != nil {
		return nil, err
	}

	return NewTransport(pool, connCfg, channel, clockwork.NewRealClock(), m), nil
}

// NewTransport wraps an existing pool. The transport owns it afterwards.
func NewTransport(pool *pgxpool.Pool, connCfg *pgx.ConnConfig, channel string, clock clockwork.Clock, m *metrics.PostgresMetrics) *Transport {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Transport{
		pool:    pool,
		connCfg: connCfg,
		channel: channel,
		clock:   clock,
		metrics: m,
		reconnect: retry.Policy{
			MaxAttempts:    math.MaxInt32,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			Clock:          clock,
		},
	}
}

func (t *Transport) Publish(ctx context.Context, payload []byte) error {
	if len(payload) >= MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	if _, err := t.pool.Exec(ctx, "SELECT pg_notify($1, $2)", t.channel, string(payload)); err != nil {
		return fmt.Errorf("failed to notify %s: %w", t.channel, err)
	}
	return nil
}

// Subscribe opens the listener connection and forwards notifications until ctx
// is cancelled or the transport is closed.
func (t *Transport) Subscribe(ctx context.Context) (<-chan []byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done != nil {
		return nil, ErrAlreadySubscribed
	}

	conn, err := t.listen(ctx)
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})

	out := make(chan []byte, subscriberBuffer)
	go t.run(loopCtx, conn, out)

	slog.Info("Listening on relay channel", "channel", t.channel)
	return out, nil
}

func (t *Transport) listen(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.ConnectConfig(ctx, t.connCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect listener: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{t.channel}.Sanitize()); err != nil {
		closeConn(conn)
		return nil, fmt.Errorf("failed to listen on %s: %w", t.channel, err)
	}
	return conn, nil
}

func (t *Transport) run(ctx context.Context, conn *pgx.Conn, out chan<- []byte) {
	defer close(t.done)
	defer close(out)

	for {
		err := t.receive(ctx, conn, out)
		closeConn(conn)
		if ctx.Err() != nil {
			return
		}

		slog.Warn("Relay listener connection lost, reconnecting", "channel", t.channel, "error", err)
		if t.metrics != nil {
			t.metrics.ListenerResets.Inc()
		}

		conn, err = retry.Do(ctx, t.reconnect, retry.Transient, t.listen)
		if err != nil {
			return
		}
		slog.Info("Relay listener reconnected", "channel", t.channel)
	}
}

func (t *Transport) receive(ctx context.Context, conn *pgx.Conn, out chan<- []byte) error {
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		select {
		case out <- []byte(n.Payload):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func closeConn(conn *pgx.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := conn.Close(ctx); err != nil {
		slog.Debug("Closing listener connection failed", "error", err)
	}
}

// Close stops the listener and closes the pool concurrently.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		cancel, done := t.cancel, t.done
		t.mu.Unlock()

		var g errgroup.Group
		g.Go(func() error {
			if cancel == nil {
				return nil
			}
			cancel()
			select {
			case <-done:
				return nil
			case <-t.clock.After(closeTimeout):
				return errors.New("listener did not stop in time")
			}
		})
		g.Go(func() error {
			t.pool.Close()
			return nil
		})
		err = g.Wait()
	})
	return err
}

// Channel returns the notification channel name.
func (t *Transport) Channel() string {
	return t.channel
}
