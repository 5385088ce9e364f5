// Package redis implements the relay transport on Redis pub/sub.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pscheid92/marketplace/internal/domain"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const DefaultChannel = "live:invalidate"

const subscriberBuffer = 64

var ErrAlreadySubscribed = errors.New("transport already subscribed")

// Transport publishes on one client and subscribes on another, so a blocked
// subscription never delays publishes.
type Transport struct {
	pub     *goredis.Client
	sub     *goredis.Client
	channel string

	mu     sync.Mutex
	pubsub *goredis.PubSub

	closeOnce sync.Once
	closeErr  error
}

var _ domain.Transport = (*Transport)(nil)

// Dial opens the publish and subscribe clients for redisURL.
func Dial(ctx context.Context, redisURL, channel string, hooks ...goredis.Hook) (*Transport, error) {
	if channel == "" {
		channel = DefaultChannel
	}

	pub, err := NewClient(ctx, redisURL, "marketplace-relay-pub", hooks...)
	if err != nil {
		return nil, fmt.Errorf("publish client: %w", err)
	}
	sub, err := NewClient(ctx, redisURL, "marketplace-relay-sub", hooks...)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("subscribe client: %w", err)
	}

	return NewTransport(pub, sub, channel), nil
}

// NewTransport wraps two existing clients. The transport owns them afterwards.
func NewTransport(pub, sub *goredis.Client, channel string) *Transport {
	return &Transport{pub: pub, sub: sub, channel: channel}
}

func (t *Transport) Publish(ctx context.Context, payload []byte) error {
	if err := t.pub.Publish(ctx, t.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", t.channel, err)
	}
	return nil
}

// Subscribe waits for the subscription to be confirmed, then forwards payloads
// until ctx is cancelled or the transport is closed. go-redis resubscribes on
// its own after a dropped connection.
func (t *Transport) Subscribe(ctx context.Context) (<-chan []byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pubsub != nil {
		return nil, ErrAlreadySubscribed
	}

	ps := t.sub.Subscribe(ctx, t.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", t.channel, err)
	}
	t.pubsub = ps

	out := make(chan []byte, subscriberBuffer)
	msgCh := ps.Channel()

	go func() {
		defer close(out)
		for {
			select {
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	slog.Info("Subscribed to relay channel", "channel", t.channel)
	return out, nil
}

// Close shuts down the subscription and both clients concurrently.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		ps := t.pubsub
		t.mu.Unlock()

		errs := make([]error, 2)
		var g errgroup.Group
		g.Go(func() error {
			if ps != nil {
				if err := ps.Close(); err != nil {
					errs[0] = fmt.Errorf("close subscription: %w", err)
				}
			}
			if err := t.sub.Close(); err != nil {
				errs[0] = errors.Join(errs[0], fmt.Errorf("close subscribe client: %w", err))
			}
			return errs[0]
		})
		g.Go(func() error {
			if err := t.pub.Close(); err != nil {
				errs[1] = fmt.Errorf("close publish client: %w", err)
			}
			return errs[1]
		})
		_ = g.Wait()
		t.closeErr = errors.Join(errs...)
	})
	return t.closeErr
}
