package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/pscheid92/marketplace/internal/adapter/metrics"
	"github.com/pscheid92/marketplace/internal/domain"
)

const publishTimeout = 2 * time.Second

// Broadcaster delivers to connections on this process. *live.Hub satisfies it.
type Broadcaster interface {
	BroadcastLocal(targets []domain.UserID, keys []string) int
}

// Delivery reports which path a publish took.
type Delivery string

const (
	DeliverySkipped  Delivery = "skipped"
	DeliveryLocal    Delivery = "local"
	DeliveryBus      Delivery = "bus"
	DeliveryFallback Delivery = "fallback"
)

// Mode names the relay variant chosen at startup.
type Mode string

const (
	ModeLocal Mode = "local"
	ModeBus   Mode = "bus"
)

// Relay publishes invalidations. Publish never fails from the caller's point of
// view; transport problems degrade to local delivery.
type Relay interface {
	Publish(ctx context.Context, targets []domain.UserID, keys []string) Delivery
	Mode() Mode
	Check(ctx context.Context) error
	Close(ctx context.Context) error
}

// LocalRelay delivers to this process only.
type LocalRelay struct {
	hub     Broadcaster
	metrics *metrics.RelayMetrics
}

var _ Relay = (*LocalRelay)(nil)

func NewLocalRelay(hub Broadcaster, m *metrics.RelayMetrics) *LocalRelay {
	return &LocalRelay{hub: hub, metrics: m}
}

func (r *LocalRelay) Publish(_ context.Context, targets []domain.UserID, keys []string) Delivery {
	msg, ok := domain.NewInvalidation(targets, keys)
	if !ok {
		record(r.metrics, DeliverySkipped)
		return DeliverySkipped
	}
	r.hub.BroadcastLocal(msg.Recipients, msg.Keys)
	record(r.metrics, DeliveryLocal)
	return DeliveryLocal
}

func (r *LocalRelay) Mode() Mode { return ModeLocal }

func (r *LocalRelay) Check(context.Context) error { return nil }

func (r *LocalRelay) Close(context.Context) error { return nil }

// BusRelay publishes through a shared transport and runs one subscriber loop
// that hands every received message to the local hub. Publishes are guarded by
// a circuit breaker; while it is open they go straight to local delivery.
type BusRelay struct {
	transport domain.Transport
	hub       Broadcaster
	breaker   circuitbreaker.CircuitBreaker[any]
	metrics   *metrics.RelayMetrics

	cancel    context.CancelFunc
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ Relay = (*BusRelay)(nil)

// ErrSubscriberStopped is reported by Check once the subscriber loop has exited.
var ErrSubscriberStopped = errors.New("relay subscriber stopped")

// NewBusRelay subscribes to transport and starts the subscriber loop. The
// transport is not closed on error; the caller still owns it then.
func NewBusRelay(ctx context.Context, transport domain.Transport, hub Broadcaster, m *metrics.RelayMetrics) (*BusRelay, error) {
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	msgs, err := transport.Subscribe(subCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	r := &BusRelay{
		transport: transport,
		hub:       hub,
		metrics:   m,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	r.breaker = circuitbreaker.NewBuilder[any]().
		WithFailureRateThreshold(0.6, 5, 10*time.Second).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", "relay",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			if r.metrics != nil {
				r.metrics.CircuitState.Set(stateToFloat(e.NewState))
			}
		}).
		Build()

	go r.consume(msgs)
	return r, nil
}

func stateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

// Publish sends the invalidation to every process through the transport. The
// caller's cancellation is ignored so a finished request still publishes; the
// publish itself is bounded by publishTimeout.
func (r *BusRelay) Publish(ctx context.Context, targets []domain.UserID, keys []string) Delivery {
	msg, ok := domain.NewInvalidation(targets, keys)
	if !ok {
		record(r.metrics, DeliverySkipped)
		return DeliverySkipped
	}

	if r.closed.Load() {
		r.hub.BroadcastLocal(msg.Recipients, msg.Keys)
		record(r.metrics, DeliveryLocal)
		return DeliveryLocal
	}

	payload, err := msg.Encode()
	if err != nil {
		return r.fallback(msg, err)
	}

	if !r.breaker.TryAcquirePermit() {
		return r.fallback(msg, circuitbreaker.ErrOpen)
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	start := time.Now()
	err = r.transport.Publish(pubCtx, payload)
	if r.metrics != nil {
		r.metrics.PublishDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		r.breaker.RecordError(err)
		return r.fallback(msg, err)
	}
	r.breaker.RecordSuccess()

	record(r.metrics, DeliveryBus)
	return DeliveryBus
}

func (r *BusRelay) fallback(msg domain.Invalidation, err error) Delivery {
	slog.Warn("Relay publish failed, delivering locally",
		"error", err,
		"recipients", len(msg.Recipients),
		"keys", len(msg.Keys),
	)
	r.hub.BroadcastLocal(msg.Recipients, msg.Keys)
	record(r.metrics, DeliveryFallback)
	return DeliveryFallback
}

func (r *BusRelay) consume(msgs <-chan []byte) {
	defer close(r.done)

	if r.metrics != nil {
		r.metrics.SubscriberActive.Set(1)
		defer r.metrics.SubscriberActive.Set(0)
	}
	slog.Info("Relay subscriber started")

	for payload := range msgs {
		r.handle(payload)
	}

	if r.closed.Load() {
		slog.Info("Relay subscriber stopped")
	} else {
		slog.Error("Relay subscription ended unexpectedly, cross-instance delivery lost")
	}
}

func (r *BusRelay) handle(payload []byte) {
	if r.metrics != nil {
		r.metrics.Received.Inc()
	}

	msg, err := domain.DecodeInvalidation(payload)
	if err != nil {
		if r.metrics != nil {
			r.metrics.Malformed.Inc()
		}
		slog.Warn("Dropping malformed relay message", "error", err, "size", len(payload))
		return
	}

	r.hub.BroadcastLocal(msg.Recipients, msg.Keys)
}

func (r *BusRelay) Mode() Mode { return ModeBus }

// Check reports whether cross-instance delivery is currently working.
func (r *BusRelay) Check(context.Context) error {
	select {
	case <-r.done:
		return ErrSubscriberStopped
	default:
	}
	if r.breaker.IsOpen() {
		return fmt.Errorf("relay publish: %w", circuitbreaker.ErrOpen)
	}
	return nil
}

// Close stops the subscriber loop and closes the transport. Later calls return
// the first call's result.
func (r *BusRelay) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.cancel()

		if err := r.transport.Close(); err != nil {
			r.closeErr = fmt.Errorf("close transport: %w", err)
		}

		select {
		case <-r.done:
		case <-ctx.Done():
			r.closeErr = errors.Join(r.closeErr, fmt.Errorf("waiting for relay subscriber: %w", ctx.Err()))
		}
	})
	return r.closeErr
}

func record(m *metrics.RelayMetrics, d Delivery) {
	if m != nil {
		m.Published.WithLabelValues(string(d)).Inc()
	}
}
