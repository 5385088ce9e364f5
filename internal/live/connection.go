package live

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/marketplace/internal/adapter/metrics"
	"github.com/pscheid92/marketplace/internal/domain"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultSendBuffer        = 16
)

// Stream is the client-facing side of a live connection (an SSE response or a
// WebSocket). WriteEvent is only ever called from one goroutine at a time.
type Stream interface {
	WriteEvent(event domain.Event) error
	Close() error
}

// Connection is one open stream for one user. All writes after the initial
// connected event go through run, which also owns the heartbeat ticker.
type Connection struct {
	id        uuid.UUID
	userID    domain.UserID
	stream    Stream
	clock     clockwork.Clock
	heartbeat time.Duration
	metrics   *metrics.LiveMetrics

	sendCh   chan domain.Event
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	onWriteError func(c *Connection, err error)
}

func newConnection(userID domain.UserID, stream Stream, clock clockwork.Clock, heartbeat time.Duration, sendBuffer int, m *metrics.LiveMetrics) *Connection {
	return &Connection{
		id:        uuid.New(),
		userID:    userID,
		stream:    stream,
		clock:     clock,
		heartbeat: heartbeat,
		metrics:   m,
		sendCh:    make(chan domain.Event, sendBuffer),
		done:      make(chan struct{}),
	}
}

// ID returns the connection id used in logs.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

// UserID returns the user the connection belongs to.
func (c *Connection) UserID() domain.UserID {
	return c.userID
}

// Done is closed once the connection has been cleaned up.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the writer goroutine has exited. Callers that own the
// underlying response must Wait before returning it to the server.
func (c *Connection) Wait() {
	c.wg.Wait()
}

func (c *Connection) start() {
	c.wg.Add(1)
	go c.run()
}

func (c *Connection) run() {
	defer c.wg.Done()

	ticker := c.clock.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		var event domain.Event
		select {
		case event = <-c.sendCh:
		case <-ticker.Chan():
			event = domain.Heartbeat{}
		case <-c.done:
			return
		}

		if err := c.write(event); err != nil {
			if c.onWriteError != nil {
				c.onWriteError(c, err)
			}
			return
		}
	}
}

func (c *Connection) write(event domain.Event) error {
	if err := c.stream.WriteEvent(event); err != nil {
		if c.metrics != nil {
			c.metrics.WriteErrors.Inc()
		}
		return err
	}
	if c.metrics != nil {
		c.metrics.EventsWritten.WithLabelValues(string(event.Name())).Inc()
	}
	return nil
}

// enqueue hands event to the writer without blocking. It returns false when the
// send queue is full; the caller treats that client as too slow to keep.
func (c *Connection) enqueue(event domain.Event) bool {
	select {
	case <-c.done:
		return true
	default:
	}

	select {
	case c.sendCh <- event:
		return true
	default:
		return false
	}
}

func (c *Connection) stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		if err := c.stream.Close(); err != nil {
			slog.Debug("Closing live stream failed", "connection_id", c.id.String(), "error", err)
		}
	})
}
