package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/marketplace/internal/adapter/metrics"
	"github.com/pscheid92/marketplace/internal/domain"
)

var (
	ErrHubClosed     = errors.New("live hub is closed")
	ErrAdmissionUsed = errors.New("admission already attached or released")
)

// Options configures a Hub. Zero values fall back to defaults.
type Options struct {
	MaxConnections        int64
	MaxConnectionsPerUser int
	HeartbeatInterval     time.Duration
	SendBuffer            int
}

const (
	defaultMaxConnections        = 10000
	defaultMaxConnectionsPerUser = 5
)

func (o Options) withDefaults() Options {
	if o.MaxConnections <= 0 {
		o.MaxConnections = defaultMaxConnections
	}
	if o.MaxConnectionsPerUser <= 0 {
		o.MaxConnectionsPerUser = defaultMaxConnectionsPerUser
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = DefaultSendBuffer
	}
	return o
}

type connectionSet map[*Connection]struct{}

// Hub is the process-wide connection registry and local broadcaster. Only Hub
// methods touch the user map.
type Hub struct {
	mu     sync.RWMutex
	users  map[domain.UserID]connectionSet
	closed bool

	guard   *Guard
	clock   clockwork.Clock
	opts    Options
	metrics *metrics.LiveMetrics
}

// NewHub creates an empty registry.
func NewHub(opts Options, clock clockwork.Clock, m *metrics.LiveMetrics) *Hub {
	opts = opts.withDefaults()
	return &Hub{
		users:   make(map[domain.UserID]connectionSet),
		guard:   NewGuard(opts.MaxConnections, opts.MaxConnectionsPerUser),
		clock:   clock,
		opts:    opts,
		metrics: m,
	}
}

// Admission is a reserved connection slot for one user. It must be either
// attached to a stream or released.
type Admission struct {
	hub    *Hub
	userID domain.UserID
	used   atomic.Bool
}

// Admit reserves a slot for userID. It returns domain.ErrGlobalCapacity or
// domain.ErrUserCapacity when a cap is reached; nothing is registered then.
func (h *Hub) Admit(userID domain.UserID) (*Admission, error) {
	if !userID.Valid() {
		return nil, domain.ErrInvalidUser
	}

	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return nil, ErrHubClosed
	}

	ok, reason := h.guard.Acquire(userID)
	if !ok {
		if h.metrics != nil {
			h.metrics.Rejections.WithLabelValues(string(reason)).Inc()
		}
		slog.Warn("Rejecting live client", "user_id", userID.String(), "reason", reason)
		return nil, reason.Err()
	}

	return &Admission{hub: h, userID: userID}, nil
}

// Release gives the slot back. Safe to call after Attach or more than once.
func (a *Admission) Release() {
	if a.used.CompareAndSwap(false, true) {
		a.hub.guard.Release(a.userID)
	}
}

// Attach registers stream under the reserved slot, writes the connected event
// synchronously and only then starts the connection's writer goroutine.
func (a *Admission) Attach(stream Stream) (*Connection, error) {
	if !a.used.CompareAndSwap(false, true) {
		return nil, ErrAdmissionUsed
	}

	h := a.hub
	c := newConnection(a.userID, stream, h.clock, h.opts.HeartbeatInterval, h.opts.SendBuffer, h.metrics)
	c.onWriteError = h.handleWriteError

	if !h.insert(c) {
		h.guard.Release(a.userID)
		return nil, ErrHubClosed
	}

	if err := c.write(domain.Connected{}); err != nil {
		h.Cleanup(c)
		return nil, fmt.Errorf("write connected event: %w", err)
	}

	c.start()
	return c, nil
}

// Register admits and attaches in one step.
func (h *Hub) Register(userID domain.UserID, stream Stream) (*Connection, error) {
	admission, err := h.Admit(userID)
	if err != nil {
		return nil, err
	}
	c, err := admission.Attach(stream)
	if err != nil {
		admission.Release()
		return nil, err
	}
	return c, nil
}

func (h *Hub) insert(c *Connection) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	set, exists := h.users[c.userID]
	if !exists {
		set = make(connectionSet)
		h.users[c.userID] = set
	}
	set[c] = struct{}{}
	total := len(set)
	users := len(h.users)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ActiveConnections.Inc()
		h.metrics.ActiveUsers.Set(float64(users))
	}
	slog.Debug("Live client registered", "user_id", c.userID.String(), "connection_id", c.id.String(), "user_connections", total)
	return true
}

// Cleanup stops the connection and removes it from the registry. It is
// idempotent and safe to call concurrently for the same connection.
func (h *Hub) Cleanup(c *Connection) {
	c.stop()

	h.mu.Lock()
	set, exists := h.users[c.userID]
	if !exists {
		h.mu.Unlock()
		return
	}
	if _, member := set[c]; !member {
		h.mu.Unlock()
		return
	}
	delete(set, c)
	remaining := len(set)
	if remaining == 0 {
		delete(h.users, c.userID)
	}
	users := len(h.users)
	h.mu.Unlock()

	h.guard.Release(c.userID)

	if h.metrics != nil {
		h.metrics.ActiveConnections.Dec()
		h.metrics.ActiveUsers.Set(float64(users))
	}
	slog.Debug("Live client removed", "user_id", c.userID.String(), "connection_id", c.id.String(), "remaining_connections", remaining)
}

func (h *Hub) handleWriteError(c *Connection, err error) {
	slog.Debug("Live stream write failed", "user_id", c.userID.String(), "connection_id", c.id.String(), "error", err)
	h.Cleanup(c)
}

// BroadcastLocal queues an invalidate event for every connection of every target
// on this process. Keys and targets are normalized first; an empty result is a
// no-op. Returns the number of connections the event was queued for.
func (h *Hub) BroadcastLocal(targets []domain.UserID, keys []string) int {
	keys = domain.NormalizeKeys(keys)
	if len(keys) == 0 {
		return 0
	}
	targets = domain.NormalizeTargets(targets)
	if len(targets) == 0 {
		return 0
	}

	var conns []*Connection
	h.mu.RLock()
	for _, userID := range targets {
		set, exists := h.users[userID]
		if !exists {
			continue
		}
		for c := range set {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		return 0
	}

	event := domain.Invalidate{Keys: keys}
	queued := 0
	var slow []*Connection
	for _, c := range conns {
		if c.enqueue(event) {
			queued++
		} else {
			slow = append(slow, c)
		}
	}

	for _, c := range slow {
		slog.Warn("Disconnecting slow live client", "user_id", c.userID.String(), "connection_id", c.id.String())
		if h.metrics != nil {
			h.metrics.SlowClients.Inc()
		}
		h.Cleanup(c)
	}

	if h.metrics != nil {
		h.metrics.BroadcastFanout.Observe(float64(queued))
	}
	return queued
}

// ConnectionCount returns the number of open connections for userID.
func (h *Hub) ConnectionCount(userID domain.UserID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// Stats is a point-in-time summary of the registry.
type Stats struct {
	Users                 int   `json:"users"`
	Connections           int64 `json:"connections"`
	MaxConnections        int64 `json:"max_connections"`
	MaxConnectionsPerUser int   `json:"max_connections_per_user"`
}

// Stats returns registry counts and configured caps.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	users := len(h.users)
	var conns int64
	for _, set := range h.users {
		conns += int64(len(set))
	}
	h.mu.RUnlock()

	return Stats{
		Users:                 users,
		Connections:           conns,
		MaxConnections:        h.guard.Global().Max(),
		MaxConnectionsPerUser: h.guard.PerUser().MaxPer(),
	}
}

// Close rejects new admissions, cleans up every connection and waits for their
// writers to exit or ctx to expire.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	var conns []*Connection
	for _, set := range h.users {
		for c := range set {
			conns = append(conns, c)
		}
	}
	h.mu.Unlock()

	slog.Info("Live hub shutting down", "connections", len(conns))

	for _, c := range conns {
		h.Cleanup(c)
	}

	done := make(chan struct{})
	go func() {
		for _, c := range conns {
			c.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Live hub shutdown complete", "disconnected_clients", len(conns))
		return nil
	case <-ctx.Done():
		slog.Warn("Live hub shutdown timed out", "connections", len(conns))
		return fmt.Errorf("waiting for live writers: %w", ctx.Err())
	}
}
