package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pscheid92/marketplace/internal/domain"
	"github.com/pscheid92/marketplace/internal/platform/config"
	"github.com/pscheid92/marketplace/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sseEvent struct {
	name string
	data string
}

// openSSE connects userID to /api/live. Events are only read when the
// request was accepted.
func (e *testEnv) openSSE(t *testing.T, userID domain.UserID) (*http.Response, <-chan sseEvent, context.CancelFunc) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.ts.URL+"/api/live", nil)
	require.NoError(t, err)
	req.AddCookie(e.sessionCookie(t, userID))

	resp, err := e.ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		_ = resp.Body.Close()
	})

	events := make(chan sseEvent, 16)
	if resp.StatusCode == http.StatusOK {
		go readSSE(resp.Body, events)
	} else {
		close(events)
	}
	return resp, events, cancel
}

func readSSE(r io.Reader, out chan<- sseEvent) {
	defer close(out)

	scanner := bufio.NewScanner(r)
	var ev sseEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			out <- ev
			ev = sseEvent{}
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func nextEvent(t *testing.T, events <-chan sseEvent) sseEvent {
	t.Helper()

	select {
	case ev, ok := <-events:
		require.True(t, ok, "stream ended")
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for event")
		return sseEvent{}
	}
}

func TestLiveSSE_ConnectedThenInvalidate(t *testing.T) {
	env := newTestEnv(t)

	resp, events, _ := env.openSSE(t, 42)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	ev := nextEvent(t, events)
	assert.Equal(t, "connected", ev.name)
	assert.JSONEq(t, `{"connected":true}`, ev.data)

	delivery := env.notifier.Invalidate(context.Background(), []domain.UserID{42}, []string{"cart"})
	assert.Equal(t, relay.DeliveryLocal, delivery)

	ev = nextEvent(t, events)
	assert.Equal(t, "invalidate", ev.name)
	assert.JSONEq(t, `{"keys":["cart"]}`, ev.data)
}

func TestLiveSSE_OtherUsersNotNotified(t *testing.T) {
	env := newTestEnv(t)

	_, events42, _ := env.openSSE(t, 42)
	_, events7, _ := env.openSSE(t, 7)
	nextEvent(t, events42)
	nextEvent(t, events7)

	env.notifier.Invalidate(context.Background(), []domain.UserID{7}, []string{"wishlist"})

	assert.Equal(t, "invalidate", nextEvent(t, events7).name)
	select {
	case ev := <-events42:
		t.Fatalf("unexpected event for user 42: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLiveSSE_Heartbeat(t *testing.T) {
	env := newTestEnv(t)

	_, events, _ := env.openSSE(t, 42)
	nextEvent(t, events)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, env.clock.BlockUntilContext(ctx, 1))
	env.clock.Advance(30 * time.Second)

	ev := nextEvent(t, events)
	assert.Equal(t, "heartbeat", ev.name)
	assert.JSONEq(t, `{}`, ev.data)
}

func TestLiveSSE_DisconnectCleansUp(t *testing.T) {
	env := newTestEnv(t)

	_, events, cancel := env.openSSE(t, 42)
	nextEvent(t, events)
	require.Equal(t, 1, env.hub.ConnectionCount(42))

	cancel()

	require.Eventually(t, func() bool {
		return env.hub.ConnectionCount(42) == 0
	}, waitTimeout, 10*time.Millisecond)
}

func TestLiveSSE_HubCloseEndsStream(t *testing.T) {
	env := newTestEnv(t)

	_, events, _ := env.openSSE(t, 42)
	nextEvent(t, events)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, env.hub.Close(ctx))

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(waitTimeout):
		t.Fatal("stream still open after hub close")
	}

	resp, _, _ := env.openSSE(t, 42)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestLiveSSE_PerUserCapacity(t *testing.T) {
	env := newTestEnv(t)

	for iter := 0; iter < 2; iter++ {
		resp, events, _ := env.openSSE(t, 42)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		nextEvent(t, events)
	}

	resp, _, _ := env.openSSE(t, 42)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", decodeJSON(t, resp)["type"])

	// Another user is unaffected.
	resp, _, _ = env.openSSE(t, 7)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLiveSSE_GlobalCapacity(t *testing.T) {
	env := newTestEnv(t, withConfig(func(cfg *config.Config) {
		cfg.MaxLiveConnections = 1
		cfg.MaxLiveConnectionsPerUser = 1
	}))

	resp, events, _ := env.openSSE(t, 42)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	nextEvent(t, events)

	resp, _, _ = env.openSSE(t, 7)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unavailable", decodeJSON(t, resp)["type"])
}

func TestLiveSSE_ConnectRateLimited(t *testing.T) {
	env := newTestEnv(t, withConfig(func(cfg *config.Config) {
		cfg.LiveConnectRate = 0.01
		cfg.LiveConnectBurst = 1
	}))

	resp, events, _ := env.openSSE(t, 42)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	nextEvent(t, events)

	resp, _, _ = env.openSSE(t, 42)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate limit exceeded", decodeJSON(t, resp)["error"])

	// Limits are keyed per user.
	resp, _, _ = env.openSSE(t, 7)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

type wsFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (e *testEnv) dialWS(t *testing.T, userID domain.UserID) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	header := http.Header{}
	if userID != domain.NoUser {
		header.Set("Cookie", cookieHeader(e.sessionCookie(t, userID)))
	}
	wsURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/api/live/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	if resp != nil && resp.Body != nil {
		t.Cleanup(func() { _ = resp.Body.Close() })
	}
	return conn, resp, err
}

func cookieHeader(c *http.Cookie) string {
	return (&http.Cookie{Name: c.Name, Value: c.Value}).String()
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitTimeout)))
	var f wsFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestLiveWebSocket_ConnectedThenInvalidate(t *testing.T) {
	env := newTestEnv(t)

	conn, _, err := env.dialWS(t, 42)
	require.NoError(t, err)

	f := readFrame(t, conn)
	assert.Equal(t, "connected", f.Event)
	assert.JSONEq(t, `{"connected":true}`, string(f.Data))

	env.notifier.NotifyCartChange(context.Background(), 42)

	f = readFrame(t, conn)
	assert.Equal(t, "invalidate", f.Event)
	assert.Contains(t, string(f.Data), "cart")
}

func TestLiveWebSocket_ClientCloseCleansUp(t *testing.T) {
	env := newTestEnv(t)

	conn, _, err := env.dialWS(t, 42)
	require.NoError(t, err)
	readFrame(t, conn)
	require.Equal(t, 1, env.hub.ConnectionCount(42))

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))
	_ = conn.Close()

	require.Eventually(t, func() bool {
		return env.hub.ConnectionCount(42) == 0
	}, waitTimeout, 10*time.Millisecond)
}

func TestLiveWebSocket_RejectedBeforeUpgrade(t *testing.T) {
	t.Run("unauthenticated", func(t *testing.T) {
		env := newTestEnv(t)

		_, resp, err := env.dialWS(t, domain.NoUser)

		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("per-user capacity", func(t *testing.T) {
		env := newTestEnv(t)

		for iter := 0; iter < 2; iter++ {
			conn, _, err := env.dialWS(t, 42)
			require.NoError(t, err)
			readFrame(t, conn)
		}

		_, resp, err := env.dialWS(t, 42)

		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		assert.Equal(t, 2, env.hub.ConnectionCount(42))
	})

	t.Run("foreign origin releases the slot", func(t *testing.T) {
		env := newTestEnv(t)

		header := http.Header{}
		header.Set("Cookie", cookieHeader(env.sessionCookie(t, 42)))
		header.Set("Origin", "https://evil.example")
		wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/api/live/ws"
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
		if resp != nil {
			defer resp.Body.Close()
		}

		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, int64(0), env.hub.Stats().Connections)

		// Both slots are still available.
		for iter := 0; iter < 2; iter++ {
			conn, _, err := env.dialWS(t, 42)
			require.NoError(t, err)
			readFrame(t, conn)
		}
	})
}

func TestLiveStats(t *testing.T) {
	env := newTestEnv(t)

	_, events, _ := env.openSSE(t, 42)
	nextEvent(t, events)

	resp := env.get(t, "/api/live/stats", env.sessionCookie(t, 7))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeJSON(t, resp)
	assert.EqualValues(t, 1, body["users"])
	assert.EqualValues(t, 1, body["connections"])
	assert.EqualValues(t, 10, body["max_connections"])
	assert.EqualValues(t, 2, body["max_connections_per_user"])
	assert.Equal(t, "local", body["relay"])
}
