package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/marketplace/internal/domain"
	"github.com/pscheid92/marketplace/internal/invalidation"
	"github.com/pscheid92/marketplace/internal/live"
	"github.com/pscheid92/marketplace/internal/platform/config"
	"github.com/pscheid92/marketplace/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSessionSecret = "test-session-secret-at-least-32-bytes!!"
	testInternalToken = "internal-token-0123456789"
	waitTimeout       = 2 * time.Second
)

type testEnv struct {
	srv      *Server
	hub      *live.Hub
	notifier *invalidation.Notifier
	clock    *clockwork.FakeClock
	ts       *httptest.Server
}

func testConfig() *config.Config {
	return &config.Config{
		AppEnv:                    "test",
		Port:                      "0",
		AppURL:                    "http://localhost:8080",
		SessionSecret:             testSessionSecret,
		SessionMaxAge:             time.Hour,
		RelayChannel:              "live:invalidate",
		MaxLiveConnections:        10,
		MaxLiveConnectionsPerUser: 2,
		HeartbeatInterval:         30 * time.Second,
		LiveConnectRate:           100,
		LiveConnectBurst:          100,
		ShutdownTimeout:           time.Second,
	}
}

// newTestEnv wires a real hub, local relay and notifier behind an httptest server.
func newTestEnv(t *testing.T, opts ...func(*config.Config, *Deps)) *testEnv {
	t.Helper()

	cfg := testConfig()
	clock := clockwork.NewFakeClock()
	deps := Deps{}
	for _, opt := range opts {
		opt(cfg, &deps)
	}

	hub := live.NewHub(live.Options{
		MaxConnections:        cfg.MaxLiveConnections,
		MaxConnectionsPerUser: cfg.MaxLiveConnectionsPerUser,
		HeartbeatInterval:     cfg.HeartbeatInterval,
	}, clock, nil)
	rel := relay.NewLocalRelay(hub, nil)
	notifier := invalidation.NewNotifier(rel)

	deps.Hub = hub
	deps.Notifier = notifier
	deps.Relay = rel

	srv := NewServer(cfg, deps)
	ts := httptest.NewServer(srv.Handler())

	// Cleanups run last-in first-out: the hub ends open streams before the
	// test server waits for its handlers.
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = hub.Close(ctx)
	})

	return &testEnv{srv: srv, hub: hub, notifier: notifier, clock: clock, ts: ts}
}

func withConfig(mutate func(*config.Config)) func(*config.Config, *Deps) {
	return func(cfg *config.Config, _ *Deps) { mutate(cfg) }
}

func withHealthChecks(checks ...HealthCheck) func(*config.Config, *Deps) {
	return func(_ *config.Config, deps *Deps) { deps.HealthChecks = checks }
}

// sessionCookie issues the cookie a logged-in user would carry.
func (e *testEnv) sessionCookie(t *testing.T, userID domain.UserID) *http.Cookie {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	session, err := e.srv.sessionStore.Get(req, sessionName)
	require.NoError(t, err)
	session.Values[sessionKeyUserID] = int64(userID)
	require.NoError(t, session.Save(req, rec))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}

func (e *testEnv) get(t *testing.T, path string, cookie *http.Cookie) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, e.ts.URL+path, nil)
	require.NoError(t, err)
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp, err := e.ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestHealthLiveness(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/health/live", nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON(t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "uptime")
}

func TestHealthReadiness(t *testing.T) {
	t.Run("all checks pass", func(t *testing.T) {
		env := newTestEnv(t, withHealthChecks(
			HealthCheck{Name: "relay", Check: func(context.Context) error { return nil }},
		))

		resp := env.get(t, "/health/ready", nil)

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "ready", decodeJSON(t, resp)["status"])
	})

	t.Run("first failing check is reported", func(t *testing.T) {
		env := newTestEnv(t, withHealthChecks(
			HealthCheck{Name: "hub", Check: func(context.Context) error { return nil }},
			HealthCheck{Name: "relay", Check: func(context.Context) error { return errors.New("circuit open") }},
		))

		resp := env.get(t, "/health/ready", nil)

		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		body := decodeJSON(t, resp)
		assert.Equal(t, "unhealthy", body["status"])
		assert.Equal(t, "relay", body["failed_check"])
	})

	t.Run("startup uses the same checks", func(t *testing.T) {
		env := newTestEnv(t, withHealthChecks(
			HealthCheck{Name: "relay", Check: func(context.Context) error { return relay.ErrSubscriberStopped }},
		))

		resp := env.get(t, "/health/startup", nil)

		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
}

func TestVersionEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/version", nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeJSON(t, resp)
	assert.Equal(t, "marketplace-live", body["service"])
}

func TestCorrelationHeader(t *testing.T) {
	env := newTestEnv(t)

	t.Run("valid inbound id is echoed", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/health/live", nil)
		require.NoError(t, err)
		req.Header.Set(headerRequestID, "abc-123")

		resp, err := env.ts.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, "abc-123", resp.Header.Get(headerRequestID))
	})

	t.Run("missing id is generated", func(t *testing.T) {
		resp := env.get(t, "/health/live", nil)

		assert.NotEmpty(t, resp.Header.Get(headerRequestID))
	})
}

func TestRequireUser(t *testing.T) {
	env := newTestEnv(t)

	t.Run("no session", func(t *testing.T) {
		resp := env.get(t, "/api/live/stats", nil)

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "unauthorized", decodeJSON(t, resp)["type"])
	})

	t.Run("tampered cookie", func(t *testing.T) {
		cookie := env.sessionCookie(t, 42)
		cookie.Value = "x" + cookie.Value

		resp := env.get(t, "/api/live/stats", cookie)

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("valid session", func(t *testing.T) {
		resp := env.get(t, "/api/live/stats", env.sessionCookie(t, 42))

		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestSessionUserID(t *testing.T) {
	tests := []struct {
		name   string
		value  any
		want   domain.UserID
		wantOK bool
	}{
		{"int64", int64(7), 7, true},
		{"int", 7, 7, true},
		{"user id", domain.UserID(7), 7, true},
		{"zero", int64(0), domain.NoUser, false},
		{"negative", int64(-3), -3, false},
		{"string", "7", domain.NoUser, false},
		{"missing", nil, domain.NoUser, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := sessionUserID(tt.value)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestMetricsEndpointAbsentWithoutRegistry(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/metrics", nil)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
