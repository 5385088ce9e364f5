package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/marketplace/internal/adapter/metrics"
	livews "github.com/pscheid92/marketplace/internal/adapter/websocket"
	"github.com/pscheid92/marketplace/internal/domain"
	"github.com/pscheid92/marketplace/internal/live"
	"github.com/pscheid92/marketplace/internal/platform/config"
	"github.com/pscheid92/marketplace/internal/relay"
)

type liveHub interface {
	Admit(userID domain.UserID) (*live.Admission, error)
	Cleanup(c *live.Connection)
	Stats() live.Stats
}

type invalidator interface {
	Invalidate(ctx context.Context, targets []domain.UserID, keys []string) relay.Delivery
}

type relayMode interface {
	Mode() relay.Mode
}

// Deps are the collaborators the HTTP surface calls into.
type Deps struct {
	Hub          liveHub
	Notifier     invalidator
	Relay        relayMode
	Registry     *prometheus.Registry
	HTTPMetrics  *metrics.HTTPMetrics
	HealthChecks []HealthCheck
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	hub      liveHub
	notifier invalidator
	relay    relayMode

	registry     *prometheus.Registry
	httpMetrics  *metrics.HTTPMetrics
	sessionStore *sessions.CookieStore
	upgrader     websocket.Upgrader
	healthChecks []HealthCheck
	startTime    time.Time
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:         e,
		config:       cfg,
		hub:          deps.Hub,
		notifier:     deps.Notifier,
		relay:        deps.Relay,
		registry:     deps.Registry,
		httpMetrics:  deps.HTTPMetrics,
		sessionStore: setupSessionStore(cfg),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     livews.NewCheckOrigin(cfg.AppURL, cfg.IsDevelopment()),
		},
		healthChecks: deps.HealthChecks,
		startTime:    time.Now(),
	}

	srv.registerRoutes()

	return srv
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// Session keys
const (
	sessionName      = "marketplace-session"
	sessionKeyUserID = "user_id"
)

func setupSessionStore(cfg *config.Config) *sessions.CookieStore {
	sessionStore := sessions.NewCookieStore([]byte(cfg.SessionSecret))
	sessionStore.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(cfg.SessionMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   cfg.AppEnv == "production",
		SameSite: http.SameSiteLaxMode,
	}
	return sessionStore
}
