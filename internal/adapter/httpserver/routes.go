package httpserver

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pscheid92/marketplace/internal/adapter/metrics"
	apperrors "github.com/pscheid92/marketplace/internal/platform/errors"
)

const internalBodyLimit = "64K"

func (s *Server) registerRoutes() {
	s.echo.Use(correlationMiddleware)
	s.echo.Use(s.setupRequestLoggerMiddleware())
	s.echo.Use(middleware.Recover())
	if s.httpMetrics != nil {
		s.echo.Use(s.httpMetrics.Middleware())
		s.echo.Use(apperrors.Middleware(s.httpMetrics.ErrorsTotal))
	} else {
		s.echo.Use(apperrors.Middleware(nil))
	}
	s.echo.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		HSTSMaxAge:         63072000, // 2 years; only sent over HTTPS
		ReferrerPolicy:     "strict-origin-when-cross-origin",
	}))

	s.registerHealthRoutes()
	if s.registry != nil {
		s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler(s.registry)))
	}
	s.registerLiveRoutes()
	s.registerInternalRoutes()
}

func (s *Server) registerLiveRoutes() {
	connectLimiter := newRateLimiter(s.config.LiveConnectRate, s.config.LiveConnectBurst)

	g := s.echo.Group("/api/live", s.requireUser)
	g.GET("", s.handleLiveSSE, connectLimiter)
	g.GET("/ws", s.handleLiveWebSocket, connectLimiter)
	g.GET("/stats", s.handleLiveStats)
}

func (s *Server) registerInternalRoutes() {
	if s.config.InternalAPIToken == "" {
		slog.Info("Internal invalidation endpoint disabled, INTERNAL_API_TOKEN not set")
		return
	}
	s.echo.POST("/internal/invalidate", s.handleInternalInvalidate,
		middleware.BodyLimit(internalBodyLimit),
		s.requireInternalToken(),
	)
}

func (s *Server) setupRequestLoggerMiddleware() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics" || c.Path() == "/health/live"
		},
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			slog.InfoContext(c.Request().Context(), "Request", attrs...)
			return nil
		},
	})
}
