package httpserver

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/marketplace/internal/adapter/sse"
	livews "github.com/pscheid92/marketplace/internal/adapter/websocket"
	"github.com/pscheid92/marketplace/internal/domain"
	"github.com/pscheid92/marketplace/internal/live"
	apperrors "github.com/pscheid92/marketplace/internal/platform/errors"
	"github.com/pscheid92/marketplace/internal/relay"
)

// handleLiveSSE serves GET /api/live. The request stays open until the client
// goes away or the hub drops the connection.
func (s *Server) handleLiveSSE(c echo.Context) error {
	userID := currentUser(c)

	admission, err := s.hub.Admit(userID)
	if err != nil {
		return admissionError(err)
	}

	conn, err := admission.Attach(sse.NewStream(c.Response()))
	if err != nil {
		return admissionError(err)
	}

	ctx := c.Request().Context()
	select {
	case <-ctx.Done():
	case <-conn.Done():
	}

	s.hub.Cleanup(conn)
	conn.Wait()
	return nil
}

// handleLiveWebSocket serves GET /api/live/ws. Capacity is checked before the
// upgrade so rejected clients get a plain HTTP status.
func (s *Server) handleLiveWebSocket(c echo.Context) error {
	userID := currentUser(c)

	admission, err := s.hub.Admit(userID)
	if err != nil {
		return admissionError(err)
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		admission.Release()
		// Upgrade has already answered the request.
		slog.DebugContext(c.Request().Context(), "WebSocket upgrade failed", "user_id", userID.String(), "error", err)
		return nil
	}

	stream := livews.NewStream(ws)
	conn, err := admission.Attach(stream)
	if err != nil {
		_ = stream.Close()
		slog.DebugContext(c.Request().Context(), "WebSocket attach failed", "user_id", userID.String(), "error", err)
		return nil
	}

	readDone := make(chan error, 1)
	go func() {
		readDone <- stream.ReadLoop()
	}()

	select {
	case err := <-readDone:
		if err != nil && !livews.IsNormalClose(err) {
			slog.DebugContext(c.Request().Context(), "WebSocket read ended", "user_id", userID.String(), "error", err)
		}
	case <-conn.Done():
	}

	s.hub.Cleanup(conn)
	conn.Wait()
	return nil
}

type liveStatsResponse struct {
	live.Stats
	Relay relay.Mode `json:"relay"`
}

func (s *Server) handleLiveStats(c echo.Context) error {
	resp := liveStatsResponse{Stats: s.hub.Stats()}
	if s.relay != nil {
		resp.Relay = s.relay.Mode()
	}
	return c.JSON(http.StatusOK, resp)
}

func admissionError(err error) error {
	switch {
	case errors.Is(err, domain.ErrGlobalCapacity):
		return apperrors.UnavailableError("live connection capacity reached", err)
	case errors.Is(err, domain.ErrUserCapacity):
		return apperrors.RateLimitedError("too many live connections for this user", err)
	case errors.Is(err, domain.ErrInvalidUser):
		return apperrors.UnauthorizedError("authentication required")
	case errors.Is(err, live.ErrHubClosed):
		return apperrors.UnavailableError("server is shutting down", err)
	default:
		return apperrors.InternalError("failed to open live stream", err)
	}
}
