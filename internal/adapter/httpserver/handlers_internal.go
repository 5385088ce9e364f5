package httpserver

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/marketplace/internal/domain"
	apperrors "github.com/pscheid92/marketplace/internal/platform/errors"
	"github.com/pscheid92/marketplace/internal/relay"
)

type invalidateResponse struct {
	Delivery   relay.Delivery `json:"delivery"`
	Recipients int            `json:"recipients"`
	Keys       int            `json:"keys"`
}

// handleInternalInvalidate lets trusted services publish an invalidation in the
// same JSON shape the relay uses on the bus.
func (s *Server) handleInternalInvalidate(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			return httpErr
		}
		return apperrors.ValidationError("failed to read request body")
	}

	msg, err := domain.DecodeInvalidation(body)
	if err != nil {
		return apperrors.ValidationError("body must be a JSON object with recipients and keys")
	}

	delivery := s.notifier.Invalidate(c.Request().Context(), msg.Recipients, msg.Keys)

	return c.JSON(http.StatusAccepted, invalidateResponse{
		Delivery:   delivery,
		Recipients: len(msg.Recipients),
		Keys:       len(msg.Keys),
	})
}
