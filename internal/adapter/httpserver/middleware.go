package httpserver

import (
	"crypto/subtle"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pscheid92/marketplace/internal/domain"
	"github.com/pscheid92/marketplace/internal/platform/correlation"
	apperrors "github.com/pscheid92/marketplace/internal/platform/errors"
)

const (
	headerRequestID     = "X-Request-ID"
	headerInternalToken = "X-Internal-Token"
)

func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := correlation.FromHeader(c.Request().Header.Get(headerRequestID))
		c.Response().Header().Set(headerRequestID, id)
		ctx := correlation.WithID(c.Request().Context(), id)
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

// requireUser resolves the session user and stores it as "userID".
func (s *Server) requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		session, err := s.sessionStore.Get(c.Request(), sessionName)
		if err != nil {
			return apperrors.UnauthorizedError("authentication required")
		}

		userID, ok := sessionUserID(session.Values[sessionKeyUserID])
		if !ok {
			return apperrors.UnauthorizedError("authentication required")
		}

		c.Set("userID", userID)
		return next(c)
	}
}

func sessionUserID(v any) (domain.UserID, bool) {
	var id domain.UserID
	switch n := v.(type) {
	case int64:
		id = domain.UserID(n)
	case int:
		id = domain.UserID(n)
	case domain.UserID:
		id = n
	default:
		return domain.NoUser, false
	}
	return id, id.Valid()
}

func currentUser(c echo.Context) domain.UserID {
	id, _ := c.Get("userID").(domain.UserID)
	return id
}

func (s *Server) requireInternalToken() echo.MiddlewareFunc {
	expected := []byte(s.config.InternalAPIToken)
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup: "header:" + headerInternalToken,
		Validator: func(key string, c echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), expected) == 1, nil
		},
		ErrorHandler: func(err error, c echo.Context) error {
			return apperrors.UnauthorizedError("invalid internal token")
		},
	})
}
