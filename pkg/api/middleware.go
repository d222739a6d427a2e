package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/ccbridge/ccbridge/pkg/auth"
	"github.com/ccbridge/ccbridge/pkg/logctx"
	"github.com/ccbridge/ccbridge/pkg/models"
)

// errMissingKey indicates no credential was presented at all.
var errMissingKey = errors.New("api key missing")

const apiKeyContextKey = "ccbridge.api_key"

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// requestID assigns each request an id, echoes it in a response header, and
// threads it through the context so every log line downstream carries it.
func requestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			id := uuid.New().String()
			c.Response().Header().Set("X-Request-Id", id)
			ctx := logctx.WithRequestID(c.Request().Context(), id)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// extractKey pulls the credential from the Authorization header (preferred)
// or the api_key query parameter (WebSocket clients).
func extractKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if rest, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
	}
	return r.URL.Query().Get("api_key")
}

// authenticate runs the identify → validate → rate-limit stages of the
// admission pipeline and stashes the key record for the handler.
func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		key := extractKey(c.Request())
		if key == "" {
			return s.respondError(c, errMissingKey)
		}
		record, err := s.authStore.Admit(c.Request().Context(), key)
		if err != nil {
			return s.respondError(c, err)
		}
		c.Set(apiKeyContextKey, record)
		return next(c)
	}
}

// apiKey returns the admitted key record for this request.
func apiKey(c *echo.Context) *auth.Key {
	if k, ok := c.Get(apiKeyContextKey).(*auth.Key); ok {
		return k
	}
	return nil
}

// adminAuth guards the key-management surface with the static admin token.
func (s *Server) adminAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		if s.cfg.AdminToken == "" {
			return c.JSON(http.StatusForbidden, &APIError{
				Type: models.ErrPermissionDenied, Message: "admin API is not enabled"})
		}
		presented := extractKey(c.Request())
		if subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.AdminToken)) != 1 {
			return c.JSON(http.StatusUnauthorized, &APIError{
				Type: models.ErrAuthInvalid, Message: "admin token is not valid"})
		}
		return next(c)
	}
}
