package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/ccbridge/ccbridge/pkg/audit"
	"github.com/ccbridge/ccbridge/pkg/permission"
)

// CreateKeyRequest is the body of POST /admin/keys.
type CreateKeyRequest struct {
	ProjectID       string `json:"project_id"`
	RateLimitPerMin int    `json:"rate_limit_per_min"`
	Preset          string `json:"preset"`
}

// createKeyHandler mints a key and seeds its permission profile. A key
// without a profile fails closed at task time, so seeding happens here.
func (s *Server) createKeyHandler(c *echo.Context) error {
	var req CreateKeyRequest
	if err := c.Bind(&req); err != nil {
		return s.respondError(c, invalid("body", "request body must be valid JSON"))
	}
	if req.ProjectID == "" {
		return s.respondError(c, invalid("project_id", "project_id is required"))
	}
	if req.RateLimitPerMin <= 0 {
		req.RateLimitPerMin = s.cfg.DefaultRateLimitPerMin
	}
	if req.Preset == "" {
		req.Preset = permission.PresetPro
	}
	if permission.Preset(req.Preset) == nil {
		return s.respondError(c, invalid("preset", "unknown permission preset"))
	}

	ctx := c.Request().Context()
	key, err := s.authStore.CreateKey(ctx, req.ProjectID, req.RateLimitPerMin)
	if err != nil {
		return s.respondError(c, err)
	}
	if err := s.permStore.SeedPreset(ctx, key.Key, req.Preset); err != nil {
		return s.respondError(c, err)
	}

	s.auditLog.Write(ctx, "", key.Key, audit.KindKeyCreated, "preset="+req.Preset)
	return c.JSON(http.StatusCreated, key)
}

// listKeysHandler handles GET /admin/keys.
func (s *Server) listKeysHandler(c *echo.Context) error {
	keys, err := s.authStore.ListKeys(c.Request().Context())
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"keys": keys})
}

// revokeKeyHandler handles DELETE /admin/keys/:key. The record stays in
// place; in-flight tasks run to completion.
func (s *Server) revokeKeyHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	key := c.Param("key")

	if err := s.authStore.Revoke(ctx, key); err != nil {
		return s.respondError(c, err)
	}
	if err := s.permStore.Invalidate(ctx, key); err != nil {
		return s.respondError(c, err)
	}

	s.auditLog.Write(ctx, "", key, audit.KindKeyRevoked, "")
	return c.JSON(http.StatusOK, map[string]string{"status": "revoked"})
}

// setPermissionsHandler handles PUT /admin/keys/:key/permissions. The body
// is a full profile; partial updates are not supported.
func (s *Server) setPermissionsHandler(c *echo.Context) error {
	var profile permission.Profile
	if err := c.Bind(&profile); err != nil {
		return s.respondError(c, invalid("body", "request body must be valid JSON"))
	}

	ctx := c.Request().Context()
	key := c.Param("key")

	// Reject unknown keys up front; a profile row for a nonexistent key
	// would never be consulted.
	if _, err := s.authStore.GetKey(ctx, key); err != nil {
		return s.respondError(c, err)
	}

	if err := profile.Validate(); err != nil {
		return s.respondError(c, invalid("profile", err.Error()))
	}
	if err := s.permStore.Set(ctx, key, &profile); err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, &profile)
}

// QuotaRequest is the body of PUT /admin/projects/:id/quota. A null cap
// clears the limit.
type QuotaRequest struct {
	MonthlyCapUSD *float64 `json:"monthly_cap_usd"`
}

// setQuotaHandler handles PUT /admin/projects/:id/quota.
func (s *Server) setQuotaHandler(c *echo.Context) error {
	var req QuotaRequest
	if err := c.Bind(&req); err != nil {
		return s.respondError(c, invalid("body", "request body must be valid JSON"))
	}
	if req.MonthlyCapUSD != nil && *req.MonthlyCapUSD < 0 {
		return s.respondError(c, invalid("monthly_cap_usd", "cap must be non-negative"))
	}

	projectID := c.Param("id")
	if err := s.ledger.SetQuota(c.Request().Context(), projectID, req.MonthlyCapUSD); err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"project_id":      projectID,
		"monthly_cap_usd": req.MonthlyCapUSD,
	})
}
