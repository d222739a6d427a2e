package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/ccbridge/ccbridge/pkg/database"
	"github.com/ccbridge/ccbridge/pkg/pool"
	"github.com/ccbridge/ccbridge/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// HealthCheck is one component's verdict inside the health response.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// PoolCheck is the worker_pool entry: the verdict plus live occupancy.
type PoolCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	pool.Health
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string         `json:"status"`
	Version  string         `json:"version"`
	UptimeS  int64          `json:"uptime_s"`
	Draining bool           `json:"draining"`
	Checks   map[string]any `json:"checks"`
}

// healthHandler handles GET /health. Unauthenticated; only the gateway's
// own components are checked. The upstream provider is deliberately
// excluded so an orchestrator never restarts the gateway over a vendor
// outage.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]any)
	status := healthStatusHealthy

	if _, err := database.Health(reqCtx, s.dbClient.DB.DB); err != nil {
		status = healthStatusUnhealthy
		checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["database"] = HealthCheck{Status: healthStatusHealthy}
	}

	if s.pool != nil {
		ph := s.pool.Health()
		check := PoolCheck{Status: healthStatusHealthy, Health: ph}
		if ph.Draining {
			check.Status = healthStatusDegraded
			check.Message = "draining"
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
		} else if ph.Active >= ph.MaxWorkers && ph.Queued >= ph.QueueDepth {
			check.Status = healthStatusDegraded
			check.Message = "pool saturated"
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
		}
		checks["worker_pool"] = check
	}

	if s.kv.Enabled() {
		if err := s.kv.Ping(reqCtx); err != nil {
			// The cache is an accelerator, never a dependency.
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
			checks["cache"] = HealthCheck{Status: healthStatusDegraded, Message: err.Error()}
		} else {
			checks["cache"] = HealthCheck{Status: healthStatusHealthy}
		}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:   status,
		Version:  version.GitCommit,
		UptimeS:  int64(time.Since(s.startedAt).Seconds()),
		Draining: s.draining.Load(),
		Checks:   checks,
	})
}

// readyHandler handles GET /ready: 200 while accepting work, 503 once
// draining.
func (s *Server) readyHandler(c *echo.Context) error {
	if s.draining.Load() {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "draining"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}
