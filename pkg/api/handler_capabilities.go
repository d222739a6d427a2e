package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/ccbridge/ccbridge/pkg/registry"
)

// CapabilitiesResponse lists the agents and skills tasks may request.
type CapabilitiesResponse struct {
	Agents []registry.Agent `json:"agents"`
	Skills []registry.Skill `json:"skills"`
}

// capabilitiesHandler handles GET /v1/capabilities.
func (s *Server) capabilitiesHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, &CapabilitiesResponse{
		Agents: s.registry.Agents,
		Skills: s.registry.Skills,
	})
}
