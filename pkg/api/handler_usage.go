package api

import (
	"net/http"
	"regexp"

	echo "github.com/labstack/echo/v5"
)

var periodPattern = regexp.MustCompile(`^\d{4}-\d{2}$`)

// usageHandler handles GET /v1/usage?project_id=&period=YYYY-MM. The key's
// own project is the default; the period defaults to the current month.
func (s *Server) usageHandler(c *echo.Context) error {
	key := apiKey(c)
	projectID := projectFor(key, c.QueryParam("project_id"))

	period := c.QueryParam("period")
	if period != "" && !periodPattern.MatchString(period) {
		return s.respondError(c, invalid("period", "period must be formatted YYYY-MM"))
	}

	summary, err := s.ledger.Usage(c.Request().Context(), projectID, period)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, summary)
}
