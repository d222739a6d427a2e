package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/ccbridge/ccbridge/pkg/models"
	"github.com/ccbridge/ccbridge/pkg/pool"
)

// ChatRequest is the body of POST /v1/chat/completions.
type ChatRequest struct {
	Model       string           `json:"model"`
	Messages    []models.Message `json:"messages"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature *float64         `json:"temperature"`
	ProjectID   string           `json:"project_id"`
	TimeoutS    int              `json:"timeout_s"`
}

func (r *ChatRequest) validate() error {
	if r.Model == "" {
		return invalid("model", "model is required")
	}
	if len(r.Messages) == 0 {
		return invalid("messages", "at least one message is required")
	}
	for _, m := range r.Messages {
		switch m.Role {
		case "system", "user", "assistant":
		default:
			return invalid("messages", "message role must be system, user, or assistant")
		}
	}
	return nil
}

// chatCompletionsHandler handles POST /v1/chat/completions: a single-turn
// completion on the subprocess path.
func (s *Server) chatCompletionsHandler(c *echo.Context) error {
	if s.draining.Load() {
		return s.respondError(c, pool.ErrDraining)
	}

	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return s.respondError(c, invalid("body", "request body must be valid JSON"))
	}
	if err := req.validate(); err != nil {
		return s.respondError(c, err)
	}

	key := apiKey(c)
	projectID := projectFor(key, req.ProjectID)
	timeout := s.clampTimeout(req.TimeoutS)
	prompt := flattenMessages(req.Messages)

	resp, err := s.runPooled(c.Request().Context(), projectID, req.Model, prompt,
		runOpts{maxTokens: req.MaxTokens, timeout: timeout})
	if err != nil {
		return s.respondRunErr(c, err)
	}

	if s.metrics != nil {
		s.metrics.RequestsTotal.WithLabelValues("chat", resp.Path).Inc()
	}
	return c.JSON(http.StatusOK, resp)
}
