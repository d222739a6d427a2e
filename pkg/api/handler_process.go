package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/ccbridge/ccbridge/pkg/models"
	"github.com/ccbridge/ccbridge/pkg/pool"
	"github.com/ccbridge/ccbridge/pkg/pricing"
	"github.com/ccbridge/ccbridge/pkg/upstream"
)

// ProcessRequest is the provider-agnostic shape accepted by POST
// /v1/process. The default route is the direct path; use_cli opts into the
// subprocess path.
type ProcessRequest struct {
	Provider    string   `json:"provider"`
	ModelName   string   `json:"model_name"`
	UserMessage string   `json:"user_message"`
	UseCLI      bool     `json:"use_cli"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature *float64 `json:"temperature"`
	ProjectID   string   `json:"project_id"`
	TimeoutS    int      `json:"timeout_s"`
}

func (r *ProcessRequest) validate() error {
	if r.Provider != "" && r.Provider != "claude" {
		return invalid("provider", "unsupported provider")
	}
	if r.ModelName == "" {
		return invalid("model_name", "model_name is required")
	}
	if r.UserMessage == "" {
		return invalid("user_message", "user_message is required")
	}
	return nil
}

// processHandler handles POST /v1/process. Exactly one execution path runs
// per request; both funnel through the same pricing and ledger.
func (s *Server) processHandler(c *echo.Context) error {
	if s.draining.Load() {
		return s.respondError(c, pool.ErrDraining)
	}

	var req ProcessRequest
	if err := c.Bind(&req); err != nil {
		return s.respondError(c, invalid("body", "request body must be valid JSON"))
	}
	if err := req.validate(); err != nil {
		return s.respondError(c, err)
	}

	key := apiKey(c)
	projectID := projectFor(key, req.ProjectID)

	// CLI cold start is order-of-seconds, so the in-process client is the
	// default; the subprocess path runs on explicit opt-in or when no
	// provider key is configured.
	if req.UseCLI || s.upstream == nil {
		resp, err := s.runPooled(c.Request().Context(), projectID, req.ModelName, req.UserMessage,
			runOpts{maxTokens: req.MaxTokens, timeout: s.clampTimeout(req.TimeoutS)})
		if err != nil {
			return s.respondRunErr(c, err)
		}
		if s.metrics != nil {
			s.metrics.RequestsTotal.WithLabelValues("process", resp.Path).Inc()
		}
		return c.JSON(http.StatusOK, resp)
	}

	resp, err := s.runDirect(c, projectID, &req)
	if err != nil {
		return s.respondError(c, err)
	}
	if s.metrics != nil {
		s.metrics.RequestsTotal.WithLabelValues("process", resp.Path).Inc()
	}
	return c.JSON(http.StatusOK, resp)
}

// runDirect executes the in-process HTTP path with the same reserve →
// record/refund discipline as the pool path.
func (s *Server) runDirect(c *echo.Context, projectID string, req *ProcessRequest) (*CompletionResponse, error) {
	ctx := c.Request().Context()

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = s.cfg.DefaultMaxTokens
	}
	est := pricing.Estimate(req.ModelName, len(req.UserMessage), maxTokens)
	res, err := s.ledger.Reserve(ctx, projectID, est)
	if err != nil {
		return nil, err
	}

	out, err := s.upstream.Complete(ctx, &upstream.Request{
		Model:       req.ModelName,
		Messages:    []models.Message{{Role: "user", Content: req.UserMessage}},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		res.Refund()
		return nil, err
	}

	cost := pricing.PriceUsage(req.ModelName, out.Usage)
	if err := res.Record(ctx, req.ModelName, out.Usage, cost, models.SourceDirect); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordUsage(projectID, req.ModelName, string(models.SourceDirect),
			out.Usage.InputTokens, out.Usage.OutputTokens, cost)
	}

	return &CompletionResponse{
		Model:   out.Model,
		Text:    out.Text,
		Usage:   out.Usage,
		CostUSD: cost,
		Path:    string(models.SourceDirect),
	}, nil
}
