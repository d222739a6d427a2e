package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
	"golang.org/x/sync/errgroup"

	"github.com/ccbridge/ccbridge/pkg/pool"
)

// BatchRequest is the body of POST /v1/batch.
type BatchRequest struct {
	Model     string   `json:"model"`
	Prompts   []string `json:"prompts"`
	MaxTokens int      `json:"max_tokens"`
	ProjectID string   `json:"project_id"`
	TimeoutS  int      `json:"timeout_s"`
}

const maxBatchSize = 32

func (r *BatchRequest) validate() error {
	if r.Model == "" {
		return invalid("model", "model is required")
	}
	if len(r.Prompts) == 0 {
		return invalid("prompts", "at least one prompt is required")
	}
	if len(r.Prompts) > maxBatchSize {
		return invalid("prompts", "batch exceeds maximum size")
	}
	for _, p := range r.Prompts {
		if p == "" {
			return invalid("prompts", "prompts must be non-empty")
		}
	}
	return nil
}

// BatchElement is one prompt's outcome. Exactly one of Result and Error is
// set.
type BatchElement struct {
	Index  int                 `json:"index"`
	Result *CompletionResponse `json:"result,omitempty"`
	Error  *APIError           `json:"error,omitempty"`
}

// BatchResponse summarizes a batch run. Elements stay in prompt order.
type BatchResponse struct {
	Results   []BatchElement `json:"results"`
	Completed int            `json:"completed"`
	Failed    int            `json:"failed"`
}

// batchHandler handles POST /v1/batch. Each element reserves, runs, and
// settles independently: one prompt blowing the budget does not poison its
// siblings, and partial success returns 200 with per-element errors.
func (s *Server) batchHandler(c *echo.Context) error {
	if s.draining.Load() {
		return s.respondError(c, pool.ErrDraining)
	}

	var req BatchRequest
	if err := c.Bind(&req); err != nil {
		return s.respondError(c, invalid("body", "request body must be valid JSON"))
	}
	if err := req.validate(); err != nil {
		return s.respondError(c, err)
	}

	key := apiKey(c)
	projectID := projectFor(key, req.ProjectID)
	timeout := s.clampTimeout(req.TimeoutS)

	results := make([]BatchElement, len(req.Prompts))
	g, ctx := errgroup.WithContext(c.Request().Context())
	g.SetLimit(s.cfg.MaxWorkers)
	for i, prompt := range req.Prompts {
		g.Go(func() error {
			resp, err := s.runPooled(ctx, projectID, req.Model, prompt,
				runOpts{maxTokens: req.MaxTokens, timeout: timeout})
			if err != nil {
				_, body := runErrBody(err)
				results[i] = BatchElement{Index: i, Error: body}
				return nil
			}
			results[i] = BatchElement{Index: i, Result: resp}
			return nil
		})
	}
	_ = g.Wait()

	out := BatchResponse{Results: results}
	for _, el := range results {
		if el.Error != nil {
			out.Failed++
		} else {
			out.Completed++
		}
	}
	if s.metrics != nil {
		s.metrics.RequestsTotal.WithLabelValues("batch", "cli").Inc()
	}
	return c.JSON(http.StatusOK, &out)
}
