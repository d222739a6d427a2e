package api

import (
	"net/http"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/ccbridge/ccbridge/pkg/agentic"
	"github.com/ccbridge/ccbridge/pkg/audit"
	"github.com/ccbridge/ccbridge/pkg/logctx"
	"github.com/ccbridge/ccbridge/pkg/models"
	"github.com/ccbridge/ccbridge/pkg/pool"
	"github.com/ccbridge/ccbridge/pkg/pricing"
)

// TaskRequest is the body of POST /v1/task.
type TaskRequest struct {
	Description string   `json:"description"`
	Model       string   `json:"model"`
	AllowTools  []string `json:"allow_tools"`
	AllowAgents []string `json:"allow_agents"`
	AllowSkills []string `json:"allow_skills"`
	WorkingDir  string   `json:"working_directory"`
	TimeoutS    int      `json:"timeout"`
	MaxCost     float64  `json:"max_cost"`
	ProjectID   string   `json:"project_id"`
}

// taskHandler handles POST /v1/task: the agentic path. Permission checks
// run before any slot or budget is consumed; a denial must be free.
func (s *Server) taskHandler(c *echo.Context) error {
	if s.draining.Load() {
		return s.respondError(c, pool.ErrDraining)
	}

	var req TaskRequest
	if err := c.Bind(&req); err != nil {
		return s.respondError(c, invalid("body", "request body must be valid JSON"))
	}
	if strings.TrimSpace(req.Description) == "" {
		return s.respondError(c, invalid("description", "description is required"))
	}
	if req.Model == "" {
		req.Model = "sonnet"
	}

	key := apiKey(c)
	ctx := c.Request().Context()

	profile, err := s.permStore.Get(ctx, key.Key)
	if err != nil {
		return s.respondError(c, err)
	}

	// Effective deadline and cost ceiling: the client's ask bounded by the
	// endpoint default and the profile caps. Omitted values resolve to the
	// caps; only an explicit over-cap ask is denied.
	timeout := s.clampTimeout(req.TimeoutS)
	if req.TimeoutS <= 0 && profile.MaxExecutionSeconds > 0 {
		if profileMax := time.Duration(profile.MaxExecutionSeconds) * time.Second; timeout > profileMax {
			timeout = profileMax
		}
	}
	maxCost := req.MaxCost
	if maxCost <= 0 {
		maxCost = profile.MaxCostPerTask
	}

	spec := &agentic.TaskSpec{
		Description: req.Description,
		Model:       req.Model,
		AllowTools:  req.AllowTools,
		AllowAgents: req.AllowAgents,
		AllowSkills: req.AllowSkills,
		WorkingDir:  req.WorkingDir,
		Timeout:     timeout,
		MaxCost:     maxCost,
		ProjectID:   projectFor(key, req.ProjectID),
		APIKey:      key.Key,
		RequestID:   logctx.RequestID(ctx),
	}
	if err := s.executor.Validate(spec, profile); err != nil {
		s.auditLog.Write(ctx, "", key.Key, audit.KindBlockedAttempt, err.Error())
		return s.respondError(c, err)
	}

	// The reservation uses the per-task cost ceiling when set; otherwise
	// the pessimistic token estimate.
	est := spec.MaxCost
	if est <= 0 {
		est = pricing.Estimate(spec.Model, len(spec.Description), s.cfg.DefaultMaxTokens)
	}
	res, err := s.ledger.Reserve(ctx, spec.ProjectID, est)
	if err != nil {
		return s.respondError(c, err)
	}

	result, err := s.executor.Execute(ctx, spec)
	if err != nil {
		res.Refund()
		return s.respondError(c, err)
	}

	settled := result.State == models.TaskCompleted || result.CostExceeded
	if settled {
		if err := res.Record(ctx, spec.Model, result.Usage, result.CostUSD, models.SourceAgentic); err != nil {
			return s.respondError(c, err)
		}
		if s.metrics != nil {
			s.metrics.RecordUsage(spec.ProjectID, spec.Model, string(models.SourceAgentic),
				result.Usage.InputTokens, result.Usage.OutputTokens, result.CostUSD)
		}
	} else {
		res.Refund()
	}
	if s.metrics != nil {
		s.metrics.TasksTotal.WithLabelValues(string(result.State)).Inc()
		s.metrics.RequestsTotal.WithLabelValues("task", string(models.SourceAgentic)).Inc()
	}

	status := http.StatusOK
	if result.CostExceeded {
		status = http.StatusPaymentRequired
	} else if result.State != models.TaskCompleted {
		st, body := outcomeError(&pool.Outcome{State: result.State, Err: result.Err})
		body.Message = body.Message + "; partial results discarded"
		return c.JSON(st, body)
	}
	return c.JSON(status, result)
}

// taskStatusHandler handles GET /v1/tasks/:id.
func (s *Server) taskStatusHandler(c *echo.Context) error {
	out, err := s.pool.Status(c.Param("id"))
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, taskView(out))
}

// taskCancelHandler handles POST /v1/tasks/:id/cancel.
func (s *Server) taskCancelHandler(c *echo.Context) error {
	id := c.Param("id")
	if err := s.pool.Cancel(id); err != nil {
		return s.respondError(c, err)
	}

	// Cancellation completes within one monitor tick; report the state the
	// caller will observe.
	out, err := s.pool.GetResult(c.Request().Context(), id, s.cfg.MonitorInterval+time.Second)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, taskView(out))
}

// taskView is the status wire shape; errors render as their message.
func taskView(out *pool.Outcome) map[string]any {
	view := map[string]any{
		"task_id":      out.TaskID,
		"state":        out.State,
		"submitted_at": out.SubmittedAt,
	}
	if !out.StartedAt.IsZero() {
		view["started_at"] = out.StartedAt
	}
	if !out.CompletedAt.IsZero() {
		view["completed_at"] = out.CompletedAt
	}
	if out.Result != nil {
		view["result"] = out.Result
	}
	if out.Err != nil {
		view["error"] = out.Err.Error()
	}
	return view
}
