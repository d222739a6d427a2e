package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/ccbridge/ccbridge/pkg/auth"
	"github.com/ccbridge/ccbridge/pkg/logctx"
	"github.com/ccbridge/ccbridge/pkg/models"
	"github.com/ccbridge/ccbridge/pkg/pool"
	"github.com/ccbridge/ccbridge/pkg/pricing"
)

// CompletionResponse is the shared response shape of every completion-style
// endpoint: chat, process, and batch elements.
type CompletionResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Text    string       `json:"text"`
	Usage   models.Usage `json:"usage"`
	CostUSD float64      `json:"cost_usd"`
	Path    string       `json:"path"` // direct or cli
}

// projectFor resolves the project a request bills against: the explicit
// body value wins, the key's own project is the default.
func projectFor(key *auth.Key, requested string) string {
	if requested != "" {
		return requested
	}
	return key.ProjectID
}

// clampTimeout resolves the effective deadline: the client's ask bounded by
// the configured maximum, defaulting when absent.
func (s *Server) clampTimeout(timeoutS int) time.Duration {
	if timeoutS <= 0 {
		return s.cfg.DefaultTimeout
	}
	d := time.Duration(timeoutS) * time.Second
	if d > s.cfg.MaxTimeout {
		return s.cfg.MaxTimeout
	}
	return d
}

// flattenMessages renders a conversation into the single prompt the child
// process consumes on stdin.
func flattenMessages(msgs []models.Message) string {
	if len(msgs) == 1 && msgs[0].Role == "user" {
		return msgs[0].Content
	}
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s", m.Role, m.Content)
	}
	return b.String()
}

// runOpts carries the per-call knobs of the subprocess path.
type runOpts struct {
	maxTokens int
	timeout   time.Duration
	onEvent   func(models.Event)
	onSubmit  func(taskID string)
}

// runPooled executes one prompt on the subprocess path with full budget
// accounting: reserve, run, then record or refund on every exit path.
func (s *Server) runPooled(ctx context.Context, projectID, model, prompt string, opts runOpts) (*CompletionResponse, error) {
	maxTokens, timeout, onEvent := opts.maxTokens, opts.timeout, opts.onEvent
	if maxTokens <= 0 {
		maxTokens = s.cfg.DefaultMaxTokens
	}
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	est := pricing.Estimate(model, len(prompt), maxTokens)
	res, err := s.ledger.Reserve(ctx, projectID, est)
	if err != nil {
		return nil, err
	}

	taskID, err := s.pool.Submit(&pool.Request{
		Prompt:    prompt,
		Model:     model,
		RequestID: logctx.RequestID(ctx),
		Timeout:   timeout,
		OnEvent:   onEvent,
	})
	if err != nil {
		res.Refund()
		return nil, err
	}
	if opts.onSubmit != nil {
		opts.onSubmit(taskID)
	}

	out, err := s.pool.GetResult(ctx, taskID, timeout+s.cfg.MonitorInterval+time.Second)
	if err != nil {
		// The waiter gave up; the task may still finish, but this request's
		// reservation must not leak.
		res.Refund()
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.TasksTotal.WithLabelValues(string(out.State)).Inc()
	}
	if out.State != models.TaskCompleted {
		res.Refund()
		return nil, &terminalError{out}
	}

	cost := pricing.PriceUsage(model, out.Result.Usage)
	if err := res.Record(ctx, model, out.Result.Usage, cost, models.SourceCLI); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordUsage(projectID, model, string(models.SourceCLI),
			out.Result.Usage.InputTokens, out.Result.Usage.OutputTokens, cost)
	}

	return &CompletionResponse{
		ID:      taskID,
		Model:   out.Result.Model,
		Text:    out.Result.Text,
		Usage:   out.Result.Usage,
		CostUSD: cost,
		Path:    string(models.SourceCLI),
	}, nil
}

// terminalError wraps a non-COMPLETED outcome so callers can surface it
// through the standard mapping.
type terminalError struct {
	outcome *pool.Outcome
}

func (e *terminalError) Error() string {
	if e.outcome.Err != nil {
		return e.outcome.Err.Error()
	}
	return string(e.outcome.State)
}

// respondRunErr writes either a mapped terminal outcome or a regular error.
func (s *Server) respondRunErr(c *echo.Context, err error) error {
	var term *terminalError
	if errors.As(err, &term) {
		status, body := outcomeError(term.outcome)
		return c.JSON(status, body)
	}
	return s.respondError(c, err)
}
