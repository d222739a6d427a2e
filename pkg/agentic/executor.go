// Package agentic runs multi-step tool-using tasks: it validates the task
// against the caller's permission profile and the capability registry,
// drives the subprocess through the worker pool, accumulates the execution
// log, enforces an incremental cost ceiling, and harvests artifacts from
// the working directory.
package agentic

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ccbridge/ccbridge/pkg/audit"
	"github.com/ccbridge/ccbridge/pkg/models"
	"github.com/ccbridge/ccbridge/pkg/permission"
	"github.com/ccbridge/ccbridge/pkg/pool"
	"github.com/ccbridge/ccbridge/pkg/pricing"
	"github.com/ccbridge/ccbridge/pkg/registry"
)

// UnknownCapabilityError names an agent or skill absent from the registry.
type UnknownCapabilityError struct {
	Kind string // "agent" or "skill"
	Name string
}

func (e *UnknownCapabilityError) Error() string {
	return fmt.Sprintf("unknown %s %q", e.Kind, e.Name)
}

// TaskSpec is one agentic task request, post-admission.
type TaskSpec struct {
	Description string
	Model       string
	AllowTools  []string
	AllowAgents []string
	AllowSkills []string
	WorkingDir  string
	Timeout     time.Duration
	MaxCost     float64
	ProjectID   string
	APIKey      string
	RequestID   string
}

// TaskResult is the terminal snapshot of an agentic task, partial results
// included when the cost ceiling tripped.
type TaskResult struct {
	TaskID       string            `json:"task_id"`
	State        models.TaskState  `json:"state"`
	Text         string            `json:"text,omitempty"`
	Usage        models.Usage      `json:"usage"`
	CostUSD      float64           `json:"cost_usd"`
	CostExceeded bool              `json:"cost_exceeded,omitempty"`
	ExecutionLog []models.Event    `json:"execution_log"`
	Artifacts    []models.Artifact `json:"artifacts"`
	Err          error             `json:"-"`
}

// Executor wraps the worker pool with agentic semantics.
type Executor struct {
	pool     *pool.Pool
	audit    *audit.Logger
	registry *registry.Registry
	now      func() time.Time
}

// NewExecutor creates the executor.
func NewExecutor(p *pool.Pool, auditLog *audit.Logger, reg *registry.Registry) *Executor {
	return &Executor{pool: p, audit: auditLog, registry: reg, now: time.Now}
}

// Validate checks the task against the profile and the registry. Returns a
// permission.DeniedError or UnknownCapabilityError on the first offender.
func (e *Executor) Validate(spec *TaskSpec, profile *permission.Profile) error {
	if strings.TrimSpace(spec.Description) == "" {
		return fmt.Errorf("description is required")
	}
	if err := profile.CheckTools(spec.AllowTools); err != nil {
		return err
	}
	if err := profile.CheckAgents(spec.AllowAgents); err != nil {
		return err
	}
	if err := profile.CheckSkills(spec.AllowSkills); err != nil {
		return err
	}
	if err := profile.CheckCaps(spec.Timeout, spec.MaxCost); err != nil {
		return err
	}
	if spec.WorkingDir != "" && profile.FilesystemAccess == permission.FSNone {
		return &permission.DeniedError{Field: "working_directory", Reason: "filesystem access is none"}
	}

	known := make(map[string]bool)
	for _, a := range e.registry.Agents {
		known["agent:"+a.Name] = true
	}
	for _, s := range e.registry.Skills {
		known["skill:"+s.Name] = true
	}
	for _, a := range spec.AllowAgents {
		if !known["agent:"+a] {
			return &UnknownCapabilityError{Kind: "agent", Name: a}
		}
	}
	for _, s := range spec.AllowSkills {
		if !known["skill:"+s] {
			return &UnknownCapabilityError{Kind: "skill", Name: s}
		}
	}
	return nil
}

// Execute runs the task to a terminal state. Validation must already have
// passed; the budget reservation is the caller's concern so this layer
// never touches the ledger directly.
func (e *Executor) Execute(ctx context.Context, spec *TaskSpec) (*TaskResult, error) {
	startedAt := e.now()

	// The execution log and the incremental cost estimate are written from
	// the runner goroutine and read after completion; one mutex covers both.
	var mu sync.Mutex
	var log []models.Event
	var outputChars int
	var costExceeded bool
	var taskID string // assigned after Submit returns; events may arrive first

	inputEstimate := pricing.EstimateTokens(len(spec.Description))

	onEvent := func(ev models.Event) {
		mu.Lock()
		log = append(log, ev)
		outputChars += len(ev.Content)
		if spec.MaxCost > 0 && !costExceeded {
			// Upper-bound running estimate: everything emitted so far plus
			// one more turn of output at the same rate.
			produced := pricing.EstimateTokens(outputChars)
			projected := pricing.Price(spec.Model, inputEstimate, produced+pricing.TurnTokens)
			if projected > spec.MaxCost {
				costExceeded = true
			}
		}
		id := taskID
		exceeded := costExceeded
		mu.Unlock()

		if ev.Type == models.EventToolCall {
			e.audit.Write(context.Background(), id, spec.APIKey, audit.KindToolCall, ev.Tool+" "+ev.Content)
		}
		// Cancel is idempotent; terminal tasks ignore it.
		if exceeded && id != "" {
			_ = e.pool.Cancel(id)
		}
	}

	id, err := e.pool.Submit(&pool.Request{
		Prompt:       spec.Description,
		Model:        spec.Model,
		AllowedTools: spec.AllowTools,
		WorkingDir:   spec.WorkingDir,
		RequestID:    spec.RequestID,
		Timeout:      spec.Timeout,
		OnEvent:      onEvent,
	})
	if err != nil {
		return nil, err
	}
	mu.Lock()
	taskID = id
	exceededEarly := costExceeded
	mu.Unlock()
	if exceededEarly {
		_ = e.pool.Cancel(id)
	}
	e.audit.Write(ctx, id, spec.APIKey, audit.KindTaskSubmitted, spec.Description)

	outcome, err := e.pool.GetResult(ctx, id, spec.Timeout+time.Minute)
	if err != nil {
		return nil, err
	}

	mu.Lock()
	result := &TaskResult{
		TaskID:       id,
		State:        outcome.State,
		ExecutionLog: log,
		CostExceeded: costExceeded,
		Err:          outcome.Err,
	}
	mu.Unlock()

	if outcome.Result != nil {
		result.Text = outcome.Result.Text
		result.Usage = outcome.Result.Usage
	} else {
		// Child was cut short; charge the running estimate so partial work
		// is still accounted for.
		mu.Lock()
		result.Usage = models.Usage{
			InputTokens:  inputEstimate,
			OutputTokens: pricing.EstimateTokens(outputChars),
		}
		mu.Unlock()
	}
	result.CostUSD = pricing.Price(spec.Model, result.Usage.InputTokens, result.Usage.OutputTokens)

	if spec.WorkingDir != "" {
		artifacts, err := scanArtifacts(spec.WorkingDir, startedAt)
		if err != nil {
			e.audit.Write(ctx, id, spec.APIKey, audit.KindFileAccess, "artifact scan failed: "+err.Error())
		} else {
			result.Artifacts = artifacts
		}
	}

	e.audit.Write(ctx, id, spec.APIKey, audit.KindTaskFinished,
		fmt.Sprintf("state=%s cost_usd=%.6f events=%d", result.State, result.CostUSD, len(result.ExecutionLog)))
	return result, nil
}

// scanArtifacts lists files created or modified in the working directory
// since the task started.
func scanArtifacts(dir string, since time.Time) ([]models.Artifact, error) {
	var artifacts []models.Artifact
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().Before(since) {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = path
		}
		artifacts = append(artifacts, models.Artifact{
			Path:      rel,
			Type:      artifactType(path),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
		})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to scan working directory: %w", err)
	}
	return artifacts, nil
}

func artifactType(path string) string {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		return "file"
	}
	return ext
}
