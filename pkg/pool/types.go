// Package pool provides the bounded worker pool that owns child-process
// lifecycles: direct start under capacity, a FIFO overflow queue, one-shot
// completion notification, cooperative cancellation, and graceful drain.
package pool

import (
	"context"
	"errors"
	"time"

	"github.com/ccbridge/ccbridge/pkg/models"
)

// Sentinel errors for pool operations.
var (
	// ErrQueueFull indicates all slots are busy and the overflow queue is
	// at its configured depth.
	ErrQueueFull = errors.New("worker pool queue is full")

	// ErrDraining indicates the pool has begun shutdown and rejects new
	// submissions.
	ErrDraining = errors.New("worker pool is draining")

	// ErrTaskNotFound indicates no task with the given id is tracked.
	ErrTaskNotFound = errors.New("task not found")

	// ErrWaitTimeout indicates GetResult's bounded wait elapsed before the
	// task reached a terminal state. The task keeps running.
	ErrWaitTimeout = errors.New("timed out waiting for task result")
)

// Runner executes one task. The pool spawns one Run call per slot; Run must
// honor ctx cancellation promptly, terminating any child process it owns.
type Runner interface {
	Run(ctx context.Context, req *Request) (*Result, error)
}

// Request describes one unit of work handed to the Runner.
type Request struct {
	Prompt       string
	Model        string
	AllowedTools []string
	WorkingDir   string
	RequestID    string

	// Timeout is the wall-clock budget for this task. Zero means the
	// pool's default.
	Timeout time.Duration

	// OnEvent, when set, receives every child event as it is parsed.
	// Called from the runner goroutine; implementations must be fast and
	// must not call back into the pool.
	OnEvent func(models.Event)

	// OnStart, when set, is called once with the child pid.
	OnStart func(pid int)
}

// Result is the successful payload of a task.
type Result struct {
	Text  string       `json:"text"`
	Usage models.Usage `json:"usage"`
	Model string       `json:"model"`
}

// Outcome is the terminal (or in-flight, for Status) snapshot of a task.
type Outcome struct {
	TaskID      string           `json:"task_id"`
	State       models.TaskState `json:"state"`
	Result      *Result          `json:"result,omitempty"`
	Err         error            `json:"-"`
	PID         int              `json:"pid,omitempty"`
	SubmittedAt time.Time        `json:"submitted_at"`
	StartedAt   time.Time        `json:"started_at,omitempty"`
	CompletedAt time.Time        `json:"completed_at,omitempty"`
}

// Health is the pool's contribution to the deep health endpoint.
type Health struct {
	Active     int  `json:"active"`
	Queued     int  `json:"queued"`
	MaxWorkers int  `json:"max_workers"`
	QueueDepth int  `json:"queue_depth"`
	Draining   bool `json:"draining"`
}

// task is the pool-private record. All fields except done are guarded by
// the pool lock; done is closed exactly once, inside the same critical
// section as the terminal state assignment.
type task struct {
	id  string
	req *Request

	state       models.TaskState
	result      *Result
	err         error
	pid         int
	submittedAt time.Time
	startedAt   time.Time
	completedAt time.Time
	deadline    time.Time

	done   chan struct{}
	cancel context.CancelFunc
}
