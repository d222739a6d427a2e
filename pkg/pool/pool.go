package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ccbridge/ccbridge/pkg/models"
	"github.com/google/uuid"
)

// terminalRetention is how long finished tasks stay queryable via Status
// before the monitor evicts them.
const terminalRetention = 10 * time.Minute

// Options configures a Pool.
type Options struct {
	MaxWorkers      int
	QueueDepth      int
	MonitorInterval time.Duration
	DefaultTimeout  time.Duration
}

// Pool is the bounded worker pool. One lock guards the task table, the
// overflow queue, and the active-slot count; task-local locks do not exist,
// so lock inversion cannot.
type Pool struct {
	runner Runner
	opts   Options

	mu       sync.Mutex
	tasks    map[string]*task
	queue    []*task
	active   int
	draining bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup // monitor goroutine
	taskWG   sync.WaitGroup // runner goroutines
}

// New creates a pool. Call Start before submitting.
func New(runner Runner, opts Options) *Pool {
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = 10 * time.Millisecond
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 5 * time.Minute
	}
	return &Pool{
		runner: runner,
		opts:   opts,
		tasks:  make(map[string]*task),
		stopCh: make(chan struct{}),
	}
}

// Start launches the monitor goroutine.
func (p *Pool) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runMonitor()
	}()
	slog.Info("Worker pool started",
		"max_workers", p.opts.MaxWorkers,
		"queue_depth", p.opts.QueueDepth,
		"monitor_interval", p.opts.MonitorInterval)
}

// Submit registers a task and, when a slot is free, starts it directly
// without a trip through the queue. The capacity check happens under the
// pool lock so it cannot race the monitor's queue promotion.
func (p *Pool) Submit(req *Request) (string, error) {
	if req.Timeout <= 0 {
		req.Timeout = p.opts.DefaultTimeout
	}

	t := &task{
		id:          uuid.New().String(),
		req:         req,
		state:       models.TaskPending,
		submittedAt: time.Now(),
		done:        make(chan struct{}),
	}

	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return "", ErrDraining
	}
	p.tasks[t.id] = t

	if p.active < p.opts.MaxWorkers {
		p.startLocked(t)
		p.mu.Unlock()
		return t.id, nil
	}

	if len(p.queue) >= p.opts.QueueDepth {
		delete(p.tasks, t.id)
		p.mu.Unlock()
		return "", ErrQueueFull
	}
	p.queue = append(p.queue, t)
	p.mu.Unlock()

	slog.Debug("Task queued", "task_id", t.id, "queue_len", len(p.queue))
	return t.id, nil
}

// startLocked claims a slot and launches the runner goroutine. Caller holds
// the pool lock.
func (p *Pool) startLocked(t *task) {
	p.active++
	t.state = models.TaskRunning
	t.startedAt = time.Now()
	t.deadline = t.startedAt.Add(t.req.Timeout)

	ctx, cancel := context.WithDeadline(context.Background(), t.deadline)
	t.cancel = cancel

	p.taskWG.Add(1)
	go p.runTask(ctx, t)
}

// runTask drives one runner invocation and performs the terminal
// transition. Panics in the runner are converted to a FAILED outcome so
// the slot is never orphaned.
func (p *Pool) runTask(ctx context.Context, t *task) {
	defer p.taskWG.Done()
	defer t.cancel()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Runner panicked", "task_id", t.id, "panic", r)
			p.finish(t, models.TaskFailed, nil, fmt.Errorf("runner panic: %v", r))
		}
	}()

	req := *t.req
	userOnStart := req.OnStart
	req.OnStart = func(pid int) {
		p.mu.Lock()
		t.pid = pid
		p.mu.Unlock()
		if userOnStart != nil {
			userOnStart(pid)
		}
	}

	res, err := p.runner.Run(ctx, &req)

	switch {
	case err == nil:
		p.finish(t, models.TaskCompleted, res, nil)
	case ctx.Err() == context.DeadlineExceeded:
		p.finish(t, models.TaskTimedOut, res, fmt.Errorf("task exceeded %s timeout", t.req.Timeout))
	case ctx.Err() == context.Canceled:
		p.finish(t, models.TaskCancelled, res, err)
	default:
		p.finish(t, models.TaskFailed, res, err)
	}
}

// finish performs the terminal transition. The state assignment, the
// done-channel close, the slot release, and the queued promotion all happen
// in one critical section; a second finish on the same task is a no-op, so
// the channel closes exactly once even when a timeout races a success.
func (p *Pool) finish(t *task, state models.TaskState, res *Result, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t.state.Terminal() {
		return
	}

	wasRunning := t.state == models.TaskRunning
	t.state = state
	t.result = res
	t.err = err
	t.completedAt = time.Now()
	close(t.done)

	if wasRunning {
		p.active--
		p.promoteLocked()
	}

	slog.Debug("Task finished", "task_id", t.id, "state", state, "error", err)
}

// promoteLocked starts queued tasks while slots are free. Caller holds the
// pool lock.
func (p *Pool) promoteLocked() {
	for p.active < p.opts.MaxWorkers && len(p.queue) > 0 {
		t := p.queue[0]
		p.queue = p.queue[1:]
		p.startLocked(t)
	}
}

// GetResult blocks on the task's one-shot completion notification, never
// polling. waitTimeout bounds the wait; on expiry the task keeps running
// and ErrWaitTimeout is returned.
func (p *Pool) GetResult(ctx context.Context, taskID string, waitTimeout time.Duration) (*Outcome, error) {
	p.mu.Lock()
	t, ok := p.tasks[taskID]
	p.mu.Unlock()
	if !ok {
		return nil, ErrTaskNotFound
	}

	var expire <-chan time.Time
	if waitTimeout > 0 {
		timer := time.NewTimer(waitTimeout)
		defer timer.Stop()
		expire = timer.C
	}

	select {
	case <-t.done:
		return p.snapshot(t), nil
	case <-expire:
		return nil, ErrWaitTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status returns a non-blocking snapshot of a task, terminal or not.
func (p *Pool) Status(taskID string) (*Outcome, error) {
	p.mu.Lock()
	t, ok := p.tasks[taskID]
	p.mu.Unlock()
	if !ok {
		return nil, ErrTaskNotFound
	}
	return p.snapshot(t), nil
}

// Cancel transitions a PENDING task to CANCELLED immediately; for a
// RUNNING task it cancels the runner context and the terminal transition
// happens on reap.
func (p *Pool) Cancel(taskID string) error {
	p.mu.Lock()
	t, ok := p.tasks[taskID]
	if !ok {
		p.mu.Unlock()
		return ErrTaskNotFound
	}

	switch {
	case t.state.Terminal():
		p.mu.Unlock()
		return nil
	case t.state == models.TaskPending:
		p.removeQueuedLocked(t)
		p.mu.Unlock()
		p.finish(t, models.TaskCancelled, nil, context.Canceled)
		return nil
	default: // running
		cancel := t.cancel
		p.mu.Unlock()
		cancel()
		return nil
	}
}

// Drain stops accepting work, cancels everything still queued, and waits
// for in-flight tasks up to ctx's deadline; stragglers are then signalled
// and given one last grace period.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	p.draining = true
	pending := p.queue
	p.queue = nil
	p.mu.Unlock()

	for _, t := range pending {
		p.finish(t, models.TaskCancelled, nil, ErrDraining)
	}

	finished := make(chan struct{})
	go func() {
		p.taskWG.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
	}

	slog.Warn("Drain deadline reached, force-cancelling in-flight tasks")
	p.mu.Lock()
	for _, t := range p.tasks {
		if t.state == models.TaskRunning {
			t.cancel()
		}
	}
	p.mu.Unlock()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		slog.Error("In-flight tasks did not exit after force-cancel")
	}
	return ctx.Err()
}

// Stop halts the monitor. Call after Drain.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	slog.Info("Worker pool stopped")
}

// Health reports the pool's current occupancy.
func (p *Pool) Health() Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Health{
		Active:     p.active,
		Queued:     len(p.queue),
		MaxWorkers: p.opts.MaxWorkers,
		QueueDepth: p.opts.QueueDepth,
		Draining:   p.draining,
	}
}

// ActiveCount reports occupied slots.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// QueuedCount reports overflow-queue length.
func (p *Pool) QueuedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// runMonitor is the backstop loop: it promotes queued tasks should a
// promotion ever be missed, force-reaps runners that ignore their context
// past the wall-clock deadline, and evicts old terminal tasks. Completion
// paths notify waiters directly; the monitor never does.
func (p *Pool) runMonitor() {
	ticker := time.NewTicker(p.opts.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.tick(time.Now())
		}
	}
}

func (p *Pool) tick(now time.Time) {
	// Force-reap grace: the runner gets one deadline-cancelled interval
	// to exit on its own before the slot is reclaimed out from under it.
	grace := p.opts.MonitorInterval

	var overdue []*task
	p.mu.Lock()
	for id, t := range p.tasks {
		switch {
		case t.state == models.TaskRunning && now.After(t.deadline):
			t.cancel()
			if now.After(t.deadline.Add(grace)) {
				overdue = append(overdue, t)
			}
		case t.state.Terminal() && now.Sub(t.completedAt) > terminalRetention:
			delete(p.tasks, id)
		}
	}
	p.promoteLocked()
	p.mu.Unlock()

	for _, t := range overdue {
		p.finish(t, models.TaskTimedOut, nil, fmt.Errorf("task exceeded %s timeout", t.req.Timeout))
	}
}

func (p *Pool) removeQueuedLocked(t *task) {
	for i, queued := range p.queue {
		if queued == t {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return
		}
	}
}

func (p *Pool) snapshot(t *task) *Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &Outcome{
		TaskID:      t.id,
		State:       t.state,
		Result:      t.result,
		Err:         t.err,
		PID:         t.pid,
		SubmittedAt: t.submittedAt,
		StartedAt:   t.startedAt,
		CompletedAt: t.completedAt,
	}
}
