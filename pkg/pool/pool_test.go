package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ccbridge/ccbridge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner lets tests control exactly when each task completes.
type fakeRunner struct {
	mu      sync.Mutex
	release map[string]chan struct{} // prompt → release channel
	result  *Result
	err     error

	concurrent    atomic.Int32
	maxConcurrent atomic.Int32
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		release: make(map[string]chan struct{}),
		result:  &Result{Text: "ok", Usage: models.Usage{InputTokens: 10, OutputTokens: 5}, Model: "sonnet"},
	}
}

func (f *fakeRunner) gate(prompt string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.release[prompt]
	if !ok {
		ch = make(chan struct{})
		f.release[prompt] = ch
	}
	return ch
}

func (f *fakeRunner) Run(ctx context.Context, req *Request) (*Result, error) {
	cur := f.concurrent.Add(1)
	defer f.concurrent.Add(-1)
	for {
		prev := f.maxConcurrent.Load()
		if cur <= prev || f.maxConcurrent.CompareAndSwap(prev, cur) {
			break
		}
	}

	select {
	case <-f.gate(req.Prompt):
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newTestPool(t *testing.T, runner Runner, workers, depth int) *Pool {
	t.Helper()
	p := New(runner, Options{
		MaxWorkers:      workers,
		QueueDepth:      depth,
		MonitorInterval: 5 * time.Millisecond,
		DefaultTimeout:  5 * time.Second,
	})
	p.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Drain(ctx)
		p.Stop()
	})
	return p
}

func mustState(t *testing.T, p *Pool, id string) models.TaskState {
	t.Helper()
	out, err := p.Status(id)
	require.NoError(t, err)
	return out.State
}

func TestDirectStartUnderCapacity(t *testing.T) {
	runner := newFakeRunner()
	p := newTestPool(t, runner, 2, 8)

	idA, err := p.Submit(&Request{Prompt: "a"})
	require.NoError(t, err)
	idB, err := p.Submit(&Request{Prompt: "b"})
	require.NoError(t, err)
	idC, err := p.Submit(&Request{Prompt: "c"})
	require.NoError(t, err)

	// A and B start synchronously with Submit; C overflows to the queue.
	assert.Equal(t, models.TaskRunning, mustState(t, p, idA))
	assert.Equal(t, models.TaskRunning, mustState(t, p, idB))
	assert.Equal(t, models.TaskPending, mustState(t, p, idC))

	close(runner.gate("a"))
	out, err := p.GetResult(context.Background(), idA, time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, out.State)

	// Promotion happens in the completion path, not on a monitor tick.
	require.Eventually(t, func() bool {
		return mustState(t, p, idC) == models.TaskRunning
	}, 100*time.Millisecond, time.Millisecond)

	close(runner.gate("b"))
	close(runner.gate("c"))
}

func TestEventBasedWakeup(t *testing.T) {
	runner := newFakeRunner()
	close(runner.gate("x")) // completes immediately on start
	p := newTestPool(t, runner, 1, 4)

	start := time.Now()
	id, err := p.Submit(&Request{Prompt: "x"})
	require.NoError(t, err)

	out, err := p.GetResult(context.Background(), id, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, out.State)
	assert.Equal(t, "ok", out.Result.Text)

	// Well under any polling interval: the waiter is woken by the
	// completion path itself.
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestQueueFullRejects(t *testing.T) {
	runner := newFakeRunner()
	p := newTestPool(t, runner, 1, 1)

	_, err := p.Submit(&Request{Prompt: "running"})
	require.NoError(t, err)
	_, err = p.Submit(&Request{Prompt: "queued"})
	require.NoError(t, err)

	_, err = p.Submit(&Request{Prompt: "rejected"})
	assert.ErrorIs(t, err, ErrQueueFull)

	close(runner.gate("running"))
	close(runner.gate("queued"))
}

func TestTimeout(t *testing.T) {
	runner := newFakeRunner() // never releases: runner exits only via ctx
	p := newTestPool(t, runner, 1, 4)

	id, err := p.Submit(&Request{Prompt: "slow", Timeout: 30 * time.Millisecond})
	require.NoError(t, err)

	out, err := p.GetResult(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.TaskTimedOut, out.State)
	assert.Error(t, out.Err)
}

func TestForceReapWhenRunnerIgnoresContext(t *testing.T) {
	// A runner that ignores cancellation entirely; the monitor must
	// reclaim the slot at the wall-clock deadline anyway.
	stubborn := runnerFunc(func(ctx context.Context, req *Request) (*Result, error) {
		time.Sleep(300 * time.Millisecond)
		return &Result{Text: "late"}, nil
	})
	p := newTestPool(t, stubborn, 1, 4)

	id, err := p.Submit(&Request{Prompt: "stuck", Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	out, err := p.GetResult(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.TaskTimedOut, out.State)

	// Slot was reclaimed before the stubborn runner returned.
	assert.Zero(t, p.Health().Active)
}

type runnerFunc func(ctx context.Context, req *Request) (*Result, error)

func (f runnerFunc) Run(ctx context.Context, req *Request) (*Result, error) { return f(ctx, req) }

func TestCancelPendingTask(t *testing.T) {
	runner := newFakeRunner()
	p := newTestPool(t, runner, 1, 4)

	_, err := p.Submit(&Request{Prompt: "running"})
	require.NoError(t, err)
	id, err := p.Submit(&Request{Prompt: "queued"})
	require.NoError(t, err)
	require.Equal(t, models.TaskPending, mustState(t, p, id))

	require.NoError(t, p.Cancel(id))

	out, err := p.GetResult(context.Background(), id, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, out.State)
	assert.Zero(t, p.Health().Queued)

	close(runner.gate("running"))
}

func TestCancelRunningTask(t *testing.T) {
	runner := newFakeRunner()
	p := newTestPool(t, runner, 1, 4)

	id, err := p.Submit(&Request{Prompt: "victim"})
	require.NoError(t, err)
	require.NoError(t, p.Cancel(id))

	out, err := p.GetResult(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, out.State)

	// Cancelling a terminal task is a no-op.
	assert.NoError(t, p.Cancel(id))
}

func TestCancelUnknownTask(t *testing.T) {
	p := newTestPool(t, newFakeRunner(), 1, 4)
	assert.ErrorIs(t, p.Cancel("nope"), ErrTaskNotFound)
	_, err := p.GetResult(context.Background(), "nope", time.Millisecond)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestGetResultWaitTimeout(t *testing.T) {
	runner := newFakeRunner()
	p := newTestPool(t, runner, 1, 4)

	id, err := p.Submit(&Request{Prompt: "slow"})
	require.NoError(t, err)

	_, err = p.GetResult(context.Background(), id, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrWaitTimeout)

	// The task is unaffected by an expired waiter.
	assert.Equal(t, models.TaskRunning, mustState(t, p, id))
	close(runner.gate("slow"))
}

func TestCapacityInvariant(t *testing.T) {
	runner := newFakeRunner()
	p := newTestPool(t, runner, 3, 32)

	ids := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		prompt := string(rune('a' + i))
		close(runner.gate(prompt))
		id, err := p.Submit(&Request{Prompt: prompt})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, id := range ids {
		out, err := p.GetResult(context.Background(), id, time.Second)
		require.NoError(t, err)
		assert.Equal(t, models.TaskCompleted, out.State)
	}
	assert.LessOrEqual(t, runner.maxConcurrent.Load(), int32(3))
}

func TestRunnerPanicReleasesSlot(t *testing.T) {
	boom := runnerFunc(func(ctx context.Context, req *Request) (*Result, error) {
		panic("boom")
	})
	p := newTestPool(t, boom, 1, 4)

	id, err := p.Submit(&Request{Prompt: "p"})
	require.NoError(t, err)

	out, err := p.GetResult(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, out.State)
	require.Error(t, out.Err)
	assert.Contains(t, out.Err.Error(), "panic")
	assert.Zero(t, p.Health().Active)
}

func TestFailedRunnerError(t *testing.T) {
	wantErr := errors.New("child exited 1")
	failing := runnerFunc(func(ctx context.Context, req *Request) (*Result, error) {
		return nil, wantErr
	})
	p := newTestPool(t, failing, 1, 4)

	id, err := p.Submit(&Request{Prompt: "f"})
	require.NoError(t, err)

	out, err := p.GetResult(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, out.State)
	assert.ErrorIs(t, out.Err, wantErr)
}

func TestDrain(t *testing.T) {
	runner := newFakeRunner()
	p := New(runner, Options{MaxWorkers: 2, QueueDepth: 8, MonitorInterval: 5 * time.Millisecond, DefaultTimeout: 5 * time.Second})
	p.Start()
	defer p.Stop()

	idA, err := p.Submit(&Request{Prompt: "a"})
	require.NoError(t, err)
	idB, err := p.Submit(&Request{Prompt: "b"})
	require.NoError(t, err)
	idQ, err := p.Submit(&Request{Prompt: "b"}) // fills the queue
	_ = idQ
	require.NoError(t, err)

	// In-flight tasks finish shortly after drain begins.
	go func() {
		time.Sleep(30 * time.Millisecond)
		close(runner.gate("a"))
		close(runner.gate("b"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Drain(ctx))

	assert.True(t, p.Health().Draining)
	assert.Zero(t, p.Health().Active)

	_, err = p.Submit(&Request{Prompt: "late"})
	assert.ErrorIs(t, err, ErrDraining)

	for _, id := range []string{idA, idB} {
		out, err := p.GetResult(context.Background(), id, time.Second)
		require.NoError(t, err)
		assert.Equal(t, models.TaskCompleted, out.State)
	}
}

func TestDrainForceCancelsStragglers(t *testing.T) {
	runner := newFakeRunner()
	p := New(runner, Options{MaxWorkers: 1, QueueDepth: 4, MonitorInterval: 5 * time.Millisecond, DefaultTimeout: time.Minute})
	p.Start()
	defer p.Stop()

	id, err := p.Submit(&Request{Prompt: "stuck"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, p.Drain(ctx))

	out, err := p.GetResult(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCancelled, out.State)
	assert.Zero(t, p.Health().Active)
}

func TestOnStartRecordsPID(t *testing.T) {
	withPID := runnerFunc(func(ctx context.Context, req *Request) (*Result, error) {
		req.OnStart(4242)
		return &Result{Text: "ok"}, nil
	})
	p := newTestPool(t, withPID, 1, 4)

	id, err := p.Submit(&Request{Prompt: "x"})
	require.NoError(t, err)
	out, err := p.GetResult(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 4242, out.PID)
}
