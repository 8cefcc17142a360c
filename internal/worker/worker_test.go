package worker

// ============================================================================
// Worker Pool Test File
// Purpose: Verify concurrent execution, timeout, panic recovery, graceful shutdown
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ChuLiYu/darkroom/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chanSource feeds tasks from a channel and records acknowledgements.
type chanSource struct {
	tasks chan Task

	mu      sync.Mutex
	results map[types.JobID]Result
	acked   chan struct{}
}

func newChanSource(buffer int) *chanSource {
	return &chanSource{
		tasks:   make(chan Task, buffer),
		results: make(map[types.JobID]Result),
		acked:   make(chan struct{}, buffer),
	}
}

func (s *chanSource) Poll(ctx context.Context, maxJobs int) ([]Task, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case task, ok := <-s.tasks:
		if !ok {
			return nil, ErrSourceClosed
		}
		return []Task{task}, nil
	}
}

func (s *chanSource) Acknowledge(ctx context.Context, task Task, result Result) error {
	s.mu.Lock()
	s.results[task.ID] = result
	s.mu.Unlock()
	s.acked <- struct{}{}
	return nil
}

func (s *chanSource) wait(t *testing.T, n int) map[types.JobID]Result {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.acked:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d tasks acknowledged", i, n)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[types.JobID]Result, len(s.results))
	for k, v := range s.results {
		out[k] = v
	}
	return out
}

func task(i int) Task {
	return Task{ID: types.JobID(fmt.Sprintf("task-%d", i)), Payload: i}
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestPoolStart(t *testing.T) {
	src := newChanSource(1)
	pool := NewPool(src, func(context.Context, Task) (any, error) { return nil, nil }, Options{Workers: 8})
	assert.False(t, pool.IsStarted())

	require.NoError(t, pool.Start(context.Background()))
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolStarted)

	pool.Stop()
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolClosed)
}

func TestWorkerExecution(t *testing.T) {
	src := newChanSource(10)
	pool := NewPool(src, func(_ context.Context, task Task) (any, error) {
		return task.Payload.(int) * 2, nil
	}, Options{Workers: 1})
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	for i := 0; i < 10; i++ {
		src.tasks <- task(i)
	}
	results := src.wait(t, 10)

	require.Len(t, results, 10)
	for i := 0; i < 10; i++ {
		r := results[task(i).ID]
		assert.True(t, r.Success())
		assert.Equal(t, i*2, r.Value)
	}
}

func TestTimeout(t *testing.T) {
	src := newChanSource(2)
	pool := NewPool(src, func(ctx context.Context, _ Task) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, Options{Workers: 1, Timeout: time.Hour})
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	src.tasks <- Task{ID: "timeout-task", Timeout: time.Millisecond}
	r := src.wait(t, 1)["timeout-task"]

	assert.False(t, r.Success())
	assert.ErrorIs(t, r.Err, context.DeadlineExceeded)
}

func TestPanicIsRecovered(t *testing.T) {
	src := newChanSource(4)
	pool := NewPool(src, func(_ context.Context, task Task) (any, error) {
		if task.Payload.(int) == 0 {
			panic("kernel exploded")
		}
		return "ok", nil
	}, Options{Workers: 1})
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	src.tasks <- task(0)
	src.tasks <- task(1)
	results := src.wait(t, 2)

	bad := results[task(0).ID]
	assert.True(t, bad.Panicked)
	assert.ErrorIs(t, bad.Err, ErrTaskPanicked)
	assert.Contains(t, bad.Err.Error(), "kernel exploded")

	assert.True(t, results[task(1).ID].Success(), "worker keeps running after a panic")
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrency(t *testing.T) {
	const workers, tasks = 8, 64
	src := newChanSource(tasks)

	var running, peak atomic.Int64
	pool := NewPool(src, func(context.Context, Task) (any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	}, Options{Workers: workers})
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	for i := 0; i < tasks; i++ {
		src.tasks <- task(i)
	}
	src.wait(t, tasks)

	assert.LessOrEqual(t, peak.Load(), int64(workers))
	assert.Greater(t, peak.Load(), int64(1))
	assert.Equal(t, int64(tasks), pool.Completed())
}

// ============================================================================
// Graceful Shutdown Tests
// ============================================================================

func TestGracefulShutdown(t *testing.T) {
	src := newChanSource(4)
	started := make(chan struct{})
	release := make(chan struct{})
	pool := NewPool(src, func(ctx context.Context, _ Task) (any, error) {
		close(started)
		<-release
		return "finished", nil
	}, Options{Workers: 2})
	require.NoError(t, pool.Start(context.Background()))

	src.tasks <- task(0)
	<-started
	assert.Equal(t, 1, pool.Busy())

	stopped := make(chan struct{})
	go func() {
		pool.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the running task finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-stopped
	r := src.wait(t, 1)[task(0).ID]
	assert.Equal(t, "finished", r.Value, "in-flight task is acknowledged on shutdown")
	assert.Equal(t, 0, pool.Busy())
}

func TestSourceClosedStopsWorkers(t *testing.T) {
	src := newChanSource(1)
	pool := NewPool(src, func(context.Context, Task) (any, error) { return nil, nil }, Options{Workers: 3})
	require.NoError(t, pool.Start(context.Background()))

	close(src.tasks)
	done := make(chan struct{})
	go func() {
		pool.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("workers did not exit after the source closed")
	}
	pool.Stop()
}

type flakySource struct {
	*chanSource
	failures atomic.Int32
}

func (s *flakySource) Poll(ctx context.Context, maxJobs int) ([]Task, error) {
	if s.failures.Add(-1) >= 0 {
		return nil, errors.New("transient")
	}
	return s.chanSource.Poll(ctx, maxJobs)
}

func TestPollErrorIsRetried(t *testing.T) {
	src := &flakySource{chanSource: newChanSource(1)}
	src.failures.Store(3)
	pool := NewPool(src, func(context.Context, Task) (any, error) { return nil, nil }, Options{Workers: 1})
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	src.tasks <- task(0)
	src.chanSource.wait(t, 1)
}
