// ============================================================================
// Darkroom Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that pulls tasks from a JobSource and executes them,
//           each Worker runs in an independent goroutine
//
// How it works:
//   Each Worker continuously executes the following loop:
//   1. Poll the JobSource (blocking wait)
//   2. Execute the handler (with timeout control and panic recovery)
//   3. Acknowledge the result to the JobSource
//   4. Repeat until the context is cancelled or the source is closed
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for tasks := source.Poll()   │   │
//   │  │   ├─ Context with timeout    │   │
//   │  │   ├─ handler(ctx, task)      │   │
//   │  │   └─ source.Acknowledge()    │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Error Handling:
//   - Timeout error: ctx.Err() returns DeadlineExceeded
//   - Handler panic: recovered, reported as ErrTaskPanicked, worker keeps running
//   - All errors are encapsulated in Result and acknowledged
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"
)

// ErrTaskPanicked wraps a recovered handler panic.
var ErrTaskPanicked = errors.New("task panicked")

// pollRetryDelay is the pause after a transient Poll error.
const pollRetryDelay = 10 * time.Millisecond

// Worker represents a work execution unit
type Worker struct {
	id      int
	source  JobSource
	handler Handler
	timeout time.Duration
	busy    *atomic.Int64 // shared with the pool
	done    atomic.Int64
}

func newWorker(id int, source JobSource, handler Handler, timeout time.Duration, busy *atomic.Int64) *Worker {
	return &Worker{
		id:      id,
		source:  source,
		handler: handler,
		timeout: timeout,
		busy:    busy,
	}
}

// Run is the main loop of Worker. It returns when ctx is done or the source
// is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		tasks, err := w.source.Poll(ctx, 1)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrSourceClosed) {
				return
			}
			log.Warn("Poll failed", "worker", w.id, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollRetryDelay):
			}
			continue
		}

		for _, task := range tasks {
			result := w.execute(ctx, task)
			// 回報使用獨立 context，確保關閉時結果仍會送達
			if err := w.source.Acknowledge(context.WithoutCancel(ctx), task, result); err != nil {
				log.Error("Acknowledge failed", "worker", w.id, "job", task.ID, "error", err)
			}
			w.done.Add(1)
		}
	}
}

// execute runs the handler for one task with a timeout, recovering panics.
func (w *Worker) execute(parent context.Context, task Task) (result Result) {
	w.busy.Add(1)
	defer w.busy.Add(-1)

	start := time.Now()
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = w.timeout
	}
	ctx, cancel := parent, context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, timeout)
	}
	defer cancel()

	result = Result{JobID: task.ID, WorkerID: w.id}
	defer func() {
		if r := recover(); r != nil {
			log.Error("Task panicked",
				"worker", w.id,
				"job", task.ID,
				"panic", r,
				"stack", string(debug.Stack()))
			result.Value = nil
			result.Err = fmt.Errorf("%w: %v", ErrTaskPanicked, r)
			result.Panicked = true
		}
		result.Duration = time.Since(start)
	}()

	result.Value, result.Err = w.handler(ctx, task)
	return result
}
