// ============================================================================
// Darkroom Job Source Interface
// ============================================================================
//
// Package: internal/worker
// File: source.go
// Purpose: Defines the abstraction for fetching jobs and reporting results.
//
// Motivation:
//   The pool only knows how to run tasks. Where tasks come from (the
//   scheduler's priority queue) and what a finished task means (deliver to a
//   ticket, put into the render cache, re-submit after a GPU reset) belongs
//   to the JobSource.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
)

// ErrSourceClosed is returned by Poll when no more tasks will ever arrive.
// Workers exit when they see it.
var ErrSourceClosed = errors.New("job source closed")

// JobSource defines the interface for fetching jobs and reporting status.
type JobSource interface {
	// Poll fetches up to maxJobs tasks. It blocks until at least one task is
	// available, ctx is done, or the source is closed (ErrSourceClosed).
	Poll(ctx context.Context, maxJobs int) ([]Task, error)

	// Acknowledge reports the execution result of a task. It is called
	// exactly once per polled task, including panicked and timed-out ones.
	Acknowledge(ctx context.Context, task Task, result Result) error
}
