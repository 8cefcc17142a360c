package scheduler

import (
	"context"
	"time"

	"github.com/ChuLiYu/darkroom/internal/edit"
	"github.com/ChuLiYu/darkroom/internal/pipeline"
	"github.com/ChuLiYu/darkroom/internal/rendercache"
	"github.com/ChuLiYu/darkroom/pkg/types"
)

// FinishFunc post-processes a rendered buffer on the worker (encode a
// thumbnail, write an export, store to the catalog). Its return value is
// delivered as Result.Artifact.
type FinishFunc func(ctx context.Context, buf *types.Buffer) (any, error)

// WorkFunc is a job that is not a render (an import decode). It runs on a
// worker like any other job; its return value is delivered as
// Result.Artifact.
type WorkFunc func(ctx context.Context) (any, error)

// Request describes one render, or one WorkFunc job when Work is set.
type Request struct {
	Image    types.ImageID
	Purpose  types.Purpose
	Snapshot edit.Snapshot
	Crop     types.Rect       // empty: full frame
	Target   types.Resolution // empty: crop size
	Profile  pipeline.DisplayProfile

	// Source overrides the SourceProvider lookup.
	Source *types.Buffer
	Finish FinishFunc
	// Work replaces the source lookup and the pipeline.
	Work WorkFunc
}

// Key is the dedup key of the request.
func (r Request) Key() types.DedupKey {
	return types.DedupKey{Image: r.Image, Purpose: r.Purpose}
}

// CacheKey is the render cache key of the request.
func (r Request) CacheKey() rendercache.Key {
	return rendercache.Key{
		Image:    r.Image,
		Snapshot: r.Snapshot.Hash(),
		Crop:     r.Crop,
		Target:   r.Target,
		Profile:  r.Profile.ID(),
	}
}

// cacheable reports whether the request goes through the interactive cache.
func (r Request) cacheable() bool {
	return r.Purpose == types.PurposePreview && r.Finish == nil && r.Work == nil
}

// Result is delivered exactly once per Ticket.
type Result struct {
	JobID    types.JobID
	Key      types.DedupKey
	Snapshot uint64
	Status   types.JobStatus
	Buffer   *types.Buffer
	Artifact any
	Err      error
	CacheHit bool
	Attempts int
	Latency  time.Duration
}

// Ticket is the caller's handle on a submitted request.
type Ticket struct {
	ID     types.JobID
	Key    types.DedupKey
	Result <-chan Result
}

// Wait blocks for the ticket's result or ctx.
func (t Ticket) Wait(ctx context.Context) (Result, error) {
	select {
	case r := <-t.Result:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// SourceProvider returns the decoded linear buffer for an image.
type SourceProvider interface {
	Source(ctx context.Context, id types.ImageID) (*types.Buffer, error)
}

// SourceFunc adapts a function to SourceProvider.
type SourceFunc func(ctx context.Context, id types.ImageID) (*types.Buffer, error)

func (f SourceFunc) Source(ctx context.Context, id types.ImageID) (*types.Buffer, error) {
	return f(ctx, id)
}

// Recorder receives scheduler events. metrics.Collector implements it.
type Recorder interface {
	RecordSubmitted(purpose types.Purpose)
	RecordCompleted(purpose types.Purpose, latency time.Duration, cacheHit bool)
	RecordCancelled(purpose types.Purpose, reason string)
	RecordFailed(purpose types.Purpose)
	RecordGPUReset()
	UpdateQueueStats(pending, inFlight int)
}

type nopRecorder struct{}

func (nopRecorder) RecordSubmitted(types.Purpose) {}
func (nopRecorder) RecordCompleted(types.Purpose, time.Duration, bool) {}
func (nopRecorder) RecordCancelled(types.Purpose, string) {}
func (nopRecorder) RecordFailed(types.Purpose) {}
func (nopRecorder) RecordGPUReset() {}
func (nopRecorder) UpdateQueueStats(int, int) {}
