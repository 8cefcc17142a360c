package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/darkroom/internal/edit"
	"github.com/ChuLiYu/darkroom/internal/gpu"
	"github.com/ChuLiYu/darkroom/internal/jobmanager"
	"github.com/ChuLiYu/darkroom/internal/pipeline"
	"github.com/ChuLiYu/darkroom/internal/worker"
	"github.com/ChuLiYu/darkroom/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

func testConfig() Config {
	return Config{
		Workers:       1,
		QueueCapacity: 16,
		MaxGPURetries: 2,
		CacheBudget:   64 << 20,
	}
}

func gradient(w, h int) *types.Buffer {
	buf := types.NewBuffer(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := float32(x+y) / float32(w+h)
			buf.Set(x, y, v, v*0.8, v*0.6)
		}
	}
	return buf
}

// fakeSource serves a gradient per image. Images listed in block wait for
// release (or ctx); images listed in fail return an error.
type fakeSource struct {
	mu      sync.Mutex
	order   []types.ImageID
	block   map[types.ImageID]bool
	fail    map[types.ImageID]error
	entered chan types.ImageID
	release chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		block:   map[types.ImageID]bool{},
		fail:    map[types.ImageID]error{},
		entered: make(chan types.ImageID, 16),
		release: make(chan struct{}),
	}
}

func (f *fakeSource) Source(ctx context.Context, id types.ImageID) (*types.Buffer, error) {
	f.mu.Lock()
	f.order = append(f.order, id)
	blocked := f.block[id]
	err := f.fail[id]
	f.mu.Unlock()

	f.entered <- id
	if blocked {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return gradient(16, 12), nil
}

func (f *fakeSource) calls() []types.ImageID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.ImageID(nil), f.order...)
}

type fakeRecorder struct {
	mu        sync.Mutex
	submitted int
	completed int
	hits      int
	cancelled map[string]int
	failed    int
	resets    int
}

func newFakeRecorder() *fakeRecorder { return &fakeRecorder{cancelled: map[string]int{}} }

func (r *fakeRecorder) RecordSubmitted(types.Purpose) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submitted++
}

func (r *fakeRecorder) RecordCompleted(_ types.Purpose, _ time.Duration, hit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed++
	if hit {
		r.hits++
	}
}

func (r *fakeRecorder) RecordCancelled(_ types.Purpose, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled[reason]++
}

func (r *fakeRecorder) RecordFailed(types.Purpose) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed++
}

func (r *fakeRecorder) RecordGPUReset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets++
}

func (r *fakeRecorder) UpdateQueueStats(int, int) {}

func newTestScheduler(t *testing.T, cfg Config, factory gpu.DeviceFactory, src SourceProvider, rec Recorder) *Scheduler {
	t.Helper()
	if factory == nil {
		factory = gpu.SoftwareFactory(2)
	}
	g, err := gpu.NewContext(factory, gpu.Options{})
	require.NoError(t, err)
	s := New(cfg, pipeline.New(g), src, rec)
	t.Cleanup(func() {
		s.Stop()
		g.Close()
	})
	return s
}

func wait(t *testing.T, ticket Ticket) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	res, err := ticket.Wait(ctx)
	require.NoError(t, err, "no result for %s", ticket.Key)
	return res
}

func preview(id types.ImageID, snap edit.Snapshot) Request {
	return Request{Image: id, Purpose: types.PurposePreview, Snapshot: snap, Target: types.Resolution{Width: 8, Height: 6}}
}

func TestSubmit_RendersAndCaches(t *testing.T) {
	s := newTestScheduler(t, testConfig(), nil, newFakeSource(), nil)
	require.NoError(t, s.Start(context.Background()))

	snap := edit.Default().With(edit.Exposure, 1)
	ticket, err := s.Submit(preview("img-1", snap))
	require.NoError(t, err)

	res := wait(t, ticket)
	require.NoError(t, res.Err)
	assert.Equal(t, types.StatusCompleted, res.Status)
	assert.False(t, res.CacheHit)
	assert.Equal(t, snap.Hash(), res.Snapshot)
	assert.Equal(t, 1, res.Attempts)
	require.NotNil(t, res.Buffer)
	assert.Equal(t, types.Resolution{Width: 8, Height: 6}, res.Buffer.Size())
	assert.Equal(t, 1, s.Cache().Len())

	// 相同請求直接由 cache 滿足
	ticket, err = s.Submit(preview("img-1", snap))
	require.NoError(t, err)
	hit := wait(t, ticket)
	assert.True(t, hit.CacheHit)
	assert.Equal(t, 0, hit.Attempts)
	assert.Same(t, res.Buffer, hit.Buffer)
}

func TestCachedResultEqualsFreshRender(t *testing.T) {
	s := newTestScheduler(t, testConfig(), nil, newFakeSource(), nil)
	require.NoError(t, s.Start(context.Background()))

	snap := edit.NewSnapshot(edit.Params{Exposure: 0.5, Contrast: 20, Saturation: 15, Temperature: -10})
	first := wait(t, mustSubmit(t, s, preview("img-1", snap)))
	require.False(t, first.CacheHit)
	cached := wait(t, mustSubmit(t, s, preview("img-1", snap)))
	require.True(t, cached.CacheHit)

	fresh, err := s.Pipeline().Render(context.Background(), gradient(16, 12), snap,
		types.Rect{}, types.Resolution{Width: 8, Height: 6}, pipeline.Options{})
	require.NoError(t, err)
	defer s.Pipeline().Release(fresh)

	assert.Equal(t, fresh.Pix, cached.Buffer.Pix)
}

func mustSubmit(t *testing.T, s *Scheduler, req Request) Ticket {
	t.Helper()
	ticket, err := s.Submit(req)
	require.NoError(t, err)
	return ticket
}

func TestDedup_LastWriteWins(t *testing.T) {
	rec := newFakeRecorder()
	src := newFakeSource()
	s := newTestScheduler(t, testConfig(), nil, src, rec)

	s1 := edit.Default().With(edit.Exposure, 0.5)
	s2 := edit.Default().With(edit.Exposure, 1)
	t1 := mustSubmit(t, s, preview("img-1", s1))
	t2 := mustSubmit(t, s, preview("img-1", s2))

	// S1 在執行前已被取代
	r1 := wait(t, t1)
	assert.Equal(t, types.StatusCancelled, r1.Status)
	assert.ErrorIs(t, r1.Err, ErrCancelled)
	assert.ErrorIs(t, r1.Err, ErrSuperseded)
	assert.Nil(t, r1.Buffer)

	require.NoError(t, s.Start(context.Background()))
	r2 := wait(t, t2)
	require.NoError(t, r2.Err)
	assert.Equal(t, s2.Hash(), r2.Snapshot)

	assert.Len(t, src.calls(), 1, "superseded job never executes")
	assert.False(t, s.Cache().Contains(preview("img-1", s1).CacheKey()))
	assert.True(t, s.Cache().Contains(preview("img-1", s2).CacheKey()))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 2, rec.submitted)
	assert.Equal(t, 1, rec.completed)
	assert.Equal(t, 1, rec.cancelled["superseded"])
}

func TestDedup_DifferentPurposesCoexist(t *testing.T) {
	s := newTestScheduler(t, testConfig(), nil, newFakeSource(), nil)

	snap := edit.Default()
	tp := mustSubmit(t, s, preview("img-1", snap))
	tt := mustSubmit(t, s, Request{Image: "img-1", Purpose: types.PurposeThumbnail, Snapshot: snap})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, types.StatusCompleted, wait(t, tp).Status)
	assert.Equal(t, types.StatusCompleted, wait(t, tt).Status)
}

func TestSupersededInFlight_NeverCached(t *testing.T) {
	src := newFakeSource()
	src.block["img-1"] = true
	s := newTestScheduler(t, testConfig(), nil, src, nil)
	require.NoError(t, s.Start(context.Background()))

	s1 := edit.Default().With(edit.Exposure, 0.5)
	s2 := edit.Default().With(edit.Exposure, 1)
	t1 := mustSubmit(t, s, preview("img-1", s1))
	<-src.entered

	t2 := mustSubmit(t, s, preview("img-1", s2))

	r1 := wait(t, t1)
	assert.Equal(t, types.StatusCancelled, r1.Status)
	assert.ErrorIs(t, r1.Err, ErrCancelled)
	assert.ErrorIs(t, r1.Err, ErrSuperseded)

	// S2 也在 block 名單中：放行
	<-src.entered
	close(src.release)
	r2 := wait(t, t2)
	require.NoError(t, r2.Err)

	assert.False(t, s.Cache().Contains(preview("img-1", s1).CacheKey()))
	assert.True(t, s.Cache().Contains(preview("img-1", s2).CacheKey()))
	assert.Equal(t, s.Cache().UsedBytes(), s.Pipeline().GPU().Allocated(), "only cached buffers hold device memory")
}

func TestPriorityOrder(t *testing.T) {
	src := newFakeSource()
	s := newTestScheduler(t, testConfig(), nil, src, nil)

	snap := edit.Default()
	tickets := []Ticket{
		mustSubmit(t, s, Request{Image: "imp", Purpose: types.PurposeImport, Snapshot: snap}),
		mustSubmit(t, s, Request{Image: "thumb", Purpose: types.PurposeThumbnail, Snapshot: snap}),
		mustSubmit(t, s, preview("view", snap)),
	}

	require.NoError(t, s.Start(context.Background()))
	for _, ticket := range tickets {
		assert.Equal(t, types.StatusCompleted, wait(t, ticket).Status)
	}
	assert.Equal(t, []types.ImageID{"view", "thumb", "imp"}, src.calls())
}

func TestQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueCapacity = 2
	rec := newFakeRecorder()
	s := newTestScheduler(t, cfg, nil, newFakeSource(), rec)
	snap := edit.Default()

	impA := mustSubmit(t, s, Request{Image: "a", Purpose: types.PurposeImport, Snapshot: snap})
	impB := mustSubmit(t, s, Request{Image: "b", Purpose: types.PurposeImport, Snapshot: snap})

	// 互動預覽搶佔最後進入的 import
	view := mustSubmit(t, s, preview("c", snap))
	rb := wait(t, impB)
	assert.Equal(t, types.StatusCancelled, rb.Status)
	assert.ErrorIs(t, rb.Err, ErrPreempted)

	// 同優先級無法搶佔
	_, err := s.Submit(Request{Image: "d", Purpose: types.PurposeImport, Snapshot: snap})
	assert.ErrorIs(t, err, ErrQueueFull)

	// 同 key 取代不受容量限制
	view2 := mustSubmit(t, s, preview("c", snap.With(edit.Exposure, 1)))
	assert.Equal(t, types.StatusCancelled, wait(t, view).Status)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, types.StatusCompleted, wait(t, view2).Status)
	assert.Equal(t, types.StatusCompleted, wait(t, impA).Status)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.cancelled["preempted"])
	assert.Equal(t, 1, rec.cancelled["superseded"])
}

func TestCacheHitCancelsQueuedJob(t *testing.T) {
	src := newFakeSource()
	src.block["busy"] = true
	s := newTestScheduler(t, testConfig(), nil, src, nil)
	require.NoError(t, s.Start(context.Background()))

	s1 := edit.Default().With(edit.Exposure, 0.5)
	s2 := edit.Default().With(edit.Exposure, 1)
	require.NoError(t, wait(t, mustSubmit(t, s, preview("img-1", s1))).Err)
	<-src.entered

	// worker 被佔住，S2 只能排隊
	busy := mustSubmit(t, s, preview("busy", s1))
	<-src.entered
	queued := mustSubmit(t, s, preview("img-1", s2))

	back := wait(t, mustSubmit(t, s, preview("img-1", s1)))
	assert.True(t, back.CacheHit)

	rq := wait(t, queued)
	assert.Equal(t, types.StatusCancelled, rq.Status)
	assert.ErrorIs(t, rq.Err, context.Canceled)

	close(src.release)
	assert.Equal(t, types.StatusCompleted, wait(t, busy).Status)
}

func TestFailureIsolation(t *testing.T) {
	src := newFakeSource()
	src.fail["broken"] = errors.New("unreadable raw")
	rec := newFakeRecorder()
	cfg := testConfig()
	cfg.Workers = 2
	s := newTestScheduler(t, cfg, nil, src, rec)
	require.NoError(t, s.Start(context.Background()))

	snap := edit.Default()
	broken := mustSubmit(t, s, preview("broken", snap))
	panicky := mustSubmit(t, s, Request{
		Image:    "panicky",
		Purpose:  types.PurposeExport,
		Snapshot: snap,
		Finish: func(context.Context, *types.Buffer) (any, error) {
			panic("encoder exploded")
		},
	})
	healthy := mustSubmit(t, s, preview("healthy", snap))

	rb := wait(t, broken)
	assert.Equal(t, types.StatusFailed, rb.Status)
	assert.EqualError(t, rb.Err, "unreadable raw")

	rp := wait(t, panicky)
	assert.Equal(t, types.StatusFailed, rp.Status)
	assert.ErrorIs(t, rp.Err, worker.ErrTaskPanicked)

	assert.Equal(t, types.StatusCompleted, wait(t, healthy).Status)
	assert.Equal(t, s.Cache().UsedBytes(), s.Pipeline().GPU().Allocated())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 2, rec.failed)
	assert.Equal(t, 1, rec.completed)
}

func TestNoSourceProvider(t *testing.T) {
	s := newTestScheduler(t, testConfig(), nil, nil, nil)
	require.NoError(t, s.Start(context.Background()))

	res := wait(t, mustSubmit(t, s, preview("img-1", edit.Default())))
	assert.Equal(t, types.StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, ErrNoSource)

	req := preview("img-2", edit.Default())
	req.Source = gradient(4, 4)
	res = wait(t, mustSubmit(t, s, req))
	assert.Equal(t, types.StatusCompleted, res.Status)
}

func TestFinishArtifact(t *testing.T) {
	s := newTestScheduler(t, testConfig(), nil, newFakeSource(), nil)
	require.NoError(t, s.Start(context.Background()))

	res := wait(t, mustSubmit(t, s, Request{
		Image:    "img-1",
		Purpose:  types.PurposeThumbnail,
		Snapshot: edit.Default(),
		Target:   types.Resolution{Width: 4, Height: 3},
		Finish: func(_ context.Context, buf *types.Buffer) (any, error) {
			return fmt.Sprintf("%dx%d", buf.Width, buf.Height), nil
		},
	}))
	require.NoError(t, res.Err)
	assert.Equal(t, "4x3", res.Artifact)
	assert.Equal(t, 0, s.Cache().Len(), "only interactive previews are cached")
	assert.Equal(t, int64(0), s.Pipeline().GPU().Allocated())
}

// lossyDevice loses itself after its first dispatch.
type lossyDevice struct {
	*gpu.SoftwareDevice
}

func (d *lossyDevice) Dispatch(ctx context.Context, prog *gpu.Program, pass gpu.Pass, buf *types.Buffer) error {
	if err := d.SoftwareDevice.Dispatch(ctx, prog, pass, buf); err != nil {
		return err
	}
	return d.Close()
}

func TestGPULost_ResubmitsHead(t *testing.T) {
	var mu sync.Mutex
	opened := 0
	factory := func() (gpu.Device, error) {
		mu.Lock()
		defer mu.Unlock()
		opened++
		if opened == 1 {
			return &lossyDevice{gpu.NewSoftwareDevice(1)}, nil
		}
		return gpu.NewSoftwareDevice(1), nil
	}
	rec := newFakeRecorder()
	s := newTestScheduler(t, testConfig(), factory, newFakeSource(), rec)
	require.NoError(t, s.Start(context.Background()))

	res := wait(t, mustSubmit(t, s, preview("img-1", edit.Default().With(edit.Exposure, 1))))
	require.NoError(t, res.Err)
	assert.Equal(t, types.StatusCompleted, res.Status)
	assert.Equal(t, 2, res.Attempts)

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.GPUResets)
	assert.Equal(t, uint64(2), stats.GPUGeneration)
	assert.Equal(t, uint64(1), stats.Jobs.Requeued)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.resets)
}

func TestGPULost_GivesUpAfterMaxRetries(t *testing.T) {
	factory := func() (gpu.Device, error) {
		return &lossyDevice{gpu.NewSoftwareDevice(1)}, nil
	}
	s := newTestScheduler(t, testConfig(), factory, newFakeSource(), nil)
	require.NoError(t, s.Start(context.Background()))

	res := wait(t, mustSubmit(t, s, preview("img-1", edit.Default().With(edit.Exposure, 1))))
	assert.Equal(t, types.StatusFailed, res.Status)
	assert.True(t, gpu.NeedsReinit(res.Err))
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, int64(0), s.Pipeline().GPU().Allocated())
}

func TestCancel(t *testing.T) {
	s := newTestScheduler(t, testConfig(), nil, newFakeSource(), nil)
	req := preview("img-1", edit.Default())
	ticket := mustSubmit(t, s, req)

	assert.True(t, s.Cancel(req.Key()))
	res := wait(t, ticket)
	assert.Equal(t, types.StatusCancelled, res.Status)
	assert.ErrorIs(t, res.Err, context.Canceled)

	assert.False(t, s.Cancel(req.Key()))
}

func TestStop_CancelsQueuedJobs(t *testing.T) {
	rec := newFakeRecorder()
	s := newTestScheduler(t, testConfig(), nil, newFakeSource(), rec)

	t1 := mustSubmit(t, s, preview("a", edit.Default()))
	t2 := mustSubmit(t, s, preview("b", edit.Default()))
	s.Stop()

	for _, ticket := range []Ticket{t1, t2} {
		res := wait(t, ticket)
		assert.Equal(t, types.StatusCancelled, res.Status)
		assert.ErrorIs(t, res.Err, ErrCancelled)
		assert.ErrorIs(t, res.Err, jobmanager.ErrClosed)
	}

	_, err := s.Submit(preview("c", edit.Default()))
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, s.Start(context.Background()), ErrStopped)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 2, rec.cancelled["stopped"])
}

func TestStop_CancelsInFlightJob(t *testing.T) {
	src := newFakeSource()
	src.block["img-1"] = true
	s := newTestScheduler(t, testConfig(), nil, src, nil)
	require.NoError(t, s.Start(context.Background()))

	ticket := mustSubmit(t, s, preview("img-1", edit.Default().With(edit.Exposure, 1)))
	<-src.entered
	s.Stop()

	res := wait(t, ticket)
	assert.Equal(t, types.StatusCancelled, res.Status)
	assert.Equal(t, 0, s.Cache().Len())
}

func TestSubmitAndWait(t *testing.T) {
	s := newTestScheduler(t, testConfig(), nil, newFakeSource(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.SubmitAndWait(ctx, preview("img-1", edit.Default()))
	assert.ErrorIs(t, err, context.DeadlineExceeded, "not started: nothing runs")

	require.NoError(t, s.Start(context.Background()))
	res, err := s.SubmitAndWait(context.Background(), preview("img-2", edit.Default()))
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, res.Status)
}

func TestConcurrentSubmit(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 4
	cfg.QueueCapacity = 0
	s := newTestScheduler(t, cfg, nil, newFakeSource(), nil)
	require.NoError(t, s.Start(context.Background()))

	const images, edits = 8, 10
	var wg sync.WaitGroup
	finals := make([]Ticket, images)
	for i := 0; i < images; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := types.ImageID(fmt.Sprintf("img-%d", i))
			for e := 0; e < edits; e++ {
				snap := edit.Default().With(edit.Exposure, float64(e)/10)
				finals[i] = mustSubmit(t, s, preview(id, snap))
			}
		}(i)
	}
	wg.Wait()

	for i, ticket := range finals {
		res := wait(t, ticket)
		assert.Equal(t, types.StatusCompleted, res.Status, "image %d", i)
		assert.Equal(t, edit.Default().With(edit.Exposure, 0.9).Hash(), res.Snapshot)
	}
	assert.Equal(t, 0, s.Stats().Jobs.Pending)
}
