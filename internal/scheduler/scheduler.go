// ============================================================================
// Darkroom Scheduler - 渲染任務調度器
// ============================================================================
//
// Package: internal/scheduler
// 文件: scheduler.go
// 功能: 系統核心協調器，接收渲染請求、去重排序、分派給 worker 並交付結果
//
// 架構設計:
//   協調以下組件：
//   - JobManager: 優先級佇列 + 同 key 去重（pending/in_flight）
//   - WorkerPool: 固定數量 worker，以 pull 模式向 Scheduler Poll 任務
//   - Pipeline:   GPU 多 pass 轉換
//   - RenderCache: 互動預覽結果快取（Scheduler 擁有）
//
// 任務流程:
//   Submit()
//     ├─ cache 命中 → 直接交付（並取消同 key 舊任務）
//     └─ Enqueue → 取代 / 搶佔的舊任務立即交付 cancelled
//   Poll() (worker)
//     └─ JobManager.Next() 取出最高優先級任務
//   execute() (worker)
//     ├─ Work 任務（匯入解碼）→ 直接執行，結果放在 Artifact
//     ├─ 再查一次 cache
//     ├─ SourceProvider 取 decoded buffer
//     ├─ Pipeline.Render（pass 之間檢查取消）
//     └─ FinishFunc 後處理（thumbnail / export）
//   Acknowledge() (worker)
//     ├─ GPU 錯誤 → 重建 context，head 任務重送（最多 MaxGPURetries 次）
//     ├─ 已取消 → 丟棄結果，不寫 cache
//     └─ 完成 → 寫 cache、交付結果
//
// 一致性:
//   - s.mu 串行化「取代舊任務」與「寫入 cache / 結束任務」，
//     被取代的任務結果不會在取代之後寫入 cache
//   - 每張 Ticket 只交付一次 Result（buffered channel + sync.Once）
//
// 記憶體所有權:
//   - 寫入 cache 的 buffer 由 cache 擁有，淘汰時歸還 GPU 配額
//   - 其他結果交付前即歸還 GPU 配額，Buffer 內容仍可讀
//
// ============================================================================

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/darkroom/internal/gpu"
	"github.com/ChuLiYu/darkroom/internal/jobmanager"
	"github.com/ChuLiYu/darkroom/internal/pipeline"
	"github.com/ChuLiYu/darkroom/internal/rendercache"
	"github.com/ChuLiYu/darkroom/internal/worker"
	"github.com/ChuLiYu/darkroom/pkg/types"
	"github.com/google/uuid"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrStopped Scheduler 已停止
	ErrStopped = errors.New("scheduler stopped")
	// ErrCancelled 任務被取消，結果已丟棄；原因以 %w 串接
	ErrCancelled = errors.New("job cancelled")
	// ErrNoSource 沒有 SourceProvider 也沒有 Request.Source
	ErrNoSource = errors.New("no source buffer for image")
)

// Re-exported so callers need not import jobmanager.
var (
	ErrQueueFull  = jobmanager.ErrQueueFull
	ErrSuperseded = jobmanager.ErrSuperseded
	ErrPreempted  = jobmanager.ErrPreempted
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Scheduler 配置
type Config struct {
	Workers       int           // Worker 數量
	QueueCapacity int           // 佇列容量，0 表示不限
	MaxGPURetries int           // GPU 錯誤後重送次數上限
	JobTimeout    time.Duration // 單一任務超時，0 表示不限
	CacheBudget   int64         // render cache 位元組上限
}

// Stats Scheduler 狀態
type Stats struct {
	Jobs          jobmanager.Stats  `json:"jobs"`
	Cache         rendercache.Stats `json:"cache"`
	Workers       int               `json:"workers"`
	BusyWorkers   int               `json:"busy_workers"`
	GPUDevice     string            `json:"gpu_device"`
	GPUGeneration uint64            `json:"gpu_generation"`
	GPUResets     int64             `json:"gpu_resets"`
	GPUAllocated  int64             `json:"gpu_allocated_bytes"`
}

// jobState 是 jobmanager.Job.Payload
type jobState struct {
	req       Request
	result    chan Result
	once      sync.Once
	submitted time.Time
}

// outcome 是 worker.Result.Value
type outcome struct {
	buf      *types.Buffer
	artifact any
	cacheHit bool
}

// Scheduler 渲染任務調度器
type Scheduler struct {
	cfg     Config
	pipe    *pipeline.Pipeline
	gpu     *gpu.Context
	cache   *rendercache.Cache
	sources SourceProvider
	rec     Recorder

	jobs *jobmanager.JobManager
	pool *worker.Pool

	mu      sync.Mutex
	stopped atomic.Bool
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 Scheduler
//
// 參數：
//   - cfg: 配置
//   - pipe: 渲染管線（其 GPU context 由呼叫端擁有）
//   - sources: 取得 decoded buffer，可為 nil（此時每個 Request 須帶 Source）
//   - rec: 指標記錄器，可為 nil
func New(cfg Config, pipe *pipeline.Pipeline, sources SourceProvider, rec Recorder) *Scheduler {
	if rec == nil {
		rec = nopRecorder{}
	}
	s := &Scheduler{
		cfg:     cfg,
		pipe:    pipe,
		gpu:     pipe.GPU(),
		sources: sources,
		rec:     rec,
		jobs:    jobmanager.NewJobManager(cfg.QueueCapacity),
	}
	s.cache = rendercache.New(cfg.CacheBudget, func(_ rendercache.Key, buf *types.Buffer) {
		pipe.Release(buf)
	})
	s.pool = worker.NewPool(s, s.execute, worker.Options{Workers: cfg.Workers, Timeout: cfg.JobTimeout})
	return s
}

// Start 啟動 Worker Pool
func (s *Scheduler) Start(ctx context.Context) error {
	if s.stopped.Load() {
		return ErrStopped
	}
	if err := s.pool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	log.Info("Scheduler started",
		"workers", s.pool.GetWorkerCount(),
		"queue_capacity", s.cfg.QueueCapacity,
		"cache_budget", s.cfg.CacheBudget)
	return nil
}

// Stop 取消所有排隊任務、標記執行中任務取消，並等待 worker 結束
func (s *Scheduler) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	drained := s.jobs.Close()
	for _, job := range drained {
		s.deliverCancelled(job)
	}
	s.mu.Unlock()

	s.pool.Stop()
	log.Info("Scheduler stopped", "drained", len(drained))
}

// Submit 提交一個渲染請求
//
// 返回值：
//   - Ticket: 結果會送到 Ticket.Result，且只送一次
//   - error: ErrStopped、ErrQueueFull
func (s *Scheduler) Submit(req Request) (Ticket, error) {
	if s.stopped.Load() {
		return Ticket{}, ErrStopped
	}
	if req.Purpose == "" {
		req.Purpose = types.PurposePreview
	}

	st := &jobState{req: req, result: make(chan Result, 1), submitted: time.Now()}
	ticket := Ticket{ID: types.JobID(uuid.NewString()), Key: req.Key(), Result: st.result}
	s.rec.RecordSubmitted(req.Purpose)

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.cacheable() {
		if buf, ok := s.cache.Get(req.CacheKey()); ok {
			// 新請求已直接滿足，同 key 的舊任務作廢
			if old, queued := s.jobs.Cancel(ticket.Key); old != nil && queued {
				s.deliverCancelled(old)
			}
			s.deliver(st, Result{
				JobID:    ticket.ID,
				Key:      ticket.Key,
				Snapshot: req.Snapshot.Hash(),
				Status:   types.StatusCompleted,
				Buffer:   buf,
				CacheHit: true,
				Attempts: 0,
				Latency:  time.Since(st.submitted),
			})
			s.rec.RecordCompleted(req.Purpose, time.Since(st.submitted), true)
			return ticket, nil
		}
	}

	job := &jobmanager.Job{
		ID:       ticket.ID,
		Key:      ticket.Key,
		Priority: req.Purpose.DefaultPriority(),
		Payload:  st,
	}
	res, err := s.jobs.Enqueue(job)
	if err != nil {
		return Ticket{}, err
	}
	if res.Replaced != nil {
		s.deliverCancelled(res.Replaced)
	}
	if res.Preempted != nil {
		s.deliverCancelled(res.Preempted)
	}
	if res.Superseded != nil {
		log.Debug("In-flight job superseded", "job", res.Superseded.ID, "key", ticket.Key)
	}

	s.updateQueueStats()
	return ticket, nil
}

// SubmitAndWait 提交並等待結果
func (s *Scheduler) SubmitAndWait(ctx context.Context, req Request) (Result, error) {
	ticket, err := s.Submit(req)
	if err != nil {
		return Result{}, err
	}
	res, err := ticket.Wait(ctx)
	if err != nil {
		// 呼叫端不再等待，任務也不必執行
		s.CancelJob(ticket.ID)
	}
	return res, err
}

// Cancel 取消 key 目前的任務。排隊中的任務立即交付 cancelled；
// 執行中的任務在 worker 回報時交付。
func (s *Scheduler) Cancel(key types.DedupKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, queued := s.jobs.Cancel(key)
	if job == nil {
		return false
	}
	if queued {
		s.deliverCancelled(job)
	}
	s.updateQueueStats()
	return true
}

// CancelJob cancels the job only while it is still the live job for its
// key; a newer submission for the same key is left alone.
func (s *Scheduler) CancelJob(id types.JobID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := s.jobs.Get(id)
	if job == nil || s.jobs.Head(job.Key) != job {
		return false
	}
	job, queued := s.jobs.Cancel(job.Key)
	if job == nil {
		return false
	}
	if queued {
		s.deliverCancelled(job)
	}
	s.updateQueueStats()
	return true
}

// ============================================================================
// Worker 端：執行
// ============================================================================

func (s *Scheduler) execute(ctx context.Context, task worker.Task) (any, error) {
	job := task.Payload.(*jobmanager.Job)
	st := job.Payload.(*jobState)
	req := st.req

	ctx, cancel := job.Bind(ctx)
	defer cancel()

	if job.Cancelled() {
		return nil, job.CancelReason()
	}

	if req.Work != nil {
		v, err := req.Work(ctx)
		if err != nil {
			return nil, err
		}
		return &outcome{artifact: v}, nil
	}

	if req.cacheable() {
		if buf, ok := s.cache.Get(req.CacheKey()); ok {
			return &outcome{buf: buf, cacheHit: true}, nil
		}
	}

	src := req.Source
	if src == nil {
		if s.sources == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoSource, req.Image)
		}
		var err error
		if src, err = s.sources.Source(ctx, req.Image); err != nil {
			return nil, err
		}
	}

	out, err := s.pipe.Render(ctx, src, req.Snapshot, req.Crop, req.Target, pipeline.Options{Profile: req.Profile})
	if err != nil {
		return nil, err
	}

	o := &outcome{buf: out}
	if req.Finish != nil {
		// Finish 出錯或 panic 時歸還配額
		done := false
		defer func() {
			if !done {
				s.pipe.Release(out)
			}
		}()
		if o.artifact, err = req.Finish(ctx, out); err != nil {
			return nil, err
		}
		done = true
	}
	return o, nil
}

// ============================================================================
// worker.JobSource 實作
// ============================================================================

// Poll implements worker.JobSource. It always hands out a single job so
// that priority is re-evaluated on every pick.
func (s *Scheduler) Poll(ctx context.Context, _ int) ([]worker.Task, error) {
	job, err := s.jobs.Next(ctx)
	if err != nil {
		if errors.Is(err, jobmanager.ErrClosed) {
			return nil, worker.ErrSourceClosed
		}
		return nil, err
	}
	s.updateQueueStats()
	return []worker.Task{{ID: job.ID, Payload: job, Timeout: s.cfg.JobTimeout}}, nil
}

// Acknowledge implements worker.JobSource.
func (s *Scheduler) Acknowledge(_ context.Context, task worker.Task, result worker.Result) error {
	job := task.Payload.(*jobmanager.Job)
	st := job.Payload.(*jobState)
	o, _ := result.Value.(*outcome)

	if result.Err != nil && gpu.NeedsReinit(result.Err) && !job.Cancelled() && !s.stopped.Load() {
		if s.recoverGPU(result.Err) && job.Attempt < s.cfg.MaxGPURetries {
			if err := s.jobs.Requeue(job.ID); err == nil {
				log.Warn("Re-submitting job after GPU error",
					"job", job.ID,
					"key", job.Key,
					"attempt", job.Attempt,
					"error", result.Err)
				s.updateQueueStats()
				return nil
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res := Result{
		JobID:    job.ID,
		Key:      job.Key,
		Snapshot: st.req.Snapshot.Hash(),
		Attempts: job.Attempt + 1,
		Latency:  time.Since(st.submitted),
	}

	status := types.StatusFailed
	switch {
	case job.Cancelled():
		status = types.StatusCancelled
	case result.Err == nil:
		status = types.StatusCompleted
	// 只有任務自己被取消或 scheduler 停止才算 cancelled；
	// 其他來源的 context.Canceled 是失敗
	case s.stopped.Load() && (errors.Is(result.Err, pipeline.ErrCancelled) || errors.Is(result.Err, context.Canceled)):
		status = types.StatusCancelled
	}

	final, err := s.jobs.Complete(job.ID, status)
	if err != nil {
		log.Error("Failed to complete job", "job", job.ID, "error", err)
	} else {
		status = final
	}
	res.Status = status

	switch status {
	case types.StatusCompleted:
		res.Buffer, res.Artifact, res.CacheHit = o.buf, o.artifact, o.cacheHit
		if !o.cacheHit {
			if st.req.cacheable() {
				if !s.cache.Put(st.req.CacheKey(), o.buf) {
					s.pipe.Release(o.buf)
				}
			} else {
				s.pipe.Release(o.buf)
			}
		}
		s.rec.RecordCompleted(st.req.Purpose, res.Latency, o.cacheHit)

	case types.StatusCancelled:
		if o != nil && !o.cacheHit {
			s.pipe.Release(o.buf)
		}
		reason := job.CancelReason()
		if reason == nil {
			reason = result.Err
		}
		if s.stopped.Load() && reason == nil {
			reason = ErrStopped
		}
		res.Err = fmt.Errorf("%w: %w", ErrCancelled, reason)
		s.rec.RecordCancelled(st.req.Purpose, reasonLabel(reason))

	default:
		res.Err = result.Err
		log.Warn("Render job failed",
			"job", job.ID,
			"image", job.Key.Image,
			"purpose", job.Key.Purpose,
			"panicked", result.Panicked,
			"error", result.Err)
		s.rec.RecordFailed(st.req.Purpose)
	}

	s.deliver(st, res)
	s.updateQueueStats()
	return nil
}

// recoverGPU 依錯誤類型恢復 GPU：OOM 先釋放一半 cache，device lost 則重建 context。
// 回傳是否值得重送。
func (s *Scheduler) recoverGPU(err error) bool {
	var ge *gpu.Error
	if !errors.As(err, &ge) {
		return false
	}

	if ge.Kind == gpu.OutOfMemory {
		used := s.cache.UsedBytes()
		n := s.cache.Trim(used / 2)
		log.Warn("GPU out of memory, trimmed render cache",
			"evicted", n,
			"freed", used-s.cache.UsedBytes())
		// 配額不足（generation 0）不需要重建裝置
		if ge.Generation == 0 {
			return true
		}
	}

	reset, rerr := s.gpu.Reinit(ge.Generation)
	if rerr != nil {
		log.Error("GPU reinitialisation failed", "error", rerr)
		return false
	}
	if reset {
		s.rec.RecordGPUReset()
	}
	return true
}

// deliverCancelled 交付一個已被 JobManager 取消的排隊任務
func (s *Scheduler) deliverCancelled(job *jobmanager.Job) {
	st := job.Payload.(*jobState)
	reason := job.CancelReason()
	s.deliver(st, Result{
		JobID:    job.ID,
		Key:      job.Key,
		Snapshot: st.req.Snapshot.Hash(),
		Status:   types.StatusCancelled,
		Err:      fmt.Errorf("%w: %w", ErrCancelled, reason),
		Attempts: job.Attempt,
		Latency:  time.Since(st.submitted),
	})
	s.rec.RecordCancelled(st.req.Purpose, reasonLabel(reason))
}

func (s *Scheduler) deliver(st *jobState, res Result) {
	st.once.Do(func() {
		st.result <- res
	})
}

func (s *Scheduler) updateQueueStats() {
	js := s.jobs.Stats()
	s.rec.UpdateQueueStats(js.Pending, js.InFlight)
}

func reasonLabel(err error) string {
	switch {
	case errors.Is(err, jobmanager.ErrSuperseded):
		return "superseded"
	case errors.Is(err, jobmanager.ErrPreempted):
		return "preempted"
	case errors.Is(err, jobmanager.ErrClosed), errors.Is(err, ErrStopped):
		return "stopped"
	default:
		return "cancelled"
	}
}

// ============================================================================
// 查詢方法
// ============================================================================

// Cache 返回 Scheduler 擁有的 render cache
func (s *Scheduler) Cache() *rendercache.Cache { return s.cache }

// Pipeline 返回渲染管線
func (s *Scheduler) Pipeline() *pipeline.Pipeline { return s.pipe }

// Stats 取得目前狀態
func (s *Scheduler) Stats() Stats {
	return Stats{
		Jobs:          s.jobs.Stats(),
		Cache:         s.cache.Stats(),
		Workers:       s.pool.GetWorkerCount(),
		BusyWorkers:   s.pool.Busy(),
		GPUDevice:     s.gpu.DeviceName(),
		GPUGeneration: s.gpu.Generation(),
		GPUResets:     s.gpu.Resets(),
		GPUAllocated:  s.gpu.Allocated(),
	}
}
