// ============================================================================
// Darkroom 任務管理器 - 優先級佇列 + 去重表
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 管理渲染任務的生命週期、優先級排序與同 key 去重
//
// 設計理念:
//   1. queue - 以 container/heap 實作的優先級佇列（Priority → Seq）
//   2. heads - 每個 DedupKey 最新存活任務（queued 或 in-flight）
//   3. inFlight - 已被 worker 取走、尚未回報的任務
//
// 任務狀態轉換:
//   Pending
//      ↓ Next()
//   InFlight
//      ↓ Complete()
//   Completed / Failed / Cancelled
//
//   Pending   → Cancelled: 同 key 新任務取代、佇列滿被搶佔、Close()
//   InFlight  → Cancelled: 同 key 新任務提交（旗標 + context cancel）
//   InFlight  → Pending:   Requeue()（GPU 重建後重送，僅限 head 任務）
//
// 去重規則 (last-write-wins):
//   同一 DedupKey 最多只有一個「未取消」的任務。新提交會:
//   - 取代佇列中的舊任務（舊任務取消，結果丟棄）
//   - 將執行中的舊任務標記取消（worker 在 pass 之間檢查）
//
// 並發安全:
//   - sync.Mutex 保護 queue / heads / inFlight
//   - Job.cancelled 為 atomic，worker 可無鎖檢查
//
// ============================================================================

package jobmanager

import (
	"container/heap"
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/darkroom/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 佇列已滿且新任務優先級不高於佇列中最低者
	ErrQueueFull = errors.New("job queue full")
	// 佇列已關閉
	ErrClosed = errors.New("job manager closed")
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 任務不在執行中狀態
	ErrNotInFlight = errors.New("job not in flight")
	// 同 key 有更新的任務
	ErrSuperseded = errors.New("job superseded by a newer submission")
	// 佇列滿時被更高優先級的任務擠出
	ErrPreempted = errors.New("job preempted by a higher-priority submission")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Job 一個排隊中的工作單元。Payload 由呼叫端（scheduler）定義。
type Job struct {
	ID       types.JobID
	Key      types.DedupKey
	Priority types.Priority
	Seq      uint64 // 提交序號，由 Enqueue 指派
	Attempt  int    // Requeue 次數
	Payload  any

	Status     types.JobStatus
	EnqueuedAt time.Time
	StartedAt  time.Time

	index     int // heap 位置，不在佇列中為 -1
	cancelled atomic.Bool

	cancelMu sync.Mutex
	cancelFn context.CancelFunc
	reason   error
}

// Cancelled 回報任務是否已被取消（無鎖）
func (j *Job) Cancelled() bool { return j.cancelled.Load() }

// CancelReason 回傳取消原因（ErrSuperseded / ErrPreempted / ErrClosed）
func (j *Job) CancelReason() error {
	j.cancelMu.Lock()
	defer j.cancelMu.Unlock()
	return j.reason
}

// Bind 為執行中的任務建立可取消的 context。任務之後被取消時 context 也會被取消。
func (j *Job) Bind(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	j.cancelMu.Lock()
	j.cancelFn = cancel
	j.cancelMu.Unlock()
	if j.Cancelled() {
		cancel()
	}
	return ctx, cancel
}

func (j *Job) cancel(reason error) bool {
	if !j.cancelled.CompareAndSwap(false, true) {
		return false
	}
	j.cancelMu.Lock()
	j.reason = reason
	fn := j.cancelFn
	j.cancelMu.Unlock()
	if fn != nil {
		fn()
	}
	return true
}

// EnqueueResult 描述一次提交對既有任務造成的影響
type EnqueueResult struct {
	Replaced   *Job // 被取代的同 key 排隊任務
	Superseded *Job // 被標記取消的同 key 執行中任務
	Preempted  *Job // 佇列滿時被擠出的最低優先級任務
}

// Stats 各狀態任務數
type Stats struct {
	Pending   int    `json:"pending"`
	InFlight  int    `json:"in_flight"`
	Completed uint64 `json:"completed"`
	Cancelled uint64 `json:"cancelled"`
	Failed    uint64 `json:"failed"`
	Replaced  uint64 `json:"replaced"`
	Preempted uint64 `json:"preempted"`
	Requeued  uint64 `json:"requeued"`
}

// JobManager 優先級 + 去重任務表
type JobManager struct {
	mu       sync.Mutex
	capacity int
	queue    jobQueue
	jobs     map[types.JobID]*Job        // queued + in-flight
	heads    map[types.DedupKey]*Job     // 每個 key 最新的存活任務
	inFlight map[types.JobID]*Job
	seq      uint64
	closed   bool
	notify   chan struct{}
	stats    Stats
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewJobManager 建立容量為 capacity 的任務管理器，capacity <= 0 表示不限
func NewJobManager(capacity int) *JobManager {
	return &JobManager{
		capacity: capacity,
		jobs:     make(map[types.JobID]*Job),
		heads:    make(map[types.DedupKey]*Job),
		inFlight: make(map[types.JobID]*Job),
		notify:   make(chan struct{}, 1),
	}
}

// Enqueue 將任務加入佇列
//
// 參數說明：
//   - job: 要加入的任務，ID / Key / Priority 由呼叫端填好
//
// 返回值：
//   - EnqueueResult: 被取代 / 被取消 / 被搶佔的舊任務（已標記取消）
//   - error: ErrQueueFull、ErrClosed
//
// 處理順序:
//  1. 同 key 排隊中的舊任務會被取代，空出的位置直接給新任務
//  2. 佇列滿時若新任務優先級高於最低者，擠出最低者；否則 ErrQueueFull
//  3. 同 key 執行中的舊任務標記取消
//
// 被拒絕的提交不會影響任何既有任務。
func (jm *JobManager) Enqueue(job *Job) (EnqueueResult, error) {
	var res EnqueueResult

	jm.mu.Lock()
	defer jm.mu.Unlock()

	if jm.closed {
		return res, ErrClosed
	}

	head := jm.heads[job.Key]
	queuedHead := head != nil && head.Status == types.StatusPending

	if !queuedHead && jm.capacity > 0 && len(jm.queue) >= jm.capacity {
		worst := jm.queue.lowest()
		if worst == nil || worst.Priority <= job.Priority {
			return res, ErrQueueFull
		}
		jm.removeQueued(worst, ErrPreempted)
		jm.stats.Preempted++
		res.Preempted = worst
	}

	if head != nil {
		if queuedHead {
			jm.removeQueued(head, ErrSuperseded)
			jm.stats.Replaced++
			res.Replaced = head
		} else if head.cancel(ErrSuperseded) {
			res.Superseded = head
		}
	}

	jm.seq++
	job.Seq = jm.seq
	job.Status = types.StatusPending
	job.EnqueuedAt = time.Now()
	heap.Push(&jm.queue, job)
	jm.jobs[job.ID] = job
	jm.heads[job.Key] = job

	jm.signal()
	return res, nil
}

// removeQueued 將排隊中的任務移出並取消，呼叫時需持有 jm.mu
func (jm *JobManager) removeQueued(job *Job, reason error) {
	if job.index >= 0 {
		heap.Remove(&jm.queue, job.index)
	}
	delete(jm.jobs, job.ID)
	if jm.heads[job.Key] == job {
		delete(jm.heads, job.Key)
	}
	job.Status = types.StatusCancelled
	job.cancel(reason)
	jm.stats.Cancelled++
}

func (jm *JobManager) signal() {
	select {
	case jm.notify <- struct{}{}:
	default:
	}
}

// TryNext 取出最高優先級的任務並標記為執行中；佇列為空時回傳 nil
func (jm *JobManager) TryNext() *Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	return jm.popLocked()
}

func (jm *JobManager) popLocked() *Job {
	if len(jm.queue) == 0 {
		return nil
	}
	job := heap.Pop(&jm.queue).(*Job)
	job.Status = types.StatusInFlight
	job.StartedAt = time.Now()
	jm.inFlight[job.ID] = job

	// 還有任務時把訊號留給下一個等待者
	if len(jm.queue) > 0 {
		jm.signal()
	}
	return job
}

// Next 阻塞直到有任務可取、ctx 結束或 JobManager 關閉
func (jm *JobManager) Next(ctx context.Context) (*Job, error) {
	for {
		jm.mu.Lock()
		if jm.closed {
			jm.mu.Unlock()
			return nil, ErrClosed
		}
		if job := jm.popLocked(); job != nil {
			jm.mu.Unlock()
			return job, nil
		}
		jm.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-jm.notify:
		}
	}
}

// Complete 結束一個執行中的任務
//
// status 為 StatusCompleted / StatusFailed / StatusCancelled。
// 已被取消的任務一律記為 StatusCancelled。
func (jm *JobManager) Complete(id types.JobID, status types.JobStatus) (types.JobStatus, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.inFlight[id]
	if !ok {
		if _, queued := jm.jobs[id]; queued {
			return "", ErrNotInFlight
		}
		return "", ErrJobNotFound
	}
	if job.Cancelled() {
		status = types.StatusCancelled
	}

	delete(jm.inFlight, id)
	delete(jm.jobs, id)
	if jm.heads[job.Key] == job {
		delete(jm.heads, job.Key)
	}
	job.Status = status

	switch status {
	case types.StatusCompleted:
		jm.stats.Completed++
	case types.StatusCancelled:
		jm.stats.Cancelled++
	default:
		jm.stats.Failed++
	}
	return status, nil
}

// IsHead 回報 job 是否仍是其 key 的最新存活任務
func (jm *JobManager) IsHead(job *Job) bool {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	return jm.heads[job.Key] == job && !job.Cancelled()
}

// Requeue 將執行中的任務放回佇列（保留原 Seq，排在同優先級最前面）
//
// 只允許仍為 head 的任務；否則回傳 ErrSuperseded，呼叫端應以取消結束該任務。
// Requeue 不受容量限制。
func (jm *JobManager) Requeue(id types.JobID) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if jm.closed {
		return ErrClosed
	}
	job, ok := jm.inFlight[id]
	if !ok {
		return ErrNotInFlight
	}
	if jm.heads[job.Key] != job || job.Cancelled() {
		return ErrSuperseded
	}

	delete(jm.inFlight, id)
	job.Attempt++
	job.Status = types.StatusPending
	job.StartedAt = time.Time{}
	job.cancelMu.Lock()
	job.cancelFn = nil
	job.cancelMu.Unlock()
	heap.Push(&jm.queue, job)
	jm.stats.Requeued++

	jm.signal()
	return nil
}

// Cancel 取消 key 目前的存活任務。排隊中則移出佇列（queued 為 true），
// 執行中則只標記取消，由 worker 回報時結束。
func (jm *JobManager) Cancel(key types.DedupKey) (job *Job, queued bool) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	head, ok := jm.heads[key]
	if !ok {
		return nil, false
	}
	if head.Status == types.StatusPending {
		jm.removeQueued(head, context.Canceled)
		return head, true
	}
	delete(jm.heads, key)
	head.cancel(context.Canceled)
	return head, false
}

// Close 關閉佇列：取消所有排隊任務並回傳，執行中的任務標記取消
func (jm *JobManager) Close() []*Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if jm.closed {
		return nil
	}
	jm.closed = true

	drained := make([]*Job, 0, len(jm.queue))
	for len(jm.queue) > 0 {
		job := jm.queue[0]
		jm.removeQueued(job, ErrClosed)
		drained = append(drained, job)
	}
	for _, job := range jm.inFlight {
		job.cancel(ErrClosed)
	}

	// 喚醒所有等待中的 Next
	close(jm.notify)
	return drained
}

// ============================================================================
// 查詢方法
// ============================================================================

// Get 取得排隊中或執行中的任務
func (jm *JobManager) Get(id types.JobID) *Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	return jm.jobs[id]
}

// Head 取得 key 目前的存活任務
func (jm *JobManager) Head(key types.DedupKey) *Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	return jm.heads[key]
}

// Pending 依執行順序列出排隊中的任務
func (jm *JobManager) Pending() []*Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	out := make(jobQueue, len(jm.queue))
	copy(out, jm.queue)
	// 只讀 Less，不動原 heap 的 index
	sort.Slice(out, out.Less)
	return out
}

func (jm *JobManager) Capacity() int { return jm.capacity }

// Stats 取得各狀態任務的統計資訊
func (jm *JobManager) Stats() Stats {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	s := jm.stats
	s.Pending = len(jm.queue)
	s.InFlight = len(jm.inFlight)
	return s
}
