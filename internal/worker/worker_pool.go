// ============================================================================
// Darkroom Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理固定數量 Worker goroutine 的生命週期
//
// 設計模式:
//   採用 pull 模式的 Worker Pool：
//   1. 固定數量的 Worker goroutine 持續運行
//   2. 每個 Worker 自行向 JobSource Poll 任務（沒有共享 task channel）
//   3. 執行結果透過 JobSource.Acknowledge 回報
//
// 架構組件:
//   ┌─────────────┐   Poll()      ┌─────────────┐
//   │  JobSource  │ ←──────────── │   Pool      │
//   │ (scheduler) │               │  ┌────────┐ │
//   │             │ ←──────────── │  │Worker 1│ │
//   └─────────────┘ Acknowledge() │  │Worker 2│ │
//                                 │  │Worker N│ │
//                                 │  └────────┘ │
//                                 └─────────────┘
//
// 生命週期:
//   1. NewPool() - 建立 Pool
//   2. Start(ctx) - 啟動 N 個 Worker goroutines
//   3. Stop() - 取消 context，等待所有 Worker 完成手上任務
//
// 並發控制:
//   - Worker 數量固定，即為同時執行任務數的上限
//   - WaitGroup: 追蹤所有 Worker，確保優雅關閉
//   - Mutex: 保護 started/stopped 狀態
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var log = slog.Default()

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolStarted 表示 Pool 已啟動
	ErrPoolStarted = errors.New("worker pool already started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Options Pool 設定
type Options struct {
	Workers int           // Worker 數量
	Timeout time.Duration // 預設任務超時，0 表示不限
}

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	source  JobSource
	handler Handler
	opts    Options

	workers []*Worker
	busy    atomic.Int64
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
	mu      sync.Mutex
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - source: 任務來源
//   - handler: 任務執行函式
//   - opts: Worker 數量與預設超時
func NewPool(source JobSource, handler Handler, opts Options) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Pool{
		source:  source,
		handler: handler,
		opts:    opts,
	}
}

// Start 啟動所有 Worker；ctx 結束時 Worker 也會結束
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return ErrPoolClosed
	}
	if p.started {
		return ErrPoolStarted
	}

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		w := newWorker(i, p.source, p.handler, p.opts.Timeout, &p.busy)
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run(ctx)
		}()
	}

	p.started = true
	log.Info("Worker pool started", "workers", p.opts.Workers)
	return nil
}

// Stop 優雅地關閉 Worker Pool
// 關閉流程：
//  1. 設定 stopped 標誌
//  2. 取消 context，Poll 中的 Worker 立即返回
//  3. 等待執行中的任務完成並回報
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	log.Info("Worker pool stopped", "completed", p.Completed())
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Busy 返回正在執行任務的 Worker 數量
func (p *Pool) Busy() int { return int(p.busy.Load()) }

// Completed 返回所有 Worker 累計處理的任務數
func (p *Pool) Completed() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var n int64
	for _, w := range p.workers {
		n += w.done.Load()
	}
	return n
}
