// ============================================================================
// darkroom 編輯提交器
// ============================================================================
//
// Package: internal/commit
// 功能: 將編輯歷史寫入 catalog，寫入失敗時保留在記憶體與 journal 中並重試
//
// 流程:
//   Commit(id, history)
//     1. 更新記憶體中的待提交表（同一張影像只保留最新一筆）
//     2. 依影像 ID 順序嘗試寫入所有待提交的歷史
//     3. 成功: 從表中移除；若 journal 中有 PENDING，追加 RESOLVED
//     4. 失敗: 保留在表中；若此版本尚未寫入 journal，追加 PENDING
//
// 崩潰恢復:
//   New() 從 journal 讀出所有未解決的 PENDING，重建待提交表，
//   下一次 Commit 或 Flush 時一併重試。
//
// 關閉:
//   Close() 最後一次 Flush，然後壓縮 journal。仍失敗的編輯留在 journal 中，
//   下次啟動時恢復，不會被丟棄。
//
// ============================================================================

package commit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/ChuLiYu/darkroom/internal/catalog"
	"github.com/ChuLiYu/darkroom/internal/storage/journal"
	"github.com/ChuLiYu/darkroom/pkg/types"
)

var log = slog.Default()

var (
	ErrClosed = errors.New("committer closed")

	// ErrUncommitted 關閉時仍有無法保存的編輯（沒有 journal 可寫）
	ErrUncommitted = errors.New("edits left uncommitted")
)

// Recorder 接收提交相關的指標
type Recorder interface {
	RecordCatalogWriteFailure()
	SetPendingCommits(n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordCatalogWriteFailure() {}
func (nopRecorder) SetPendingCommits(int)      {}

// entry 一筆待提交的歷史
type entry struct {
	history   catalog.History
	journaled bool // 目前這個版本已寫入 journal
	inJournal bool // journal 中有此影像尚未解決的 PENDING
}

// Committer 編輯提交器
type Committer struct {
	mu      sync.Mutex
	cat     catalog.Catalog
	jr      *journal.Journal // 可為 nil：失敗的編輯只保留在記憶體
	rec     Recorder
	pending map[types.ImageID]*entry
	closed  bool
}

// New 建立提交器並從 journal 恢復未解決的編輯
//
// 參數說明:
//   - cat: 目標 catalog
//   - jr: pending journal，可為 nil
//   - rec: 指標接收者，可為 nil
func New(cat catalog.Catalog, jr *journal.Journal, rec Recorder) (*Committer, error) {
	if rec == nil {
		rec = nopRecorder{}
	}
	c := &Committer{
		cat:     cat,
		jr:      jr,
		rec:     rec,
		pending: make(map[types.ImageID]*entry),
	}

	if jr != nil {
		events, err := jr.Unresolved()
		if err != nil {
			return nil, fmt.Errorf("failed to recover pending commits: %w", err)
		}
		for _, e := range events {
			c.pending[e.Image] = &entry{
				history:   catalog.History{Snapshots: e.Snapshots, Head: e.Head},
				journaled: true,
				inJournal: true,
			}
		}
		if len(events) > 0 {
			log.Info("Recovered pending commits", "count", len(events), "journal", jr.Path())
		}
	}
	rec.SetPendingCommits(len(c.pending))
	return c, nil
}

// Commit 保存一張影像的編輯歷史
//
// 返回值:
//   - nil: 此影像已寫入 catalog（其他影像的重試失敗不影響結果）
//   - *catalog.WriteError: 寫入失敗，編輯保留並會在下次 Commit / Close 重試
func (c *Committer) Commit(ctx context.Context, id types.ImageID, h catalog.History) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	h.Snapshots = slices.Clone(h.Snapshots)
	if e, ok := c.pending[id]; ok {
		e.history = h
		e.journaled = false
	} else {
		c.pending[id] = &entry{history: h}
	}

	errs := c.flushLocked(ctx)
	return errs[id]
}

// Flush 重試所有待提交的編輯，回傳所有失敗（errors.Join）
func (c *Committer) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return joinErrors(c.flushLocked(ctx))
}

// flushLocked 呼叫時需持有 c.mu
func (c *Committer) flushLocked(ctx context.Context) map[types.ImageID]error {
	errs := make(map[types.ImageID]error)
	ids := make([]types.ImageID, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		e := c.pending[id]
		err := c.cat.SaveHistory(ctx, id, e.history)
		if err == nil {
			delete(c.pending, id)
			if e.inJournal {
				if _, jerr := c.jr.Append(journal.EventResolved, id, nil, 0); jerr != nil {
					// 不影響提交結果；下次啟動會重試一次已成功的寫入
					log.Warn("Failed to journal resolved commit", "image", id, "error", jerr)
				}
			}
			continue
		}

		c.rec.RecordCatalogWriteFailure()
		log.Warn("Catalog write failed, keeping edit pending", "image", id, "error", err)
		if c.jr != nil && !e.journaled {
			if _, jerr := c.jr.Append(journal.EventPending, id, e.history.Snapshots, e.history.Head); jerr != nil {
				log.Error("Failed to journal pending commit", "image", id, "error", jerr)
				err = errors.Join(err, jerr)
			} else {
				e.journaled = true
				e.inJournal = true
			}
		}
		errs[id] = err
	}

	c.rec.SetPendingCommits(len(c.pending))
	return errs
}

func joinErrors(errs map[types.ImageID]error) error {
	ids := make([]types.ImageID, 0, len(errs))
	for id := range errs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	all := make([]error, 0, len(ids))
	for _, id := range ids {
		all = append(all, errs[id])
	}
	return errors.Join(all...)
}

// Load 回傳影像目前的歷史：優先使用尚未寫入的版本，其次是 catalog
func (c *Committer) Load(ctx context.Context, id types.ImageID) (catalog.History, error) {
	c.mu.Lock()
	if e, ok := c.pending[id]; ok {
		h := e.history
		h.Snapshots = slices.Clone(h.Snapshots)
		c.mu.Unlock()
		return h, nil
	}
	c.mu.Unlock()
	return c.cat.LoadHistory(ctx, id)
}

// Pending 回傳尚未寫入 catalog 的影像 ID（排序）
func (c *Committer) Pending() []types.ImageID {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]types.ImageID, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Close 最後一次重試並關閉 journal
//
// 仍失敗的編輯保留在 journal 中；沒有 journal 時回傳 ErrUncommitted。
// catalog 由呼叫者關閉。
func (c *Committer) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	flushErr := joinErrors(c.flushLocked(ctx))
	if c.jr == nil {
		if len(c.pending) > 0 {
			return fmt.Errorf("%w: %d images: %w", ErrUncommitted, len(c.pending), flushErr)
		}
		return nil
	}

	kept, err := c.jr.Compact()
	if err != nil {
		log.Error("Failed to compact journal", "error", err)
	}
	if len(c.pending) > 0 {
		log.Warn("Edits kept in journal for next start", "count", kept)
	}
	return errors.Join(flushErr, err, c.jr.Close())
}
