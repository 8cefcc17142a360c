package journal

// ============================================================================
// Pending-commit Journal 核心實作
// 職責：
// 1. 追加記錄到日誌檔案（append-only，每行一筆 JSON）
// 2. 提供重放功能，啟動時找回尚未寫入 catalog 的編輯
// 3. 支援壓縮（只保留仍未解決的記錄）
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/darkroom/internal/edit"
	"github.com/ChuLiYu/darkroom/pkg/types"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Journal 待提交編輯日誌
type Journal struct {
	mu           sync.Mutex
	file         FileInterface
	path         string
	seq          uint64
	syncOnAppend bool
	closed       bool
}

// ============================================================================
// 公開介面
// ============================================================================

/*
Open 建立或開啟 journal

行為：
- 檔案不存在時建立新檔案，seq 從 0 開始
- 檔案已存在時，讀取最後一筆有效記錄的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
- 結尾不完整的記錄（寫到一半時崩潰）會被截掉
*/
func Open(path string, syncOnAppend bool) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal dir: %w", err)
	}

	seq, valid, err := scanTail(path)
	if err != nil {
		return nil, err
	}
	if valid >= 0 {
		if err := os.Truncate(path, valid); err != nil {
			return nil, fmt.Errorf("failed to truncate torn journal tail: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	return &Journal{
		file:         file,
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,
	}, nil
}

// scanTail 回傳最後一筆有效記錄的 seq；若結尾有不完整記錄，valid 為應截斷的長度，否則為 -1
func scanTail(path string) (seq uint64, valid int64, err error) {
	valid = -1
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, valid, nil
	}
	if err != nil {
		return 0, valid, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var offset int64
	for n := 1; ; n++ {
		line, rerr := r.ReadBytes('\n')
		if len(line) > 0 {
			var e Event
			complete := line[len(line)-1] == '\n'
			if !complete || json.Unmarshal(line, &e) != nil || VerifyChecksum(e) != nil {
				if rerr == io.EOF {
					// 最後一行損壞：視為寫到一半
					return seq, offset, nil
				}
				return 0, -1, &CorruptionError{Line: n, Cause: fmt.Errorf("invalid record at byte %d", offset)}
			}
			seq = e.Seq
			offset += int64(len(line))
		}
		if rerr == io.EOF {
			return seq, valid, nil
		}
		if rerr != nil {
			return 0, -1, rerr
		}
	}
}

// Append 追加一筆記錄
//
// 行為：
// - 自動遞增 seq
// - 計算 checksum
// - 寫入檔案並同步到磁碟（syncOnAppend 時）
func (j *Journal) Append(eventType EventType, image types.ImageID, snapshots []edit.Snapshot, head int) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrClosed
	}

	event := Event{
		Seq:       j.seq + 1,
		Type:      eventType,
		Image:     image,
		Snapshots: snapshots,
		Head:      head,
		Timestamp: time.Now().UnixMilli(),
	}
	event.Checksum = CalculateChecksum(event)

	line, err := encodeEvent(event)
	if err != nil {
		return 0, err
	}
	if _, err := j.file.Write(line); err != nil {
		return 0, fmt.Errorf("journal append failed at seq=%d: %w", event.Seq, err)
	}
	if j.syncOnAppend {
		if err := j.file.Sync(); err != nil {
			return 0, fmt.Errorf("journal sync failed at seq=%d: %w", event.Seq, err)
		}
	}

	j.seq = event.Seq
	return event.Seq, nil
}

func encodeEvent(e Event) ([]byte, error) {
	line, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal journal event: %w", err)
	}
	return append(line, '\n'), nil
}

// Replay 重放所有記錄
//
// 行為：
// - 從頭讀取檔案
// - 驗證每筆記錄的 checksum
// - 呼叫 handler；任一錯誤立即停止
func (j *Journal) Replay(handler EventHandler) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return replayFile(j.path, handler)
}

func replayFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer file.Close()

	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for n := 1; sc.Scan(); n++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(sc.Bytes(), &event); err != nil {
			return &CorruptionError{Line: n, Cause: err}
		}
		if err := VerifyChecksum(event); err != nil {
			return err
		}
		if err := handler(event); err != nil {
			return err
		}
	}
	return sc.Err()
}

// Unresolved 回傳每張影像最後一筆尚未解決的 PENDING 記錄，依 seq 排序
func (j *Journal) Unresolved() ([]Event, error) {
	latest := make(map[types.ImageID]Event)
	err := j.Replay(func(e Event) error {
		switch e.Type {
		case EventPending:
			latest[e.Image] = e
		case EventResolved:
			delete(latest, e.Image)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]Event, 0, len(latest))
	for _, e := range latest {
		out = append(out, e)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Seq < out[b].Seq })
	return out, nil
}

// Compact 以原子方式重寫檔案，只保留尚未解決的記錄（重新編號）
//
// 流程：
//  1. 重放取得未解決記錄
//  2. 寫入 .tmp 並 fsync
//  3. os.Rename 原子替換，重新開啟追加
func (j *Journal) Compact() (int, error) {
	pending, err := j.Unresolved()
	if err != nil {
		return 0, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, ErrClosed
	}

	tmp := j.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to create compacted journal: %w", err)
	}
	w := bufio.NewWriter(f)
	for i, e := range pending {
		e.Seq = uint64(i + 1)
		e.Checksum = CalculateChecksum(e)
		line, err := encodeEvent(e)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return 0, err
		}
		w.Write(line)
	}
	if err := errors.Join(w.Flush(), f.Sync(), f.Close()); err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("failed to write compacted journal: %w", err)
	}

	if err := j.file.Close(); err != nil {
		return 0, err
	}
	renameErr := os.Rename(tmp, j.path)
	if renameErr != nil {
		os.Remove(tmp)
	}
	file, err := os.OpenFile(j.path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		j.closed = true
		return 0, err
	}
	j.file = file
	if renameErr != nil {
		return 0, fmt.Errorf("failed to replace journal: %w", renameErr)
	}
	j.seq = uint64(len(pending))
	return len(pending), nil
}

// Close 關閉 journal；關閉後不可重用
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.file.Sync(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}

// LastSeq 取得目前的記錄序號
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path 回傳檔案路徑
func (j *Journal) Path() string { return j.path }
