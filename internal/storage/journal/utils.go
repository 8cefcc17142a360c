package journal

// ============================================================================
// Journal 工具函式
// 職責：驗證、統計與除錯輸出（CLI status 使用）
// ============================================================================

import (
	"fmt"
	"io"
	"time"

	"github.com/ChuLiYu/darkroom/pkg/types"
)

// Stats journal 統計資訊
type Stats struct {
	TotalEvents int               `json:"total_events"`
	EventTypes  map[EventType]int `json:"event_types"`
	FirstSeq    uint64            `json:"first_seq"`
	LastSeq     uint64            `json:"last_seq"`
	TimeRange   [2]int64          `json:"time_range"` // [最早, 最晚] Unix 毫秒
	Unresolved  int               `json:"unresolved"` // 尚未寫入 catalog 的影像數
}

// Validate 驗證 journal 檔案的完整性並回傳統計
//
// 檢查項目：
// - 所有記錄的 JSON 格式正確
// - 所有記錄的校驗和正確
// - seq 連續且無重複
func Validate(path string) (*Stats, error) {
	st := &Stats{EventTypes: make(map[EventType]int)}
	pending := make(map[types.ImageID]bool)

	err := replayFile(path, func(e Event) error {
		if st.TotalEvents == 0 {
			st.FirstSeq = e.Seq
			st.TimeRange[0] = e.Timestamp
		} else if e.Seq != st.LastSeq+1 {
			return fmt.Errorf("%w: seq %d follows %d", ErrSeqGap, e.Seq, st.LastSeq)
		}
		st.TotalEvents++
		st.EventTypes[e.Type]++
		st.LastSeq = e.Seq
		st.TimeRange[0] = min(st.TimeRange[0], e.Timestamp)
		st.TimeRange[1] = max(st.TimeRange[1], e.Timestamp)

		switch e.Type {
		case EventPending:
			pending[e.Image] = true
		case EventResolved:
			delete(pending, e.Image)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	st.Unresolved = len(pending)
	return st, nil
}

// Dump 輸出 journal 內容（人類可讀格式）
//
//	[Seq:1] PENDING img-001 head=3/4 at 2024-01-01T00:00:00Z (checksum:0x12345678)
func Dump(path string, w io.Writer) error {
	return replayFile(path, func(e Event) error {
		_, err := fmt.Fprintf(w, "[Seq:%d] %s %s head=%d/%d at %s (checksum:0x%08x)\n",
			e.Seq, e.Type, e.Image, e.Head, len(e.Snapshots),
			time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339), e.Checksum)
		return err
	})
}
