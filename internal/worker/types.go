package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/darkroom/pkg/types"
)

// Task 代表要執行的任務
type Task struct {
	ID      types.JobID   // 任務唯一識別碼
	Payload any           // 任務執行所需的資料，由 JobSource 定義
	Timeout time.Duration // 執行超時時間，0 表示使用 Pool 預設值
}

// Handler 實際執行任務的函式
type Handler func(ctx context.Context, task Task) (any, error)

// Result 代表任務執行結果
type Result struct {
	JobID    types.JobID   // 任務 ID
	Value    any           // Handler 回傳值
	Err      error         // 錯誤訊息（如果有）
	Panicked bool          // Handler 是否 panic
	Duration time.Duration // 實際執行時間
	WorkerID int
}

// Success 執行是否成功
func (r Result) Success() bool { return r.Err == nil }
