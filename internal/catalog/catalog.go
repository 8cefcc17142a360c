// Package catalog stores imported images, their edit histories and their
// thumbnail tiers.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/darkroom/internal/edit"
	"github.com/ChuLiYu/darkroom/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrNotFound  = errors.New("not found in catalog")
	ErrClosed    = errors.New("catalog closed")
	ErrBadDriver = errors.New("unknown catalog driver")
)

// WriteError 寫入 catalog 失敗。編輯仍保留在記憶體中，由 commit 重試。
type WriteError struct {
	Op    string
	Image types.ImageID
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("catalog %s %s: %v", e.Op, e.Image, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// IsWriteError reports whether err is a catalog write failure.
func IsWriteError(err error) bool {
	var we *WriteError
	return errors.As(err, &we)
}

// ============================================================================
// 資料結構定義
// ============================================================================

// History 一張影像的編輯歷史（有上限）與目前位置
type History struct {
	Snapshots []edit.Snapshot `json:"snapshots"`
	Head      int             `json:"head"`
}

// HistoryFromStack captures the state of an undo stack.
func HistoryFromStack(s *edit.Stack) History {
	return History{Snapshots: s.History(), Head: s.Cursor()}
}

// Current is the snapshot at Head, or the default when empty.
func (h History) Current() edit.Snapshot {
	if h.Head < 0 || h.Head >= len(h.Snapshots) {
		return edit.Default()
	}
	return h.Snapshots[h.Head]
}

// Catalog 影像目錄
type Catalog interface {
	PutImage(ctx context.Context, img types.Image) error
	GetImage(ctx context.Context, id types.ImageID) (types.Image, error)
	ListImages(ctx context.Context) ([]types.Image, error)
	DeleteImage(ctx context.Context, id types.ImageID) error

	// LoadHistory returns ErrNotFound when the image has no stored history.
	LoadHistory(ctx context.Context, id types.ImageID) (History, error)
	SaveHistory(ctx context.Context, id types.ImageID, h History) error

	SaveThumbnail(ctx context.Context, id types.ImageID, tier string, data []byte) error
	GetThumbnail(ctx context.Context, id types.ImageID, tier string) ([]byte, error)

	Close() error
}

// Open opens the catalog for driver ("sqlite" or "file") at path.
func Open(driver, path string) (Catalog, error) {
	switch driver {
	case "sqlite", "":
		return OpenSQLite(path)
	case "file":
		return OpenFile(path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadDriver, driver)
	}
}
