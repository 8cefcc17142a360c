// Package types 定義了 darkroom 系統中使用的核心領域模型
package types

import (
	"fmt"
)

// ImageID 影像唯一識別碼（由 catalog 指派）
type ImageID string

// JobID 任務唯一識別碼
type JobID string

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusPending   JobStatus = "pending"   // 待處理：已入隊但尚未被 worker 取走
	StatusInFlight  JobStatus = "in_flight" // 執行中：worker 正在處理
	StatusCompleted JobStatus = "completed" // 完成：結果已交付
	StatusCancelled JobStatus = "cancelled" // 取消：被同 key 的新任務取代或被搶佔
	StatusFailed    JobStatus = "failed"    // 失敗：decode / GPU 錯誤
)

// Priority 任務優先級，數值越小越優先
type Priority int

const (
	PriorityInteractive Priority = iota // 互動預覽
	PriorityThumbnail                   // 縮圖
	PriorityImport                      // 批次匯入
)

func (p Priority) String() string {
	switch p {
	case PriorityInteractive:
		return "interactive"
	case PriorityThumbnail:
		return "thumbnail"
	case PriorityImport:
		return "import"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Purpose 任務用途，與 ImageID 組成去重 key
type Purpose string

const (
	PurposePreview   Purpose = "preview"
	PurposeThumbnail Purpose = "thumbnail"
	PurposeImport    Purpose = "import"
	PurposeExport    Purpose = "export"
)

// DefaultPriority 回傳用途對應的預設優先級
func (p Purpose) DefaultPriority() Priority {
	switch p {
	case PurposePreview, PurposeExport:
		return PriorityInteractive
	case PurposeThumbnail:
		return PriorityThumbnail
	default:
		return PriorityImport
	}
}

// DedupKey 去重 key：同一張影像、同一用途最多只有一個存活任務
type DedupKey struct {
	Image   ImageID `json:"image"`
	Purpose Purpose `json:"purpose"`
}

func (k DedupKey) String() string {
	return string(k.Image) + "/" + string(k.Purpose)
}

// ColorMetadata 色彩 / 白點資訊，由 decode 端提供
type ColorMetadata struct {
	ColorSpace    string     `json:"color_space"`
	WhitePoint    [2]float64 `json:"white_point"`     // CIE xy
	AsShotNeutral [3]float64 `json:"as_shot_neutral"` // 拍攝時的中性點
	Camera        string     `json:"camera,omitempty"`
	ISO           int        `json:"iso,omitempty"`
}

// DefaultColorMetadata D65、線性 sRGB 原色
func DefaultColorMetadata() ColorMetadata {
	return ColorMetadata{
		ColorSpace:    "linear-srgb",
		WhitePoint:    [2]float64{0.3127, 0.3290},
		AsShotNeutral: [3]float64{1, 1, 1},
	}
}

// Image 影像參照，建立後不可變
type Image struct {
	ID         ImageID       `json:"id"`
	Path       string        `json:"path"`
	Width      int           `json:"width"`
	Height     int           `json:"height"`
	Color      ColorMetadata `json:"color"`
	CatalogRef int64         `json:"catalog_ref,omitempty"`
	ImportedAt int64         `json:"imported_at"` // Unix 毫秒
}

// Size 原生尺寸
func (img Image) Size() Resolution {
	return Resolution{Width: img.Width, Height: img.Height}
}

// Rect 影像空間的整數矩形（半開區間）
type Rect struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// FullRect 整張影像
func FullRect(w, h int) Rect { return Rect{W: w, H: h} }

func (r Rect) Empty() bool { return r.W <= 0 || r.H <= 0 }

// Intersect 交集；無交集時回傳空矩形
func (r Rect) Intersect(o Rect) Rect {
	x0, y0 := max(r.X, o.X), max(r.Y, o.Y)
	x1, y1 := min(r.X+r.W, o.X+o.W), min(r.Y+r.H, o.Y+o.H)
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

func (r Rect) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", r.W, r.H, r.X, r.Y)
}

// Resolution 像素尺寸
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Resolution) Empty() bool { return r.Width <= 0 || r.Height <= 0 }

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// FitWithin 等比例縮小到長邊不超過 maxDim；maxDim <= 0 表示不限制
func (r Resolution) FitWithin(maxDim int) Resolution {
	long := max(r.Width, r.Height)
	if maxDim <= 0 || long <= maxDim {
		return r
	}
	scale := float64(maxDim) / float64(long)
	return Resolution{
		Width:  max(1, int(float64(r.Width)*scale+0.5)),
		Height: max(1, int(float64(r.Height)*scale+0.5)),
	}
}

// Buffer 線性 RGB float32 影像，交錯存放，每像素 3 個樣本
type Buffer struct {
	Width  int
	Height int
	Pix    []float32
}

// NewBuffer 配置 w×h 的黑色 buffer
func NewBuffer(w, h int) *Buffer {
	return &Buffer{Width: w, Height: h, Pix: make([]float32, w*h*3)}
}

// Bytes buffer 佔用的記憶體（cache / device 記帳用）
func (b *Buffer) Bytes() int64 {
	if b == nil {
		return 0
	}
	return int64(len(b.Pix)) * 4
}

// Size 尺寸
func (b *Buffer) Size() Resolution {
	return Resolution{Width: b.Width, Height: b.Height}
}

// At 取得 (x, y) 的 RGB
func (b *Buffer) At(x, y int) (r, g, bl float32) {
	i := (y*b.Width + x) * 3
	return b.Pix[i], b.Pix[i+1], b.Pix[i+2]
}

// Set 設定 (x, y) 的 RGB
func (b *Buffer) Set(x, y int, r, g, bl float32) {
	i := (y*b.Width + x) * 3
	b.Pix[i], b.Pix[i+1], b.Pix[i+2] = r, g, bl
}

// Clone 深拷貝
func (b *Buffer) Clone() *Buffer {
	c := &Buffer{Width: b.Width, Height: b.Height, Pix: make([]float32, len(b.Pix))}
	copy(c.Pix, b.Pix)
	return c
}
