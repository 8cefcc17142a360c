package catalog

// ============================================================================
// FileStore 職責說明：
// 1. 將整個目錄（影像 + 編輯歷史）序列化為單一 JSON 文件
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. thumbnail 以獨立檔案存放在 thumbs/ 目錄
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ChuLiYu/darkroom/pkg/types"
)

const fileSchemaVersion = 1

var (
	ErrCorruptedCatalog    = errors.New("catalog file is corrupted")
	ErrIncompatibleVersion = errors.New("catalog schema version is incompatible")
)

type document struct {
	SchemaVer int                           `json:"schema_version"`
	NextRef   int64                         `json:"next_ref"`
	Images    map[types.ImageID]types.Image `json:"images"`
	Histories map[types.ImageID]History     `json:"histories"`
}

// FileStore is a Catalog kept in one JSON document.
type FileStore struct {
	path   string
	thumbs string

	mu     sync.Mutex
	doc    document
	closed bool
}

// OpenFile loads the catalog document at path, starting empty when it does
// not exist yet.
func OpenFile(path string) (*FileStore, error) {
	dir := filepath.Dir(path)
	thumbs := filepath.Join(dir, "thumbs")
	if err := os.MkdirAll(thumbs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create catalog dir: %w", err)
	}

	s := &FileStore{path: path, thumbs: thumbs}
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	s.doc = doc
	return s, nil
}

// load 載入文件
//
// 行為：
//   - 檔案不存在時回傳空文件（首次啟動）
//   - 驗證 schema 版本
//   - 偵測損壞的文件
func (s *FileStore) load() (document, error) {
	doc := document{
		SchemaVer: fileSchemaVersion,
		Images:    make(map[types.ImageID]types.Image),
		Histories: make(map[types.ImageID]History),
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return doc, fmt.Errorf("failed to read catalog: %w", err)
	}

	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("%w: %v", ErrCorruptedCatalog, err)
	}
	if doc.SchemaVer != fileSchemaVersion {
		return doc, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, doc.SchemaVer, fileSchemaVersion)
	}
	if doc.Images == nil {
		doc.Images = make(map[types.ImageID]types.Image)
	}
	if doc.Histories == nil {
		doc.Histories = make(map[types.ImageID]History)
	}
	return doc, nil
}

// persist 原子性寫入文件，呼叫時需持有 s.mu
//
//  1. 寫入臨時檔案（.tmp）
//  2. os.Rename 原子性替換
func (s *FileStore) persist() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal catalog: %w", err)
	}
	return writeAtomic(s.path, data)
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", filepath.Base(tmp), err)
	}
	return nil
}

// mutate applies fn and persists; on a failed write the in-memory document
// is restored so memory and disk agree.
func (s *FileStore) mutate(op string, id types.ImageID, fn func(doc *document)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &WriteError{Op: op, Image: id, Err: ErrClosed}
	}

	prev := s.doc
	prev.Images = cloneMap(s.doc.Images)
	prev.Histories = cloneMap(s.doc.Histories)

	fn(&s.doc)
	if err := s.persist(); err != nil {
		s.doc = prev
		return &WriteError{Op: op, Image: id, Err: err}
	}
	return nil
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *FileStore) PutImage(_ context.Context, img types.Image) error {
	return s.mutate("put image", img.ID, func(doc *document) {
		if old, ok := doc.Images[img.ID]; ok {
			img.CatalogRef = old.CatalogRef
		} else {
			doc.NextRef++
			img.CatalogRef = doc.NextRef
		}
		doc.Images[img.ID] = img
	})
}

func (s *FileStore) GetImage(_ context.Context, id types.ImageID) (types.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.doc.Images[id]
	if !ok {
		return img, fmt.Errorf("%w: image %s", ErrNotFound, id)
	}
	return img, nil
}

// ListImages returns images in import order.
func (s *FileStore) ListImages(_ context.Context) ([]types.Image, error) {
	s.mu.Lock()
	out := make([]types.Image, 0, len(s.doc.Images))
	for _, img := range s.doc.Images {
		out = append(out, img)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ImportedAt != out[j].ImportedAt {
			return out[i].ImportedAt < out[j].ImportedAt
		}
		return out[i].CatalogRef < out[j].CatalogRef
	})
	return out, nil
}

func (s *FileStore) DeleteImage(ctx context.Context, id types.ImageID) error {
	if _, err := s.GetImage(ctx, id); err != nil {
		return err
	}
	if err := s.mutate("delete image", id, func(doc *document) {
		delete(doc.Images, id)
		delete(doc.Histories, id)
	}); err != nil {
		return err
	}

	matches, _ := filepath.Glob(filepath.Join(s.thumbs, url.PathEscape(string(id))+"@*.jpg"))
	for _, m := range matches {
		os.Remove(m)
	}
	return nil
}

func (s *FileStore) LoadHistory(_ context.Context, id types.ImageID) (History, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.doc.Histories[id]
	if !ok {
		return h, fmt.Errorf("%w: history of %s", ErrNotFound, id)
	}
	return h, nil
}

func (s *FileStore) SaveHistory(_ context.Context, id types.ImageID, h History) error {
	return s.mutate("save history", id, func(doc *document) {
		doc.Histories[id] = h
	})
}

func (s *FileStore) thumbPath(id types.ImageID, tier string) string {
	return filepath.Join(s.thumbs, url.PathEscape(string(id))+"@"+url.PathEscape(tier)+".jpg")
}

func (s *FileStore) SaveThumbnail(_ context.Context, id types.ImageID, tier string, data []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return &WriteError{Op: "save thumbnail", Image: id, Err: ErrClosed}
	}
	if err := writeAtomic(s.thumbPath(id, tier), data); err != nil {
		return &WriteError{Op: "save thumbnail", Image: id, Err: err}
	}
	return nil
}

func (s *FileStore) GetThumbnail(_ context.Context, id types.ImageID, tier string) ([]byte, error) {
	data, err := os.ReadFile(s.thumbPath(id, tier))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s thumbnail of %s", ErrNotFound, tier, id)
	}
	return data, err
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Path returns the document path.
func (s *FileStore) Path() string { return s.path }
