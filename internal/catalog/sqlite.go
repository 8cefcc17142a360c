package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/darkroom/pkg/types"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS images (
	id          TEXT PRIMARY KEY,
	path        TEXT NOT NULL,
	width       INTEGER NOT NULL,
	height      INTEGER NOT NULL,
	color       TEXT NOT NULL,
	imported_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS histories (
	image_id   TEXT PRIMARY KEY REFERENCES images(id) ON DELETE CASCADE,
	snapshots  TEXT NOT NULL,
	head       INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS thumbnails (
	image_id TEXT NOT NULL REFERENCES images(id) ON DELETE CASCADE,
	tier     TEXT NOT NULL,
	data     BLOB NOT NULL,
	PRIMARY KEY (image_id, tier)
);
`

// SQLiteStore is a Catalog backed by a pure-Go SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:"
// opens a private in-memory catalog.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create catalog dir: %w", err)
		}
		dsn += "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)"
	} else {
		dsn += "?_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	if path == ":memory:" {
		// 每個連線都是獨立的記憶體資料庫
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply catalog schema: %w", err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

func (s *SQLiteStore) PutImage(ctx context.Context, img types.Image) error {
	color, err := json.Marshal(img.Color)
	if err != nil {
		return &WriteError{Op: "put image", Image: img.ID, Err: err}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO images (id, path, width, height, color, imported_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			path = excluded.path, width = excluded.width, height = excluded.height,
			color = excluded.color`,
		string(img.ID), img.Path, img.Width, img.Height, string(color), img.ImportedAt)
	if err != nil {
		return &WriteError{Op: "put image", Image: img.ID, Err: err}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImage(row rowScanner) (types.Image, error) {
	var (
		img   types.Image
		id    string
		color string
	)
	if err := row.Scan(&img.CatalogRef, &id, &img.Path, &img.Width, &img.Height, &color, &img.ImportedAt); err != nil {
		return img, err
	}
	img.ID = types.ImageID(id)
	if err := json.Unmarshal([]byte(color), &img.Color); err != nil {
		return img, fmt.Errorf("corrupt color metadata for %s: %w", id, err)
	}
	return img, nil
}

const imageColumns = `rowid, id, path, width, height, color, imported_at`

func (s *SQLiteStore) GetImage(ctx context.Context, id types.ImageID) (types.Image, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+imageColumns+` FROM images WHERE id = ?`, string(id))
	img, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return img, fmt.Errorf("%w: image %s", ErrNotFound, id)
	}
	return img, err
}

// ListImages returns images in import order.
func (s *SQLiteStore) ListImages(ctx context.Context) ([]types.Image, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+imageColumns+` FROM images ORDER BY imported_at, rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	defer rows.Close()

	var out []types.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteImage(ctx context.Context, id types.ImageID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM images WHERE id = ?`, string(id))
	if err != nil {
		return &WriteError{Op: "delete image", Image: id, Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: image %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) LoadHistory(ctx context.Context, id types.ImageID) (History, error) {
	var (
		h    History
		snap string
	)
	err := s.db.QueryRowContext(ctx, `SELECT snapshots, head FROM histories WHERE image_id = ?`, string(id)).
		Scan(&snap, &h.Head)
	if errors.Is(err, sql.ErrNoRows) {
		return h, fmt.Errorf("%w: history of %s", ErrNotFound, id)
	}
	if err != nil {
		return h, fmt.Errorf("failed to load history: %w", err)
	}
	if err := json.Unmarshal([]byte(snap), &h.Snapshots); err != nil {
		return h, fmt.Errorf("corrupt history for %s: %w", id, err)
	}
	return h, nil
}

func (s *SQLiteStore) SaveHistory(ctx context.Context, id types.ImageID, h History) error {
	snap, err := json.Marshal(h.Snapshots)
	if err != nil {
		return &WriteError{Op: "save history", Image: id, Err: err}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO histories (image_id, snapshots, head, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(image_id) DO UPDATE SET
			snapshots = excluded.snapshots, head = excluded.head, updated_at = excluded.updated_at`,
		string(id), string(snap), h.Head, time.Now().UnixMilli())
	if err != nil {
		return &WriteError{Op: "save history", Image: id, Err: err}
	}
	return nil
}

func (s *SQLiteStore) SaveThumbnail(ctx context.Context, id types.ImageID, tier string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thumbnails (image_id, tier, data) VALUES (?, ?, ?)
		ON CONFLICT(image_id, tier) DO UPDATE SET data = excluded.data`,
		string(id), tier, data)
	if err != nil {
		return &WriteError{Op: "save thumbnail", Image: id, Err: err}
	}
	return nil
}

func (s *SQLiteStore) GetThumbnail(ctx context.Context, id types.ImageID, tier string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM thumbnails WHERE image_id = ? AND tier = ?`,
		string(id), tier).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s thumbnail of %s", ErrNotFound, tier, id)
	}
	return data, err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database path.
func (s *SQLiteStore) Path() string { return s.path }
