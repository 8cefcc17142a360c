package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image/png"
	"os"
	"path/filepath"

	"github.com/ChuLiYu/darkroom/internal/scheduler"
	"github.com/ChuLiYu/darkroom/internal/thumbnail"
	"github.com/ChuLiYu/darkroom/pkg/types"
)

// PNGWriter returns a post-render step that writes a display-encoded render
// to path as 8-bit PNG. The file is written to a temp file and renamed, so
// a cancelled or failed export never leaves a partial file behind. The
// artifact is the final path.
func PNGWriter(path string) scheduler.FinishFunc {
	return func(ctx context.Context, buf *types.Buffer) (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := WritePNG(path, buf); err != nil {
			return nil, err
		}
		return path, nil
	}
}

// WritePNG quantises buf and writes it to path atomically.
func WritePNG(path string, buf *types.Buffer) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create export dir: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}

	w := bufio.NewWriter(f)
	err = errors.Join(png.Encode(w, thumbnail.Quantize(buf)), w.Flush(), f.Close())
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename export: %w", err)
	}
	return nil
}
