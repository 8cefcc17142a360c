// Package importer brings image files into the catalog: decode, catalog
// entry, thumbnail tiers. Decodes run as import jobs on the scheduler's
// worker pool, behind interactive previews; the batch errgroup only bounds
// how many of those jobs wait at once. A failed file never stops the batch.
package importer

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/ChuLiYu/darkroom/internal/catalog"
	"github.com/ChuLiYu/darkroom/internal/decode"
	"github.com/ChuLiYu/darkroom/internal/edit"
	"github.com/ChuLiYu/darkroom/internal/pipeline"
	"github.com/ChuLiYu/darkroom/internal/scheduler"
	"github.com/ChuLiYu/darkroom/internal/thumbnail"
	"github.com/ChuLiYu/darkroom/pkg/types"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var log = slog.Default()

// Renderer runs import decodes and the thumbnails that cannot come from an
// embedded preview. *scheduler.Scheduler implements it.
type Renderer interface {
	SubmitAndWait(ctx context.Context, req scheduler.Request) (scheduler.Result, error)
}

// Recorder receives per-file import outcomes.
type Recorder interface {
	RecordImport(ok bool)
}

type nopRecorder struct{}

func (nopRecorder) RecordImport(bool) {}

// Config 匯入設定
type Config struct {
	Concurrency int              // 同時處理的檔案數
	Tiers       []thumbnail.Tier // 要產生的縮圖層級
	Quality     int              // JPEG 品質
}

// DefaultConfig returns the import defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency: 4,
		Tiers:       slices.Clone(thumbnail.DefaultTiers),
		Quality:     thumbnail.DefaultQuality,
	}
}

// Failure 單一檔案的匯入失敗
type Failure struct {
	Path string
	Err  error
}

// Report 批次匯入結果
type Report struct {
	Imported []types.Image
	Failed   []Failure
	Elapsed  time.Duration
}

// Importer 批次匯入器
type Importer struct {
	cfg    Config
	dec    decode.Decoder
	cat    catalog.Catalog
	render Renderer // 可為 nil：在呼叫端解碼，只使用內嵌預覽產生縮圖
	rec    Recorder
}

// New creates an Importer. render and rec may be nil.
func New(cfg Config, dec decode.Decoder, cat catalog.Catalog, render Renderer, rec Recorder) *Importer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Quality <= 0 {
		cfg.Quality = thumbnail.DefaultQuality
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Importer{cfg: cfg, dec: dec, cat: cat, render: render, rec: rec}
}

// IDForPath derives a stable image id from the absolute path, so importing
// the same file twice updates one catalog entry.
func IDForPath(path string) types.ImageID {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return types.ImageID(uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+filepath.ToSlash(abs))).String())
}

// Expand resolves paths into the supported image files they name;
// directories are walked recursively.
func Expand(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && decode.Supported(path) {
				out = append(out, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// Import 批次匯入
//
// 行為：
//   - 目錄遞迴展開
//   - 每個檔案的解碼是一個 import 任務，同時等待的任務數不超過 Concurrency
//   - 每個檔案獨立處理，失敗記錄在 Report.Failed，不中止批次
//   - 被同一檔案較新的匯入取代時略過，不算失敗
//   - 只有 ctx 取消時回傳錯誤
func (im *Importer) Import(ctx context.Context, paths []string) (*Report, error) {
	start := time.Now()
	files, err := Expand(paths)
	if err != nil {
		return nil, err
	}

	var (
		mu     sync.Mutex
		report = &Report{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(im.cfg.Concurrency)

	for _, path := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			img, err := im.ImportFile(gctx, path)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				if errors.Is(err, scheduler.ErrSuperseded) {
					log.Debug("Import superseded by a newer import", "path", path)
					return nil
				}
				report.Failed = append(report.Failed, Failure{Path: path, Err: err})
				return nil
			}
			report.Imported = append(report.Imported, img)
			return nil
		})
	}
	err = g.Wait()

	slices.SortFunc(report.Imported, func(a, b types.Image) int {
		return cmp.Compare(a.Path, b.Path)
	})
	slices.SortFunc(report.Failed, func(a, b Failure) int { return cmp.Compare(a.Path, b.Path) })
	report.Elapsed = time.Since(start)

	log.Info("Import finished",
		"imported", len(report.Imported),
		"failed", len(report.Failed),
		"elapsed", report.Elapsed)
	return report, err
}

// ImportFile decodes one file (as an import job when a scheduler is set),
// stores its catalog entry and its thumbnail tiers. Thumbnail failures are
// logged; the image stays imported.
func (im *Importer) ImportFile(ctx context.Context, path string) (types.Image, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	id := IDForPath(abs)
	decoded, err := im.decodeFile(ctx, id, abs)
	if err != nil {
		if errors.Is(err, scheduler.ErrSuperseded) {
			return types.Image{}, err
		}
		im.rec.RecordImport(false)
		log.Warn("Decode failed, skipping file", "path", abs, "error", err)
		return types.Image{}, err
	}

	size := decoded.Size()
	img := types.Image{
		ID:         id,
		Path:       abs,
		Width:      size.Width,
		Height:     size.Height,
		Color:      decoded.Color,
		ImportedAt: time.Now().UnixMilli(),
	}
	if err := im.cat.PutImage(ctx, img); err != nil {
		im.rec.RecordImport(false)
		log.Error("Catalog write failed during import", "path", abs, "error", err)
		return types.Image{}, err
	}
	if stored, err := im.cat.GetImage(ctx, img.ID); err == nil {
		img = stored
	}

	for _, tier := range im.cfg.Tiers {
		if err := im.thumbnail(ctx, img, decoded, tier); err != nil {
			if ctx.Err() != nil {
				return img, ctx.Err()
			}
			log.Warn("Thumbnail failed", "image", img.ID, "tier", tier.Name, "error", err)
		}
	}

	im.rec.RecordImport(true)
	log.Debug("Imported", "image", img.ID, "path", abs, "size", size.String(), "format", decoded.Format)
	return img, nil
}

// decodeFile 以 import 任務在 scheduler 的 worker 上解碼；沒有 scheduler 時在呼叫端解碼
func (im *Importer) decodeFile(ctx context.Context, id types.ImageID, abs string) (*decode.Decoded, error) {
	if im.render == nil {
		return im.dec.Decode(ctx, abs)
	}
	res, err := im.render.SubmitAndWait(ctx, scheduler.Request{
		Image:   id,
		Purpose: types.PurposeImport,
		Work: func(ctx context.Context) (any, error) {
			return im.dec.Decode(ctx, abs)
		},
	})
	if err != nil {
		return nil, err
	}
	if res.Err != nil {
		return nil, res.Err
	}
	decoded, ok := res.Artifact.(*decode.Decoded)
	if !ok {
		return nil, fmt.Errorf("unexpected import artifact %T", res.Artifact)
	}
	return decoded, nil
}

// thumbnail 產生一個層級的縮圖：內嵌預覽優先，其次是渲染解碼後的影像
func (im *Importer) thumbnail(ctx context.Context, img types.Image, decoded *decode.Decoded, tier thumbnail.Tier) error {
	if decode.IsRaw(img.Path) {
		data, ok, err := thumbnail.FromEmbedded(im.dec, img.Path, tier, im.cfg.Quality)
		if err != nil {
			return err
		}
		if ok {
			return im.cat.SaveThumbnail(ctx, img.ID, tier.Name, data)
		}
	}
	if im.render == nil {
		return fmt.Errorf("no embedded preview and no renderer for %s", tier.Name)
	}

	res, err := im.render.SubmitAndWait(ctx, scheduler.Request{
		Image:    img.ID,
		Purpose:  types.PurposeThumbnail,
		Snapshot: edit.Default(),
		Target:   tier.Size(decoded.Size()),
		Profile:  pipeline.SRGBProfile,
		Source:   decoded.Buffer,
		Finish:   thumbnail.EncodeFunc(tier, im.cfg.Quality),
	})
	if err != nil {
		return err
	}
	if res.Err != nil {
		return res.Err
	}
	data, ok := res.Artifact.([]byte)
	if !ok {
		return fmt.Errorf("unexpected thumbnail artifact %T", res.Artifact)
	}
	return im.cat.SaveThumbnail(ctx, img.ID, tier.Name, data)
}
