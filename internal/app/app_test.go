package app

import (
	"context"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/darkroom/internal/catalog"
	"github.com/ChuLiYu/darkroom/internal/commit"
	"github.com/ChuLiYu/darkroom/internal/decode"
	"github.com/ChuLiYu/darkroom/internal/edit"
	"github.com/ChuLiYu/darkroom/internal/gpu"
	"github.com/ChuLiYu/darkroom/internal/importer"
	"github.com/ChuLiYu/darkroom/internal/pipeline"
	"github.com/ChuLiYu/darkroom/internal/rendercache"
	"github.com/ChuLiYu/darkroom/internal/scheduler"
	"github.com/ChuLiYu/darkroom/internal/storage/journal"
	"github.com/ChuLiYu/darkroom/internal/viewport"
	"github.com/ChuLiYu/darkroom/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventTimeout = 10 * time.Second

// ============================================================================
// 測試環境
// ============================================================================

// warmGradient 低於 0.4 的暖色漸層，曝光 +1 後不會截斷
func warmGradient(w, h int) *types.Buffer {
	buf := types.NewBuffer(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := 0.05 + 0.35*float32(x+y)/float32(w+h)
			buf.Set(x, y, v, v*0.8, v*0.6)
		}
	}
	return buf
}

type env struct {
	d       *Dispatcher
	sched   *scheduler.Scheduler
	cat     catalog.Catalog
	commits *commit.Committer
	dir     string
}

type testImage struct {
	id   types.ImageID
	w, h int
}

func newEnv(t *testing.T, cfg Config, images ...testImage) *env {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	cat, err := catalog.OpenSQLite(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)

	sources := map[types.ImageID]*types.Buffer{}
	for i, img := range images {
		sources[img.id] = warmGradient(img.w, img.h)
		require.NoError(t, cat.PutImage(ctx, types.Image{
			ID: img.id, Path: string(img.id), Width: img.w, Height: img.h,
			Color: types.DefaultColorMetadata(), ImportedAt: int64(i + 1),
		}))
	}

	g, err := gpu.NewContext(gpu.SoftwareFactory(2), gpu.Options{})
	require.NoError(t, err)
	sched := scheduler.New(scheduler.Config{Workers: 2, QueueCapacity: 16, CacheBudget: 256 << 20},
		pipeline.New(g),
		scheduler.SourceFunc(func(_ context.Context, id types.ImageID) (*types.Buffer, error) {
			return sources[id], nil
		}), nil)
	require.NoError(t, sched.Start(ctx))

	jr, err := journal.Open(filepath.Join(dir, "pending.journal"), true)
	require.NoError(t, err)
	commits, err := commit.New(cat, jr, nil)
	require.NoError(t, err)

	im := importer.New(importer.Config{Concurrency: 2}, decode.NewFileDecoder(0), cat, sched, nil)
	d, err := New(ctx, cfg, sched, cat, commits, im)
	require.NoError(t, err)

	e := &env{d: d, sched: sched, cat: cat, commits: commits, dir: dir}
	t.Cleanup(func() {
		d.Close()
		commits.Close(context.Background())
		sched.Stop()
		g.Close()
		cat.Close()
	})
	return e
}

func testConfig(screen types.Resolution) Config {
	cfg := DefaultConfig()
	cfg.Screen = screen
	cfg.Debounce = 40 * time.Millisecond
	return cfg
}

// waitFor 讀取事件直到出現符合條件的 T
func waitFor[T Event](t *testing.T, d *Dispatcher, match func(T) bool) T {
	t.Helper()
	deadline := time.After(eventTimeout)
	for {
		select {
		case ev, ok := <-d.Events():
			require.True(t, ok, "events closed")
			if v, ok := ev.(T); ok && (match == nil || match(v)) {
				return v
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func previewOf(snap edit.Snapshot) func(PreviewReady) bool {
	return func(p PreviewReady) bool { return p.Snapshot == snap.Hash() }
}

func meanLuminance(buf *types.Buffer) float64 {
	var sum float64
	for i := 0; i+2 < len(buf.Pix); i += 3 {
		sum += 0.2126*float64(buf.Pix[i]) + 0.7152*float64(buf.Pix[i+1]) + 0.0722*float64(buf.Pix[i+2])
	}
	return sum / float64(buf.Width*buf.Height)
}

func meanChroma(buf *types.Buffer) float64 {
	var sum float64
	for i := 0; i+2 < len(buf.Pix); i += 3 {
		sum += pipeline.Chroma(float64(buf.Pix[i]), float64(buf.Pix[i+1]), float64(buf.Pix[i+2]))
	}
	return sum / float64(buf.Width*buf.Height)
}

// ============================================================================
// 端對端情境
// ============================================================================

func TestEndToEnd_ExposureAndSaturation(t *testing.T) {
	e := newEnv(t, testConfig(types.Resolution{Width: 800, Height: 1200}), testImage{"I", 2000, 3000})
	ctx := context.Background()
	d := e.d

	require.NoError(t, d.Dispatch(ctx, ImageSelected{Image: "I"}))
	sel := waitFor[SelectionChanged](t, d, nil)
	assert.Equal(t, types.ImageID("I"), sel.Image.ID)

	identity := waitFor(t, d, previewOf(edit.Default()))
	assert.Equal(t, 800, identity.Buffer.Width)
	assert.Equal(t, 1200, identity.Buffer.Height)

	require.NoError(t, d.Dispatch(ctx, EditCommitted{Param: edit.Exposure, Value: 1}))
	require.NoError(t, d.Dispatch(ctx, EditCommitted{Param: edit.Saturation, Value: 20}))

	want := edit.Default().With(edit.Exposure, 1).With(edit.Saturation, 20)
	edited := waitFor(t, d, previewOf(want))
	require.Equal(t, types.Resolution{Width: 800, Height: 1200}, edited.Buffer.Size())

	assert.Greater(t, meanLuminance(edited.Buffer), meanLuminance(identity.Buffer))
	assert.Greater(t, meanChroma(edited.Buffer), meanChroma(identity.Buffer))
	assert.Greater(t, edited.Histogram.Mean(0), identity.Histogram.Mean(0))

	key := rendercache.Key{
		Image:    "I",
		Snapshot: want.Hash(),
		Crop:     types.FullRect(2000, 3000),
		Target:   types.Resolution{Width: 800, Height: 1200},
		Profile:  pipeline.SRGBProfile.ID(),
	}
	assert.True(t, e.sched.Cache().Contains(key), "cache keys: %v", e.sched.Cache().Keys())
}

func TestEndToEnd_DebounceKeepsOnlyLatestEdit(t *testing.T) {
	e := newEnv(t, testConfig(types.Resolution{Width: 200, Height: 300}), testImage{"I", 400, 600})
	ctx := context.Background()
	d := e.d

	require.NoError(t, d.Dispatch(ctx, ImageSelected{Image: "I"}))
	waitFor(t, d, previewOf(edit.Default()))
	before := e.sched.Stats().Jobs

	s1 := edit.Default().With(edit.Exposure, 0.5)
	s2 := edit.Default().With(edit.Exposure, 1.0)
	require.NoError(t, d.Dispatch(ctx, EditChanged{Param: edit.Exposure, Value: 0.5}))
	require.NoError(t, d.Dispatch(ctx, EditChanged{Param: edit.Exposure, Value: 1.0}))
	assert.Equal(t, 1, d.Debouncer().Pending())
	assert.True(t, d.Model().Head("I").IsDefault(), "nothing applied inside the window")

	select {
	case key := <-d.Debouncer().Ready():
		require.True(t, d.Debouncer().Fire(key))
	case <-time.After(eventTimeout):
		t.Fatal("debounce window never elapsed")
	}

	got := waitFor(t, d, previewOf(s2))
	assert.False(t, got.CacheHit)

	after := e.sched.Stats().Jobs
	assert.Equal(t, before.Completed+1, after.Completed, "exactly one render job for the burst")
	assert.Equal(t, before.Replaced, after.Replaced)

	for _, k := range e.sched.Cache().Keys() {
		assert.NotEqual(t, s1.Hash(), k.Snapshot, "S1 was cached")
	}
	hist, cursor := d.Model().History("I")
	require.Len(t, hist, 2)
	assert.True(t, hist[cursor].Equal(s2))
}

// ============================================================================
// 其他 intent
// ============================================================================

func TestUndoRedoResetArePersisted(t *testing.T) {
	e := newEnv(t, testConfig(types.Resolution{Width: 100, Height: 100}), testImage{"a", 100, 100})
	ctx := context.Background()
	d := e.d

	require.NoError(t, d.Dispatch(ctx, ImageSelected{Image: "a"}))
	require.NoError(t, d.Dispatch(ctx, EditCommitted{Param: edit.Contrast, Value: 30}))
	require.NoError(t, d.Dispatch(ctx, EditCommitted{Param: edit.Shadows, Value: 15}))

	require.NoError(t, d.Dispatch(ctx, Undo{}))
	h := waitFor(t, d, func(h HistoryChanged) bool { return h.CanRedo })
	assert.Equal(t, 30.0, h.Head.Get(edit.Contrast))
	assert.Equal(t, 0.0, h.Head.Get(edit.Shadows))

	require.NoError(t, d.Dispatch(ctx, Redo{}))
	h = waitFor(t, d, func(h HistoryChanged) bool { return !h.CanRedo })
	assert.Equal(t, 15.0, h.Head.Get(edit.Shadows))

	require.NoError(t, d.Dispatch(ctx, ResetEdits{}))
	h = waitFor(t, d, func(h HistoryChanged) bool { return h.Head.IsDefault() })
	assert.True(t, h.CanUndo, "reset is undoable")

	// 關閉後所有提交都已寫入 catalog
	d.Close()
	stored, err := e.cat.LoadHistory(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, stored.Snapshots, 4)
	assert.True(t, stored.Current().IsDefault())

	assert.ErrorIs(t, d.Dispatch(ctx, Undo{}), ErrClosed)
}

func TestToggleBeforeAfter(t *testing.T) {
	e := newEnv(t, testConfig(types.Resolution{Width: 64, Height: 64}), testImage{"a", 64, 64})
	ctx := context.Background()
	d := e.d

	require.NoError(t, d.Dispatch(ctx, ImageSelected{Image: "a"}))
	edited := edit.Default().With(edit.Exposure, -1)
	require.NoError(t, d.Dispatch(ctx, EditCommitted{Param: edit.Exposure, Value: -1}))
	waitFor(t, d, previewOf(edited))

	require.NoError(t, d.Dispatch(ctx, ToggleBeforeAfter{}))
	p := waitFor(t, d, func(p PreviewReady) bool { return p.Before })
	assert.Equal(t, edit.Default().Hash(), p.Snapshot)

	require.NoError(t, d.Dispatch(ctx, ToggleBeforeAfter{}))
	p = waitFor(t, d, func(p PreviewReady) bool { return !p.Before && p.Snapshot == edited.Hash() })
	assert.True(t, p.CacheHit)
}

func TestSelectionNavigation(t *testing.T) {
	e := newEnv(t, testConfig(types.Resolution{Width: 32, Height: 32}),
		testImage{"a", 32, 32}, testImage{"b", 32, 32}, testImage{"c", 32, 32})
	ctx := context.Background()
	d := e.d

	assert.ErrorIs(t, d.Dispatch(ctx, EditChanged{Param: edit.Exposure, Value: 1}), ErrNoImage)

	steps := []struct {
		intent Intent
		want   types.ImageID
		index  int
	}{
		{SelectNext{}, "a", 0},
		{SelectNext{}, "b", 1},
		{SelectNext{}, "c", 2},
		{SelectPrevious{}, "b", 1},
		{ImageSelected{Image: "a"}, "a", 0},
	}
	for _, st := range steps {
		require.NoError(t, d.Dispatch(ctx, st.intent))
		sel := waitFor[SelectionChanged](t, d, nil)
		assert.Equal(t, st.want, sel.Image.ID)
		assert.Equal(t, st.index, sel.Index)
		assert.Equal(t, 3, sel.Count)
	}

	// 邊界：停在第一張，不重新選取
	require.NoError(t, d.Dispatch(ctx, SelectPrevious{}))
	cur, _ := d.Current()
	assert.Equal(t, types.ImageID("a"), cur.ID)

	assert.ErrorIs(t, d.Dispatch(ctx, ImageSelected{Image: "zzz"}), ErrUnknownImage)
}

func TestEditsSurviveReselection(t *testing.T) {
	e := newEnv(t, testConfig(types.Resolution{Width: 32, Height: 32}),
		testImage{"a", 32, 32}, testImage{"b", 32, 32})
	ctx := context.Background()
	d := e.d

	require.NoError(t, d.Dispatch(ctx, ImageSelected{Image: "a"}))
	require.NoError(t, d.Dispatch(ctx, EditChanged{Param: edit.Vibrance, Value: 40}))
	// 切換影像前，待處理的拖曳會先套用
	require.NoError(t, d.Dispatch(ctx, ImageSelected{Image: "b"}))
	assert.Equal(t, 40.0, d.Model().Head("a").Get(edit.Vibrance))

	require.NoError(t, d.Dispatch(ctx, ImageSelected{Image: "a"}))
	h := waitFor(t, d, func(h HistoryChanged) bool { return h.Image == "a" && !h.Head.IsDefault() })
	assert.Equal(t, 40.0, h.Head.Get(edit.Vibrance))
}

func TestViewportIntents(t *testing.T) {
	e := newEnv(t, testConfig(types.Resolution{Width: 100, Height: 100}), testImage{"a", 400, 400})
	ctx := context.Background()
	d := e.d

	assert.ErrorIs(t, d.Dispatch(ctx, ZoomChanged{Delta: 1}), ErrNoImage)

	require.NoError(t, d.Dispatch(ctx, ImageSelected{Image: "a"}))
	full := waitFor[PreviewReady](t, d, nil)
	assert.Equal(t, types.FullRect(400, 400), full.Crop)
	fit := d.View().Zoom()

	require.NoError(t, d.Dispatch(ctx, ZoomChanged{Cursor: viewport.Point{X: 50, Y: 50}, Delta: 2}))
	assert.Greater(t, d.View().Zoom(), fit)
	zoomed := waitFor(t, d, func(p PreviewReady) bool { return p.Crop != full.Crop })
	assert.Less(t, zoomed.Crop.W, 400)

	require.NoError(t, d.Dispatch(ctx, Panned{Delta: viewport.Point{X: 10}}))
	require.NoError(t, d.Dispatch(ctx, ViewportResized{Size: types.Resolution{Width: 50, Height: 50}}))
	require.NoError(t, d.Dispatch(ctx, ViewReset{}))
	assert.InDelta(t, d.View().FitZoom(), d.View().Zoom(), 1e-12)
	reset := waitFor(t, d, func(p PreviewReady) bool {
		return p.Crop == full.Crop && p.Buffer.Width == 50
	})
	assert.Equal(t, types.Resolution{Width: 50, Height: 50}, reset.Buffer.Size())
}

func TestExport(t *testing.T) {
	e := newEnv(t, testConfig(types.Resolution{Width: 32, Height: 32}), testImage{"a", 120, 80})
	ctx := context.Background()
	d := e.d

	require.NoError(t, d.Dispatch(ctx, ImageSelected{Image: "a"}))
	require.NoError(t, d.Dispatch(ctx, EditChanged{Param: edit.Exposure, Value: 0.3}))

	out := filepath.Join(e.dir, "exports", "a.png")
	require.NoError(t, d.Dispatch(ctx, ExportRequested{Path: out}))
	ev := waitFor[ExportFinished](t, d, nil)
	require.NoError(t, ev.Err)
	assert.Equal(t, out, ev.Path)

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	cfg, err := png.DecodeConfig(f)
	require.NoError(t, err)
	assert.Equal(t, 120, cfg.Width, "export renders at native resolution")
	assert.Equal(t, 80, cfg.Height)

	// 匯出前待處理的編輯已套用
	assert.Equal(t, 0.3, d.Model().Head("a").Get(edit.Exposure))
}

func TestImportThroughRunLoop(t *testing.T) {
	e := newEnv(t, testConfig(types.Resolution{Width: 32, Height: 32}))
	d := e.d

	photos := filepath.Join(e.dir, "photos")
	require.NoError(t, os.MkdirAll(photos, 0755))
	require.NoError(t, WritePNG(filepath.Join(photos, "one.png"), warmGradient(16, 8)))

	ctx, cancel := context.WithCancel(context.Background())
	intents := make(chan Intent)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.Run(ctx, intents)
	}()

	intents <- ImportRequested{Paths: []string{photos}}
	fin := waitFor[ImportFinished](t, d, nil)
	require.NoError(t, fin.Err)
	require.Len(t, fin.Report.Imported, 1)

	id := fin.Report.Imported[0].ID
	intents <- ImageSelected{Image: id}
	sel := waitFor[SelectionChanged](t, d, nil)
	assert.Equal(t, 16, sel.Image.Width)

	cancel()
	wg.Wait()
}

func TestDispatch_NoImporter(t *testing.T) {
	e := newEnv(t, testConfig(types.Resolution{Width: 32, Height: 32}))
	e.d.importer = nil
	assert.ErrorIs(t, e.d.Dispatch(context.Background(), ImportRequested{}), ErrNoImporter)
}

func TestDispatch_NeverBlocksOnUnreadEvents(t *testing.T) {
	e := newEnv(t, testConfig(types.Resolution{Width: 100, Height: 80}), testImage{"a", 200, 160})
	ctx := context.Background()
	d := e.d

	// 遠多於 EventBuffer 的編輯，期間完全不讀 Events()
	const edits = 200
	done := make(chan error, 1)
	go func() {
		if err := d.Dispatch(ctx, ImageSelected{Image: "a"}); err != nil {
			done <- err
			return
		}
		for i := 1; i <= edits; i++ {
			if err := d.Dispatch(ctx, EditCommitted{Param: edit.Contrast, Value: float64(i) / 2}); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(eventTimeout):
		t.Fatal("Dispatch blocked while events were unread")
	}

	// 事件依序送達，沒有遺失最後一筆
	h := waitFor(t, d, func(h HistoryChanged) bool { return h.Head.Get(edit.Contrast) == 100 })
	assert.True(t, h.CanUndo)

	closed := make(chan struct{})
	go func() {
		d.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(eventTimeout):
		t.Fatal("Close blocked")
	}

	stored, err := e.cat.LoadHistory(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 100.0, stored.Current().Get(edit.Contrast))
}
