package app

// ============================================================================
// Dispatcher 職責說明：
// 1. 單一 goroutine 處理所有 Intent，狀態不需加鎖
// 2. 連續輸入經 Debouncer 合併，只有最後的值寫入 edit stack 並送出渲染
// 3. 渲染、匯入、提交都在背景進行，結果以 Event 回傳，Dispatch 不等待
// 4. 提交（寫入 catalog）依序在單一背景 goroutine 執行；
//    每張影像只保留最新一份待提交的歷史
// 5. 事件先進入無上限的 outbox，由 pump goroutine 送到 Events()，
//    UI 沒讀事件時 Dispatch 也不會阻塞
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ChuLiYu/darkroom/internal/catalog"
	"github.com/ChuLiYu/darkroom/internal/commit"
	"github.com/ChuLiYu/darkroom/internal/edit"
	"github.com/ChuLiYu/darkroom/internal/importer"
	"github.com/ChuLiYu/darkroom/internal/pipeline"
	"github.com/ChuLiYu/darkroom/internal/scheduler"
	"github.com/ChuLiYu/darkroom/internal/viewport"
	"github.com/ChuLiYu/darkroom/pkg/types"
)

var log = slog.Default()

var (
	ErrNoImage       = errors.New("no image selected")
	ErrUnknownImage  = errors.New("image not in catalog")
	ErrNoImporter    = errors.New("import not configured")
	ErrClosed        = errors.New("dispatcher closed")
	ErrUnknownIntent = errors.New("unknown intent")
)

// Config 互動核心設定
type Config struct {
	HistoryDepth        int
	Debounce            time.Duration
	MaxPreviewDimension int
	Profile             pipeline.DisplayProfile // 預覽的顯示設定檔
	Screen              types.Resolution        // 初始視窗大小
	EventBuffer         int
}

// DefaultConfig returns the interaction defaults.
func DefaultConfig() Config {
	return Config{
		HistoryDepth:        100,
		Debounce:            DefaultDebounce,
		MaxPreviewDimension: 2560,
		Profile:             pipeline.SRGBProfile,
		Screen:              types.Resolution{Width: 1600, Height: 1000},
		EventBuffer:         64,
	}
}

type commitReq struct {
	image   types.ImageID
	history catalog.History
}

// commitQueue 每張影像只保留最新的待提交歷史，push 不阻塞
type commitQueue struct {
	mu     sync.Mutex
	order  []types.ImageID
	latest map[types.ImageID]catalog.History
	closed bool
	wake   chan struct{}
}

func newCommitQueue() *commitQueue {
	return &commitQueue{
		latest: make(map[types.ImageID]catalog.History),
		wake:   make(chan struct{}, 1),
	}
}

func (q *commitQueue) push(id types.ImageID, h catalog.History) {
	q.mu.Lock()
	if _, ok := q.latest[id]; !ok {
		q.order = append(q.order, id)
	}
	q.latest[id] = h
	q.mu.Unlock()
	q.signal()
}

func (q *commitQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// take 取出所有待提交的歷史，依第一次排入的順序
func (q *commitQueue) take() ([]commitReq, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := make([]commitReq, 0, len(q.order))
	for _, id := range q.order {
		batch = append(batch, commitReq{image: id, history: q.latest[id]})
		delete(q.latest, id)
	}
	q.order = q.order[:0]
	return batch, q.closed
}

func (q *commitQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// Dispatcher maps intents to state changes and render submissions.
// Dispatch, Run and Close must be called from one goroutine.
type Dispatcher struct {
	cfg      Config
	sched    *scheduler.Scheduler
	cat      catalog.Catalog
	commits  *commit.Committer  // 可為 nil：編輯不保存
	importer *importer.Importer // 可為 nil：不支援匯入

	model    *edit.Model
	debounce *Debouncer

	events  chan Event
	inbox   chan func()
	pending *commitQueue
	done    chan struct{}
	wg      sync.WaitGroup
	loopWG  sync.WaitGroup // commitLoop 與 pump

	outMu     sync.Mutex
	outbox    []Event
	outClosed bool
	outWake   chan struct{}

	// 以下只在 dispatcher goroutine 存取
	images []types.Image
	index  int
	view   *viewport.Mapper
	screen types.Resolution
	before bool
	closed bool
}

// New creates a Dispatcher and loads the image list from cat.
func New(ctx context.Context, cfg Config, sched *scheduler.Scheduler, cat catalog.Catalog,
	commits *commit.Committer, im *importer.Importer) (*Dispatcher, error) {

	def := DefaultConfig()
	if cfg.HistoryDepth <= 0 {
		cfg.HistoryDepth = def.HistoryDepth
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if cfg.Screen.Empty() {
		cfg.Screen = def.Screen
	}
	if cfg.Profile.Name == "" {
		cfg.Profile = def.Profile
	}

	d := &Dispatcher{
		cfg:      cfg,
		sched:    sched,
		cat:      cat,
		commits:  commits,
		importer: im,
		model:    edit.NewModel(cfg.HistoryDepth),
		debounce: NewDebouncer(cfg.Debounce),
		events:   make(chan Event, cfg.EventBuffer),
		inbox:    make(chan func(), 16),
		pending:  newCommitQueue(),
		done:     make(chan struct{}),
		outWake:  make(chan struct{}, 1),
		index:    -1,
		screen:   cfg.Screen,
	}
	if err := d.Refresh(ctx); err != nil {
		return nil, err
	}

	d.loopWG.Add(2)
	go d.commitLoop()
	go d.pump()
	return d, nil
}

// Events delivers results. It is closed by Close.
func (d *Dispatcher) Events() <-chan Event { return d.events }

// Debouncer exposes the edit debouncer to callers that drive their own loop
// instead of Run.
func (d *Dispatcher) Debouncer() *Debouncer { return d.debounce }

// Model returns the edit model.
func (d *Dispatcher) Model() *edit.Model { return d.model }

// Refresh reloads the image list from the catalog, keeping the selection.
func (d *Dispatcher) Refresh(ctx context.Context) error {
	images, err := d.cat.ListImages(ctx)
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}
	var current types.ImageID
	if d.index >= 0 {
		current = d.images[d.index].ID
	}
	d.images = images
	d.index = slices.IndexFunc(images, func(img types.Image) bool { return img.ID == current })
	return nil
}

// Current returns the selected image.
func (d *Dispatcher) Current() (types.Image, bool) {
	if d.index < 0 {
		return types.Image{}, false
	}
	return d.images[d.index], true
}

// View returns the viewport of the selected image.
func (d *Dispatcher) View() *viewport.Mapper { return d.view }

// Run dispatches intents until ctx is cancelled or intents is closed, also
// running due debounced edits and background completions.
func (d *Dispatcher) Run(ctx context.Context, intents <-chan Intent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in, ok := <-intents:
			if !ok {
				return nil
			}
			if err := d.Dispatch(ctx, in); err != nil {
				log.Warn("Intent failed", "intent", fmt.Sprintf("%T", in), "error", err)
			}
		case key := <-d.debounce.Ready():
			d.debounce.Fire(key)
		case fn := <-d.inbox:
			fn()
		}
	}
}

// Dispatch applies one intent. It never waits for renders, imports or
// catalog writes.
func (d *Dispatcher) Dispatch(ctx context.Context, in Intent) error {
	if d.closed {
		return ErrClosed
	}

	switch in := in.(type) {
	case EditChanged:
		img, ok := d.Current()
		if !ok {
			return ErrNoImage
		}
		id := img.ID
		d.debounce.Trigger(editKey(id, in.Param), func() {
			d.applyEdit(id, in.Param, in.Value)
		})
		return nil

	case EditCommitted:
		img, ok := d.Current()
		if !ok {
			return ErrNoImage
		}
		d.debounce.Cancel(editKey(img.ID, in.Param))
		d.applyEdit(img.ID, in.Param, in.Value)
		return nil

	case Undo, Redo, ResetEdits:
		img, ok := d.Current()
		if !ok {
			return ErrNoImage
		}
		d.debounce.Flush()
		changed := true
		switch in.(type) {
		case Undo:
			_, changed = d.model.Undo(img.ID)
		case Redo:
			_, changed = d.model.Redo(img.ID)
		default:
			d.model.Reset(img.ID)
		}
		if !changed {
			return nil
		}
		d.historyChanged(img.ID)
		d.persist(img.ID)
		return d.submitPreview()

	case ToggleBeforeAfter:
		d.before = !d.before
		return d.submitPreview()

	case ZoomChanged:
		if d.view == nil {
			return ErrNoImage
		}
		d.view.ZoomToCursor(in.Cursor, in.Delta)
		return d.submitPreview()

	case Panned:
		if d.view == nil {
			return ErrNoImage
		}
		d.view.Pan(in.Delta)
		return d.submitPreview()

	case ViewportResized:
		d.screen = in.Size
		if d.view == nil {
			return nil
		}
		d.view.Resize(in.Size)
		return d.submitPreview()

	case ViewReset:
		if d.view == nil {
			return ErrNoImage
		}
		d.view.Reset()
		return d.submitPreview()

	case ImageSelected:
		i := slices.IndexFunc(d.images, func(img types.Image) bool { return img.ID == in.Image })
		if i < 0 {
			// 可能是剛匯入、尚未重新整理的影像
			if err := d.Refresh(ctx); err != nil {
				return err
			}
			if i = slices.IndexFunc(d.images, func(img types.Image) bool { return img.ID == in.Image }); i < 0 {
				return fmt.Errorf("%w: %s", ErrUnknownImage, in.Image)
			}
		}
		return d.selectIndex(ctx, i)

	case SelectNext:
		if len(d.images) == 0 {
			return ErrNoImage
		}
		return d.selectIndex(ctx, min(d.index+1, len(d.images)-1))

	case SelectPrevious:
		if len(d.images) == 0 {
			return ErrNoImage
		}
		return d.selectIndex(ctx, max(d.index-1, 0))

	case ImportRequested:
		return d.startImport(ctx, in.Paths)

	case ExportRequested:
		return d.startExport(in)

	default:
		return fmt.Errorf("%w: %T", ErrUnknownIntent, in)
	}
}

func editKey(id types.ImageID, p edit.ParamID) string {
	return string(id) + "/" + p.String()
}

// applyEdit 寫入 edit stack、保存並送出渲染
func (d *Dispatcher) applyEdit(id types.ImageID, p edit.ParamID, v float64) {
	head := d.model.Head(id)
	next := head.With(p, v)
	if next.Equal(head) {
		return
	}
	d.model.Apply(id, next)
	d.historyChanged(id)
	d.persist(id)

	if img, ok := d.Current(); ok && img.ID == id {
		if err := d.submitPreview(); err != nil {
			log.Warn("Preview submission failed", "image", id, "error", err)
		}
	}
}

func (d *Dispatcher) historyChanged(id types.ImageID) {
	hist, cursor := d.model.History(id)
	d.emit(HistoryChanged{
		Image:   id,
		Head:    hist[cursor],
		CanUndo: cursor > 0,
		CanRedo: cursor < len(hist)-1,
	})
}

// persist 將目前的歷史排入提交佇列，取代同一張影像尚未提交的舊歷史
func (d *Dispatcher) persist(id types.ImageID) {
	if d.commits == nil {
		return
	}
	hist, cursor := d.model.History(id)
	d.pending.push(id, catalog.History{Snapshots: hist, Head: cursor})
}

// commitLoop 提交到佇列關閉且清空為止
func (d *Dispatcher) commitLoop() {
	defer d.loopWG.Done()
	for {
		batch, closed := d.pending.take()
		for _, req := range batch {
			if err := d.commits.Commit(context.Background(), req.image, req.history); err != nil {
				log.Warn("Edit commit failed", "image", req.image, "error", err)
				d.emit(CommitFailed{Image: req.image, Err: err})
			}
		}
		if closed {
			if len(batch) == 0 {
				return
			}
			continue
		}
		<-d.pending.wake
	}
}

func (d *Dispatcher) selectIndex(ctx context.Context, i int) error {
	if i == d.index && d.view != nil {
		return nil
	}
	d.debounce.Flush()
	if prev, ok := d.Current(); ok {
		d.sched.Cancel(types.DedupKey{Image: prev.ID, Purpose: types.PurposePreview})
	}

	img := d.images[i]
	d.index = i
	d.before = false
	d.view = viewport.New(img.Size(), d.screen)

	if !d.model.Loaded(img.ID) && d.commits != nil {
		h, err := d.commits.Load(ctx, img.ID)
		switch {
		case err == nil:
			d.model.Load(img.ID, h.Snapshots, h.Head)
		case errors.Is(err, catalog.ErrNotFound):
		default:
			log.Warn("Failed to load edit history", "image", img.ID, "error", err)
		}
	}

	d.emit(SelectionChanged{Image: img, Index: i, Count: len(d.images)})
	d.historyChanged(img.ID)
	return d.submitPreview()
}

// previewRequest 目前畫面的預覽渲染請求
func (d *Dispatcher) previewRequest() (scheduler.Request, bool) {
	img, ok := d.Current()
	if !ok || d.view == nil {
		return scheduler.Request{}, false
	}
	crop := d.view.SampleRect()
	target := d.view.TargetResolution(d.cfg.MaxPreviewDimension)
	if crop.Empty() || target.Empty() {
		return scheduler.Request{}, false
	}
	snap := d.model.Head(img.ID)
	if d.before {
		snap = edit.Default()
	}
	return scheduler.Request{
		Image:    img.ID,
		Purpose:  types.PurposePreview,
		Snapshot: snap,
		Crop:     crop,
		Target:   target,
		Profile:  d.cfg.Profile,
	}, true
}

func (d *Dispatcher) submitPreview() error {
	req, ok := d.previewRequest()
	if !ok {
		return nil
	}
	ticket, err := d.sched.Submit(req)
	if err != nil {
		return err
	}
	before := d.before
	d.forward(func(res scheduler.Result) Event {
		switch res.Status {
		case types.StatusCompleted:
			return PreviewReady{
				Image:     req.Image,
				Snapshot:  res.Snapshot,
				Before:    before,
				Crop:      req.Crop,
				Buffer:    res.Buffer,
				Histogram: pipeline.ComputeHistogram(res.Buffer),
				CacheHit:  res.CacheHit,
			}
		case types.StatusFailed:
			return RenderFailed{Image: req.Image, Purpose: req.Purpose, Err: res.Err}
		}
		// 被取代或取消的結果不通知
		return nil
	}, ticket)
	return nil
}

// forward 在背景等待結果並轉成事件
func (d *Dispatcher) forward(convert func(scheduler.Result) Event, ticket scheduler.Ticket) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case res := <-ticket.Result:
			if ev := convert(res); ev != nil {
				d.emit(ev)
			}
		case <-d.done:
		}
	}()
}

// emit 放入 outbox 後立即返回；關閉後的事件丟棄
func (d *Dispatcher) emit(ev Event) {
	d.outMu.Lock()
	if d.outClosed {
		d.outMu.Unlock()
		return
	}
	d.outbox = append(d.outbox, ev)
	d.outMu.Unlock()

	select {
	case d.outWake <- struct{}{}:
	default:
	}
}

// pump 依序把 outbox 的事件送到 Events()
func (d *Dispatcher) pump() {
	defer d.loopWG.Done()
	for {
		select {
		case <-d.outWake:
		case <-d.done:
			return
		}

		d.outMu.Lock()
		batch := d.outbox
		d.outbox = nil
		d.outMu.Unlock()

		for _, ev := range batch {
			select {
			case d.events <- ev:
			case <-d.done:
				return
			}
		}
	}
}

func (d *Dispatcher) startImport(ctx context.Context, paths []string) error {
	if d.importer == nil {
		return ErrNoImporter
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		report, err := d.importer.Import(ctx, paths)
		// 影像清單在 dispatcher goroutine 上更新
		select {
		case d.inbox <- func() {
			if rerr := d.Refresh(ctx); rerr != nil {
				log.Warn("Failed to refresh image list", "error", rerr)
			}
			d.emit(ImportFinished{Report: report, Err: err})
		}:
		case <-d.done:
		}
	}()
	return nil
}

func (d *Dispatcher) startExport(in ExportRequested) error {
	img, ok := d.Current()
	if !ok {
		return ErrNoImage
	}
	d.debounce.Flush()

	profile := in.Profile
	if profile.Name == "" {
		profile = pipeline.SRGBProfile
	}
	ticket, err := d.sched.Submit(scheduler.Request{
		Image:    img.ID,
		Purpose:  types.PurposeExport,
		Snapshot: d.model.Head(img.ID),
		Profile:  profile,
		Finish:   PNGWriter(in.Path),
	})
	if err != nil {
		return err
	}
	d.forward(func(res scheduler.Result) Event {
		return ExportFinished{Image: img.ID, Path: in.Path, Err: res.Err}
	}, ticket)
	return nil
}

// Drain runs background completions that are already waiting (import
// results) without blocking. Callers that drive Dispatch directly use it
// instead of Run.
func (d *Dispatcher) Drain() int {
	n := 0
	for {
		select {
		case fn := <-d.inbox:
			fn()
			n++
		default:
			return n
		}
	}
}

// Close applies pending debounced edits, waits for queued commits and
// closes Events. The scheduler and committer are closed by their owner.
func (d *Dispatcher) Close() {
	if d.closed {
		return
	}
	d.debounce.Flush()
	d.debounce.Stop()
	d.closed = true

	// 提交仍會執行完；只是不再送出事件
	d.pending.close()
	close(d.done)
	d.wg.Wait()
	d.loopWG.Wait()

	d.outMu.Lock()
	d.outClosed = true
	d.outbox = nil
	d.outMu.Unlock()
	close(d.events)
}
