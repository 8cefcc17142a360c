package main

// Headless editing session: a synthetic 24MP frame, a slider drag, undo/redo
// and a before/after toggle, printed as the events a UI would receive.
//
//	go run ./cmd/demo            # uses configs/default.yaml when present
//	go run ./cmd/demo -drag 60   # number of slider steps

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/darkroom/internal/app"
	"github.com/ChuLiYu/darkroom/internal/catalog"
	"github.com/ChuLiYu/darkroom/internal/commit"
	"github.com/ChuLiYu/darkroom/internal/config"
	"github.com/ChuLiYu/darkroom/internal/edit"
	"github.com/ChuLiYu/darkroom/internal/gpu"
	"github.com/ChuLiYu/darkroom/internal/pipeline"
	"github.com/ChuLiYu/darkroom/internal/scheduler"
	"github.com/ChuLiYu/darkroom/pkg/types"
)

const demoImage types.ImageID = "demo-6000x4000"

func main() {
	steps := flag.Int("drag", 40, "slider steps in the simulated drag")
	flag.Parse()

	cfg, err := config.Load(config.ResolvePath(""))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	dir, err := os.MkdirTemp("", "darkroom-demo-")
	if err != nil {
		log.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	ctx := context.Background()
	cat, err := catalog.OpenSQLite(filepath.Join(dir, "catalog.db"))
	if err != nil {
		log.Fatalf("Failed to open catalog: %v", err)
	}
	defer cat.Close()

	src := syntheticFrame(6000, 4000)
	if err := cat.PutImage(ctx, types.Image{
		ID: demoImage, Path: "synthetic", Width: src.Width, Height: src.Height,
		Color: types.DefaultColorMetadata(), ImportedAt: time.Now().UnixMilli(),
	}); err != nil {
		log.Fatalf("Failed to add image: %v", err)
	}

	g, err := gpu.NewContext(gpu.SoftwareFactory(cfg.Scheduler.Workers), gpu.Options{CompileShaders: cfg.GPU.CompileShaders})
	if err != nil {
		log.Fatalf("Failed to open gpu: %v", err)
	}
	defer g.Close()

	sched := scheduler.New(scheduler.Config{
		Workers:       cfg.Scheduler.Workers,
		QueueCapacity: cfg.Scheduler.QueueCapacity,
		MaxGPURetries: cfg.Scheduler.MaxGPURetries,
		CacheBudget:   cfg.Cache.BudgetBytes(),
	}, pipeline.New(g), scheduler.SourceFunc(func(context.Context, types.ImageID) (*types.Buffer, error) {
		return src, nil
	}), nil)
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	defer sched.Stop()

	commits, err := commit.New(cat, nil, nil)
	if err != nil {
		log.Fatalf("Failed to create committer: %v", err)
	}
	defer commits.Close(ctx)

	appCfg := app.DefaultConfig()
	appCfg.Debounce = cfg.Edit.Debounce
	appCfg.Screen = types.Resolution{Width: 1440, Height: 900}
	d, err := app.New(ctx, appCfg, sched, cat, commits, nil)
	if err != nil {
		log.Fatalf("Failed to create dispatcher: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	intents := make(chan app.Intent)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		d.Run(runCtx, intents)
	}()

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range d.Events() {
			printEvent(ev)
		}
	}()

	fmt.Printf("✓ Session started (%dx%d source, screen %s)\n\n", src.Width, src.Height, appCfg.Screen)
	intents <- app.ImageSelected{Image: demoImage}
	time.Sleep(500 * time.Millisecond)

	fmt.Printf("\n⚡ Dragging exposure through %d steps...\n", *steps)
	for i := 1; i <= *steps; i++ {
		intents <- app.EditChanged{Param: edit.Exposure, Value: float64(i) / float64(*steps)}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(appCfg.Debounce + 500*time.Millisecond)

	fmt.Println("\n↩  Undo / Redo")
	intents <- app.Undo{}
	time.Sleep(200 * time.Millisecond)
	intents <- app.Redo{}
	time.Sleep(200 * time.Millisecond)

	fmt.Println("\n🔀 Before / After")
	intents <- app.ToggleBeforeAfter{}
	time.Sleep(200 * time.Millisecond)
	intents <- app.ToggleBeforeAfter{}
	time.Sleep(200 * time.Millisecond)

	cancel()
	<-stopped
	d.Close()
	<-printed

	st := sched.Stats()
	fmt.Printf("\n📊 Scheduler:\n")
	fmt.Printf("  Completed: %d\n", st.Jobs.Completed)
	fmt.Printf("  Replaced:  %d\n", st.Jobs.Replaced)
	fmt.Printf("  Cancelled: %d\n", st.Jobs.Cancelled)
	fmt.Printf("  Cache:     %d entries, %d hits, %d misses\n", st.Cache.Entries, st.Cache.Hits, st.Cache.Misses)
	fmt.Printf("\n💡 %d slider steps became %d renders.\n", *steps, st.Jobs.Completed)
}

func printEvent(ev app.Event) {
	switch e := ev.(type) {
	case app.PreviewReady:
		tag := "edited"
		if e.Before {
			tag = "before"
		}
		fmt.Printf("  🖼  preview %s %s crop=%s hit=%v mean=%.3f\n",
			tag, e.Buffer.Size(), e.Crop, e.CacheHit, e.Histogram.Mean(0))
	case app.HistoryChanged:
		fmt.Printf("  📝 head %s undo=%v redo=%v\n", e.Head, e.CanUndo, e.CanRedo)
	case app.SelectionChanged:
		fmt.Printf("  📷 selected %s (%d/%d)\n", e.Image.ID, e.Index+1, e.Count)
	case app.RenderFailed:
		fmt.Printf("  ❌ render failed: %v\n", e.Err)
	case app.CommitFailed:
		fmt.Printf("  ⚠️  commit failed: %v\n", e.Err)
	}
}

func syntheticFrame(w, h int) *types.Buffer {
	buf := types.NewBuffer(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := 0.05 + 0.4*float32(x)/float32(w)
			buf.Set(x, y, v, v*0.9, v*(0.5+0.5*float32(y)/float32(h)))
		}
	}
	return buf
}
