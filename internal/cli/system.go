package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ChuLiYu/darkroom/internal/app"
	"github.com/ChuLiYu/darkroom/internal/catalog"
	"github.com/ChuLiYu/darkroom/internal/commit"
	"github.com/ChuLiYu/darkroom/internal/config"
	"github.com/ChuLiYu/darkroom/internal/decode"
	"github.com/ChuLiYu/darkroom/internal/gpu"
	"github.com/ChuLiYu/darkroom/internal/importer"
	"github.com/ChuLiYu/darkroom/internal/metrics"
	"github.com/ChuLiYu/darkroom/internal/pipeline"
	"github.com/ChuLiYu/darkroom/internal/scheduler"
	"github.com/ChuLiYu/darkroom/internal/storage/journal"
)

// residentSources 常駐記憶體的 decoded 影像數
const residentSources = 4

// system 組裝好的渲染核心
type system struct {
	cfg       *config.Config
	cat       catalog.Catalog
	gpu       *gpu.Context
	sched     *scheduler.Scheduler
	sources   *importer.Sources
	journal   *journal.Journal // 可為 nil
	commits   *commit.Committer
	importer  *importer.Importer
	collector *metrics.Collector // 可為 nil
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Workers:       cfg.Scheduler.Workers,
		QueueCapacity: cfg.Scheduler.QueueCapacity,
		MaxGPURetries: cfg.Scheduler.MaxGPURetries,
		JobTimeout:    cfg.Scheduler.JobTimeout,
		CacheBudget:   cfg.Cache.BudgetBytes(),
	}
}

func gpuOptions(cfg *config.Config) gpu.Options {
	return gpu.Options{
		MaxConcurrentSubmissions: cfg.GPU.MaxConcurrentSubmissions,
		MemoryLimit:              cfg.GPU.MemoryLimitMB << 20,
		CompileShaders:           cfg.GPU.CompileShaders,
	}
}

// gpuFactory 依設定選擇裝置；目前只有軟體後端
func gpuFactory(cfg *config.Config) (gpu.DeviceFactory, error) {
	switch cfg.GPU.Backend {
	case config.BackendSoftware, "":
		return gpu.SoftwareFactory(max(cfg.GPU.MaxConcurrentSubmissions, cfg.Scheduler.Workers)), nil
	default:
		return nil, fmt.Errorf("unsupported gpu backend %q", cfg.GPU.Backend)
	}
}

func importerConfig(cfg *config.Config) importer.Config {
	return importer.Config{
		Concurrency: cfg.Import.Concurrency,
		Tiers:       cfg.Import.Tiers,
		Quality:     cfg.Import.Quality,
	}
}

func appConfig(cfg *config.Config) app.Config {
	c := app.DefaultConfig()
	c.HistoryDepth = cfg.Edit.HistoryDepth
	c.Debounce = cfg.Edit.Debounce
	c.MaxPreviewDimension = cfg.Viewport.MaxPreviewDimension
	return c
}

// openRenderer 建立 GPU context、pipeline 與 scheduler（不含 catalog）
func openRenderer(ctx context.Context, cfg *config.Config, sources scheduler.SourceProvider,
	rec scheduler.Recorder) (*gpu.Context, *scheduler.Scheduler, error) {

	factory, err := gpuFactory(cfg)
	if err != nil {
		return nil, nil, err
	}
	g, err := gpu.NewContext(factory, gpuOptions(cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open gpu: %w", err)
	}
	sched := scheduler.New(schedulerConfig(cfg), pipeline.New(g), sources, rec)
	if err := sched.Start(ctx); err != nil {
		g.Close()
		return nil, nil, fmt.Errorf("failed to start scheduler: %w", err)
	}
	return g, sched, nil
}

// openSystem 依設定開啟所有元件。withMetrics 時建立 Prometheus collector
// （一個行程只能建立一次）。
func openSystem(ctx context.Context, cfg *config.Config, withMetrics bool) (_ *system, err error) {
	s := &system{cfg: cfg}
	defer func() {
		if err != nil {
			s.Close(context.Background())
		}
	}()

	if err := os.MkdirAll(filepath.Dir(cfg.Catalog.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create catalog dir: %w", err)
	}
	if s.cat, err = catalog.Open(cfg.Catalog.Driver, cfg.Catalog.Path); err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	var (
		schedRec  scheduler.Recorder
		commitRec commit.Recorder
		importRec importer.Recorder
	)
	if withMetrics {
		s.collector = metrics.NewCollector()
		schedRec, commitRec, importRec = s.collector, s.collector, s.collector
	}

	dec := decode.NewFileDecoder(0)
	s.sources = importer.NewSources(dec, s.cat, residentSources)
	if s.gpu, s.sched, err = openRenderer(ctx, cfg, s.sources, schedRec); err != nil {
		return nil, err
	}
	if s.collector != nil {
		s.collector.ObserveCache(s.sched.Cache().Stats)
	}

	if cfg.Journal.Path != "" {
		if s.journal, err = journal.Open(cfg.Journal.Path, true); err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
	}
	if s.commits, err = commit.New(s.cat, s.journal, commitRec); err != nil {
		return nil, fmt.Errorf("failed to recover pending commits: %w", err)
	}

	s.importer = importer.New(importerConfig(cfg), dec, s.cat, s.sched, importRec)
	return s, nil
}

// status 供 /status 端點使用
func (s *system) status() any {
	return map[string]any{
		"scheduler":       s.sched.Stats(),
		"pending_commits": s.commits.Pending(),
		"resident":        s.sources.Resident(),
	}
}

// Close flushes pending commits and releases everything in reverse order.
func (s *system) Close(ctx context.Context) error {
	var errs []error
	if s.commits != nil {
		// Committer.Close 也會關閉 journal
		errs = append(errs, s.commits.Close(ctx))
	} else if s.journal != nil {
		errs = append(errs, s.journal.Close())
	}
	if s.sched != nil {
		s.sched.Stop()
	}
	if s.gpu != nil {
		errs = append(errs, s.gpu.Close())
	}
	if s.cat != nil {
		errs = append(errs, s.cat.Close())
	}
	return errors.Join(errs...)
}
