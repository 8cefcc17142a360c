package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/darkroom/internal/config"
	"github.com/ChuLiYu/darkroom/internal/importer"
	"github.com/ChuLiYu/darkroom/internal/metrics"
)

// commitRetryInterval 定期重試 journal 中尚未寫入 catalog 的編輯
const commitRetryInterval = 30 * time.Second

func buildRunCommand() *cobra.Command {
	var watchDir string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the render core with folder watch and metrics",
		Long:  "Start the scheduler, watch a folder for new photos and expose metrics until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if watchDir != "" {
				cfg.Import.WatchDir = watchDir
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			log.Info("Starting darkroom", "config", path)
			return runSystem(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&watchDir, "watch", "", "folder to watch for new photos (overrides import.watch_dir)")
	return cmd
}

// runSystem 執行到 ctx 結束，然後關閉並保存待處理的提交
func runSystem(ctx context.Context, cfg *config.Config) error {
	sys, err := openSystem(ctx, cfg, cfg.Metrics.Enabled)
	if err != nil {
		return err
	}

	log.Info("Render core ready",
		"workers", cfg.Scheduler.Workers,
		"cache_mb", cfg.Cache.BudgetMB,
		"catalog", cfg.Catalog.Path,
		"pending_commits", len(sys.commits.Pending()))

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Addr, sys.status)
		g.Go(func() error { return srv.Serve(gctx) })
	}

	if cfg.Import.WatchDir != "" {
		if err := os.MkdirAll(cfg.Import.WatchDir, 0755); err != nil {
			sys.Close(context.Background())
			return fmt.Errorf("failed to create watch dir: %w", err)
		}
		w := importer.NewWatcher(sys.importer, cfg.Import.WatchDir, importer.DefaultSettle, logImport)
		g.Go(func() error { return w.Run(gctx) })
	}

	g.Go(func() error {
		retryCommits(gctx, sys)
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("Shutting down, flushing pending commits")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if cerr := sys.Close(shutdownCtx); cerr != nil {
		log.Error("Shutdown incomplete", "error", cerr)
		err = errors.Join(err, cerr)
	}
	log.Info("Darkroom stopped")
	return err
}

func retryCommits(ctx context.Context, sys *system) {
	ticker := time.NewTicker(commitRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if len(sys.commits.Pending()) == 0 {
				continue
			}
			if err := sys.commits.Flush(ctx); err != nil {
				log.Warn("Pending commits still failing", "error", err)
			}
		}
	}
}

func logImport(path string, report *importer.Report, err error) {
	if err != nil {
		log.Warn("Watch import failed", "path", path, "error", err)
		return
	}
	for _, f := range report.Failed {
		log.Warn("Watch import skipped file", "path", f.Path, "error", f.Err)
	}
	if len(report.Imported) > 0 {
		log.Info("Watch import", "path", path, "imported", len(report.Imported))
	}
}
