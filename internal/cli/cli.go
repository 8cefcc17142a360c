// ============================================================================
// Darkroom CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra 命令樹，組裝渲染核心各元件
//
// Command Structure:
//   darkroom                       # Root command
//   ├── --config, -c              # 設定檔（預設 configs/default.yaml，或 DARKROOM_CONFIG）
//   ├── --log-level               # debug | info | warn | error
//   ├── run                        # 啟動 scheduler、資料夾監看、metrics
//   ├── import <paths...>          # 批次匯入並產生縮圖
//   ├── render <image-path>        # 套用編輯並輸出 PNG
//   │   ├── --exposure ... --vibrance
//   │   ├── --preset              # YAML 編輯預設
//   │   ├── --width / --height    # 輸出大小（保持比例）
//   │   ├── --profile             # 顯示設定檔
//   │   └── --output, -o
//   ├── history <image-id|path>    # 列出已保存的編輯歷史
//   └── status                     # 設定、catalog、待重試提交
//
// run Command:
//   1. Load config
//   2. Open catalog / journal, replay unresolved commits
//   3. Start GPU context and render scheduler
//   4. Start metrics HTTP server (if enabled) and folder watcher (if watch_dir set)
//   5. Wait for SIGINT / SIGTERM
//   6. Flush pending commits, compact the journal, close everything
//
// Examples:
//   ./darkroom run -c configs/default.yaml
//   ./darkroom import ~/Pictures/2024
//   ./darkroom render shot.nef --exposure 0.7 --saturation 15 --width 2048 -o out.png
//   ./darkroom history shot.nef
//
// ============================================================================

package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/darkroom/internal/config"
)

var log = slog.Default()

var (
	configFile string
	logLevel   string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "darkroom",
		Short: "Darkroom: non-destructive raw photo editing core",
		Long: `Darkroom is a real-time raw photo editing core with:
- Immutable edit snapshots with undo/redo
- Prioritised, deduplicated render scheduling
- GPU-style pass pipeline with display profiles
- Budgeted render cache and persistent catalog`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(cmd.ErrOrStderr(), logLevel)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "config file path (or set "+config.EnvPath+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildImportCommand())
	rootCmd.AddCommand(buildRenderCommand())
	rootCmd.AddCommand(buildHistoryCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// setupLogging installs a text handler at level on w.
func setupLogging(w io.Writer, level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	slog.SetLogLoggerLevel(lvl)
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})))
	return nil
}

// loadConfig resolves the config path. An explicit --config wins over
// DARKROOM_CONFIG.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	explicit := ""
	if f := cmd.Flags().Lookup("config"); f != nil && f.Changed {
		explicit = configFile
	}
	path := config.ResolvePath(explicit)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, path, nil
}
