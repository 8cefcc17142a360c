package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/darkroom/internal/app"
	"github.com/ChuLiYu/darkroom/internal/catalog"
	"github.com/ChuLiYu/darkroom/internal/config"
	"github.com/ChuLiYu/darkroom/internal/decode"
	"github.com/ChuLiYu/darkroom/internal/edit"
	"github.com/ChuLiYu/darkroom/internal/importer"
	"github.com/ChuLiYu/darkroom/internal/pipeline"
	"github.com/ChuLiYu/darkroom/internal/scheduler"
	"github.com/ChuLiYu/darkroom/internal/storage/journal"
	"github.com/ChuLiYu/darkroom/pkg/types"
)

// ============================================================================
// import
// ============================================================================

func buildImportCommand() *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "import <paths...>",
		Short: "Import photos into the catalog",
		Long:  "Decode files (folders are walked recursively), add them to the catalog and generate thumbnail tiers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if concurrency > 0 {
				cfg.Import.Concurrency = concurrency
			}
			return importPaths(cmd.Context(), cmd.OutOrStdout(), cfg, args)
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "files decoded in parallel (overrides import.concurrency)")
	return cmd
}

func importPaths(ctx context.Context, w io.Writer, cfg *config.Config, paths []string) (err error) {
	sys, err := openSystem(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, sys.Close(context.Background()))
	}()

	report, err := sys.importer.Import(ctx, paths)
	if err != nil {
		return fmt.Errorf("import interrupted: %w", err)
	}

	fmt.Fprintf(w, "Imported %d files in %s\n", len(report.Imported), report.Elapsed.Round(1e6))
	for _, img := range report.Imported {
		fmt.Fprintf(w, "  ✅ %s  %dx%d  %s\n", img.ID, img.Width, img.Height, img.Path)
	}
	for _, f := range report.Failed {
		fmt.Fprintf(w, "  ❌ %s: %v\n", f.Path, f.Err)
	}
	if len(report.Failed) > 0 {
		return fmt.Errorf("%d of %d files failed", len(report.Failed), len(report.Failed)+len(report.Imported))
	}
	return nil
}

// ============================================================================
// render
// ============================================================================

type renderOptions struct {
	preset  string
	width   int
	height  int
	profile string
	output  string
}

func buildRenderCommand() *cobra.Command {
	var opts renderOptions

	cmd := &cobra.Command{
		Use:   "render <image-path>",
		Short: "Render a photo with edits to PNG",
		Long: `Decode a photo, apply edit parameters from flags and/or a YAML preset and
write the display-encoded result as PNG. Flags override preset values.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			snap, err := buildSnapshot(cmd, opts.preset)
			if err != nil {
				return err
			}
			profile, err := pipeline.ProfileByName(opts.profile)
			if err != nil {
				return err
			}
			out := opts.output
			if out == "" {
				in := args[0]
				out = strings.TrimSuffix(in, filepath.Ext(in)) + ".png"
			}
			return renderFile(cmd.Context(), cmd.OutOrStdout(), cfg, args[0], out, snap,
				opts.width, opts.height, profile)
		},
	}

	for _, p := range edit.AllParams() {
		b := edit.Range(p)
		cmd.Flags().Float64(p.String(), 0, fmt.Sprintf("%s [%v, %v]", p, b.Min, b.Max))
	}
	cmd.Flags().StringVar(&opts.preset, "preset", "", "YAML file of edit parameters")
	cmd.Flags().IntVar(&opts.width, "width", 0, "output width (keeps aspect ratio)")
	cmd.Flags().IntVar(&opts.height, "height", 0, "output height (keeps aspect ratio)")
	cmd.Flags().StringVar(&opts.profile, "profile", pipeline.SRGBProfile.Name, "display profile: linear, srgb, gamma22, display-p3")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "output PNG path (default: input name with .png)")

	return cmd
}

// loadPreset 讀取 YAML 編輯預設，未知參數視為錯誤
func loadPreset(path string) (edit.Params, error) {
	var p edit.Params
	f, err := os.Open(path)
	if err != nil {
		return p, fmt.Errorf("failed to open preset: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return p, fmt.Errorf("failed to parse preset %s: %w", path, err)
	}
	return p, nil
}

// buildSnapshot 合併 preset 與命令列上明確指定的參數
func buildSnapshot(cmd *cobra.Command, preset string) (edit.Snapshot, error) {
	var params edit.Params
	if preset != "" {
		var err error
		if params, err = loadPreset(preset); err != nil {
			return edit.Snapshot{}, err
		}
	}
	for _, p := range edit.AllParams() {
		if !cmd.Flags().Changed(p.String()) {
			continue
		}
		v, err := cmd.Flags().GetFloat64(p.String())
		if err != nil {
			return edit.Snapshot{}, err
		}
		params = params.Set(p, v)
	}
	if err := params.Validate(); err != nil {
		return edit.Snapshot{}, fmt.Errorf("invalid edit: %w", err)
	}
	return edit.NewSnapshot(params), nil
}

// outputSize 計算輸出大小；只給一邊時依比例推算另一邊，兩邊都給時取能放入的最大尺寸
func outputSize(src types.Resolution, width, height int) types.Resolution {
	if src.Empty() || (width <= 0 && height <= 0) {
		return src
	}
	scale := math.Inf(1)
	if width > 0 {
		scale = float64(width) / float64(src.Width)
	}
	if height > 0 {
		scale = min(scale, float64(height)/float64(src.Height))
	}
	return types.Resolution{
		Width:  max(1, int(math.Round(float64(src.Width)*scale))),
		Height: max(1, int(math.Round(float64(src.Height)*scale))),
	}
}

func renderFile(ctx context.Context, w io.Writer, cfg *config.Config, in, out string, snap edit.Snapshot,
	width, height int, profile pipeline.DisplayProfile) error {

	decoded, err := decode.NewFileDecoder(0).Decode(ctx, in)
	if err != nil {
		return err
	}

	g, sched, err := openRenderer(ctx, cfg, nil, nil)
	if err != nil {
		return err
	}
	defer g.Close()
	defer sched.Stop()

	target := outputSize(decoded.Size(), width, height)
	res, err := sched.SubmitAndWait(ctx, scheduler.Request{
		Image:    importer.IDForPath(in),
		Purpose:  types.PurposeExport,
		Snapshot: snap,
		Target:   target,
		Profile:  profile,
		Source:   decoded.Buffer,
		Finish:   app.PNGWriter(out),
	})
	if err != nil {
		return err
	}
	if res.Status != types.StatusCompleted {
		return fmt.Errorf("render %s: %s: %w", in, res.Status, res.Err)
	}

	fmt.Fprintf(w, "Rendered %s -> %s (%dx%d, %s, %s) in %s\n",
		in, out, target.Width, target.Height, profile.Name, snap, res.Latency.Round(1e6))
	return nil
}

// ============================================================================
// history
// ============================================================================

func buildHistoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history <image-id|path>",
		Short: "Show the stored edit history of an image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return showHistory(cmd.Context(), cmd.OutOrStdout(), cfg, args[0])
		},
	}
}

// resolveImageID 接受 catalog id 或已匯入的檔案路徑
func resolveImageID(arg string) types.ImageID {
	if st, err := os.Stat(arg); err == nil && !st.IsDir() {
		return importer.IDForPath(arg)
	}
	return types.ImageID(arg)
}

func showHistory(ctx context.Context, w io.Writer, cfg *config.Config, arg string) error {
	cat, err := openCatalogIfExists(cfg)
	if err != nil {
		return err
	}
	if cat == nil {
		return fmt.Errorf("%w: catalog %s does not exist", catalog.ErrNotFound, cfg.Catalog.Path)
	}
	defer cat.Close()

	id := resolveImageID(arg)
	img, err := cat.GetImage(ctx, id)
	if err != nil {
		return fmt.Errorf("image %s: %w", id, err)
	}
	fmt.Fprintf(w, "%s  %s  %dx%d\n", img.ID, img.Path, img.Width, img.Height)

	h, err := cat.LoadHistory(ctx, id)
	if errors.Is(err, catalog.ErrNotFound) {
		fmt.Fprintln(w, "  (no edits)")
		return nil
	}
	if err != nil {
		return err
	}
	for i, snap := range h.Snapshots {
		marker := " "
		if i == h.Head {
			marker = "*"
		}
		fmt.Fprintf(w, "  %s %3d  %s\n", marker, i, snap)
	}
	return nil
}

// openCatalogIfExists 不建立新的 catalog；不存在時回傳 nil
func openCatalogIfExists(cfg *config.Config) (catalog.Catalog, error) {
	if _, err := os.Stat(cfg.Catalog.Path); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	cat, err := catalog.Open(cfg.Catalog.Driver, cfg.Catalog.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	return cat, nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var dump bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration, catalog and journal status",
		Long:  "Display configuration, catalog counts and edits waiting in the pending-commit journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return showStatus(cmd.Context(), cmd.OutOrStdout(), cfg, path, dump)
		},
	}

	cmd.Flags().BoolVar(&dump, "dump", false, "print every journal record")
	return cmd
}

func showStatus(ctx context.Context, w io.Writer, cfg *config.Config, path string, dump bool) error {
	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           Darkroom Status                                 ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📋 Configuration:")
	fmt.Fprintf(w, "  ├─ Config File:     %s\n", path)
	fmt.Fprintf(w, "  ├─ Workers:         %d (queue %d)\n", cfg.Scheduler.Workers, cfg.Scheduler.QueueCapacity)
	fmt.Fprintf(w, "  ├─ Render Cache:    %d MB\n", cfg.Cache.BudgetMB)
	fmt.Fprintf(w, "  ├─ GPU Backend:     %s\n", cfg.GPU.Backend)
	fmt.Fprintf(w, "  └─ Edit:            depth %d, debounce %s\n", cfg.Edit.HistoryDepth, cfg.Edit.Debounce)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "💾 Catalog:")
	fmt.Fprintf(w, "  ├─ Store:           %s (%s)\n", cfg.Catalog.Path, cfg.Catalog.Driver)
	cat, err := openCatalogIfExists(cfg)
	if err != nil {
		return err
	}
	if cat == nil {
		fmt.Fprintln(w, "  └─ Not created yet (run 'darkroom import' first)")
	} else {
		defer cat.Close()
		images, err := cat.ListImages(ctx)
		if err != nil {
			return fmt.Errorf("failed to list images: %w", err)
		}
		edited := 0
		for _, img := range images {
			if h, err := cat.LoadHistory(ctx, img.ID); err == nil && len(h.Snapshots) > 1 {
				edited++
			}
		}
		fmt.Fprintf(w, "  ├─ Images:          %d\n", len(images))
		fmt.Fprintf(w, "  └─ Edited:          %d\n", edited)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📝 Pending Commits:")
	switch st, err := journal.Validate(cfg.Journal.Path); {
	case cfg.Journal.Path == "":
		fmt.Fprintln(w, "  └─ Journal disabled")
	case err != nil:
		fmt.Fprintf(w, "  └─ ❌ Journal invalid: %v\n", err)
	default:
		fmt.Fprintf(w, "  ├─ Journal:         %s (%d records)\n", cfg.Journal.Path, st.TotalEvents)
		if st.Unresolved == 0 {
			fmt.Fprintln(w, "  └─ ✅ None")
		} else {
			fmt.Fprintf(w, "  └─ ⚠️  %d images not yet in catalog\n", st.Unresolved)
		}
		if dump && st.TotalEvents > 0 {
			fmt.Fprintln(w)
			if err := journal.Dump(cfg.Journal.Path, w); err != nil {
				return err
			}
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  └─ Status: ✅ Enabled on http://localhost%s/metrics\n", cfg.Metrics.Addr)
	} else {
		fmt.Fprintln(w, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
	return nil
}
