// Package config loads darkroom's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/darkroom/internal/thumbnail"
)

// DefaultPath is used when neither --config nor DARKROOM_CONFIG is given.
const DefaultPath = "configs/default.yaml"

// EnvPath names the environment variable that overrides the config path.
const EnvPath = "DARKROOM_CONFIG"

// Catalog drivers.
const (
	DriverSQLite = "sqlite"
	DriverFile   = "file"
)

// GPU backends.
const BackendSoftware = "software"

// Config is the complete darkroom configuration.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Cache     CacheConfig     `yaml:"cache"`
	GPU       GPUConfig       `yaml:"gpu"`
	Edit      EditConfig      `yaml:"edit"`
	Viewport  ViewportConfig  `yaml:"viewport"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Journal   JournalConfig   `yaml:"journal"`
	Import    ImportConfig    `yaml:"import"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// Validate validates every section.
func (c *Config) Validate() error {
	sections := []struct {
		name string
		v    validation.Validatable
	}{
		{"scheduler", &c.Scheduler},
		{"cache", &c.Cache},
		{"gpu", &c.GPU},
		{"edit", &c.Edit},
		{"viewport", &c.Viewport},
		{"catalog", &c.Catalog},
		{"journal", &c.Journal},
		{"import", &c.Import},
		{"metrics", &c.Metrics},
	}
	for _, s := range sections {
		if err := s.v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// SchedulerConfig holds render scheduler settings.
type SchedulerConfig struct {
	Workers       int           `yaml:"workers"`
	QueueCapacity int           `yaml:"queue_capacity"`
	MaxGPURetries int           `yaml:"max_gpu_retries"`
	JobTimeout    time.Duration `yaml:"job_timeout"`
}

func (c *SchedulerConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Workers, validation.Required, validation.Min(1), validation.Max(256)),
		validation.Field(&c.QueueCapacity, validation.Min(0)),
		validation.Field(&c.MaxGPURetries, validation.Min(0), validation.Max(10)),
		validation.Field(&c.JobTimeout, validation.Min(time.Duration(0))),
	)
}

// CacheConfig holds the render cache budget.
type CacheConfig struct {
	BudgetMB int64 `yaml:"budget_mb"`
}

func (c *CacheConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.BudgetMB, validation.Required, validation.Min(int64(1))),
	)
}

// BudgetBytes returns the budget in bytes.
func (c *CacheConfig) BudgetBytes() int64 { return c.BudgetMB << 20 }

// GPUConfig holds device settings.
type GPUConfig struct {
	Backend                  string `yaml:"backend"`
	MaxConcurrentSubmissions int    `yaml:"max_concurrent_submissions"`
	MemoryLimitMB            int64  `yaml:"memory_limit_mb"`
	CompileShaders           bool   `yaml:"compile_shaders"`
}

func (c *GPUConfig) Validate() error {
	if c.Backend == "" {
		c.Backend = BackendSoftware
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Backend, validation.In(BackendSoftware)),
		validation.Field(&c.MaxConcurrentSubmissions, validation.Min(0)),
		validation.Field(&c.MemoryLimitMB, validation.Min(int64(0))),
	)
}

// EditConfig holds edit stack and input settings.
type EditConfig struct {
	HistoryDepth int           `yaml:"history_depth"`
	Debounce     time.Duration `yaml:"debounce"`
}

func (c *EditConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.HistoryDepth, validation.Required, validation.Min(2)),
		validation.Field(&c.Debounce, validation.Min(time.Duration(0)), validation.Max(2*time.Second)),
	)
}

// ViewportConfig holds preview sizing.
type ViewportConfig struct {
	MaxPreviewDimension int `yaml:"max_preview_dimension"`
}

func (c *ViewportConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.MaxPreviewDimension, validation.Required, validation.Min(64)),
	)
}

// CatalogConfig selects the catalog store.
type CatalogConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

func (c *CatalogConfig) Validate() error {
	if c.Driver == "" {
		c.Driver = DriverSQLite
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Driver, validation.In(DriverSQLite, DriverFile)),
		validation.Field(&c.Path, validation.Required),
	)
}

// JournalConfig locates the pending-commit journal. An empty path disables
// the journal; failed commits are then only retried in memory.
type JournalConfig struct {
	Path string `yaml:"path"`
}

func (c *JournalConfig) Validate() error { return nil }

// ImportConfig holds import and thumbnail settings.
type ImportConfig struct {
	Concurrency int              `yaml:"concurrency"`
	WatchDir    string           `yaml:"watch_dir"`
	Quality     int              `yaml:"quality"`
	Tiers       []thumbnail.Tier `yaml:"tiers"`
}

func (c *ImportConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Concurrency, validation.Required, validation.Min(1), validation.Max(64)),
		validation.Field(&c.Quality, validation.Min(1), validation.Max(100)),
		validation.Field(&c.Tiers, validation.Required, validation.Each(validation.By(validTier))),
	)
}

func validTier(v any) error {
	t, ok := v.(thumbnail.Tier)
	if !ok {
		return errors.New("not a thumbnail tier")
	}
	if t.Name == "" {
		return errors.New("tier name is required")
	}
	if t.LongEdge < 16 {
		return fmt.Errorf("tier %q: long_edge must be at least 16", t.Name)
	}
	return nil
}

// MetricsConfig holds the HTTP exposition settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

func (c *MetricsConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Addr, validation.When(c.Enabled, validation.Required)),
	)
}

// Default returns a Config with working values for a local library.
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			Workers:       4,
			QueueCapacity: 256,
			MaxGPURetries: 2,
			JobTimeout:    30 * time.Second,
		},
		Cache: CacheConfig{BudgetMB: 512},
		GPU: GPUConfig{
			Backend:        BackendSoftware,
			CompileShaders: true,
		},
		Edit: EditConfig{
			HistoryDepth: 100,
			Debounce:     120 * time.Millisecond,
		},
		Viewport: ViewportConfig{MaxPreviewDimension: 2560},
		Catalog: CatalogConfig{
			Driver: DriverSQLite,
			Path:   "./data/catalog.db",
		},
		Journal: JournalConfig{Path: "./data/pending.journal"},
		Import: ImportConfig{
			Concurrency: 4,
			Quality:     thumbnail.DefaultQuality,
			Tiers:       append([]thumbnail.Tier(nil), thumbnail.DefaultTiers...),
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
		},
	}
}

// ResolvePath picks the config file: an explicit path wins, then
// DARKROOM_CONFIG, then DefaultPath.
func ResolvePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads path over Default() and validates the result. A missing file
// at DefaultPath yields the defaults; any other missing file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist) && path == DefaultPath:
		return cfg, cfg.Validate()
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
