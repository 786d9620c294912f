// Package config loads the daemon configuration with viper, validates it
// against an embedded CUE schema and watches the file for selective-sync
// changes.
//
// Sources, lowest precedence first: built-in defaults, the config file
// (YAML, TOML or JSON), GEOSYNC_* environment variables ("reconcile.workers"
// is GEOSYNC_RECONCILE_WORKERS).
package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/roach88/geosync/internal/logging"
	"github.com/roach88/geosync/internal/retry"
	"github.com/roach88/geosync/internal/selective"
)

//go:embed schema.cue
var schemaCUE string

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GEOSYNC"

// Config is the complete daemon configuration.
type Config struct {
	Node          NodeConfig         `mapstructure:"node" json:"node"`
	Primary       PrimaryConfig      `mapstructure:"primary" json:"primary"`
	Database      DatabaseConfig     `mapstructure:"database" json:"database"`
	Storage       StorageConfig      `mapstructure:"storage" json:"storage"`
	SelectiveSync selective.Scope    `mapstructure:"selective_sync" json:"selective_sync"`
	Resources     []ResourceConfig   `mapstructure:"resources" json:"resources"`
	Reconcile     ReconcileConfig    `mapstructure:"reconcile" json:"reconcile"`
	Retry         RetryConfig        `mapstructure:"retry" json:"retry"`
	Verification  VerificationConfig `mapstructure:"verification" json:"verification"`
	Transfer      TransferConfig     `mapstructure:"transfer" json:"transfer"`
	Logging       logging.Options    `mapstructure:"logging" json:"logging"`
	Metrics       MetricsConfig      `mapstructure:"metrics" json:"metrics"`
}

type NodeConfig struct {
	Name string `mapstructure:"name" json:"name"`
}

// PrimaryConfig locates the primary. URL serves the Geo API and blobs;
// GitURL serves repositories and defaults to URL + "/git".
type PrimaryConfig struct {
	URL     string        `mapstructure:"url" json:"url"`
	GitURL  string        `mapstructure:"git_url" json:"git_url"`
	Token   string        `mapstructure:"token" json:"token"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path" json:"path"`
}

type StorageConfig struct {
	Root string `mapstructure:"root" json:"root"`
}

// ResourceConfig maps a resource type to a replication strategy.
type ResourceConfig struct {
	Name     string `mapstructure:"name" json:"name"`
	Strategy string `mapstructure:"strategy" json:"strategy"`
}

type ReconcileConfig struct {
	Workers                int           `mapstructure:"workers" json:"workers"`
	MaxCapacity            int           `mapstructure:"max_capacity" json:"max_capacity"`
	BatchSize              int           `mapstructure:"batch_size" json:"batch_size"`
	PollInterval           time.Duration `mapstructure:"poll_interval" json:"poll_interval"`
	ScheduleInterval       time.Duration `mapstructure:"schedule_interval" json:"schedule_interval"`
	SweepInterval          time.Duration `mapstructure:"sweep_interval" json:"sweep_interval"`
	SyncTimeout            time.Duration `mapstructure:"sync_timeout" json:"sync_timeout"`
	VerificationTimeout    time.Duration `mapstructure:"verification_timeout" json:"verification_timeout"`
	ReverificationInterval time.Duration `mapstructure:"reverification_interval" json:"reverification_interval"`
}

type RetryConfig struct {
	Base   time.Duration `mapstructure:"base" json:"base"`
	Cap    time.Duration `mapstructure:"cap" json:"cap"`
	Jitter time.Duration `mapstructure:"jitter" json:"jitter"`
}

type VerificationConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`
}

type TransferConfig struct {
	// MaxBytesPerSecond bounds blob downloads. Zero means unlimited.
	MaxBytesPerSecond int `mapstructure:"max_bytes_per_second" json:"max_bytes_per_second"`
}

type MetricsConfig struct {
	// Addr is the listen address of /metrics. Empty disables the endpoint.
	Addr string `mapstructure:"addr" json:"addr"`
}

// Scheduler returns the retry policy.
func (c *Config) Scheduler() retry.Scheduler {
	return retry.Scheduler{Base: c.Retry.Base, Jitter: c.Retry.Jitter, Cap: c.Retry.Cap}
}

// GitURL returns the repository base URL.
func (c *Config) GitURL() string {
	if c.Primary.GitURL != "" {
		return c.Primary.GitURL
	}
	if c.Primary.URL == "" {
		return ""
	}
	return strings.TrimRight(c.Primary.URL, "/") + "/git"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.name", "secondary")

	v.SetDefault("primary.url", "")
	v.SetDefault("primary.git_url", "")
	v.SetDefault("primary.token", "")
	v.SetDefault("primary.timeout", "30s")

	v.SetDefault("database.path", "geosync.db")
	v.SetDefault("storage.root", "geosync-data")

	v.SetDefault("selective_sync.type", "")
	v.SetDefault("selective_sync.namespace_ids", []int64{})
	v.SetDefault("selective_sync.shards", []string{})

	v.SetDefault("resources", []map[string]any{
		{"name": "upload", "strategy": "blob"},
		{"name": "lfs_object", "strategy": "blob"},
		{"name": "package_file", "strategy": "blob"},
		{"name": "project_repository", "strategy": "repository"},
	})

	v.SetDefault("reconcile.workers", 4)
	v.SetDefault("reconcile.max_capacity", 100)
	v.SetDefault("reconcile.batch_size", 100)
	v.SetDefault("reconcile.poll_interval", "5s")
	v.SetDefault("reconcile.schedule_interval", "10s")
	v.SetDefault("reconcile.sweep_interval", "1m")
	v.SetDefault("reconcile.sync_timeout", "8h")
	v.SetDefault("reconcile.verification_timeout", "8h")
	v.SetDefault("reconcile.reverification_interval", "0s")

	v.SetDefault("retry.base", retry.DefaultBase.String())
	v.SetDefault("retry.cap", retry.DefaultCap.String())
	v.SetDefault("retry.jitter", retry.DefaultJitter.String())

	v.SetDefault("verification.enabled", true)

	v.SetDefault("transfer.max_bytes_per_second", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("logging.compress", false)

	v.SetDefault("metrics.addr", "")
}

// Loader reads the configuration and keeps watching its file.
type Loader struct {
	mu sync.Mutex
	v  *viper.Viper
}

// NewLoader creates a loader for the file at path. An empty path looks for
// geosync.{yaml,toml,json} in the working directory and runs on defaults
// when there is none.
func NewLoader(path string) *Loader {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("geosync")
		v.AddConfigPath(".")
	}
	return &Loader{v: v}
}

// Load reads, decodes and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return l.decode()
}

// decode must be called with mu held.
func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// File returns the config file in use, or "".
func (l *Loader) File() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.v.ConfigFileUsed()
}

// Watch calls onChange with the reloaded configuration every time the file
// changes. Invalid edits are logged and ignored. Watch is a no-op without a
// config file.
func (l *Loader) Watch(onChange func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.v.ConfigFileUsed() == "" {
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		l.mu.Lock()
		cfg, err := l.decode()
		l.mu.Unlock()
		if err != nil {
			slog.Warn("config reload rejected", "file", e.Name, "op", e.Op.String(), "error", err)
			return
		}
		slog.Info("config reloaded", "file", e.Name)
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// Validate checks cfg against the embedded CUE schema.
func Validate(cfg *Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	value := ctx.CompileBytes(data, cue.Filename("config.json"))
	if err := value.Err(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	if err := schema.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid config: %s", strings.TrimSpace(cueerrors.Details(err, nil)))
	}

	seen := make(map[string]bool, len(cfg.Resources))
	for _, r := range cfg.Resources {
		if seen[r.Name] {
			return fmt.Errorf("invalid config: resources: duplicate resource type %q", r.Name)
		}
		seen[r.Name] = true
	}
	if _, err := selective.NewFilter(cfg.SelectiveSync); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
