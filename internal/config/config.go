// Package config loads the process configuration: a YAML file overlaid by
// CAUSALITY_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/roach88/causality/internal/adapter"
	"github.com/roach88/causality/internal/engine"
	"github.com/roach88/causality/internal/fault"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "CAUSALITY_"

// Config is the process configuration.
type Config struct {
	// Database is the SQLite file for content and records. Empty keeps
	// everything in memory.
	Database string `yaml:"database"`

	SnapshotDir      string            `yaml:"snapshot_dir"`
	CompressSnapshot bool              `yaml:"compress_snapshots"`
	Workers          int               `yaml:"workers"`
	MaxAttempts      int               `yaml:"max_attempts"`
	Retry            fault.RetryConfig `yaml:"retry"`
	Redis            RedisConfig       `yaml:"redis"`
	HTTP             HTTPConfig        `yaml:"http"`
	Metrics          MetricsConfig     `yaml:"metrics"`
	Log              LogConfig         `yaml:"log"`
	Domains          []adapter.Spec    `yaml:"domains"`
}

// RedisConfig enables Redis domain storage when Addr is set.
type RedisConfig struct {
	Addr   string `yaml:"addr"`
	Prefix string `yaml:"prefix"`
}

// HTTPConfig configures the intent API listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogConfig selects the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		SnapshotDir: "snapshots",
		Workers:     engine.DefaultWorkers,
		MaxAttempts: engine.DefaultMaxAttempts,
		Retry:       fault.DefaultRetryConfig(),
		Redis:       RedisConfig{Prefix: "causality:"},
		HTTP:        HTTPConfig{Addr: ":8080"},
		Metrics:     MetricsConfig{Enabled: true},
		Log:         LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults. A missing file yields the defaults;
// unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fault.Configuration("", path, "read config").Wrap(err)
	}
	if err := Decode(bytes.NewReader(data), &cfg); err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) {
			fe.File = path
		}
		return cfg, err
	}
	return cfg, nil
}

// Decode reads YAML from r into cfg, keeping values the document omits.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fault.Configuration("", "", "parse config: %v", err).Wrap(err)
	}
	return nil
}

// overlay holds the environment variables ApplyEnv understands. Unset
// variables leave the pointers nil.
type overlay struct {
	Database         *string        `env:"DATABASE"`
	SnapshotDir      *string        `env:"SNAPSHOT_DIR"`
	CompressSnapshot *bool          `env:"COMPRESS_SNAPSHOTS"`
	Workers          *int           `env:"WORKERS"`
	MaxAttempts      *int           `env:"MAX_ATTEMPTS"`
	RetryAttempts    *int           `env:"RETRY_ATTEMPTS"`
	RetryInitial     *time.Duration `env:"RETRY_INITIAL_DELAY"`
	RetryMax         *time.Duration `env:"RETRY_MAX_DELAY"`
	RetryMultiplier  *float64       `env:"RETRY_MULTIPLIER"`
	RedisAddr        *string        `env:"REDIS_ADDR"`
	RedisPrefix      *string        `env:"REDIS_PREFIX"`
	HTTPAddr         *string        `env:"HTTP_ADDR"`
	MetricsEnabled   *bool          `env:"METRICS_ENABLED"`
	LogLevel         *string        `env:"LOG_LEVEL"`
	LogFormat        *string        `env:"LOG_FORMAT"`
}

// ApplyEnv overlays CAUSALITY_* variables from the process environment.
func ApplyEnv(cfg *Config) error {
	return applyEnv(cfg, env.Options{Prefix: EnvPrefix})
}

// ApplyEnvMap overlays variables from vars instead of the process
// environment. Keys carry the CAUSALITY_ prefix.
func ApplyEnvMap(cfg *Config, vars map[string]string) error {
	return applyEnv(cfg, env.Options{Prefix: EnvPrefix, Environment: vars})
}

func applyEnv(cfg *Config, opts env.Options) error {
	var o overlay
	if err := env.ParseWithOptions(&o, opts); err != nil {
		return fault.Configuration("", "", "parse environment: %v", err).Wrap(err)
	}
	set(&cfg.Database, o.Database)
	set(&cfg.SnapshotDir, o.SnapshotDir)
	set(&cfg.CompressSnapshot, o.CompressSnapshot)
	set(&cfg.Workers, o.Workers)
	set(&cfg.MaxAttempts, o.MaxAttempts)
	set(&cfg.Retry.MaxAttempts, o.RetryAttempts)
	set(&cfg.Retry.InitialDelay, o.RetryInitial)
	set(&cfg.Retry.MaxDelay, o.RetryMax)
	set(&cfg.Retry.Multiplier, o.RetryMultiplier)
	set(&cfg.Redis.Addr, o.RedisAddr)
	set(&cfg.Redis.Prefix, o.RedisPrefix)
	set(&cfg.HTTP.Addr, o.HTTPAddr)
	set(&cfg.Metrics.Enabled, o.MetricsEnabled)
	set(&cfg.Log.Level, o.LogLevel)
	set(&cfg.Log.Format, o.LogFormat)
	return nil
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return invalid("workers", "must be at least 1, got %d", c.Workers)
	}
	if c.MaxAttempts < 1 {
		return invalid("max_attempts", "must be at least 1, got %d", c.MaxAttempts)
	}
	if c.Retry.MaxAttempts < 1 {
		return invalid("retry.attempts", "must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.InitialDelay < 0 || c.Retry.MaxDelay < c.Retry.InitialDelay {
		return invalid("retry.max_delay", "must be at least initial_delay (%s), got %s", c.Retry.InitialDelay, c.Retry.MaxDelay)
	}
	if c.Retry.Multiplier < 1 {
		return invalid("retry.multiplier", "must be at least 1, got %g", c.Retry.Multiplier)
	}
	if c.SnapshotDir == "" {
		return invalid("snapshot_dir", "is required")
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Log.Level) {
		return invalid("log.level", "unknown level %q", c.Log.Level)
	}
	if !slices.Contains([]string{"text", "json"}, c.Log.Format) {
		return invalid("log.format", "unknown format %q", c.Log.Format)
	}
	seen := make(map[string]bool, len(c.Domains))
	for i, d := range c.Domains {
		key := fmt.Sprintf("domains[%d]", i)
		if d.ID == "" {
			return invalid(key+".id", "is required")
		}
		if d.Type == "" {
			return invalid(key+".type", "is required")
		}
		if seen[string(d.ID)] {
			return invalid(key+".id", "duplicate domain %s", d.ID)
		}
		seen[string(d.ID)] = true
	}
	return nil
}

func invalid(key, format string, args ...any) error {
	return fault.Configuration(key, "", "%s %s", key, fmt.Sprintf(format, args...))
}
