// Package config loads tillsync settings.
//
// Settings are layered, later layers winning: built-in defaults, the YAML
// file, a .env file in the working directory, TILLSYNC_* environment
// variables, and finally command-line flags applied by the CLI.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/roach88/tillsync/internal/engine"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TILLSYNC_"

// Config is the full tillsync configuration.
type Config struct {
	Database   Database   `yaml:"database"`
	Processing Processing `yaml:"processing"`
	Retry      Retry      `yaml:"retry"`
	Retention  Retention  `yaml:"retention"`
	Alerts     Alerts     `yaml:"alerts"`
}

// Database locates the queue store and its collaborators. When DSN is set
// the PostgreSQL backend is used instead of the SQLite file at Path.
type Database struct {
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
	Ledger  string `yaml:"ledger"`
	Archive string `yaml:"archive"` // Empty flags archived failures in place
}

// Processing bounds batch runs.
type Processing struct {
	MaxItems       int           `yaml:"max_items"`
	MaxBatches     int           `yaml:"max_batches"`
	Workers        int           `yaml:"workers"`
	StuckThreshold time.Duration `yaml:"stuck_threshold"`
}

// Retry is the backoff policy for transient failures.
type Retry struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// Retention configures the cleanup sweep.
type Retention struct {
	CompletedDays   int `yaml:"completed_days"`
	IdempotencyDays int `yaml:"idempotency_days"`
}

// Alerts holds the health alert thresholds.
type Alerts struct {
	FailureRate   float64       `yaml:"failure_rate"`
	AvgProcessing time.Duration `yaml:"avg_processing"`
	WindowHours   float64       `yaml:"window_hours"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database: Database{
			Path:   "tillsync.db",
			Ledger: "tillsync-ledger.db",
		},
		Processing: Processing{
			MaxItems:       engine.DefaultMaxItems,
			MaxBatches:     engine.DefaultMaxBatches,
			Workers:        1,
			StuckThreshold: engine.DefaultStuckThreshold,
		},
		Retry: Retry{
			MaxRetries: engine.DefaultMaxRetries,
			BaseDelay:  engine.DefaultBaseDelay,
			MaxDelay:   engine.DefaultMaxDelay,
		},
		Retention: Retention{
			CompletedDays:   engine.DefaultCleanupDays,
			IdempotencyDays: int(engine.DefaultKeyRetention / (24 * time.Hour)),
		},
		Alerts: Alerts{
			FailureRate:   engine.DefaultFailureRateAlert,
			AvgProcessing: engine.DefaultAvgProcessingAlert,
			WindowHours:   engine.DefaultMetricsWindow.Hours(),
		},
	}
}

// Load builds the configuration from the YAML file at path (skipped when
// empty), .env in the working directory and the environment, then
// validates it.
func Load(path string) (*Config, error) {
	return load(path, ".env", os.LookupEnv)
}

func load(path, envFile string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.decodeFile(path); err != nil {
			return nil, err
		}
	}

	dotenv, err := godotenv.Read(envFile)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	// Real environment variables take precedence over .env entries.
	env := func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	if err := cfg.applyEnv(env); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decodeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// Strict decoding catches typos like "max_retry:" vs "max_retries:"
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// envVar binds one environment variable to a config field.
type envVar struct {
	name string
	set  func(string) error
}

func (c *Config) envVars() []envVar {
	return []envVar{
		{"DB", setString(&c.Database.Path)},
		{"DSN", setString(&c.Database.DSN)},
		{"LEDGER", setString(&c.Database.Ledger)},
		{"ARCHIVE", setString(&c.Database.Archive)},
		{"MAX_ITEMS", setInt(&c.Processing.MaxItems)},
		{"MAX_BATCHES", setInt(&c.Processing.MaxBatches)},
		{"WORKERS", setInt(&c.Processing.Workers)},
		{"STUCK_THRESHOLD", setDuration(&c.Processing.StuckThreshold)},
		{"MAX_RETRIES", setInt(&c.Retry.MaxRetries)},
		{"BASE_DELAY", setDuration(&c.Retry.BaseDelay)},
		{"MAX_DELAY", setDuration(&c.Retry.MaxDelay)},
		{"COMPLETED_DAYS", setInt(&c.Retention.CompletedDays)},
		{"IDEMPOTENCY_DAYS", setInt(&c.Retention.IdempotencyDays)},
		{"ALERT_FAILURE_RATE", setFloat(&c.Alerts.FailureRate)},
		{"ALERT_AVG_PROCESSING", setDuration(&c.Alerts.AvgProcessing)},
		{"ALERT_WINDOW_HOURS", setFloat(&c.Alerts.WindowHours)},
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	for _, v := range c.envVars() {
		raw, ok := lookup(EnvPrefix + v.name)
		if !ok {
			continue
		}
		if err := v.set(raw); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, v.name, err)
		}
	}
	return nil
}

func setString(dst *string) func(string) error {
	return func(s string) error {
		*dst = s
		return nil
	}
}

func setInt(dst *int) func(string) error {
	return func(s string) error {
		n, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func setFloat(dst *float64) func(string) error {
	return func(s string) error {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*dst = f
		return nil
	}
}

func setDuration(dst *time.Duration) func(string) error {
	return func(s string) error {
		d, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

// Validate reports every setting out of range.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Database.Path != "" || c.Database.DSN != "", "database: path or dsn is required")
	check(c.Database.Ledger != "", "database: ledger is required")

	check(c.Processing.MaxItems > 0, "processing.max_items must be positive, got %d", c.Processing.MaxItems)
	check(c.Processing.MaxBatches > 0, "processing.max_batches must be positive, got %d", c.Processing.MaxBatches)
	check(c.Processing.Workers > 0, "processing.workers must be positive, got %d", c.Processing.Workers)
	check(c.Processing.StuckThreshold > 0, "processing.stuck_threshold must be positive, got %s", c.Processing.StuckThreshold)

	check(c.Retry.MaxRetries >= 0, "retry.max_retries must not be negative, got %d", c.Retry.MaxRetries)
	check(c.Retry.BaseDelay > 0, "retry.base_delay must be positive, got %s", c.Retry.BaseDelay)
	check(c.Retry.MaxDelay >= c.Retry.BaseDelay,
		"retry.max_delay (%s) must be at least retry.base_delay (%s)", c.Retry.MaxDelay, c.Retry.BaseDelay)

	check(c.Retention.CompletedDays > 0, "retention.completed_days must be positive, got %d", c.Retention.CompletedDays)
	check(c.Retention.IdempotencyDays >= c.Retention.CompletedDays,
		"retention.idempotency_days (%d) must be at least retention.completed_days (%d)",
		c.Retention.IdempotencyDays, c.Retention.CompletedDays)

	check(c.Alerts.FailureRate >= 0 && c.Alerts.FailureRate <= 1,
		"alerts.failure_rate must be within [0, 1], got %v", c.Alerts.FailureRate)
	check(c.Alerts.AvgProcessing >= 0, "alerts.avg_processing must not be negative, got %s", c.Alerts.AvgProcessing)
	check(c.Alerts.WindowHours > 0, "alerts.window_hours must be positive, got %v", c.Alerts.WindowHours)

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Backoff returns the configured retry policy.
func (c *Config) Backoff() engine.Backoff {
	return engine.Backoff{
		MaxRetries: c.Retry.MaxRetries,
		BaseDelay:  c.Retry.BaseDelay,
		MaxDelay:   c.Retry.MaxDelay,
	}
}

// MetricsWindow returns the default lookback for health and alerts.
func (c *Config) MetricsWindow() time.Duration {
	return time.Duration(c.Alerts.WindowHours * float64(time.Hour))
}

// EngineOptions returns the engine options this configuration implies.
func (c *Config) EngineOptions() []engine.EngineOption {
	return []engine.EngineOption{
		engine.WithBackoff(c.Backoff()),
		engine.WithStuckThreshold(c.Processing.StuckThreshold),
		engine.WithKeyRetention(time.Duration(c.Retention.IdempotencyDays) * 24 * time.Hour),
		engine.WithAlertThresholds(engine.AlertThresholds{
			FailureRate:   c.Alerts.FailureRate,
			AvgProcessing: c.Alerts.AvgProcessing,
		}),
	}
}
