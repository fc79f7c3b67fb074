// Package config provides configuration types and defaults for arbiter.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/arbiterhq/arbiter/internal/log"
)

// Config holds all configuration options for the grading services.
type Config struct {
	ContestID  int64            `mapstructure:"contest_id"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Evaluation EvaluationConfig `mapstructure:"evaluation"`
	Scoring    ScoringConfig    `mapstructure:"scoring"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Log        LogConfig        `mapstructure:"log"`
}

// DatabaseConfig holds the contest database location.
type DatabaseConfig struct {
	// Path to the SQLite database file. ":memory:" gives an ephemeral
	// database, useful for local experiments.
	Path string `mapstructure:"path"`

	// WatchForChanges reloads reactively when another process writes the
	// database file.
	WatchForChanges bool `mapstructure:"watch_for_changes"`
}

// QueueConfig holds queue service settings.
type QueueConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`

	// Workers lists the base URLs of the worker fleet; the list index is
	// the worker's shard number.
	Workers []string `mapstructure:"workers"`

	// Evaluators lists the base URLs of evaluation services. Empty means
	// the evaluation service runs in the same process.
	Evaluators []string `mapstructure:"evaluators"`
}

// EvaluationConfig holds evaluation service settings.
type EvaluationConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`

	// QueueURL is the queue service endpoint. Empty means the queue
	// service runs in the same process.
	QueueURL string `mapstructure:"queue_url"`

	// RequestTimeoutSeconds bounds outgoing service calls.
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// ScoringConfig holds the scoring service endpoint. Empty URL disables
// notifications; scoring then relies on its own sweep.
type ScoringConfig struct {
	URL string `mapstructure:"url"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "stdout", "otlp"
	Exporter string `mapstructure:"exporter"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	SampleRate float64 `mapstructure:"sample_rate"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Path of the log file; empty logs to stderr.
	Path string `mapstructure:"path"`

	// Level is the minimum severity: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			Path:            "arbiter.db",
			WatchForChanges: true,
		},
		Queue: QueueConfig{
			ListenAddr: ":8700",
		},
		Evaluation: EvaluationConfig{
			ListenAddr:            ":8701",
			RequestTimeoutSeconds: 30,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "none",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks the configuration for errors. Empty values fall back to
// defaults and are always valid.
func Validate(cfg Config) error {
	if cfg.ContestID < 0 {
		return fmt.Errorf("contest_id must be non-negative, got %d", cfg.ContestID)
	}
	if err := ValidateTracing(cfg.Tracing); err != nil {
		return err
	}
	switch cfg.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be \"debug\", \"info\", \"warn\" or \"error\", got %q", cfg.Log.Level)
	}
	if cfg.Metrics.Enabled && (cfg.Metrics.Port <= 0 || cfg.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be a valid port, got %d", cfg.Metrics.Port)
	}
	if cfg.Evaluation.RequestTimeoutSeconds < 0 {
		return fmt.Errorf("evaluation.request_timeout_seconds must be non-negative, got %d",
			cfg.Evaluation.RequestTimeoutSeconds)
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}
	switch tracing.Exporter {
	case "", "none", "stdout", "otlp":
	default:
		return fmt.Errorf("tracing.exporter must be \"none\", \"stdout\" or \"otlp\", got %q", tracing.Exporter)
	}
	if tracing.Enabled && tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
		return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
	}
	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Arbiter Configuration

# Contest to grade; 0 grades every contest in the database
contest_id: 0

database:
  path: arbiter.db
  watch_for_changes: true   # React when another process writes the database

queue:
  listen_addr: ":8700"
  # Worker base URLs; the list index is the worker's shard number
  workers: []
  #   - http://worker-0:8600
  #   - http://worker-1:8600
  # Evaluation service URLs; empty runs the evaluation service in-process
  evaluators: []

evaluation:
  listen_addr: ":8701"
  # Queue service URL; empty runs the queue service in-process
  queue_url: ""
  request_timeout_seconds: 30

# Scoring service endpoint; empty disables notifications
scoring:
  url: ""

metrics:
  enabled: true
  port: 9090

# Distributed tracing
# tracing:
#   enabled: true
#   exporter: otlp          # none, stdout, or otlp
#   otlp_endpoint: localhost:4317
#   sample_rate: 1.0

log:
  # path: /var/log/arbiter.log   # empty logs to stderr
  level: info
`
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments. Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
