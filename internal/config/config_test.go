package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaults_AreValid(t *testing.T) {
	require.NoError(t, Validate(Defaults()))
}

func TestValidate_NegativeContestID(t *testing.T) {
	cfg := Defaults()
	cfg.ContestID = -1
	require.ErrorContains(t, Validate(cfg), "contest_id")
}

func TestValidate_LogLevel(t *testing.T) {
	cfg := Defaults()
	for _, level := range []string{"", "debug", "info", "warn", "error"} {
		cfg.Log.Level = level
		require.NoError(t, Validate(cfg))
	}
	cfg.Log.Level = "verbose"
	require.ErrorContains(t, Validate(cfg), "log.level")
}

func TestValidate_MetricsPort(t *testing.T) {
	cfg := Defaults()
	cfg.Metrics.Port = 0
	require.ErrorContains(t, Validate(cfg), "metrics.port")

	cfg.Metrics.Port = 70000
	require.ErrorContains(t, Validate(cfg), "metrics.port")

	// Disabled metrics skip the port check.
	cfg.Metrics.Enabled = false
	require.NoError(t, Validate(cfg))
}

func TestValidate_RequestTimeout(t *testing.T) {
	cfg := Defaults()
	cfg.Evaluation.RequestTimeoutSeconds = -1
	require.ErrorContains(t, Validate(cfg), "request_timeout_seconds")
}

func TestValidateTracing_SampleRate(t *testing.T) {
	require.ErrorContains(t, ValidateTracing(TracingConfig{SampleRate: -0.1}), "sample_rate")
	require.ErrorContains(t, ValidateTracing(TracingConfig{SampleRate: 1.1}), "sample_rate")
	require.NoError(t, ValidateTracing(TracingConfig{SampleRate: 0.5}))
}

func TestValidateTracing_Exporter(t *testing.T) {
	for _, exporter := range []string{"", "none", "stdout", "otlp"} {
		require.NoError(t, ValidateTracing(TracingConfig{
			Exporter: exporter, OTLPEndpoint: "localhost:4317",
		}))
	}
	require.ErrorContains(t, ValidateTracing(TracingConfig{Exporter: "jaeger"}), "tracing.exporter")
}

func TestValidateTracing_OTLPNeedsEndpoint(t *testing.T) {
	err := ValidateTracing(TracingConfig{Enabled: true, Exporter: "otlp"})
	require.ErrorContains(t, err, "otlp_endpoint")
}

func TestWriteDefaultConfig_RoundTrips(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, WriteDefaultConfig(configPath))

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)

	// The template parses and matches the compiled-in defaults.
	var cfg struct {
		ContestID int64 `yaml:"contest_id"`
		Database  struct {
			Path string `yaml:"path"`
		} `yaml:"database"`
		Queue struct {
			ListenAddr string `yaml:"listen_addr"`
		} `yaml:"queue"`
	}
	require.NoError(t, yaml.Unmarshal(data, &cfg))

	defaults := Defaults()
	require.Equal(t, defaults.ContestID, cfg.ContestID)
	require.Equal(t, defaults.Database.Path, cfg.Database.Path)
	require.Equal(t, defaults.Queue.ListenAddr, cfg.Queue.ListenAddr)
}
