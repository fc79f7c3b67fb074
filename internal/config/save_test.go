package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestSaveWorkers_CreatesNewFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	workers := []string{"http://worker-0:8600", "http://worker-1:8600"}
	require.NoError(t, SaveWorkers(configPath, workers))

	require.Equal(t, workers, readWorkers(t, configPath))
}

func TestSaveWorkers_ReplacesExistingList(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	initial := `contest_id: 7
queue:
  listen_addr: ":8700"
  workers:
    - http://old-worker:8600
`
	require.NoError(t, os.WriteFile(configPath, []byte(initial), 0o600))

	workers := []string{"http://new-worker:8600"}
	require.NoError(t, SaveWorkers(configPath, workers))

	require.Equal(t, workers, readWorkers(t, configPath))

	// The untouched sections survive the rewrite.
	var cfg struct {
		ContestID int64 `yaml:"contest_id"`
		Queue     struct {
			ListenAddr string `yaml:"listen_addr"`
		} `yaml:"queue"`
	}
	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	require.EqualValues(t, 7, cfg.ContestID)
	require.Equal(t, ":8700", cfg.Queue.ListenAddr)
}

func TestSaveWorkers_PreservesComments(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	initial := `# Grading configuration
contest_id: 7

queue:
  listen_addr: ":8700"
  workers: []
`
	require.NoError(t, os.WriteFile(configPath, []byte(initial), 0o600))

	require.NoError(t, SaveWorkers(configPath, []string{"http://worker-0:8600"}))

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "# Grading configuration")
}

func TestSaveWorkers_AppendsQueueSection(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("contest_id: 7\n"), 0o600))

	workers := []string{"http://worker-0:8600"}
	require.NoError(t, SaveWorkers(configPath, workers))

	require.Equal(t, workers, readWorkers(t, configPath))
}

func TestSaveWorkers_EmptyList(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, SaveWorkers(configPath, []string{"http://worker-0:8600"}))
	require.NoError(t, SaveWorkers(configPath, nil))

	require.Empty(t, readWorkers(t, configPath))
}

func readWorkers(t *testing.T, configPath string) []string {
	t.Helper()
	data, err := os.ReadFile(configPath)
	require.NoError(t, err)

	var cfg struct {
		Queue struct {
			Workers []string `yaml:"workers"`
		} `yaml:"queue"`
	}
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	return cfg.Queue.Workers
}
