// Package cmd wires the grading services into a command line interface.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/arbiterhq/arbiter/internal/config"
	"github.com/arbiterhq/arbiter/internal/log"
)

var (
	version = "dev"
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:     "arbiter",
	Short:   "Contest grading dispatch services",
	Long:    `Arbiter schedules compile and evaluate work for a programming contest across a fleet of sandboxed workers and persists the results.`,
	Version: version,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/arbiter/config.yaml)")
	rootCmd.PersistentFlags().String("db", "", "path to the contest database")
	rootCmd.PersistentFlags().Int64("contest", 0, "contest id to grade (0 = all)")

	_ = viper.BindPFlag("database.path", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("contest_id", rootCmd.PersistentFlags().Lookup("contest"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("contest_id", defaults.ContestID)
	viper.SetDefault("database.path", defaults.Database.Path)
	viper.SetDefault("database.watch_for_changes", defaults.Database.WatchForChanges)
	viper.SetDefault("queue.listen_addr", defaults.Queue.ListenAddr)
	viper.SetDefault("evaluation.listen_addr", defaults.Evaluation.ListenAddr)
	viper.SetDefault("evaluation.request_timeout_seconds", defaults.Evaluation.RequestTimeoutSeconds)
	viper.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
	viper.SetDefault("metrics.port", defaults.Metrics.Port)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("log.level", defaults.Log.Level)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .arbiter/config.yaml (current directory)
		// 2. ~/.config/arbiter/config.yaml (user config)
		if _, err := os.Stat(".arbiter/config.yaml"); err == nil {
			viper.SetConfigFile(".arbiter/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "arbiter"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config file found anywhere - create default at .arbiter/config.yaml
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			defaultPath := ".arbiter/config.yaml"
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
			// If write fails, just continue with defaults (no config file)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// setupLogging applies the log config and returns a cleanup function.
func setupLogging() (func(), error) {
	if cfg.Log.Path != "" {
		cleanup, err := log.Init(cfg.Log.Path)
		if err != nil {
			return nil, fmt.Errorf("initializing logging: %w", err)
		}
		applyLogLevel()
		return cleanup, nil
	}
	log.InitStderr()
	applyLogLevel()
	return func() {}, nil
}

func applyLogLevel() {
	switch cfg.Log.Level {
	case "debug":
		log.SetMinLevel(log.LevelDebug)
	case "warn":
		log.SetMinLevel(log.LevelWarn)
	case "error":
		log.SetMinLevel(log.LevelError)
	default:
		log.SetMinLevel(log.LevelInfo)
	}
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
