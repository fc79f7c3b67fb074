package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/arbiterhq/arbiter/internal/config"
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "Manage the configured worker fleet",
	Long: `List, add or remove worker URLs in the config file. The list index
is the worker's shard number; removing a worker renumbers the shards after
it, so prefer disabling workers on a running service.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

var workersListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the configured workers with their shard numbers",
	RunE: func(_ *cobra.Command, _ []string) error {
		if len(cfg.Queue.Workers) == 0 {
			fmt.Println("No workers configured")
			return nil
		}
		for shard, url := range cfg.Queue.Workers {
			fmt.Printf("%d\t%s\n", shard, url)
		}
		return nil
	},
}

var workersAddCmd = &cobra.Command{
	Use:   "add URL",
	Short: "Append a worker URL to the config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		workers := append(cfg.Queue.Workers, args[0])
		if err := config.SaveWorkers(configFilePath(), workers); err != nil {
			return fmt.Errorf("saving workers: %w", err)
		}
		fmt.Printf("Added worker %s as shard %d\n", args[0], len(workers)-1)
		return nil
	},
}

var workersRemoveCmd = &cobra.Command{
	Use:   "remove SHARD",
	Short: "Remove a worker from the config file by shard number",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		shard, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("shard must be a number, got %q", args[0])
		}
		if shard < 0 || shard >= len(cfg.Queue.Workers) {
			return fmt.Errorf("shard %d out of range (have %d workers)", shard, len(cfg.Queue.Workers))
		}
		removed := cfg.Queue.Workers[shard]
		workers := make([]string, 0, len(cfg.Queue.Workers)-1)
		workers = append(workers, cfg.Queue.Workers[:shard]...)
		workers = append(workers, cfg.Queue.Workers[shard+1:]...)
		if err := config.SaveWorkers(configFilePath(), workers); err != nil {
			return fmt.Errorf("saving workers: %w", err)
		}
		fmt.Printf("Removed worker %s\n", removed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workersCmd)
	workersCmd.AddCommand(workersListCmd)
	workersCmd.AddCommand(workersAddCmd)
	workersCmd.AddCommand(workersRemoveCmd)
}

// configFilePath is the file the running config was loaded from, falling back
// to the local default when no file was found.
func configFilePath() string {
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	return ".arbiter/config.yaml"
}
