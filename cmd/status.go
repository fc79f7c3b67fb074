package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/arbiterhq/arbiter/internal/rpc"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and worker status",
	Long: `Query a running queue service and print its queue contents and
per-worker state as JSON. With --follow, keep the connection open afterwards
and stream the service's log until interrupted.

Example:
  arbiter status --queue-url http://localhost:8700
  arbiter status --follow`,
	RunE: runStatus,
}

var (
	statusQueueURL string
	statusFollow   bool
)

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusQueueURL, "queue-url", "http://localhost:8700",
		"Queue service base URL")
	statusCmd.Flags().BoolVar(&statusFollow, "follow", false,
		"Stream the service log after printing the status")
}

func runStatus(_ *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := rpc.NewQueueHTTP(statusQueueURL, 10*time.Second)

	queue, err := client.QueueStatus(ctx)
	if err != nil {
		return fmt.Errorf("fetching queue status: %w", err)
	}
	workers, err := client.WorkersStatus(ctx)
	if err != nil {
		return fmt.Errorf("fetching workers status: %w", err)
	}

	out := map[string]any{
		"queue":   queue,
		"workers": workers,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	if !statusFollow {
		return nil
	}

	followCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return client.FollowLogs(followCtx, func(e rpc.LogEntry) {
		// Entries arrive already formatted and newline-terminated.
		fmt.Print(e.Entry)
	})
}
