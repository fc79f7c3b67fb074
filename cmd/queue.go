package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arbiterhq/arbiter/internal/config"
	"github.com/arbiterhq/arbiter/internal/log"
	"github.com/arbiterhq/arbiter/internal/metrics"
	"github.com/arbiterhq/arbiter/internal/queueservice"
	"github.com/arbiterhq/arbiter/internal/rpc"
	"github.com/arbiterhq/arbiter/internal/store"
	"github.com/arbiterhq/arbiter/internal/workerpool"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Run the queue service",
	Long: `Run only the queue service: it accepts operations, dispatches
batches to the worker fleet and forwards finished results to the configured
evaluation services.

Example:
  arbiter queue --addr :8700`,
	RunE: runQueue,
}

var queueAddr string

func init() {
	rootCmd.AddCommand(queueCmd)

	queueCmd.Flags().StringVar(&queueAddr, "addr", "", "Address to listen on (overrides config)")
}

func runQueue(_ *cobra.Command, _ []string) error {
	cleanup, err := setupLogging()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if len(cfg.Queue.Evaluators) == 0 {
		return fmt.Errorf("queue service needs at least one evaluator; set queue.evaluators")
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	pool := workerpool.New(cfg.ContestID)
	for shard, url := range cfg.Queue.Workers {
		if err := pool.AddWorker(shard, rpc.NewWorkerHTTP(url)); err != nil {
			return fmt.Errorf("adding worker %d: %w", shard, err)
		}
	}

	evaluators := make([]rpc.EvaluationClient, 0, len(cfg.Queue.Evaluators))
	for _, url := range cfg.Queue.Evaluators {
		evaluators = append(evaluators, rpc.NewEvaluationHTTP(url, requestTimeout()))
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		c, registry := metrics.NewCollector()
		collector = c
		go func() {
			if err := metrics.StartServer(registry, cfg.Metrics.Port); err != nil {
				log.ErrorErr(log.CatConfig, "metrics server failed", err)
			}
		}()
	}

	qs := queueservice.New(queueservice.Config{
		ContestID:  cfg.ContestID,
		Store:      st,
		Pool:       pool,
		Evaluators: evaluators,
		Collector:  collector,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	qs.Start(ctx)
	startGaugeLoop(ctx, qs)
	stopWatcher := startDatabaseWatcher(ctx, qs)
	defer stopWatcher()

	server := rpc.NewServer()
	server.RegisterQueueService(qs)
	server.RegisterLogStream()

	addr := queueAddr
	if addr == "" {
		addr = cfg.Queue.ListenAddr
	}
	fmt.Printf("Queue service listening on %s\n", addr)
	return server.ListenAndServe(ctx, addr)
}
