package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/arbiterhq/arbiter/internal/config"
	"github.com/arbiterhq/arbiter/internal/evalservice"
	"github.com/arbiterhq/arbiter/internal/log"
	"github.com/arbiterhq/arbiter/internal/metrics"
	"github.com/arbiterhq/arbiter/internal/queueservice"
	"github.com/arbiterhq/arbiter/internal/rpc"
	"github.com/arbiterhq/arbiter/internal/store"
	"github.com/arbiterhq/arbiter/internal/tracing"
	"github.com/arbiterhq/arbiter/internal/watcher"
	"github.com/arbiterhq/arbiter/internal/workerpool"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the queue and evaluation services in one process",
	Long: `Run the complete grading pipeline in a single process: the queue
service dispatching to the worker fleet and the evaluation service
persisting results, wired together in-process.

Example:
  arbiter daemon
  arbiter daemon --db contest.db --contest 1`,
	RunE: runDaemon,
}

var daemonAddr string

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.Flags().StringVar(&daemonAddr, "addr", "", "Address to listen on (overrides config)")
}

func runDaemon(_ *cobra.Command, _ []string) error {
	cleanup, err := setupLogging()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	provider, err := tracing.NewProvider(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
		ServiceName:  "arbiter-daemon",
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
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

	var scoring rpc.ScoringClient
	if cfg.Scoring.URL != "" {
		scoring = rpc.NewScoringHTTP(cfg.Scoring.URL, requestTimeout())
	}

	qs := queueservice.New(queueservice.Config{
		ContestID: cfg.ContestID,
		Store:     st,
		Pool:      pool,
		Collector: collector,
	})
	es := evalservice.New(evalservice.Config{
		Store:   st,
		Queue:   rpc.LocalQueue{Backend: qs},
		Scoring: scoring,
	})
	qs.AddEvaluator(es)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	qs.Start(ctx)
	startGaugeLoop(ctx, qs)
	stopWatcher := startDatabaseWatcher(ctx, qs)
	defer stopWatcher()

	server := rpc.NewServer()
	server.RegisterQueueService(qs)
	server.RegisterEvaluationService(es)
	server.RegisterLogStream()
	if provider.Enabled() {
		tracer := provider.Tracer()
		server.Wrap(func(next http.Handler) http.Handler {
			return tracing.Middleware(tracer, next)
		})
	}

	addr := daemonAddr
	if addr == "" {
		addr = cfg.Queue.ListenAddr
	}

	fmt.Printf("Arbiter daemon listening on %s\n", addr)
	fmt.Println("Press Ctrl+C to stop")

	serveErr := server.ListenAndServe(ctx, addr)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := provider.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatConfig, "tracing shutdown failed", err)
	}

	if serveErr != nil {
		return fmt.Errorf("server error: %w", serveErr)
	}
	fmt.Println("Daemon stopped")
	return nil
}

func requestTimeout() time.Duration {
	secs := cfg.Evaluation.RequestTimeoutSeconds
	if secs <= 0 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

// startGaugeLoop refreshes the instantaneous metrics gauges.
func startGaugeLoop(ctx context.Context, qs *queueservice.Service) {
	go func() {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				qs.UpdateGauges()
			}
		}
	}()
}

// startDatabaseWatcher triggers a sweep when another process writes the
// database, so externally inserted submissions are picked up without waiting
// for the next scheduled sweep.
func startDatabaseWatcher(ctx context.Context, qs *queueservice.Service) func() {
	if !cfg.Database.WatchForChanges || cfg.Database.Path == ":memory:" {
		return func() {}
	}
	w, err := watcher.New(watcher.DefaultConfig(cfg.Database.Path))
	if err != nil {
		log.ErrorErr(log.CatWatcher, "database watcher unavailable", err)
		return func() {}
	}
	changes, err := w.Start()
	if err != nil {
		log.ErrorErr(log.CatWatcher, "database watcher failed to start", err)
		return func() {}
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				log.Debug(log.CatWatcher, "database changed, sweeping")
				qs.Sweep(ctx)
			}
		}
	}()
	return func() { _ = w.Stop() }
}
