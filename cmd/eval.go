package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arbiterhq/arbiter/internal/config"
	"github.com/arbiterhq/arbiter/internal/evalservice"
	"github.com/arbiterhq/arbiter/internal/rpc"
	"github.com/arbiterhq/arbiter/internal/store"
)

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Run the evaluation service",
	Long: `Run only the evaluation service: it derives operations for new
submissions, persists worker results handed over by the queue service and
applies the retry policy.

Example:
  arbiter eval --addr :8701`,
	RunE: runEval,
}

var evalAddr string

func init() {
	rootCmd.AddCommand(evalCmd)

	evalCmd.Flags().StringVar(&evalAddr, "addr", "", "Address to listen on (overrides config)")
}

func runEval(_ *cobra.Command, _ []string) error {
	cleanup, err := setupLogging()
	if err != nil {
		return err
	}
	defer cleanup()

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Evaluation.QueueURL == "" {
		return fmt.Errorf("evaluation service needs the queue endpoint; set evaluation.queue_url")
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	var scoring rpc.ScoringClient
	if cfg.Scoring.URL != "" {
		scoring = rpc.NewScoringHTTP(cfg.Scoring.URL, requestTimeout())
	}

	es := evalservice.New(evalservice.Config{
		Store:   st,
		Queue:   rpc.NewQueueHTTP(cfg.Evaluation.QueueURL, requestTimeout()),
		Scoring: scoring,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	server := rpc.NewServer()
	server.RegisterEvaluationService(es)
	server.RegisterLogStream()

	addr := evalAddr
	if addr == "" {
		addr = cfg.Evaluation.ListenAddr
	}
	fmt.Printf("Evaluation service listening on %s\n", addr)
	return server.ListenAndServe(ctx, addr)
}
