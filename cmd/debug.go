package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arbiterhq/arbiter/internal/evalservice"
	"github.com/arbiterhq/arbiter/internal/operation"
	"github.com/arbiterhq/arbiter/internal/rpc"
	"github.com/arbiterhq/arbiter/internal/store"
)

var debugCmd = &cobra.Command{
	Use:   "debug SUBMISSION_ID TESTCASE",
	Short: "Compile and evaluate one submission on one worker, bypassing the queue",
	Long: `Run the compile and evaluate jobs of a single submission directly
against a worker, skipping the queue and without touching stored results.
Useful for reproducing a grading problem in isolation.

Example:
  arbiter debug 42 001 --worker-url http://worker-0:8600
  arbiter debug 42 001 --dataset 10`,
	Args: cobra.ExactArgs(2),
	RunE: runDebug,
}

var (
	debugWorkerURL string
	debugDataset   int64
)

func init() {
	rootCmd.AddCommand(debugCmd)

	debugCmd.Flags().StringVar(&debugWorkerURL, "worker-url", "http://localhost:8600",
		"Worker base URL")
	debugCmd.Flags().Int64Var(&debugDataset, "dataset", 0,
		"Dataset to run on (default: the task's active dataset)")
}

func runDebug(_ *cobra.Command, args []string) error {
	submissionID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("submission id must be a number, got %q", args[0])
	}
	codename := args[1]

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	ctx := context.Background()

	sub, err := st.Submission(ctx, submissionID)
	if err != nil {
		return fmt.Errorf("reading submission %d: %w", submissionID, err)
	}

	datasetID := debugDataset
	if datasetID == 0 {
		task, err := st.Task(ctx, sub.TaskID)
		if err != nil {
			return fmt.Errorf("reading task %d: %w", sub.TaskID, err)
		}
		datasetID = task.ActiveDatasetID
	}
	dataset, err := st.Dataset(ctx, datasetID)
	if err != nil {
		return fmt.Errorf("reading dataset %d: %w", datasetID, err)
	}

	testcases, err := st.Testcases(ctx, datasetID)
	if err != nil {
		return fmt.Errorf("reading testcases: %w", err)
	}
	var testcase *store.Testcase
	for _, tc := range testcases {
		if tc.Codename == codename {
			testcase = tc
			break
		}
	}
	if testcase == nil {
		return fmt.Errorf("dataset %d has no testcase %q", datasetID, codename)
	}

	worker := rpc.NewWorkerHTTP(debugWorkerURL)
	if !worker.Connected() {
		return fmt.Errorf("worker at %s is not reachable", debugWorkerURL)
	}

	compile, err := runDebugJob(worker, evalservice.CompileSubmissionJob(sub, dataset))
	if err != nil {
		return fmt.Errorf("compilation: %w", err)
	}
	printDebugJob("Compilation", compile)
	if compile.CompilationOutcome != operation.CompilationOutcomeOK {
		fmt.Println("Compilation did not succeed; skipping evaluation")
		return nil
	}

	// Feed the fresh executables into the evaluate job without persisting
	// them.
	result := &store.SubmissionResult{Executables: compile.Executables}
	evaluate, err := runDebugJob(worker, evalservice.EvaluateSubmissionJob(sub, dataset, result, testcase))
	if err != nil {
		return fmt.Errorf("evaluation: %w", err)
	}
	printDebugJob("Evaluation", evaluate)
	return nil
}

// runDebugJob ships a single job to the worker and returns the filled-in job.
func runDebugJob(worker *rpc.WorkerHTTP, job *operation.Job) (*operation.Job, error) {
	group, err := worker.ExecuteJobGroup(operation.NewJobGroup([]*operation.Job{job}))
	if err != nil {
		return nil, err
	}
	if len(group.Jobs) != 1 {
		return nil, fmt.Errorf("worker returned %d jobs, want 1", len(group.Jobs))
	}
	return group.Jobs[0], nil
}

func printDebugJob(phase string, job *operation.Job) {
	fmt.Printf("%s: success=%v", phase, job.Success)
	if job.CompilationOutcome != "" {
		fmt.Printf(" outcome=%s", job.CompilationOutcome)
	}
	if job.Outcome != "" {
		fmt.Printf(" outcome=%s", job.Outcome)
	}
	fmt.Println()
	if len(job.Text) > 0 {
		fmt.Printf("  text: %s\n", strings.Join(job.Text, " / "))
	}
	if job.Plus != nil {
		fmt.Printf("  time=%.3fs memory=%d\n", job.Plus.ExecutionTime, job.Plus.ExecutionMemory)
	}
	for _, sandbox := range job.Sandboxes {
		fmt.Printf("  sandbox: %s\n", sandbox)
	}
}
