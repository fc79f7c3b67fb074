package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/arbiterhq/arbiter/internal/rpc"
	"github.com/arbiterhq/arbiter/internal/store"
)

var invalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Invalidate stored results and trigger regrading",
	Long: `Reset stored grading results in the selected scope and ask the
services to regrade. Exactly one of --submission, --task, --participation or
--contest-scope selects the rows; --dataset and --testcase narrow further.

Example:
  arbiter invalidate --submission 42 --level compilation
  arbiter invalidate --task 3 --level evaluation --testcase 001`,
	RunE: runInvalidate,
}

var (
	invQueueURL      string
	invLevel         string
	invSubmission    int64
	invTask          int64
	invParticipation int64
	invContest       int64
	invDataset       int64
	invTestcase      string
)

func init() {
	rootCmd.AddCommand(invalidateCmd)

	invalidateCmd.Flags().StringVar(&invQueueURL, "queue-url", "http://localhost:8700",
		"Queue service base URL")
	invalidateCmd.Flags().StringVar(&invLevel, "level", "evaluation",
		"Invalidation depth: compilation or evaluation")
	invalidateCmd.Flags().Int64Var(&invSubmission, "submission", 0, "Submission id scope")
	invalidateCmd.Flags().Int64Var(&invTask, "task", 0, "Task id scope")
	invalidateCmd.Flags().Int64Var(&invParticipation, "participation", 0, "Participation id scope")
	invalidateCmd.Flags().Int64Var(&invContest, "contest-scope", 0, "Contest id scope")
	invalidateCmd.Flags().Int64Var(&invDataset, "dataset", 0, "Restrict to one dataset")
	invalidateCmd.Flags().StringVar(&invTestcase, "testcase", "", "Restrict to one testcase codename")
}

func runInvalidate(_ *cobra.Command, _ []string) error {
	level := store.Level(invLevel)
	if level != store.LevelCompilation && level != store.LevelEvaluation {
		return fmt.Errorf("level must be \"compilation\" or \"evaluation\", got %q", invLevel)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	client := rpc.NewQueueHTTP(invQueueURL, 60*time.Second)
	err := client.InvalidateSubmission(ctx, store.InvalidationScope{
		ContestID:        invContest,
		TaskID:           invTask,
		ParticipationID:  invParticipation,
		SubmissionID:     invSubmission,
		DatasetID:        invDataset,
		TestcaseCodename: invTestcase,
		Level:            level,
	})
	if err != nil {
		return fmt.Errorf("invalidating: %w", err)
	}
	fmt.Println("Invalidation accepted")
	return nil
}
