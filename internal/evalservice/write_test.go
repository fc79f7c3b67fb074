package evalservice

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/internal/operation"
	"github.com/arbiterhq/arbiter/internal/store"
	"github.com/arbiterhq/arbiter/internal/testutil"
)

func compileResultJob(op operation.Operation) *operation.Job {
	return &operation.Job{
		Op:                 op,
		Success:            true,
		CompilationOutcome: operation.CompilationOutcomeOK,
		Text:               []string{"Compilation succeeded", "warnings: none"},
		Executables:        map[string]string{"sol": "exe-digest"},
		Sandboxes:          []string{"sb-1", "sb-2"},
		Shard:              2,
		Plus: &operation.ResultPlus{
			ExecutionTime:   0.5,
			WallClockTime:   0.6,
			ExecutionMemory: 32 << 20,
		},
	}
}

func TestWriteResult_NilJob(t *testing.T) {
	s, _, _, _ := newTestService(t)
	op := operation.Operation{Kind: operation.KindCompileSubmission, ObjectID: 5, DatasetID: 10}

	ok, newOps, err := s.WriteResult(context.Background(), op, nil)
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, newOps)
}

func TestWriteResult_InvalidKind(t *testing.T) {
	s, _, _, _ := newTestService(t)
	op := operation.Operation{Kind: operation.Kind(9), ObjectID: 5, DatasetID: 10}

	ok, _, err := s.WriteResult(context.Background(), op, &operation.Job{Op: op})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWriteResult_MissingSubmission(t *testing.T) {
	s, _, _, _ := newTestService(t)
	op := operation.Operation{Kind: operation.KindCompileSubmission, ObjectID: 999, DatasetID: 10}

	ok, _, err := s.WriteResult(context.Background(), op, &operation.Job{Op: op, Success: true})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWriteResult_MissingDataset(t *testing.T) {
	s, st, _, _ := newTestService(t)
	seedSubmission(t, st, 5)
	op := operation.Operation{Kind: operation.KindCompileSubmission, ObjectID: 5, DatasetID: 404}

	ok, _, err := s.WriteResult(context.Background(), op, &operation.Job{Op: op, Success: true})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWriteResult_CompilationSuccess(t *testing.T) {
	s, st, _, _ := newTestService(t)
	seedSubmission(t, st, 5)
	ctx := context.Background()
	op := operation.Operation{Kind: operation.KindCompileSubmission, ObjectID: 5, DatasetID: 10}

	ok, newOps, err := s.WriteResult(ctx, op, compileResultJob(op))
	require.NoError(t, err)
	require.True(t, ok)

	r, err := st.SubmissionResult(ctx, 5, 10)
	require.NoError(t, err)
	require.True(t, r.CompilationSucceeded())
	require.Equal(t, "Compilation succeeded\nwarnings: none", r.CompilationText)
	require.Equal(t, map[string]string{"sol": "exe-digest"}, r.Executables)
	require.Equal(t, "sb-1,sb-2", r.CompilationSandboxes)
	require.Equal(t, 2, r.CompilationShard)
	require.InDelta(t, 0.5, r.CompilationTime, 1e-9)
	require.EqualValues(t, 32<<20, r.CompilationMemory)

	// Follow-ups: one evaluate per testcase.
	require.Len(t, newOps, 2)
	for _, sched := range newOps {
		require.Equal(t, operation.KindEvaluateSubmission, sched.Op.Kind)
	}
}

func TestWriteResult_CompilationIdempotent(t *testing.T) {
	s, st, _, _ := newTestService(t)
	seedSubmission(t, st, 5)
	ctx := context.Background()
	op := operation.Operation{Kind: operation.KindCompileSubmission, ObjectID: 5, DatasetID: 10}

	ok, _, err := s.WriteResult(ctx, op, compileResultJob(op))
	require.NoError(t, err)
	require.True(t, ok)

	// A reassigned batch delivers the same compilation again.
	ok, newOps, err := s.WriteResult(ctx, op, compileResultJob(op))
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, newOps)
}

func TestWriteResult_CompilationRejectedNotifiesScoring(t *testing.T) {
	s, st, _, scoring := newTestService(t)
	seedSubmission(t, st, 5)
	ctx := context.Background()
	op := operation.Operation{Kind: operation.KindCompileSubmission, ObjectID: 5, DatasetID: 10}

	job := &operation.Job{
		Op:                 op,
		Success:            true,
		CompilationOutcome: operation.CompilationOutcomeFail,
		Text:               []string{"error: expected ';'"},
	}
	ok, newOps, err := s.WriteResult(ctx, op, job)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, newOps)
	require.Equal(t, [][2]int64{{5, 10}}, scoring.Notified)

	r, err := st.SubmissionResult(ctx, 5, 10)
	require.NoError(t, err)
	require.True(t, r.CompilationFailed())
}

func TestWriteResult_CompilationFailureRetries(t *testing.T) {
	s, st, _, _ := newTestService(t)
	seedSubmission(t, st, 5)
	ctx := context.Background()
	op := operation.Operation{Kind: operation.KindCompileSubmission, ObjectID: 5, DatasetID: 10}

	ok, newOps, err := s.WriteResult(ctx, op, &operation.Job{Op: op, Success: false})
	require.NoError(t, err)
	require.True(t, ok)

	r, err := st.SubmissionResult(ctx, 5, 10)
	require.NoError(t, err)
	require.Equal(t, 1, r.CompilationTries)
	require.False(t, r.Compiled())

	// The retry comes back in the invalidated band.
	require.Len(t, newOps, 1)
	require.Equal(t, operation.KindCompileSubmission, newOps[0].Op.Kind)
	require.Equal(t, operation.PriorityInvalidated, newOps[0].Priority)
}

func TestWriteResult_CompilationGivesUpAtMaxTries(t *testing.T) {
	s, st, _, _ := newTestService(t)
	seedSubmission(t, st, 5)
	ctx := context.Background()
	op := operation.Operation{Kind: operation.KindCompileSubmission, ObjectID: 5, DatasetID: 10}

	for i := 0; i < MaxCompilationTries; i++ {
		ok, _, err := s.WriteResult(ctx, op, &operation.Job{Op: op, Success: false})
		require.NoError(t, err)
		require.True(t, ok)
	}

	r, err := st.SubmissionResult(ctx, 5, 10)
	require.NoError(t, err)
	require.Equal(t, MaxCompilationTries, r.CompilationTries)

	// No further retry is derived.
	ok, newOps, err := s.WriteResult(ctx, op, &operation.Job{Op: op, Success: false})
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, newOps)
}

func evaluationJob(op operation.Operation, outcome string) *operation.Job {
	return &operation.Job{
		Op:      op,
		Success: true,
		Outcome: outcome,
		Text:    []string{"Output is correct"},
		Shard:   1,
		Plus: &operation.ResultPlus{
			ExecutionTime:   0.12,
			WallClockTime:   0.15,
			ExecutionMemory: 8 << 20,
		},
	}
}

func seedCompiledSubmission(t *testing.T, s *Service, st *store.SQLite, id int64) {
	t.Helper()
	seedSubmission(t, st, id)
	ctx := context.Background()
	r, err := st.EnsureSubmissionResult(ctx, id, 10)
	require.NoError(t, err)
	r.CompilationOutcome = "ok"
	r.Executables = map[string]string{"sol": "exe-digest"}
	require.NoError(t, st.UpdateSubmissionResult(ctx, r))
}

func TestWriteResult_EvaluationSuccess(t *testing.T) {
	s, st, _, scoring := newTestService(t)
	seedCompiledSubmission(t, s, st, 5)
	ctx := context.Background()

	op1 := operation.Operation{Kind: operation.KindEvaluateSubmission, ObjectID: 5, DatasetID: 10, TestcaseCodename: "001"}
	ok, newOps, err := s.WriteResult(ctx, op1, evaluationJob(op1, "1.0"))
	require.NoError(t, err)
	require.True(t, ok)

	evals, err := st.Evaluations(ctx, 5, 10)
	require.NoError(t, err)
	require.Len(t, evals, 1)
	require.Equal(t, "1.0", evals[0].Outcome)
	require.InDelta(t, 0.12, evals[0].ExecutionTime, 1e-9)

	// One testcase still missing: derived, summary untouched.
	require.Len(t, newOps, 1)
	require.Equal(t, "002", newOps[0].Op.TestcaseCodename)
	require.Empty(t, scoring.Notified)

	// Last testcase lands: summary finalized and scoring notified.
	op2 := operation.Operation{Kind: operation.KindEvaluateSubmission, ObjectID: 5, DatasetID: 10, TestcaseCodename: "002"}
	ok, newOps, err = s.WriteResult(ctx, op2, evaluationJob(op2, "0.5"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, newOps)

	r, err := st.SubmissionResult(ctx, 5, 10)
	require.NoError(t, err)
	require.True(t, r.Evaluated())
	require.Equal(t, [][2]int64{{5, 10}}, scoring.Notified)
}

func TestWriteResult_EvaluationDuplicateIsIdempotent(t *testing.T) {
	s, st, _, _ := newTestService(t)
	seedCompiledSubmission(t, s, st, 5)
	ctx := context.Background()

	op := operation.Operation{Kind: operation.KindEvaluateSubmission, ObjectID: 5, DatasetID: 10, TestcaseCodename: "001"}
	ok, _, err := s.WriteResult(ctx, op, evaluationJob(op, "1.0"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, newOps, err := s.WriteResult(ctx, op, evaluationJob(op, "0.0"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, newOps)

	// The first write stands.
	evals, err := st.Evaluations(ctx, 5, 10)
	require.NoError(t, err)
	require.Len(t, evals, 1)
	require.Equal(t, "1.0", evals[0].Outcome)
}

func TestWriteResult_EvaluationFailureRetries(t *testing.T) {
	s, st, _, _ := newTestService(t)
	seedCompiledSubmission(t, s, st, 5)
	ctx := context.Background()

	op := operation.Operation{Kind: operation.KindEvaluateSubmission, ObjectID: 5, DatasetID: 10, TestcaseCodename: "001"}
	ok, newOps, err := s.WriteResult(ctx, op, &operation.Job{Op: op, Success: false})
	require.NoError(t, err)
	require.True(t, ok)

	r, err := st.SubmissionResult(ctx, 5, 10)
	require.NoError(t, err)
	require.Equal(t, 1, r.EvaluationTries)

	// Both testcases are still owed; retries in the invalidated band.
	require.Len(t, newOps, 2)
	for _, sched := range newOps {
		require.Equal(t, operation.PriorityInvalidated, sched.Priority)
	}
}

func TestWriteResult_TombstonedExecutableRebuilds(t *testing.T) {
	s, st, _, _ := newTestService(t)
	seedSubmission(t, st, 5)
	ctx := context.Background()

	r, err := st.EnsureSubmissionResult(ctx, 5, 10)
	require.NoError(t, err)
	r.CompilationOutcome = "ok"
	r.Executables = map[string]string{"sol": operation.TombstoneDigest}
	require.NoError(t, st.UpdateSubmissionResult(ctx, r))

	op := operation.Operation{Kind: operation.KindEvaluateSubmission, ObjectID: 5, DatasetID: 10, TestcaseCodename: "001"}
	job := &operation.Job{
		Op:      op,
		Success: false,
		Plus:    &operation.ResultPlus{PlusTombstone: true},
	}
	ok, newOps, err := s.WriteResult(ctx, op, job)
	require.NoError(t, err)
	require.True(t, ok)

	// The placeholder build was wiped; compilation starts over urgently.
	r, err = st.SubmissionResult(ctx, 5, 10)
	require.NoError(t, err)
	require.False(t, r.Compiled())
	require.Empty(t, r.Executables)

	require.Len(t, newOps, 1)
	require.Equal(t, operation.KindCompileSubmission, newOps[0].Op.Kind)
	require.Equal(t, operation.PriorityInvalidated, newOps[0].Priority)
}

func TestWriteResult_TombstoneFlagWithoutTombstonedBuild(t *testing.T) {
	s, st, _, _ := newTestService(t)
	seedCompiledSubmission(t, s, st, 5)
	ctx := context.Background()

	// The worker blames a tombstone but the stored build looks healthy:
	// treat it as an ordinary failed attempt.
	op := operation.Operation{Kind: operation.KindEvaluateSubmission, ObjectID: 5, DatasetID: 10, TestcaseCodename: "001"}
	job := &operation.Job{
		Op:      op,
		Success: false,
		Plus:    &operation.ResultPlus{PlusTombstone: true},
	}
	ok, _, err := s.WriteResult(ctx, op, job)
	require.NoError(t, err)
	require.True(t, ok)

	r, err := st.SubmissionResult(ctx, 5, 10)
	require.NoError(t, err)
	require.True(t, r.CompilationSucceeded())
	require.Equal(t, 1, r.EvaluationTries)
}

func TestWriteResult_UserTestCompileAndEvaluate(t *testing.T) {
	s, st, _, _ := newTestService(t)
	testutil.SeedUserTest(t, st, &store.UserTest{
		ID: 3, ParticipationID: 1, TaskID: 1,
		Language: "cpp", InputDigest: "input-digest",
		Files: map[string]string{"sol.%l": "src-digest"},
	})
	ctx := context.Background()

	compileOp := operation.Operation{Kind: operation.KindCompileUserTest, ObjectID: 3, DatasetID: 10}
	compileJob := &operation.Job{
		Op:                 compileOp,
		Success:            true,
		CompilationOutcome: operation.CompilationOutcomeOK,
		Text:               []string{"Compilation succeeded"},
		Executables:        map[string]string{"sol": "exe-digest"},
		Sandboxes:          []string{"sb-1"},
	}
	ok, newOps, err := s.WriteResult(ctx, compileOp, compileJob)
	require.NoError(t, err)
	require.True(t, ok)

	// Follow-up: the single evaluate run.
	require.Len(t, newOps, 1)
	evalOp := newOps[0].Op
	require.Equal(t, operation.KindEvaluateUserTest, evalOp.Kind)

	evalJob := &operation.Job{
		Op:         evalOp,
		Success:    true,
		UserOutput: "output-digest",
		Sandboxes:  []string{"sb-2"},
		Shard:      1,
		Plus:       &operation.ResultPlus{ExecutionTime: 0.3, ExecutionMemory: 4 << 20},
	}
	ok, newOps, err = s.WriteResult(ctx, evalOp, evalJob)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, newOps)

	r, err := st.UserTestResult(ctx, 3, 10)
	require.NoError(t, err)
	require.True(t, r.Evaluated())
	require.Equal(t, "output-digest", r.OutputDigest)
	require.Equal(t, "sb-2", r.EvaluationSandbox)
	require.InDelta(t, 0.3, r.EvaluationTime, 1e-9)
}

func TestWriteResult_UserTestCompileFailureRetries(t *testing.T) {
	s, st, _, _ := newTestService(t)
	testutil.SeedUserTest(t, st, &store.UserTest{
		ID: 3, ParticipationID: 1, TaskID: 1,
		Language: "cpp", InputDigest: "input-digest",
		Files: map[string]string{"sol.%l": "src-digest"},
	})
	ctx := context.Background()

	op := operation.Operation{Kind: operation.KindCompileUserTest, ObjectID: 3, DatasetID: 10}
	ok, newOps, err := s.WriteResult(ctx, op, &operation.Job{Op: op, Success: false})
	require.NoError(t, err)
	require.True(t, ok)

	r, err := st.UserTestResult(ctx, 3, 10)
	require.NoError(t, err)
	require.Equal(t, 1, r.CompilationTries)

	require.Len(t, newOps, 1)
	require.Equal(t, operation.KindCompileUserTest, newOps[0].Op.Kind)
}

func TestWriteResult_MissingUserTest(t *testing.T) {
	s, _, _, _ := newTestService(t)
	op := operation.Operation{Kind: operation.KindCompileUserTest, ObjectID: 999, DatasetID: 10}

	ok, _, err := s.WriteResult(context.Background(), op, &operation.Job{Op: op, Success: true})
	require.NoError(t, err)
	require.False(t, ok)
}
