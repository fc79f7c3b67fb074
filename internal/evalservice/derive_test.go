package evalservice

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/internal/operation"
	"github.com/arbiterhq/arbiter/internal/store"
	"github.com/arbiterhq/arbiter/internal/testutil"
)

func newTestService(t *testing.T) (*Service, *store.SQLite, *testutil.FakeQueue, *testutil.FakeScoring) {
	t.Helper()
	st := testutil.NewTestStore(t)
	testutil.SeedBasicContest(t, st)
	queue := &testutil.FakeQueue{}
	scoring := &testutil.FakeScoring{}
	s := New(Config{Store: st, Queue: queue, Scoring: scoring})
	return s, st, queue, scoring
}

func seedSubmission(t *testing.T, st *store.SQLite, id int64) {
	t.Helper()
	testutil.SeedSubmission(t, st, &store.Submission{
		ID: id, ParticipationID: 1, TaskID: 1,
		Timestamp: time.Date(2024, 5, 17, 10, 0, 0, 0, time.UTC),
		Language:  "cpp",
		Files:     map[string]string{"sol.%l": "src-digest"},
	})
}

func TestNewSubmission_UnknownID(t *testing.T) {
	s, _, _, _ := newTestService(t)
	err := s.NewSubmission(context.Background(), 999, 0, 0)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestNewSubmission_FreshDerivesCompile(t *testing.T) {
	s, st, queue, _ := newTestService(t)
	seedSubmission(t, st, 5)

	require.NoError(t, s.NewSubmission(context.Background(), 5, 0, 0))

	ops := queue.EnqueuedOps()
	require.Len(t, ops, 1)
	sched := ops[0]
	require.Equal(t, operation.KindCompileSubmission, sched.Op.Kind)
	require.EqualValues(t, 5, sched.Op.ObjectID)
	require.EqualValues(t, 10, sched.Op.DatasetID)
	require.Equal(t, operation.PrioritySubmission, sched.Priority)

	require.NotNil(t, sched.Job)
	require.Equal(t, "cpp", sched.Job.Language)
	require.Equal(t, "Batch", sched.Job.TaskType)
	require.Equal(t, map[string]string{"sol.%l": "src-digest"}, sched.Job.Files)
}

func TestNewSubmission_CompiledDerivesEvaluations(t *testing.T) {
	s, st, queue, _ := newTestService(t)
	seedSubmission(t, st, 5)
	ctx := context.Background()

	r, err := st.EnsureSubmissionResult(ctx, 5, 10)
	require.NoError(t, err)
	r.CompilationOutcome = "ok"
	r.Executables = map[string]string{"sol": "exe-digest"}
	require.NoError(t, st.UpdateSubmissionResult(ctx, r))

	require.NoError(t, s.NewSubmission(ctx, 5, 0, 0))

	ops := queue.EnqueuedOps()
	require.Len(t, ops, 2)
	codenames := []string{ops[0].Op.TestcaseCodename, ops[1].Op.TestcaseCodename}
	require.ElementsMatch(t, []string{"001", "002"}, codenames)
	for _, sched := range ops {
		require.Equal(t, operation.KindEvaluateSubmission, sched.Op.Kind)
		require.Equal(t, operation.PrioritySubmission, sched.Priority)
		require.Equal(t, map[string]string{"sol": "exe-digest"}, sched.Job.Executables)
		require.NotEmpty(t, sched.Job.InputDigest)
		require.NotEmpty(t, sched.Job.OutputDigest)
		require.InDelta(t, 1.0, sched.Job.TimeLimit, 1e-9)
	}
}

func TestNewSubmission_OnlyMissingTestcases(t *testing.T) {
	s, st, queue, _ := newTestService(t)
	seedSubmission(t, st, 5)
	ctx := context.Background()

	r, err := st.EnsureSubmissionResult(ctx, 5, 10)
	require.NoError(t, err)
	r.CompilationOutcome = "ok"
	r.Executables = map[string]string{"sol": "exe-digest"}
	require.NoError(t, st.UpdateSubmissionResult(ctx, r))
	require.NoError(t, st.InsertEvaluation(ctx, &store.Evaluation{
		SubmissionID: 5, DatasetID: 10, TestcaseCodename: "001", Outcome: "1.0",
	}))

	require.NoError(t, s.NewSubmission(ctx, 5, 0, 0))

	ops := queue.EnqueuedOps()
	require.Len(t, ops, 1)
	require.Equal(t, "002", ops[0].Op.TestcaseCodename)
}

func TestNewSubmission_FinalizesWhenAllEvaluated(t *testing.T) {
	s, st, queue, scoring := newTestService(t)
	seedSubmission(t, st, 5)
	ctx := context.Background()

	r, err := st.EnsureSubmissionResult(ctx, 5, 10)
	require.NoError(t, err)
	r.CompilationOutcome = "ok"
	require.NoError(t, st.UpdateSubmissionResult(ctx, r))
	for _, codename := range []string{"001", "002"} {
		require.NoError(t, st.InsertEvaluation(ctx, &store.Evaluation{
			SubmissionID: 5, DatasetID: 10, TestcaseCodename: codename, Outcome: "1.0",
		}))
	}

	require.NoError(t, s.NewSubmission(ctx, 5, 0, 0))

	require.Empty(t, queue.EnqueuedOps())
	r, err = st.SubmissionResult(ctx, 5, 10)
	require.NoError(t, err)
	require.True(t, r.Evaluated())
	require.Equal(t, [][2]int64{{5, 10}}, scoring.Notified)
}

func TestNewSubmission_GivesUpAfterMaxCompilationTries(t *testing.T) {
	s, st, queue, _ := newTestService(t)
	seedSubmission(t, st, 5)
	ctx := context.Background()

	r, err := st.EnsureSubmissionResult(ctx, 5, 10)
	require.NoError(t, err)
	r.CompilationTries = MaxCompilationTries
	require.NoError(t, st.UpdateSubmissionResult(ctx, r))

	require.NoError(t, s.NewSubmission(ctx, 5, 0, 0))
	require.Empty(t, queue.EnqueuedOps())
}

func TestNewSubmission_GivesUpAfterMaxEvaluationTries(t *testing.T) {
	s, st, queue, _ := newTestService(t)
	seedSubmission(t, st, 5)
	ctx := context.Background()

	r, err := st.EnsureSubmissionResult(ctx, 5, 10)
	require.NoError(t, err)
	r.CompilationOutcome = "ok"
	r.EvaluationTries = MaxEvaluationTries
	require.NoError(t, st.UpdateSubmissionResult(ctx, r))

	require.NoError(t, s.NewSubmission(ctx, 5, 0, 0))
	require.Empty(t, queue.EnqueuedOps())
}

func TestNewSubmission_RetriesUseInvalidatedBand(t *testing.T) {
	s, st, queue, _ := newTestService(t)
	seedSubmission(t, st, 5)
	ctx := context.Background()

	r, err := st.EnsureSubmissionResult(ctx, 5, 10)
	require.NoError(t, err)
	r.CompilationTries = 1
	require.NoError(t, st.UpdateSubmissionResult(ctx, r))

	require.NoError(t, s.NewSubmission(ctx, 5, 0, 0))

	ops := queue.EnqueuedOps()
	require.Len(t, ops, 1)
	require.Equal(t, operation.PriorityInvalidated, ops[0].Priority)
}

func TestNewSubmission_ForcedPriority(t *testing.T) {
	s, st, queue, _ := newTestService(t)
	seedSubmission(t, st, 5)

	require.NoError(t, s.NewSubmission(context.Background(), 5, 0, operation.PrioritySweep))

	ops := queue.EnqueuedOps()
	require.Len(t, ops, 1)
	require.Equal(t, operation.PrioritySweep, ops[0].Priority)
}

func TestNewSubmissions_SkipsUnknownIDs(t *testing.T) {
	s, st, queue, _ := newTestService(t)
	seedSubmission(t, st, 5)

	require.NoError(t, s.NewSubmissions(context.Background(), []int64{999, 5}))

	ops := queue.EnqueuedOps()
	require.Len(t, ops, 1)
	require.EqualValues(t, 5, ops[0].Op.ObjectID)
	require.Equal(t, operation.PriorityInvalidated, ops[0].Priority)
}

func TestNewUserTest_FreshDerivesCompile(t *testing.T) {
	s, st, queue, _ := newTestService(t)
	testutil.SeedUserTest(t, st, &store.UserTest{
		ID: 3, ParticipationID: 1, TaskID: 1, Timestamp: time.Now(),
		Language: "cpp", InputDigest: "input-digest",
		Files:    map[string]string{"sol.%l": "src-digest"},
		Managers: map[string]string{"grader": "grader-digest"},
	})

	require.NoError(t, s.NewUserTest(context.Background(), 3))

	ops := queue.EnqueuedOps()
	require.Len(t, ops, 1)
	sched := ops[0]
	require.Equal(t, operation.KindCompileUserTest, sched.Op.Kind)
	require.Empty(t, sched.Op.TestcaseCodename)
	require.Equal(t, operation.PriorityUserTest, sched.Priority)
	require.Equal(t, map[string]string{"grader": "grader-digest"}, sched.Job.Managers)
}

func TestNewUserTest_CompiledDerivesEvaluate(t *testing.T) {
	s, st, queue, _ := newTestService(t)
	testutil.SeedUserTest(t, st, &store.UserTest{
		ID: 3, ParticipationID: 1, TaskID: 1, Timestamp: time.Now(),
		Language: "cpp", InputDigest: "input-digest",
		Files: map[string]string{"sol.%l": "src-digest"},
	})
	ctx := context.Background()

	r, err := st.EnsureUserTestResult(ctx, 3, 10)
	require.NoError(t, err)
	r.CompilationOutcome = "ok"
	r.Executables = map[string]string{"sol": "exe-digest"}
	require.NoError(t, st.UpdateUserTestResult(ctx, r))

	require.NoError(t, s.NewUserTest(ctx, 3))

	ops := queue.EnqueuedOps()
	require.Len(t, ops, 1)
	sched := ops[0]
	require.Equal(t, operation.KindEvaluateUserTest, sched.Op.Kind)
	// The user test runs against its own input, not a named testcase.
	require.Empty(t, sched.Op.TestcaseCodename)
	require.Equal(t, "input-digest", sched.Job.InputDigest)
	require.Equal(t, map[string]string{"sol": "exe-digest"}, sched.Job.Executables)
}

func TestNewUserTest_UnknownID(t *testing.T) {
	s, _, _, _ := newTestService(t)
	require.ErrorIs(t, s.NewUserTest(context.Background(), 999), store.ErrNotFound)
}
