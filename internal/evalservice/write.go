package evalservice

import (
	"context"
	"errors"
	"strings"

	"github.com/arbiterhq/arbiter/internal/log"
	"github.com/arbiterhq/arbiter/internal/operation"
	"github.com/arbiterhq/arbiter/internal/rpc"
	"github.com/arbiterhq/arbiter/internal/store"
)

// WriteResult persists one finished job and derives the follow-up work.
//
// The boolean is false when the write could not be applied because the
// referenced entities are gone; the caller should not retry. A transport or
// database error is returned as err and the caller re-enqueues. Duplicate
// writes are idempotent successes: the row already holds the outcome.
func (s *Service) WriteResult(ctx context.Context, op operation.Operation,
	job *operation.Job) (bool, []operation.Scheduled, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job == nil {
		log.Error(log.CatEval, "result without job payload", "operation", op)
		return false, nil, nil
	}
	if !op.Kind.Valid() {
		log.Error(log.CatEval, "result for unknown operation kind", "operation", op)
		return false, nil, nil
	}

	if op.ForSubmission() {
		return s.writeSubmissionResult(ctx, op, job)
	}
	return s.writeUserTestResult(ctx, op, job)
}

func (s *Service) writeSubmissionResult(ctx context.Context, op operation.Operation,
	job *operation.Job) (bool, []operation.Scheduled, error) {

	bundle, err := s.loadDataset(ctx, op.DatasetID)
	if errors.Is(err, store.ErrNotFound) {
		log.Error(log.CatEval, "result for missing dataset", "operation", op)
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}

	sub, err := s.st.Submission(ctx, op.ObjectID)
	if errors.Is(err, store.ErrNotFound) {
		log.Error(log.CatEval, "result for missing submission", "operation", op)
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}

	r, err := s.st.EnsureSubmissionResult(ctx, sub.ID, op.DatasetID)
	if err != nil {
		return false, nil, err
	}

	switch op.Kind {
	case operation.KindCompileSubmission:
		return s.writeSubmissionCompilation(ctx, op, job, sub, r)
	case operation.KindEvaluateSubmission:
		return s.writeSubmissionEvaluation(ctx, op, job, sub, r, bundle)
	default:
		log.Error(log.CatEval, "submission result with user test kind", "operation", op)
		return false, nil, nil
	}
}

func (s *Service) writeSubmissionCompilation(ctx context.Context, op operation.Operation,
	job *operation.Job, sub *store.Submission, r *store.SubmissionResult) (bool, []operation.Scheduled, error) {

	if r.Compiled() {
		// A reassigned batch already delivered this compilation.
		log.Info(log.CatEval, "compilation already persisted", "operation", op)
		return true, nil, nil
	}

	if job.Success {
		r.CompilationOutcome = job.CompilationOutcome
		r.CompilationText = joinText(job.Text)
		r.CompilationShard = job.Shard
		r.CompilationSandboxes = strings.Join(job.Sandboxes, ",")
		r.Executables = job.Executables
		if job.Plus != nil {
			r.CompilationTime = job.Plus.ExecutionTime
			r.CompilationWallTime = job.Plus.WallClockTime
			r.CompilationMemory = job.Plus.ExecutionMemory
		}
	} else {
		// Worker ran but produced no outcome at all: our fault.
		r.CompilationTries++
		log.Warn(log.CatEval, "compilation attempt failed",
			"operation", op, "tries", r.CompilationTries)
		if r.CompilationTries >= MaxCompilationTries {
			log.Error(log.CatEval, "maximum compilation tries reached",
				"submission", sub.ID, "dataset", r.DatasetID)
		}
	}

	if err := s.st.UpdateSubmissionResult(ctx, r); err != nil {
		return false, nil, err
	}

	// Ended hook: a rejected submission is final and scoring hears about
	// it; a successful build stays quiet until evaluations land.
	if r.CompilationFailed() {
		s.notifyScoring(ctx, sub.ID, r.DatasetID)
	}

	newOps, err := s.submissionOperations(ctx, sub, 0, 0)
	if err != nil {
		return false, nil, err
	}
	return true, newOps, nil
}

func (s *Service) writeSubmissionEvaluation(ctx context.Context, op operation.Operation,
	job *operation.Job, sub *store.Submission, r *store.SubmissionResult,
	bundle *datasetBundle) (bool, []operation.Scheduled, error) {

	if job.Success {
		eval := &store.Evaluation{
			SubmissionID:     sub.ID,
			DatasetID:        op.DatasetID,
			TestcaseCodename: op.TestcaseCodename,
			Outcome:          job.Outcome,
			Text:             joinText(job.Text),
			Shard:            job.Shard,
		}
		if job.Plus != nil {
			eval.ExecutionTime = job.Plus.ExecutionTime
			eval.WallClockTime = job.Plus.WallClockTime
			eval.Memory = job.Plus.ExecutionMemory
		}
		err := s.st.InsertEvaluation(ctx, eval)
		if errors.Is(err, store.ErrDuplicate) {
			// A concurrent write got there first; same outcome either
			// way.
			log.Info(log.CatEval, "evaluation already persisted", "operation", op)
			return true, nil, nil
		}
		if err != nil {
			return false, nil, err
		}

		evals, err := s.st.Evaluations(ctx, sub.ID, op.DatasetID)
		if err != nil {
			return false, nil, err
		}
		if len(evals) == len(bundle.testcases) {
			if err := s.finalizeEvaluation(ctx, sub, r); err != nil {
				return false, nil, err
			}
		}

		newOps, err := s.submissionOperations(ctx, sub, 0, 0)
		if err != nil {
			return false, nil, err
		}
		return true, newOps, nil
	}

	// The worker could not fetch the executable because the blob was
	// garbage-collected: the stored build is a placeholder from a lost
	// earlier attempt. Rebuild from scratch.
	if job.TombstoneInResult() && executablesTombstoned(r) {
		log.Warn(log.CatEval, "tombstoned executable, rebuilding",
			"submission", sub.ID, "dataset", op.DatasetID)
		scope := store.InvalidationScope{
			SubmissionID: sub.ID,
			DatasetID:    op.DatasetID,
			Level:        store.LevelCompilation,
		}
		if _, err := s.st.InvalidateResults(ctx, scope); err != nil {
			return false, nil, err
		}
		newOps, err := s.submissionOperations(ctx, sub, op.DatasetID,
			operation.PriorityInvalidated)
		if err != nil {
			return false, nil, err
		}
		return true, newOps, nil
	}

	r.EvaluationTries++
	log.Warn(log.CatEval, "evaluation attempt failed",
		"operation", op, "tries", r.EvaluationTries)
	if r.EvaluationTries >= MaxEvaluationTries {
		log.Error(log.CatEval, "maximum evaluation tries reached",
			"submission", sub.ID, "dataset", op.DatasetID)
	}
	if err := s.st.UpdateSubmissionResult(ctx, r); err != nil {
		return false, nil, err
	}

	newOps, err := s.submissionOperations(ctx, sub, 0, 0)
	if err != nil {
		return false, nil, err
	}
	return true, newOps, nil
}

func (s *Service) writeUserTestResult(ctx context.Context, op operation.Operation,
	job *operation.Job) (bool, []operation.Scheduled, error) {

	if _, err := s.loadDataset(ctx, op.DatasetID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Error(log.CatEval, "result for missing dataset", "operation", op)
			return false, nil, nil
		}
		return false, nil, err
	}

	ut, err := s.st.UserTest(ctx, op.ObjectID)
	if errors.Is(err, store.ErrNotFound) {
		log.Error(log.CatEval, "result for missing user test", "operation", op)
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}

	r, err := s.st.EnsureUserTestResult(ctx, ut.ID, op.DatasetID)
	if err != nil {
		return false, nil, err
	}

	switch op.Kind {
	case operation.KindCompileUserTest:
		if r.Compiled() {
			log.Info(log.CatEval, "compilation already persisted", "operation", op)
			return true, nil, nil
		}
		if job.Success {
			r.CompilationOutcome = job.CompilationOutcome
			r.CompilationText = joinText(job.Text)
			r.CompilationShard = job.Shard
			r.CompilationSandboxes = strings.Join(job.Sandboxes, ",")
			r.Executables = job.Executables
		} else {
			r.CompilationTries++
			if r.CompilationTries >= MaxUserTestCompilationTries {
				log.Error(log.CatEval, "maximum user test compilation tries reached",
					"user_test", ut.ID, "dataset", op.DatasetID)
			}
		}

	case operation.KindEvaluateUserTest:
		if r.Evaluated() {
			log.Info(log.CatEval, "evaluation already persisted", "operation", op)
			return true, nil, nil
		}
		if job.Success {
			r.EvaluationOutcome = "ok"
			r.OutputDigest = job.UserOutput
			r.EvaluationShard = job.Shard
			r.EvaluationSandbox = strings.Join(job.Sandboxes, ",")
			if job.Plus != nil {
				r.EvaluationTime = job.Plus.ExecutionTime
				r.EvaluationMemory = job.Plus.ExecutionMemory
			}
		} else {
			r.EvaluationTries++
			if r.EvaluationTries >= MaxUserTestEvaluationTries {
				log.Error(log.CatEval, "maximum user test evaluation tries reached",
					"user_test", ut.ID, "dataset", op.DatasetID)
			}
		}

	default:
		log.Error(log.CatEval, "user test result with submission kind", "operation", op)
		return false, nil, nil
	}

	if err := s.st.UpdateUserTestResult(ctx, r); err != nil {
		return false, nil, err
	}

	newOps, err := s.userTestOperations(ctx, ut)
	if err != nil {
		return false, nil, err
	}
	return true, newOps, nil
}

// executablesTombstoned reports whether any stored executable digest is the
// garbage-collection sentinel.
func executablesTombstoned(r *store.SubmissionResult) bool {
	for _, digest := range r.Executables {
		if digest == operation.TombstoneDigest {
			return true
		}
	}
	return false
}

func joinText(text []string) string {
	return strings.Join(text, "\n")
}

// Connected reports whether the service can take writes; an in-process
// instance always can.
func (s *Service) Connected() bool {
	return true
}

var _ rpc.EvaluationClient = (*Service)(nil)
