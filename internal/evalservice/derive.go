package evalservice

import (
	"context"
	"errors"

	"github.com/arbiterhq/arbiter/internal/log"
	"github.com/arbiterhq/arbiter/internal/operation"
	"github.com/arbiterhq/arbiter/internal/store"
)

// submissionOperations yields the operations currently missing for the
// submission: a compile per un-compiled dataset, an evaluate per testcase
// without a stored evaluation. When a dataset turns out fully evaluated but
// its summary outcome is unset (a crash between the last evaluation write
// and the finalize), the summary is written here as a side effect.
//
// onlyDataset restricts the derivation to one dataset; zero covers every
// dataset to judge. force overrides the priority band when non-zero.
func (s *Service) submissionOperations(ctx context.Context, sub *store.Submission,
	onlyDataset int64, force operation.Priority) ([]operation.Scheduled, error) {

	datasets, err := s.datasetsInScope(ctx, sub.TaskID, onlyDataset)
	if err != nil {
		return nil, err
	}

	var out []operation.Scheduled
	for _, bundle := range datasets {
		d := bundle.dataset

		r, err := s.st.SubmissionResult(ctx, sub.ID, d.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		switch {
		case r == nil || !r.Compiled():
			tries := 0
			if r != nil {
				tries = r.CompilationTries
			}
			if tries >= MaxCompilationTries {
				log.Error(log.CatEval, "compilation given up",
					"submission", sub.ID, "dataset", d.ID, "tries", tries)
				continue
			}
			out = append(out, operation.Scheduled{
				Op: operation.Operation{
					Kind:      operation.KindCompileSubmission,
					ObjectID:  sub.ID,
					DatasetID: d.ID,
				},
				Priority:  pickPriority(operation.PrioritySubmission, tries, force),
				Timestamp: sub.Timestamp,
				Job:       CompileSubmissionJob(sub, d),
			})

		case r.CompilationSucceeded() && !r.Evaluated():
			evals, err := s.st.Evaluations(ctx, sub.ID, d.ID)
			if err != nil {
				return nil, err
			}
			have := make(map[string]struct{}, len(evals))
			for _, e := range evals {
				have[e.TestcaseCodename] = struct{}{}
			}

			var missing []*store.Testcase
			for _, tc := range bundle.testcases {
				if _, ok := have[tc.Codename]; !ok {
					missing = append(missing, tc)
				}
			}

			if len(missing) == 0 {
				// Every testcase is in; finish the summary now.
				if err := s.finalizeEvaluation(ctx, sub, r); err != nil {
					return nil, err
				}
				continue
			}
			if r.EvaluationTries >= MaxEvaluationTries {
				log.Error(log.CatEval, "evaluation given up",
					"submission", sub.ID, "dataset", d.ID, "tries", r.EvaluationTries)
				continue
			}
			prio := pickPriority(operation.PrioritySubmission, r.EvaluationTries, force)
			for _, tc := range missing {
				out = append(out, operation.Scheduled{
					Op: operation.Operation{
						Kind:             operation.KindEvaluateSubmission,
						ObjectID:         sub.ID,
						DatasetID:        d.ID,
						TestcaseCodename: tc.Codename,
					},
					Priority:  prio,
					Timestamp: sub.Timestamp,
					Job:       EvaluateSubmissionJob(sub, d, r, tc),
				})
			}
		}
	}
	return out, nil
}

// finalizeEvaluation records the completed evaluation summary and notifies
// scoring. Must be called with the service lock held.
func (s *Service) finalizeEvaluation(ctx context.Context, sub *store.Submission,
	r *store.SubmissionResult) error {
	r.EvaluationOutcome = "ok"
	if err := s.st.UpdateSubmissionResult(ctx, r); err != nil {
		return err
	}
	log.Info(log.CatEval, "submission fully evaluated",
		"submission", r.SubmissionID, "dataset", r.DatasetID)
	s.notifyScoring(ctx, r.SubmissionID, r.DatasetID)
	return nil
}

// userTestOperations is the user-test analogue of submissionOperations.
// There is no finalize side effect: the summary is written on the evaluate
// path, and a user test has a single implicit testcase.
func (s *Service) userTestOperations(ctx context.Context, ut *store.UserTest) ([]operation.Scheduled, error) {
	datasets, err := s.datasetsInScope(ctx, ut.TaskID, 0)
	if err != nil {
		return nil, err
	}

	var out []operation.Scheduled
	for _, bundle := range datasets {
		d := bundle.dataset

		r, err := s.st.UserTestResult(ctx, ut.ID, d.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		switch {
		case r == nil || !r.Compiled():
			tries := 0
			if r != nil {
				tries = r.CompilationTries
			}
			if tries >= MaxUserTestCompilationTries {
				log.Error(log.CatEval, "user test compilation given up",
					"user_test", ut.ID, "dataset", d.ID, "tries", tries)
				continue
			}
			out = append(out, operation.Scheduled{
				Op: operation.Operation{
					Kind:      operation.KindCompileUserTest,
					ObjectID:  ut.ID,
					DatasetID: d.ID,
				},
				Priority:  operation.PriorityUserTest,
				Timestamp: ut.Timestamp,
				Job:       compileUserTestJob(ut, d),
			})

		case r.CompilationSucceeded() && !r.Evaluated():
			if r.EvaluationTries >= MaxUserTestEvaluationTries {
				log.Error(log.CatEval, "user test evaluation given up",
					"user_test", ut.ID, "dataset", d.ID, "tries", r.EvaluationTries)
				continue
			}
			out = append(out, operation.Scheduled{
				Op: operation.Operation{
					Kind:      operation.KindEvaluateUserTest,
					ObjectID:  ut.ID,
					DatasetID: d.ID,
				},
				Priority:  operation.PriorityUserTest,
				Timestamp: ut.Timestamp,
				Job:       evaluateUserTestJob(ut, d, r),
			})
		}
	}
	return out, nil
}

// datasetsInScope loads either the single named dataset or all datasets to
// judge for the task.
func (s *Service) datasetsInScope(ctx context.Context, taskID, onlyDataset int64) ([]*datasetBundle, error) {
	if onlyDataset != 0 {
		b, err := s.loadDataset(ctx, onlyDataset)
		if err != nil {
			return nil, err
		}
		return []*datasetBundle{b}, nil
	}
	ds, err := s.st.DatasetsToJudge(ctx, taskID)
	if err != nil {
		return nil, err
	}
	out := make([]*datasetBundle, 0, len(ds))
	for _, d := range ds {
		b, err := s.loadDataset(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// pickPriority returns the band for a derived operation: the default for a
// first attempt, the invalidated band for retries, and the forced band when
// the caller insists.
func pickPriority(def operation.Priority, tries int, force operation.Priority) operation.Priority {
	if force != 0 {
		return force
	}
	if tries > 0 {
		return operation.PriorityInvalidated
	}
	return def
}
