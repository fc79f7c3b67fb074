package evalservice

import (
	"fmt"

	"github.com/arbiterhq/arbiter/internal/operation"
	"github.com/arbiterhq/arbiter/internal/store"
)

// Job constructors: pack everything a worker needs to run one operation
// without database access. The queue service ships these verbatim. The
// submission variants are exported for the debug command, which runs jobs
// against a worker directly without going through the queue.

func CompileSubmissionJob(sub *store.Submission, d *store.Dataset) *operation.Job {
	return &operation.Job{
		Op: operation.Operation{
			Kind:      operation.KindCompileSubmission,
			ObjectID:  sub.ID,
			DatasetID: d.ID,
		},
		Language:           sub.Language,
		TaskType:           d.TaskType,
		TaskTypeParameters: d.TaskTypeParameters,
		Files:              sub.Files,
		Info:               fmt.Sprintf("compile submission %d", sub.ID),
	}
}

func EvaluateSubmissionJob(sub *store.Submission, d *store.Dataset,
	r *store.SubmissionResult, tc *store.Testcase) *operation.Job {
	return &operation.Job{
		Op: operation.Operation{
			Kind:             operation.KindEvaluateSubmission,
			ObjectID:         sub.ID,
			DatasetID:        d.ID,
			TestcaseCodename: tc.Codename,
		},
		Language:           sub.Language,
		TaskType:           d.TaskType,
		TaskTypeParameters: d.TaskTypeParameters,
		TimeLimit:          d.TimeLimit,
		MemoryLimit:        d.MemoryLimit,
		Executables:        r.Executables,
		InputDigest:        tc.InputDigest,
		OutputDigest:       tc.OutputDigest,
		Info: fmt.Sprintf("evaluate submission %d on testcase %s",
			sub.ID, tc.Codename),
	}
}

func compileUserTestJob(ut *store.UserTest, d *store.Dataset) *operation.Job {
	return &operation.Job{
		Op: operation.Operation{
			Kind:      operation.KindCompileUserTest,
			ObjectID:  ut.ID,
			DatasetID: d.ID,
		},
		Language:           ut.Language,
		TaskType:           d.TaskType,
		TaskTypeParameters: d.TaskTypeParameters,
		Files:              ut.Files,
		Managers:           ut.Managers,
		Info:               fmt.Sprintf("compile user test %d", ut.ID),
	}
}

func evaluateUserTestJob(ut *store.UserTest, d *store.Dataset,
	r *store.UserTestResult) *operation.Job {
	return &operation.Job{
		Op: operation.Operation{
			Kind:      operation.KindEvaluateUserTest,
			ObjectID:  ut.ID,
			DatasetID: d.ID,
		},
		Language:           ut.Language,
		TaskType:           d.TaskType,
		TaskTypeParameters: d.TaskTypeParameters,
		TimeLimit:          d.TimeLimit,
		MemoryLimit:        d.MemoryLimit,
		Executables:        r.Executables,
		Managers:           ut.Managers,
		InputDigest:        ut.InputDigest,
		Info:               fmt.Sprintf("evaluate user test %d", ut.ID),
	}
}
