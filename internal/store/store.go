// Package store is the persistence layer for contest entities and grading
// results. It exposes a narrow interface over SQLite; the scheduling core
// reads rows to decide what work is needed and writes rows as results land.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicate is returned when an insert collides with an existing row.
// Callers treat it as proof that an identical write already happened.
var ErrDuplicate = errors.New("store: duplicate row")

// Level selects how deep an invalidation cuts.
type Level string

const (
	LevelCompilation Level = "compilation"
	LevelEvaluation  Level = "evaluation"
)

// Contest is the top-level container for tasks and submissions.
type Contest struct {
	ID   int64
	Name string
}

// Task is one problem within a contest.
type Task struct {
	ID              int64
	ContestID       int64
	Name            string
	ActiveDatasetID int64
}

// Dataset is one judging configuration for a task. The active dataset is the
// one contestants see; background datasets with autojudge enabled are judged
// too.
type Dataset struct {
	ID                 int64
	TaskID             int64
	Description        string
	Autojudge          bool
	TaskType           string
	TaskTypeParameters string
	TimeLimit          float64
	MemoryLimit        int64
}

// Testcase is one input/output pair of a dataset.
type Testcase struct {
	DatasetID    int64
	Codename     string
	InputDigest  string
	OutputDigest string
}

// Submission is a contestant's submitted solution.
type Submission struct {
	ID              int64
	ParticipationID int64
	TaskID          int64
	Timestamp       time.Time
	Language        string
	Files           map[string]string
}

// SubmissionResult is the mutable grading state of one submission on one
// dataset. A missing row means grading has not started.
type SubmissionResult struct {
	SubmissionID int64
	DatasetID    int64

	CompilationOutcome   string
	CompilationText      string
	CompilationTries     int
	CompilationTime      float64
	CompilationWallTime  float64
	CompilationMemory    int64
	CompilationShard     int
	CompilationSandboxes string
	Executables          map[string]string

	EvaluationOutcome string
	EvaluationTries   int
}

// Compiled reports whether compilation finished, in either direction.
func (r *SubmissionResult) Compiled() bool {
	return r.CompilationOutcome != ""
}

// CompilationSucceeded reports whether compilation finished with "ok".
func (r *SubmissionResult) CompilationSucceeded() bool {
	return r.CompilationOutcome == "ok"
}

// CompilationFailed reports whether compilation finished with "fail".
func (r *SubmissionResult) CompilationFailed() bool {
	return r.CompilationOutcome == "fail"
}

// Evaluated reports whether every testcase has been evaluated.
func (r *SubmissionResult) Evaluated() bool {
	return r.EvaluationOutcome != ""
}

// InvalidateCompilation resets the result to the never-compiled state.
// Evaluations must be deleted alongside.
func (r *SubmissionResult) InvalidateCompilation() {
	r.CompilationOutcome = ""
	r.CompilationText = ""
	r.CompilationTries = 0
	r.CompilationTime = 0
	r.CompilationWallTime = 0
	r.CompilationMemory = 0
	r.CompilationShard = 0
	r.CompilationSandboxes = ""
	r.Executables = nil
	r.InvalidateEvaluation()
}

// InvalidateEvaluation resets the evaluation summary, keeping compilation.
func (r *SubmissionResult) InvalidateEvaluation() {
	r.EvaluationOutcome = ""
	r.EvaluationTries = 0
}

// Evaluation is the outcome of one submission on one testcase.
type Evaluation struct {
	SubmissionID     int64
	DatasetID        int64
	TestcaseCodename string
	Outcome          string
	Text             string
	ExecutionTime    float64
	WallClockTime    float64
	Memory           int64
	Shard            int
}

// UserTest is a contestant-provided test run request.
type UserTest struct {
	ID              int64
	ParticipationID int64
	TaskID          int64
	Timestamp       time.Time
	Language        string
	InputDigest     string
	Files           map[string]string
	Managers        map[string]string
}

// UserTestResult is the mutable grading state of one user test on one
// dataset.
type UserTestResult struct {
	UserTestID int64
	DatasetID  int64

	CompilationOutcome   string
	CompilationText      string
	CompilationTries     int
	CompilationShard     int
	CompilationSandboxes string
	Executables          map[string]string

	EvaluationOutcome string
	EvaluationTries   int
	EvaluationTime    float64
	EvaluationMemory  int64
	EvaluationShard   int
	EvaluationSandbox string
	OutputDigest      string
}

// Compiled reports whether compilation finished, in either direction.
func (r *UserTestResult) Compiled() bool {
	return r.CompilationOutcome != ""
}

// CompilationSucceeded reports whether compilation finished with "ok".
func (r *UserTestResult) CompilationSucceeded() bool {
	return r.CompilationOutcome == "ok"
}

// CompilationFailed reports whether compilation finished with "fail".
func (r *UserTestResult) CompilationFailed() bool {
	return r.CompilationOutcome == "fail"
}

// Evaluated reports whether the run finished and produced an output.
func (r *UserTestResult) Evaluated() bool {
	return r.EvaluationOutcome != ""
}

// ResultRef identifies one result row touched by an invalidation.
type ResultRef struct {
	ObjectID  int64
	DatasetID int64
}

// InvalidationScope selects which results an invalidation touches. Exactly
// one of SubmissionID, TaskID, ParticipationID or ContestID should be set;
// DatasetID and TestcaseCodename narrow the selection further. Zero means
// unset.
type InvalidationScope struct {
	ContestID        int64
	TaskID           int64
	ParticipationID  int64
	SubmissionID     int64
	DatasetID        int64
	TestcaseCodename string
	Level            Level
}

// Store is the persistence interface the grading services depend on.
type Store interface {
	// Entity reads.
	Contest(ctx context.Context, id int64) (*Contest, error)
	Task(ctx context.Context, id int64) (*Task, error)
	Dataset(ctx context.Context, id int64) (*Dataset, error)
	// DatasetsToJudge returns the datasets of a task that grading must
	// cover: the active one plus any background dataset with autojudge
	// enabled.
	DatasetsToJudge(ctx context.Context, taskID int64) ([]*Dataset, error)
	Testcases(ctx context.Context, datasetID int64) ([]*Testcase, error)

	Submission(ctx context.Context, id int64) (*Submission, error)
	// Submissions lists submissions, restricted to a contest when
	// contestID is non-zero.
	Submissions(ctx context.Context, contestID int64) ([]*Submission, error)
	UserTest(ctx context.Context, id int64) (*UserTest, error)
	UserTests(ctx context.Context, contestID int64) ([]*UserTest, error)

	// Result reads. SubmissionResult and UserTestResult return
	// ErrNotFound when grading has not started; Ensure variants create
	// the empty row on first touch.
	SubmissionResult(ctx context.Context, submissionID, datasetID int64) (*SubmissionResult, error)
	EnsureSubmissionResult(ctx context.Context, submissionID, datasetID int64) (*SubmissionResult, error)
	UserTestResult(ctx context.Context, userTestID, datasetID int64) (*UserTestResult, error)
	EnsureUserTestResult(ctx context.Context, userTestID, datasetID int64) (*UserTestResult, error)
	Evaluations(ctx context.Context, submissionID, datasetID int64) ([]*Evaluation, error)

	// Result writes.
	UpdateSubmissionResult(ctx context.Context, r *SubmissionResult) error
	UpdateUserTestResult(ctx context.Context, r *UserTestResult) error
	// InsertEvaluation returns ErrDuplicate when an evaluation for the
	// same (submission, dataset, testcase) already exists.
	InsertEvaluation(ctx context.Context, e *Evaluation) error

	// InvalidateResults resets the selected results and returns the rows
	// it touched so callers can re-derive the lost work.
	InvalidateResults(ctx context.Context, scope InvalidationScope) ([]ResultRef, error)

	Close() error
}
