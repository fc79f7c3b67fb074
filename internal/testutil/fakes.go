package testutil

import (
	"context"
	"sync"

	"github.com/arbiterhq/arbiter/internal/operation"
	"github.com/arbiterhq/arbiter/internal/rpc"
	"github.com/arbiterhq/arbiter/internal/store"
	"github.com/arbiterhq/arbiter/internal/workerpool"
)

// FakeWorker is an in-process workerpool.Client. By default it succeeds
// every job: compilations come back "ok", evaluations with outcome "1.0".
type FakeWorker struct {
	mu sync.Mutex

	// ExecuteFunc overrides the default job handling when non-nil.
	ExecuteFunc func(group *operation.JobGroup) (*operation.JobGroup, error)

	// Offline makes Connected report false.
	Offline bool

	Executed  []*operation.JobGroup
	Precached []int64
	QuitCalls []string
}

func (w *FakeWorker) ExecuteJobGroup(group *operation.JobGroup) (*operation.JobGroup, error) {
	w.mu.Lock()
	w.Executed = append(w.Executed, group)
	fn := w.ExecuteFunc
	w.mu.Unlock()

	if fn != nil {
		return fn(group)
	}
	for _, job := range group.Jobs {
		job.Success = true
		if job.Op.Kind.IsEvaluate() {
			job.Outcome = "1.0"
			job.Text = []string{"Output is correct"}
		} else {
			job.CompilationOutcome = operation.CompilationOutcomeOK
			job.Text = []string{"Compilation succeeded"}
		}
		job.Plus = &operation.ResultPlus{ExecutionTime: 0.1, ExecutionMemory: 1 << 20}
	}
	return group, nil
}

func (w *FakeWorker) PrecacheFiles(contestID int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Precached = append(w.Precached, contestID)
	return nil
}

func (w *FakeWorker) Quit(reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.QuitCalls = append(w.QuitCalls, reason)
	return nil
}

func (w *FakeWorker) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.Offline
}

var _ workerpool.Client = (*FakeWorker)(nil)

// FakeEvaluator is an in-process rpc.EvaluationClient that records calls.
type FakeEvaluator struct {
	mu sync.Mutex

	// WriteFunc overrides WriteResult when non-nil.
	WriteFunc func(op operation.Operation, job *operation.Job) (bool, []operation.Scheduled, error)

	// Offline makes Connected report false.
	Offline bool

	Written         []operation.Operation
	SubmissionCalls [][3]int64 // submissionID, datasetID, priority
	BulkCalls       [][]int64
	UserTestCalls   []int64
}

func (e *FakeEvaluator) WriteResult(_ context.Context, op operation.Operation,
	job *operation.Job) (bool, []operation.Scheduled, error) {
	e.mu.Lock()
	e.Written = append(e.Written, op)
	fn := e.WriteFunc
	e.mu.Unlock()

	if fn != nil {
		return fn(op, job)
	}
	return true, nil, nil
}

func (e *FakeEvaluator) NewSubmission(_ context.Context, submissionID, datasetID int64,
	forcePriority operation.Priority) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.SubmissionCalls = append(e.SubmissionCalls, [3]int64{submissionID, datasetID, int64(forcePriority)})
	return nil
}

func (e *FakeEvaluator) NewSubmissions(_ context.Context, ids []int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.BulkCalls = append(e.BulkCalls, ids)
	return nil
}

func (e *FakeEvaluator) NewUserTest(_ context.Context, id int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.UserTestCalls = append(e.UserTestCalls, id)
	return nil
}

func (e *FakeEvaluator) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.Offline
}

// BulkBatches returns a copy of the NewSubmissions batches received so far.
func (e *FakeEvaluator) BulkBatches() [][]int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][]int64, len(e.BulkCalls))
	copy(out, e.BulkCalls)
	return out
}

// WrittenOps returns a copy of the operations written so far.
func (e *FakeEvaluator) WrittenOps() []operation.Operation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]operation.Operation, len(e.Written))
	copy(out, e.Written)
	return out
}

var _ rpc.EvaluationClient = (*FakeEvaluator)(nil)

// FakeQueue is an in-process rpc.QueueClient that records enqueues.
type FakeQueue struct {
	mu sync.Mutex

	// Reject makes Enqueue report the operation as already in flight.
	Reject bool

	Enqueued      []operation.Scheduled
	Invalidated   []store.InvalidationScope
	DisabledShard []int
	EnabledShard  []int
}

func (q *FakeQueue) Enqueue(_ context.Context, sched operation.Scheduled) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Reject {
		return false, nil
	}
	q.Enqueued = append(q.Enqueued, sched)
	return true, nil
}

func (q *FakeQueue) InvalidateSubmission(_ context.Context, scope store.InvalidationScope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.Invalidated = append(q.Invalidated, scope)
	return nil
}

func (q *FakeQueue) WorkersStatus(context.Context) (map[string]workerpool.WorkerStatus, error) {
	return map[string]workerpool.WorkerStatus{}, nil
}

func (q *FakeQueue) QueueStatus(context.Context) ([]rpc.QueueEntry, error) {
	return nil, nil
}

func (q *FakeQueue) DisableWorker(_ context.Context, shard int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.DisabledShard = append(q.DisabledShard, shard)
	return nil
}

func (q *FakeQueue) EnableWorker(_ context.Context, shard int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.EnabledShard = append(q.EnabledShard, shard)
	return nil
}

// EnqueuedOps returns a copy of the scheduled operations enqueued so far.
func (q *FakeQueue) EnqueuedOps() []operation.Scheduled {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]operation.Scheduled, len(q.Enqueued))
	copy(out, q.Enqueued)
	return out
}

var _ rpc.QueueClient = (*FakeQueue)(nil)

// FakeScoring is an in-process rpc.ScoringClient that records notifications.
type FakeScoring struct {
	mu       sync.Mutex
	Notified [][2]int64 // submissionID, datasetID
}

func (s *FakeScoring) NewEvaluation(_ context.Context, submissionID, datasetID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Notified = append(s.Notified, [2]int64{submissionID, datasetID})
	return nil
}

func (s *FakeScoring) Connected() bool { return true }

var _ rpc.ScoringClient = (*FakeScoring)(nil)
