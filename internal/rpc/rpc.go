// Package rpc defines the wire types and client interfaces the grading
// services use to talk to each other, plus HTTP implementations of both
// sides. Route names and payload encodings are fixed; other tooling in the
// contest system depends on them.
package rpc

import (
	"context"

	"github.com/arbiterhq/arbiter/internal/operation"
	"github.com/arbiterhq/arbiter/internal/store"
	"github.com/arbiterhq/arbiter/internal/workerpool"
)

// EvaluationClient is the queue service's view of an evaluation service.
type EvaluationClient interface {
	// WriteResult persists one finished job. The returned operations are
	// the follow-up work derived from the write, each carrying its job,
	// priority and timestamp so the caller can enqueue without
	// re-deriving.
	WriteResult(ctx context.Context, op operation.Operation, job *operation.Job) (bool, []operation.Scheduled, error)
	// NewSubmission derives and enqueues the missing operations for one
	// submission. datasetID zero means every dataset to judge;
	// forcePriority zero means the default band.
	NewSubmission(ctx context.Context, submissionID, datasetID int64, forcePriority operation.Priority) error
	// NewSubmissions is the bulk variant used by the invalidation fan-out.
	NewSubmissions(ctx context.Context, submissionIDs []int64) error
	// NewUserTest derives and enqueues the missing operations for one
	// user test.
	NewUserTest(ctx context.Context, userTestID int64) error
	// Connected reports whether the endpoint is currently reachable.
	Connected() bool
}

// ScoringClient is the evaluation service's view of the scoring service.
type ScoringClient interface {
	// NewEvaluation tells scoring that the result row for (submission,
	// dataset) changed and a (re)score is due.
	NewEvaluation(ctx context.Context, submissionID, datasetID int64) error
	Connected() bool
}

// QueueClient is the intake path's view of the queue service.
type QueueClient interface {
	// Enqueue inserts one operation. Returns false when the operation is
	// already anywhere in flight.
	Enqueue(ctx context.Context, sched operation.Scheduled) (bool, error)
	// InvalidateSubmission resets stored results in scope and triggers
	// re-derivation.
	InvalidateSubmission(ctx context.Context, scope store.InvalidationScope) error
	WorkersStatus(ctx context.Context) (map[string]workerpool.WorkerStatus, error)
	QueueStatus(ctx context.Context) ([]QueueEntry, error)
	DisableWorker(ctx context.Context, shard int) error
	EnableWorker(ctx context.Context, shard int) error
}

// QueueBackend is the in-process surface of a queue service, as implemented
// by queueservice.Service. The HTTP server and the local client adapter both
// sit on top of it.
type QueueBackend interface {
	Enqueue(sched operation.Scheduled) bool
	InvalidateSubmission(ctx context.Context, scope store.InvalidationScope) error
	DisableWorker(shard int) error
	EnableWorker(shard int) error
	WorkersStatus() map[string]workerpool.WorkerStatus
	QueueStatus() []QueueEntry
}

// QueueEntry is one row of the queue introspection listing. Per-testcase
// evaluate entries of the same object and dataset are collapsed into a
// single entry with a multiplicity count.
type QueueEntry struct {
	Item         map[string]any `json:"item"`
	Priority     int            `json:"priority"`
	Timestamp    float64        `json:"timestamp"`
	Multiplicity int            `json:"multiplicity"`
}

// LocalQueue adapts an in-process queue service to the QueueClient surface
// used by services living in the same process.
type LocalQueue struct {
	Backend QueueBackend
}

func (q LocalQueue) Enqueue(_ context.Context, sched operation.Scheduled) (bool, error) {
	return q.Backend.Enqueue(sched), nil
}

func (q LocalQueue) InvalidateSubmission(ctx context.Context, scope store.InvalidationScope) error {
	return q.Backend.InvalidateSubmission(ctx, scope)
}

func (q LocalQueue) WorkersStatus(context.Context) (map[string]workerpool.WorkerStatus, error) {
	return q.Backend.WorkersStatus(), nil
}

func (q LocalQueue) QueueStatus(context.Context) ([]QueueEntry, error) {
	return q.Backend.QueueStatus(), nil
}

func (q LocalQueue) DisableWorker(_ context.Context, shard int) error {
	return q.Backend.DisableWorker(shard)
}

func (q LocalQueue) EnableWorker(_ context.Context, shard int) error {
	return q.Backend.EnableWorker(shard)
}

var _ QueueClient = LocalQueue{}
