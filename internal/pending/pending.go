// Package pending stages worker results between arrival and durable write.
//
// A result lives in one of two places: the arrival set (received from a
// worker, not yet picked up by the writer) and the write set (currently
// being persisted). An operation counts as "in flight" for deduplication
// purposes while it sits in either, so the same work is never enqueued twice
// just because its result has not hit the database yet.
package pending

import (
	"context"
	"errors"
	"sync"

	"github.com/arbiterhq/arbiter/internal/operation"
	"github.com/arbiterhq/arbiter/internal/syncx"
)

// ErrNoResults is returned by Pop when no result is waiting.
var ErrNoResults = errors.New("pending: no results staged")

// ErrNotStaged is returned by Finalize for an operation that is not in the
// write set.
var ErrNotStaged = errors.New("pending: operation not being written")

// Results is the two-stage holding area for finished jobs. The staged value
// is the scheduled record with its Job field pointing at the result-filled
// job, so a failed write can re-enqueue at the original priority and
// timestamp. All methods are safe for concurrent use.
type Results struct {
	mu      sync.Mutex
	event   *syncx.Event
	results map[operation.Operation]operation.Scheduled
	writes  map[operation.Operation]struct{}
}

// NewResults returns an empty holding area.
func NewResults() *Results {
	return &Results{
		event:   syncx.NewEvent(),
		results: make(map[operation.Operation]operation.Scheduled),
		writes:  make(map[operation.Operation]struct{}),
	}
}

// Contains reports whether the operation's result has arrived and has not
// been finalized yet, in either stage.
func (r *Results) Contains(op operation.Operation) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.results[op]; ok {
		return true
	}
	_, ok := r.writes[op]
	return ok
}

// Add stages a freshly arrived result and wakes any waiting writer. A second
// result for the same operation overwrites the first; the later one is the
// one that reflects the worker's final word.
func (r *Results) Add(op operation.Operation, sched operation.Scheduled) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[op] = sched
	r.event.Set()
}

// Pop moves an arbitrary staged result into the write set and returns it.
// The caller must follow up with Finalize once the write lands (or is
// abandoned). Returns ErrNoResults when nothing is staged.
func (r *Results) Pop() (operation.Operation, operation.Scheduled, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for op, sched := range r.results {
		delete(r.results, op)
		r.writes[op] = struct{}{}
		if len(r.results) == 0 {
			r.event.Clear()
		}
		return op, sched, nil
	}
	return operation.Operation{}, operation.Scheduled{}, ErrNoResults
}

// Finalize drops the operation from the write set, ending its in-flight
// status.
func (r *Results) Finalize(op operation.Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.writes[op]; !ok {
		return ErrNotStaged
	}
	delete(r.writes, op)
	return nil
}

// Wait blocks until at least one result is staged or the context is done.
// A successful return does not guarantee a later Pop will succeed; another
// writer may get there first.
func (r *Results) Wait(ctx context.Context) error {
	return r.event.Wait(ctx)
}

// Operations lists every in-flight operation, both stages included.
func (r *Results) Operations() []operation.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]operation.Operation, 0, len(r.results)+len(r.writes))
	for op := range r.results {
		out = append(out, op)
	}
	for op := range r.writes {
		out = append(out, op)
	}
	return out
}

// Len returns the number of staged results not yet picked up for writing.
func (r *Results) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

// Writing returns the number of results currently being written.
func (r *Results) Writing() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.writes)
}
