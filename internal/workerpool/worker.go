// Package workerpool tracks the fleet of remote sandboxing workers and hands
// batches of operations to free ones.
package workerpool

import (
	"time"

	"github.com/arbiterhq/arbiter/internal/operation"
)

// Status is the lifecycle state of a worker in the pool.
type Status string

const (
	// StatusInactive means the worker holds no work. It may or may not be
	// connected.
	StatusInactive Status = "inactive"
	// StatusActive means the worker is executing a batch of operations.
	StatusActive Status = "active"
	// StatusDisabled means the worker is administratively out of rotation.
	// It may still hold operations whose results must be discarded.
	StatusDisabled Status = "disabled"
)

// Client is the transport to one remote worker.
type Client interface {
	// ExecuteJobGroup runs a batch on the worker and returns the group
	// with result fields filled in.
	ExecuteJobGroup(group *operation.JobGroup) (*operation.JobGroup, error)
	// PrecacheFiles hints the worker to warm its file cache for a contest.
	PrecacheFiles(contestID int64) error
	// Quit asks the worker process to shut down.
	Quit(reason string) error
	// Connected reports whether the transport is currently usable.
	Connected() bool
}

// worker is the per-shard state. All fields are guarded by the pool mutex.
type worker struct {
	shard  int
	client Client

	status     Status
	operations []operation.Scheduled
	ignore     map[operation.Operation]struct{}
	startTime  time.Time
}

func newWorker(shard int, client Client) *worker {
	return &worker{
		shard:  shard,
		client: client,
		status: StatusInactive,
		ignore: make(map[operation.Operation]struct{}),
	}
}

// reset returns the worker to the idle state. A disabled worker stays
// disabled.
func (w *worker) reset() {
	if w.status != StatusDisabled {
		w.status = StatusInactive
	}
	w.operations = nil
	w.ignore = make(map[operation.Operation]struct{})
	w.startTime = time.Time{}
}

func (w *worker) activeTime(now time.Time) time.Duration {
	if w.startTime.IsZero() {
		return 0
	}
	return now.Sub(w.startTime)
}

// setActive records the batch and the start of the clock. Caller must have
// verified the worker is inactive.
func (w *worker) setActive(ops []operation.Scheduled, now time.Time) {
	w.status = StatusActive
	w.operations = ops
	w.startTime = now
}

// release partitions the running operations into results to consider and
// results to ignore, and resets the worker.
//
// If the worker is not active anymore (it was already released after a
// timeout, or it was disabled) every result is ignored: a worker we gave up
// on must never land rows in the database.
func (w *worker) release() (toConsider, toIgnore []operation.Scheduled) {
	if w.status != StatusActive {
		toIgnore = w.operations
	} else {
		for _, sched := range w.operations {
			if _, ok := w.ignore[sched.Op]; ok {
				toIgnore = append(toIgnore, sched)
			} else {
				toConsider = append(toConsider, sched)
			}
		}
	}
	w.reset()
	return toConsider, toIgnore
}

// disable takes the worker out of rotation. If it was active, its operations
// are released first so the caller can requeue the non-ignored ones.
func (w *worker) disable() (toConsider, toIgnore []operation.Scheduled) {
	if w.status == StatusActive {
		toConsider, toIgnore = w.release()
	}
	w.status = StatusDisabled
	return toConsider, toIgnore
}

// enable puts a disabled worker back into rotation.
func (w *worker) enable() {
	w.status = StatusInactive
}

func (w *worker) ignoreOp(op operation.Operation) {
	w.ignore[op] = struct{}{}
}
