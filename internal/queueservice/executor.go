package queueservice

import (
	"context"
	"sync"

	"github.com/arbiterhq/arbiter/internal/log"
	"github.com/arbiterhq/arbiter/internal/operation"
	"github.com/arbiterhq/arbiter/internal/syncx"
	"github.com/arbiterhq/arbiter/internal/workerpool"
)

// maxBatchSize caps how many operations one worker receives per trip.
const maxBatchSize = 25

// Executor pulls operations off the priority queue in batches and assigns
// them to free workers. Operations popped but not yet accepted by a worker
// sit in currentlyExecuting and still count as in flight.
type Executor struct {
	queue *PriorityQueue
	pool  *workerpool.Pool

	// queueEvent is set whenever the queue may be non-empty.
	queueEvent *syncx.Event

	mu        sync.Mutex
	executing []operation.Scheduled
}

// NewExecutor creates an executor over the given queue and pool.
func NewExecutor(pool *workerpool.Pool) *Executor {
	return &Executor{
		queue:      NewPriorityQueue(),
		pool:       pool,
		queueEvent: syncx.NewEvent(),
	}
}

// Enqueue inserts the operation into the priority queue. Returns false when
// it is already queued.
func (e *Executor) Enqueue(sched operation.Scheduled) bool {
	if !e.queue.Push(sched) {
		return false
	}
	e.queueEvent.Set()
	return true
}

// Contains reports whether the operation is in the queue or was popped and
// is awaiting a worker. Callers must not double-enqueue either kind.
func (e *Executor) Contains(op operation.Operation) bool {
	if e.queue.Contains(op) {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, sched := range e.executing {
		if sched.Op == op {
			return true
		}
	}
	return false
}

// Dequeue removes the operation from the queue or from the popped batch.
// Returns false if it is in neither.
func (e *Executor) Dequeue(op operation.Operation) bool {
	if _, ok := e.queue.Remove(op); ok {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, sched := range e.executing {
		if sched.Op == op {
			e.executing = append(e.executing[:i], e.executing[i+1:]...)
			return true
		}
	}
	return false
}

// QueueLen returns the number of operations waiting in the queue.
func (e *Executor) QueueLen() int {
	return e.queue.Len()
}

// Entries snapshots the queued operations for introspection.
func (e *Executor) Entries() []operation.Scheduled {
	return e.queue.Entries()
}

// Executing snapshots the popped batch awaiting a worker.
func (e *Executor) Executing() []operation.Scheduled {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]operation.Scheduled, len(e.executing))
	copy(out, e.executing)
	return out
}

// batchSize spreads the queue across workers: small queues yield singleton
// batches so urgent work is not stuck behind a large batch on one worker.
// With no workers the formula degenerates to the whole queue (capped); the
// batch then waits in the executing slot for the first worker to arrive.
func (e *Executor) batchSize() int {
	workers := e.pool.Len()
	if workers == 0 {
		workers = 1
	}
	n := e.queue.Len()/workers + 1
	if n < 1 {
		n = 1
	}
	if n > maxBatchSize {
		n = maxBatchSize
	}
	return n
}

// Run dispatches batches until the context is cancelled.
func (e *Executor) Run(ctx context.Context) {
	for {
		if err := e.queueEvent.Wait(ctx); err != nil {
			return
		}
		if err := e.pool.WaitForWorkers(ctx); err != nil {
			return
		}

		e.fillBatch()
		if e.dispatchBatch(ctx) {
			continue
		}
		return
	}
}

// fillBatch pops up to batchSize operations into the executing slot.
func (e *Executor) fillBatch() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.executing) > 0 {
		return
	}
	n := e.batchSize()
	for len(e.executing) < n {
		sched, ok := e.queue.Pop()
		if !ok {
			e.queueEvent.Clear()
			break
		}
		e.executing = append(e.executing, sched)
	}
}

// dispatchBatch hands the popped batch to a worker, retrying through
// speculative free signals. The lock is held across the handoff: a
// concurrent Dequeue either shrinks the batch before the worker sees it or
// waits until the worker owns it, never in between. Returns false only on
// context cancellation.
func (e *Executor) dispatchBatch(ctx context.Context) bool {
	for {
		e.mu.Lock()
		if len(e.executing) == 0 {
			e.mu.Unlock()
			return true
		}
		shard, ok := e.pool.Acquire(e.executing)
		if ok {
			n := len(e.executing)
			e.executing = nil
			e.mu.Unlock()
			log.Debug(log.CatQueue, "batch dispatched",
				"shard", shard, "operations", n)
			return true
		}
		e.mu.Unlock()

		// Free signal was stale; wait for the next one.
		if err := e.pool.WaitForWorkers(ctx); err != nil {
			return false
		}
	}
}
