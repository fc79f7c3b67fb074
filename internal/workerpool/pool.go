package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arbiterhq/arbiter/internal/log"
	"github.com/arbiterhq/arbiter/internal/operation"
	"github.com/arbiterhq/arbiter/internal/syncx"
)

// WorkerTimeout is how long a worker may hold a batch before it is declared
// stale, quit and disabled.
const WorkerTimeout = 600 * time.Second

var (
	// ErrDuplicateWorker is returned when a shard is added twice.
	ErrDuplicateWorker = errors.New("workerpool: worker already in pool")
	// ErrUnknownWorker is returned for a shard the pool does not know.
	ErrUnknownWorker = errors.New("workerpool: unknown worker")
	// ErrOperationNotFound is returned when an operation is not currently
	// assigned to any worker.
	ErrOperationNotFound = errors.New("workerpool: operation not assigned")
	// ErrBadTransition is returned for disable/enable in the wrong state.
	ErrBadTransition = errors.New("workerpool: invalid state transition")
)

// FinishedHandler receives the outcome of one batch. group is the worker's
// response (nil on transport error); toConsider are the operations whose
// results should be used and toIgnore the ones to discard.
type FinishedHandler func(group *operation.JobGroup, shard int,
	toConsider, toIgnore []operation.Scheduled, err error)

// WorkerStatus is the introspection record for one worker.
type WorkerStatus struct {
	Connected  bool             `json:"connected"`
	Status     Status           `json:"status"`
	StartTime  *float64         `json:"start_time"`
	Operations []map[string]any `json:"operations"`
}

// Pool keeps the state of the attached workers and hands free ones to the
// executor. A single mutex guards the workers, the reverse index and the
// free list; the freeEvent only promises that a free worker *might* exist.
type Pool struct {
	mu      sync.Mutex
	workers map[int]*worker
	// reverse maps every assigned operation to the worker running it.
	// It is the structure that makes Contains and IgnoreOperation O(1).
	reverse   map[operation.Operation]int
	free      []int // FIFO of possibly-acquirable shards
	freeEvent *syncx.Event

	onFinished FinishedHandler
	contestID  int64
	now        func() time.Time
}

// New creates an empty pool. contestID, when non-zero, is used to precache
// contest files on worker connect.
func New(contestID int64) *Pool {
	return &Pool{
		workers:   make(map[int]*worker),
		reverse:   make(map[operation.Operation]int),
		freeEvent: syncx.NewEvent(),
		contestID: contestID,
		now:       time.Now,
	}
}

// SetFinishedHandler installs the batch-completion callback. Must be called
// before the first Acquire.
func (p *Pool) SetFinishedHandler(h FinishedHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFinished = h
}

// setClock overrides the time source in tests.
func (p *Pool) setClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// Len returns the number of workers in the pool, disabled ones included.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Contains reports whether the operation is currently assigned to a worker.
func (p *Pool) Contains(op operation.Operation) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.reverse[op]
	return ok
}

// AddWorker registers a new worker and announces it as possibly free.
func (p *Pool) AddWorker(shard int, client Client) error {
	p.mu.Lock()
	if _, ok := p.workers[shard]; ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: shard %d", ErrDuplicateWorker, shard)
	}
	p.workers[shard] = newWorker(shard, client)
	p.mu.Unlock()

	log.Debug(log.CatPool, "worker added", "shard", shard)
	if client.Connected() {
		p.precache(shard, client)
	}
	p.markFree(shard)
	return nil
}

// WorkerConnected is called by the transport when a worker comes back
// online. The worker is told to warm its file cache and announced free.
func (p *Pool) WorkerConnected(shard int) {
	p.mu.Lock()
	w, ok := p.workers[shard]
	p.mu.Unlock()
	if !ok {
		return
	}
	log.Info(log.CatPool, "worker online again", "shard", shard)
	p.precache(shard, w.client)
	p.markFree(shard)
}

func (p *Pool) precache(shard int, client Client) {
	if p.contestID == 0 {
		return
	}
	if err := client.PrecacheFiles(p.contestID); err != nil {
		// A hint, not a correctness requirement.
		log.Warn(log.CatPool, "precache request failed",
			"shard", shard, "error", err)
	}
}

// markFree announces the shard as possibly free. Safe to call for a worker
// that is not actually free; Acquire re-checks.
func (p *Pool) markFree(shard int) {
	p.mu.Lock()
	p.free = append(p.free, shard)
	p.mu.Unlock()
	p.freeEvent.Set()
}

// WaitForWorkers blocks until a worker might be available. The caller must
// still handle an Acquire miss: the signal is speculative.
func (p *Pool) WaitForWorkers(ctx context.Context) error {
	return p.freeEvent.Wait(ctx)
}

// Acquire tries to assign the batch to a free worker. It returns the chosen
// shard, or false when no worker could be acquired; the free list may hold
// stale entries, so a false return only means "retry after the next signal".
func (p *Pool) Acquire(ops []operation.Scheduled) (int, bool) {
	p.mu.Lock()
	if len(p.free) == 0 {
		p.freeEvent.Clear()
		p.mu.Unlock()
		return 0, false
	}
	shard := p.free[0]
	p.free = p.free[1:]

	w := p.workers[shard]
	// The worker may have been disabled or dropped while queued as free;
	// the Inactive+Connected check is the authoritative gate.
	if w == nil || w.status != StatusInactive || !w.client.Connected() {
		p.mu.Unlock()
		return 0, false
	}

	w.setActive(ops, p.now())
	for _, sched := range ops {
		p.reverse[sched.Op] = shard
	}
	handler := p.onFinished
	p.mu.Unlock()

	log.Debug(log.CatPool, "worker acquired", "shard", shard, "batch", len(ops))

	group := buildJobGroup(ops)
	go p.run(w, group, handler)
	return shard, true
}

func buildJobGroup(ops []operation.Scheduled) *operation.JobGroup {
	jobs := make([]*operation.Job, 0, len(ops))
	for _, sched := range ops {
		job := sched.Job
		if job == nil {
			// Enqueued without a payload; ship the bare operation and
			// let the worker report the failure.
			log.Warn(log.CatPool, "operation has no job payload",
				"operation", sched.Op)
			job = &operation.Job{Op: sched.Op}
		}
		jobs = append(jobs, job)
	}
	return operation.NewJobGroup(jobs)
}

// run executes the batch on the worker and routes the outcome through the
// release path.
func (p *Pool) run(w *worker, group *operation.JobGroup, handler FinishedHandler) {
	result, err := w.client.ExecuteJobGroup(group)
	p.actionFinished(w.shard, result, handler, err)
}

// actionFinished releases the worker, purges the reverse index and invokes
// the completion handler.
func (p *Pool) actionFinished(shard int, group *operation.JobGroup, handler FinishedHandler, err error) {
	p.mu.Lock()
	w, ok := p.workers[shard]
	if !ok {
		p.mu.Unlock()
		return
	}
	toConsider, toIgnore := w.release()
	p.purgeReverse(toConsider)
	p.purgeReverse(toIgnore)
	inactive := w.status == StatusInactive
	if inactive {
		p.free = append(p.free, shard)
	}
	p.mu.Unlock()
	if inactive {
		p.freeEvent.Set()
	}

	if handler != nil {
		handler(group, shard, toConsider, toIgnore, err)
	}
}

// purgeReverse must be called with the pool mutex held.
func (p *Pool) purgeReverse(ops []operation.Scheduled) {
	for _, sched := range ops {
		delete(p.reverse, sched.Op)
	}
}

// Assigned returns the operations currently running on any worker.
func (p *Pool) Assigned() []operation.Operation {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]operation.Operation, 0, len(p.reverse))
	for op := range p.reverse {
		out = append(out, op)
	}
	return out
}

// IgnoreOperation marks an in-flight operation's future result as garbage.
// The worker keeps running; the result is discarded on arrival.
func (p *Pool) IgnoreOperation(op operation.Operation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	shard, ok := p.reverse[op]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOperationNotFound, op)
	}
	p.workers[shard].ignoreOp(op)
	return nil
}

// DisableWorker takes a worker out of rotation and returns the non-ignored
// operations it was running so the caller can requeue them.
func (p *Pool) DisableWorker(shard int) ([]operation.Scheduled, error) {
	p.mu.Lock()
	w, ok := p.workers[shard]
	if !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: shard %d", ErrUnknownWorker, shard)
	}
	if w.status == StatusDisabled {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: shard %d already disabled", ErrBadTransition, shard)
	}
	lost, ignored := w.disable()
	p.purgeReverse(lost)
	p.purgeReverse(ignored)
	p.mu.Unlock()

	log.Info(log.CatPool, "worker disabled", "shard", shard, "lost", len(lost))
	return lost, nil
}

// EnableWorker puts a disabled worker back into rotation.
func (p *Pool) EnableWorker(shard int) error {
	p.mu.Lock()
	w, ok := p.workers[shard]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: shard %d", ErrUnknownWorker, shard)
	}
	if w.status != StatusDisabled {
		p.mu.Unlock()
		return fmt.Errorf("%w: shard %d not disabled", ErrBadTransition, shard)
	}
	w.enable()
	p.mu.Unlock()

	log.Info(log.CatPool, "worker enabled", "shard", shard)
	p.markFree(shard)
	return nil
}

// CheckTimeouts quits and disables every worker that has held its batch for
// longer than WorkerTimeout, returning the operations to requeue.
func (p *Pool) CheckTimeouts() []operation.Scheduled {
	type stale struct {
		shard  int
		client Client
	}
	var lost []operation.Scheduled
	var quits []stale

	p.mu.Lock()
	now := p.now()
	for shard, w := range p.workers {
		if w.status != StatusActive {
			continue
		}
		if w.activeTime(now) <= WorkerTimeout {
			continue
		}
		log.Error(log.CatPool, "worker unresponsive, disabling",
			"shard", shard, "active_for", w.activeTime(now))
		l, ignored := w.disable()
		p.purgeReverse(l)
		p.purgeReverse(ignored)
		lost = append(lost, l...)
		quits = append(quits, stale{shard: shard, client: w.client})
	}
	p.mu.Unlock()

	for _, q := range quits {
		if err := q.client.Quit("No response for a long time."); err != nil {
			log.Warn(log.CatPool, "quit request failed",
				"shard", q.shard, "error", err)
		}
	}
	return lost
}

// CheckConnections releases every worker that is active but no longer
// connected, returning the operations to requeue.
func (p *Pool) CheckConnections() []operation.Scheduled {
	var lost []operation.Scheduled

	p.mu.Lock()
	for shard, w := range p.workers {
		if w.status != StatusActive || w.client.Connected() {
			continue
		}
		log.Warn(log.CatPool, "active worker disconnected", "shard", shard)
		l, ignored := w.release()
		p.purgeReverse(l)
		p.purgeReverse(ignored)
		lost = append(lost, l...)
	}
	p.mu.Unlock()

	return lost
}

// Status returns the introspection map keyed by shard.
func (p *Pool) Status() map[string]WorkerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]WorkerStatus, len(p.workers))
	for shard, w := range p.workers {
		st := WorkerStatus{
			Connected: w.client.Connected(),
			Status:    w.status,
		}
		if !w.startTime.IsZero() {
			ts := operation.EpochSeconds(w.startTime)
			st.StartTime = &ts
		}
		for _, sched := range w.operations {
			st.Operations = append(st.Operations, sched.Op.ToMap())
		}
		out[fmt.Sprintf("%d", shard)] = st
	}
	return out
}
