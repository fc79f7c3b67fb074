package queueservice

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/arbiterhq/arbiter/internal/log"
	"github.com/arbiterhq/arbiter/internal/metrics"
	"github.com/arbiterhq/arbiter/internal/operation"
	"github.com/arbiterhq/arbiter/internal/pending"
	"github.com/arbiterhq/arbiter/internal/rpc"
	"github.com/arbiterhq/arbiter/internal/store"
	"github.com/arbiterhq/arbiter/internal/syncx"
	"github.com/arbiterhq/arbiter/internal/workerpool"
)

const (
	// SweeperInterval is how often the reconciliation sweep looks for
	// work the queue has lost track of.
	SweeperInterval = 117 * time.Second
	// TimeoutCheckInterval is how often stale workers are reclaimed.
	TimeoutCheckInterval = 300 * time.Second
	// ConnectionCheckInterval is how often disconnected active workers
	// are released.
	ConnectionCheckInterval = 10 * time.Second
	// fanoutSingleBatchMax is the largest invalidation fan-out sent to a
	// single evaluation service instead of being split across all.
	fanoutSingleBatchMax = 20
)

// ErrNoEvaluators is returned when an operation requires an evaluation
// service and none is connected.
var ErrNoEvaluators = errors.New("queueservice: no evaluation service connected")

// Service is the scheduling front of the grading pipeline. It accepts
// operations, assigns them to workers through the executor, stages finished
// results and dispatches them to evaluation services for persistence.
//
// A single mutex serializes every mutation of the queue, the pool
// assignment bookkeeping, the staging area transitions and the fan-out
// bookkeeping. That lock is the correctness backbone: while it is held, the
// union of {queued, executing, assigned, staged, being-written, persisted}
// is stable, so the sweeper can never observe a result "nowhere" and enqueue
// a duplicate.
type Service struct {
	mu sync.Mutex

	contestID int64
	st        store.Store
	executor  *Executor
	pool      *workerpool.Pool
	pending   *pending.Results

	evaluators []rpc.EvaluationClient

	// sweeperBlockers counts in-flight invalidation fan-outs. The sweeper
	// skips while it is non-zero: the evaluation services are still
	// re-deriving, and sweeping now would double-enqueue.
	sweeperBlockers syncx.Counter

	collector *metrics.Collector
}

// Config carries the dependencies of a queue service.
type Config struct {
	// ContestID restricts the sweeper to one contest; zero sweeps all.
	ContestID  int64
	Store      store.Store
	Pool       *workerpool.Pool
	Evaluators []rpc.EvaluationClient
	Collector  *metrics.Collector
}

// New assembles a queue service and wires itself as the pool's completion
// handler.
func New(cfg Config) *Service {
	s := &Service{
		contestID:  cfg.ContestID,
		st:         cfg.Store,
		pool:       cfg.Pool,
		executor:   NewExecutor(cfg.Pool),
		pending:    pending.NewResults(),
		evaluators: cfg.Evaluators,
		collector:  cfg.Collector,
	}
	cfg.Pool.SetFinishedHandler(s.actionFinished)
	return s
}

// AddEvaluator registers an evaluation service after construction. Used by
// single-process deployments where the evaluation service needs the queue
// first.
func (s *Service) AddEvaluator(es rpc.EvaluationClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evaluators = append(s.evaluators, es)
}

// Executor exposes the executor for introspection and tests.
func (s *Service) Executor() *Executor {
	return s.executor
}

// Pending exposes the staging area for introspection and tests.
func (s *Service) Pending() *pending.Results {
	return s.pending
}

// Start launches the dispatch, persistence and self-healing loops. They run
// until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	go s.executor.Run(ctx)
	go s.dispatcherLoop(ctx)
	go s.tick(ctx, SweeperInterval, func() { s.Sweep(ctx) })
	go s.tick(ctx, TimeoutCheckInterval, s.reclaimTimedOut)
	go s.tick(ctx, ConnectionCheckInterval, s.reclaimDisconnected)
}

func (s *Service) tick(ctx context.Context, every time.Duration, f func()) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			f()
		}
	}
}

// Enqueue inserts one operation with its urgency and job payload. Returns
// false when the operation is already anywhere in flight: queued, popped,
// running on a worker, or staged awaiting persistence.
func (s *Service) Enqueue(sched operation.Scheduled) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(sched)
}

func (s *Service) enqueueLocked(sched operation.Scheduled) bool {
	op := sched.Op
	if s.executor.Contains(op) || s.pool.Contains(op) || s.pending.Contains(op) {
		return false
	}
	if sched.Job == nil {
		// The pool cannot run a bare operation; this enqueue is a
		// placeholder until re-derivation attaches a payload.
		log.Warn(log.CatQueue, "enqueue without job payload", "operation", op)
	}
	if !s.executor.Enqueue(sched) {
		return false
	}
	if s.collector != nil {
		s.collector.RecordEnqueue()
	}
	log.Debug(log.CatQueue, "operation enqueued",
		"operation", op, "priority", int(sched.Priority))
	return true
}

// actionFinished is the pool's completion handler. Results to ignore are
// dropped; the rest are staged for the persistence dispatcher.
func (s *Service) actionFinished(group *operation.JobGroup, shard int,
	toConsider, toIgnore []operation.Scheduled, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		log.ErrorErr(log.CatQueue, "worker batch failed", err, "shard", shard)
		// Transport-level failure: nothing to stage. The lost
		// operations come back through the connection sweep.
		return
	}
	if group == nil {
		log.Error(log.CatQueue, "worker returned no job group", "shard", shard)
		return
	}

	ignored := make(map[operation.Operation]struct{}, len(toIgnore))
	for _, sched := range toIgnore {
		ignored[sched.Op] = struct{}{}
	}
	consider := make(map[operation.Operation]operation.Scheduled, len(toConsider))
	for _, sched := range toConsider {
		consider[sched.Op] = sched
	}

	for _, job := range group.Jobs {
		op := job.Op
		if _, skip := ignored[op]; skip {
			log.Debug(log.CatQueue, "result ignored", "operation", op, "shard", shard)
			if s.collector != nil {
				s.collector.RecordResultIgnored()
			}
			continue
		}
		sched, ok := consider[op]
		if !ok {
			// The worker answered for an operation we never assigned
			// to it; do not let it reach the database.
			log.Error(log.CatQueue, "unexpected result from worker",
				"operation", op, "shard", shard)
			continue
		}
		sched.Job = job
		s.pending.Add(op, sched)
	}
}

// dispatcherLoop drains the staging area: each staged result is sent to a
// random connected evaluation service for persistence.
func (s *Service) dispatcherLoop(ctx context.Context) {
	for {
		if err := s.pending.Wait(ctx); err != nil {
			return
		}
		op, sched, err := s.pending.Pop()
		if errors.Is(err, pending.ErrNoResults) {
			continue
		}

		es, ok := s.pickEvaluator()
		if !ok {
			// Nowhere to write: drop the result. The sweeper will
			// rediscover the work later.
			log.Error(log.CatQueue, "no evaluation service for result",
				"operation", op)
			_ = s.pending.Finalize(op)
			continue
		}

		go s.writeResult(ctx, es, op, sched)
	}
}

func (s *Service) writeResult(ctx context.Context, es rpc.EvaluationClient,
	op operation.Operation, sched operation.Scheduled) {
	ok, newOps, err := es.WriteResult(ctx, op, sched.Job)
	s.resultWritten(op, sched, ok, newOps, err)
}

// resultWritten finalizes the staged entry and either re-enqueues the
// operation (write failed) or enqueues the follow-up operations the
// evaluation service derived.
func (s *Service) resultWritten(op operation.Operation, sched operation.Scheduled,
	ok bool, newOps []operation.Scheduled, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.pending.Finalize(op)

	if err != nil {
		log.ErrorErr(log.CatQueue, "result write failed", err, "operation", op)
		if s.collector != nil {
			s.collector.RecordWriteFailure()
		}
		s.enqueueLocked(sched)
		return
	}
	if !ok {
		// The evaluation service refused the write (entity vanished).
		// Nothing to retry; the sweeper decides whether it matters.
		log.Warn(log.CatQueue, "result write rejected", "operation", op)
		return
	}
	if s.collector != nil {
		s.collector.RecordResultWritten(time.Since(sched.Timestamp).Seconds())
	}
	for _, next := range newOps {
		s.enqueueLocked(next)
	}
}

func (s *Service) pickEvaluator() (rpc.EvaluationClient, bool) {
	connected := s.connectedEvaluators()
	if len(connected) == 0 {
		return nil, false
	}
	return connected[rand.IntN(len(connected))], true
}

func (s *Service) connectedEvaluators() []rpc.EvaluationClient {
	var out []rpc.EvaluationClient
	for _, es := range s.evaluators {
		if es.Connected() {
			out = append(out, es)
		}
	}
	return out
}

// reclaimTimedOut re-enqueues work held by workers that went silent.
func (s *Service) reclaimTimedOut() {
	lost := s.pool.CheckTimeouts()
	s.requeue(lost)
}

// reclaimDisconnected re-enqueues work held by workers that dropped their
// connection.
func (s *Service) reclaimDisconnected() {
	lost := s.pool.CheckConnections()
	s.requeue(lost)
}

func (s *Service) requeue(lost []operation.Scheduled) {
	if len(lost) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sched := range lost {
		s.enqueueLocked(sched)
	}
	if s.collector != nil {
		s.collector.RecordRequeue(len(lost))
	}
}

// Sweep looks for submissions and user tests whose grading stalled (service
// restart, lost enqueue) and asks an evaluation service to re-derive their
// missing operations. Returns how many objects were flagged. While an
// invalidation fan-out is in flight the sweep is skipped entirely.
func (s *Service) Sweep(ctx context.Context) int {
	if s.sweeperBlockers.Value() > 0 {
		log.Debug(log.CatSweep, "sweep skipped, fan-out in flight")
		if s.collector != nil {
			s.collector.RecordSweep(true)
		}
		return 0
	}
	if s.collector != nil {
		s.collector.RecordSweep(false)
	}

	s.mu.Lock()
	subIDs, err := s.staleSubmissions(ctx)
	if err != nil {
		s.mu.Unlock()
		log.ErrorErr(log.CatSweep, "sweep failed listing submissions", err)
		return 0
	}
	testIDs, err := s.staleUserTests(ctx)
	if err != nil {
		s.mu.Unlock()
		log.ErrorErr(log.CatSweep, "sweep failed listing user tests", err)
		return 0
	}
	es, ok := s.pickEvaluator()
	s.mu.Unlock()

	if len(subIDs) == 0 && len(testIDs) == 0 {
		return 0
	}
	if !ok {
		log.Error(log.CatSweep, "no evaluation service for sweep")
		return 0
	}

	// Re-derivation enqueues back into this service, so the lock must not
	// span these calls. Enqueue's dedupe absorbs any overlap with work that
	// arrived in the window.
	for _, id := range subIDs {
		if err := es.NewSubmission(ctx, id, 0, operation.PrioritySweep); err != nil {
			log.ErrorErr(log.CatSweep, "sweep re-derivation failed", err, "submission", id)
		}
	}
	for _, id := range testIDs {
		if err := es.NewUserTest(ctx, id); err != nil {
			log.ErrorErr(log.CatSweep, "sweep user test re-derivation failed",
				err, "user_test", id)
		}
	}
	log.Info(log.CatSweep, "sweep re-derived stale objects",
		"submissions", len(subIDs), "user_tests", len(testIDs))
	return len(subIDs) + len(testIDs)
}

// staleSubmissions returns ids of submissions with judging still owed on
// some dataset and no corresponding work anywhere in flight.
func (s *Service) staleSubmissions(ctx context.Context) ([]int64, error) {
	subs, err := s.st.Submissions(ctx, s.contestID)
	if err != nil {
		return nil, err
	}
	var out []int64
	for _, sub := range subs {
		incomplete, err := s.submissionIncomplete(ctx, sub)
		if err != nil {
			return nil, err
		}
		if incomplete && !s.objectInFlight(sub.ID, true) {
			out = append(out, sub.ID)
		}
	}
	return out, nil
}

func (s *Service) submissionIncomplete(ctx context.Context, sub *store.Submission) (bool, error) {
	datasets, err := s.st.DatasetsToJudge(ctx, sub.TaskID)
	if err != nil {
		return false, err
	}
	for _, d := range datasets {
		r, err := s.st.SubmissionResult(ctx, sub.ID, d.ID)
		if errors.Is(err, store.ErrNotFound) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		if !r.Compiled() {
			return true, nil
		}
		if r.CompilationSucceeded() && !r.Evaluated() {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) staleUserTests(ctx context.Context) ([]int64, error) {
	tests, err := s.st.UserTests(ctx, s.contestID)
	if err != nil {
		return nil, err
	}
	var out []int64
	for _, ut := range tests {
		incomplete, err := s.userTestIncomplete(ctx, ut)
		if err != nil {
			return nil, err
		}
		if incomplete && !s.objectInFlight(ut.ID, false) {
			out = append(out, ut.ID)
		}
	}
	return out, nil
}

func (s *Service) userTestIncomplete(ctx context.Context, ut *store.UserTest) (bool, error) {
	datasets, err := s.st.DatasetsToJudge(ctx, ut.TaskID)
	if err != nil {
		return false, err
	}
	for _, d := range datasets {
		r, err := s.st.UserTestResult(ctx, ut.ID, d.ID)
		if errors.Is(err, store.ErrNotFound) {
			return true, nil
		}
		if err != nil {
			return false, err
		}
		if !r.Compiled() {
			return true, nil
		}
		if r.CompilationSucceeded() && !r.Evaluated() {
			return true, nil
		}
	}
	return false, nil
}

// objectInFlight reports whether any operation for the object is queued,
// assigned or staged. Must be called with the service lock held.
func (s *Service) objectInFlight(objectID int64, forSubmission bool) bool {
	match := func(op operation.Operation) bool {
		return op.ObjectID == objectID && op.ForSubmission() == forSubmission
	}
	for _, sched := range s.executor.Entries() {
		if match(sched.Op) {
			return true
		}
	}
	for _, op := range s.pool.Assigned() {
		if match(op) {
			return true
		}
	}
	for _, op := range s.pending.Operations() {
		if match(op) {
			return true
		}
	}
	return false
}

// InvalidateSubmission resets stored results in scope, discards any related
// in-flight work and fans the affected submission ids out to the evaluation
// services for re-derivation.
func (s *Service) InvalidateSubmission(ctx context.Context, scope store.InvalidationScope) error {
	if scope.Level != store.LevelCompilation && scope.Level != store.LevelEvaluation {
		return fmt.Errorf("queueservice: unknown invalidation level %q", scope.Level)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.collector != nil {
		s.collector.RecordInvalidation()
	}

	// A dataset-only scope implies its task.
	if scope.DatasetID != 0 && scope.SubmissionID == 0 && scope.TaskID == 0 &&
		scope.ParticipationID == 0 && scope.ContestID == 0 {
		d, err := s.st.Dataset(ctx, scope.DatasetID)
		if err != nil {
			return fmt.Errorf("queueservice: resolving dataset scope: %w", err)
		}
		scope.TaskID = d.TaskID
	}

	refs, err := s.st.InvalidateResults(ctx, scope)
	if err != nil {
		return fmt.Errorf("queueservice: invalidating results: %w", err)
	}

	// The affected set comes from the submission rows, not from the result
	// rows just reset: a submission whose grading never started has no
	// result row but can still have work in flight.
	ids, err := s.submissionsInScope(ctx, scope)
	if err != nil {
		return fmt.Errorf("queueservice: resolving submissions in scope: %w", err)
	}

	relevant := func(op operation.Operation) bool {
		if !op.ForSubmission() {
			return false
		}
		if _, ok := ids[op.ObjectID]; !ok {
			return false
		}
		if scope.DatasetID != 0 && op.DatasetID != scope.DatasetID {
			return false
		}
		// A compilation-level invalidation voids everything; an
		// evaluation-level one leaves compilations alone.
		if scope.Level == store.LevelEvaluation && !op.Kind.IsEvaluate() {
			return false
		}
		if scope.TestcaseCodename != "" && op.TestcaseCodename != scope.TestcaseCodename {
			return false
		}
		return true
	}
	// Discard in-flight work: queued and popped operations are dequeued,
	// running ones are marked so their results are ignored on arrival.
	for _, sched := range s.executor.Entries() {
		if relevant(sched.Op) {
			s.executor.Dequeue(sched.Op)
		}
	}
	for _, sched := range s.executor.Executing() {
		if relevant(sched.Op) {
			s.executor.Dequeue(sched.Op)
		}
	}
	for _, op := range s.pool.Assigned() {
		if relevant(op) {
			_ = s.pool.IgnoreOperation(op)
		}
	}

	subIDs := make([]int64, 0, len(ids))
	for id := range ids {
		subIDs = append(subIDs, id)
	}
	sort.Slice(subIDs, func(i, j int) bool { return subIDs[i] < subIDs[j] })

	log.Info(log.CatQueue, "invalidated submission results",
		"level", string(scope.Level), "rows", len(refs), "submissions", len(subIDs))

	if len(subIDs) == 0 {
		return nil
	}
	return s.fanOutNewSubmissions(ctx, subIDs)
}

// submissionsInScope resolves an invalidation scope to the ids of existing
// submissions it covers.
func (s *Service) submissionsInScope(ctx context.Context, scope store.InvalidationScope) (map[int64]struct{}, error) {
	ids := make(map[int64]struct{})
	if scope.SubmissionID != 0 {
		_, err := s.st.Submission(ctx, scope.SubmissionID)
		if errors.Is(err, store.ErrNotFound) {
			return ids, nil
		}
		if err != nil {
			return nil, err
		}
		ids[scope.SubmissionID] = struct{}{}
		return ids, nil
	}
	subs, err := s.st.Submissions(ctx, scope.ContestID)
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		if scope.TaskID != 0 && sub.TaskID != scope.TaskID {
			continue
		}
		if scope.ParticipationID != 0 && sub.ParticipationID != scope.ParticipationID {
			continue
		}
		ids[sub.ID] = struct{}{}
	}
	return ids, nil
}

// fanOutNewSubmissions sends the ids to the evaluation services for
// re-derivation. Small sets go to one random service; large ones are split
// equally across all connected services. Each in-flight batch blocks the
// sweeper until its callback fires; failed batches are retried by recursing
// on the unsent ids.
func (s *Service) fanOutNewSubmissions(ctx context.Context, ids []int64) error {
	connected := s.connectedEvaluators()
	if len(connected) == 0 {
		return ErrNoEvaluators
	}

	type batch struct {
		es  rpc.EvaluationClient
		ids []int64
	}
	var batches []batch
	if len(ids) <= fanoutSingleBatchMax {
		batches = append(batches, batch{
			es:  connected[rand.IntN(len(connected))],
			ids: ids,
		})
	} else {
		per := (len(ids) + len(connected) - 1) / len(connected)
		for i, es := range connected {
			lo := i * per
			if lo >= len(ids) {
				break
			}
			hi := lo + per
			if hi > len(ids) {
				hi = len(ids)
			}
			batches = append(batches, batch{es: es, ids: ids[lo:hi]})
		}
	}

	for _, b := range batches {
		s.sweeperBlockers.Inc()
		go func(b batch) {
			defer s.sweeperBlockers.Dec()
			if err := b.es.NewSubmissions(ctx, b.ids); err != nil {
				log.ErrorErr(log.CatQueue, "fan-out batch failed", err,
					"submissions", len(b.ids))
				s.mu.Lock()
				retryErr := s.fanOutNewSubmissions(ctx, b.ids)
				s.mu.Unlock()
				if retryErr != nil {
					log.ErrorErr(log.CatQueue, "fan-out retry failed",
						retryErr, "submissions", len(b.ids))
				}
			}
		}(b)
	}
	return nil
}

// SweeperBlockers exposes the fan-out counter for introspection and tests.
func (s *Service) SweeperBlockers() int64 {
	return s.sweeperBlockers.Value()
}

// DisableWorker takes a worker out of rotation and re-enqueues the work it
// held.
func (s *Service) DisableWorker(shard int) error {
	lost, err := s.pool.DisableWorker(shard)
	if err != nil {
		return err
	}
	s.requeue(lost)
	return nil
}

// EnableWorker puts a disabled worker back into rotation.
func (s *Service) EnableWorker(shard int) error {
	return s.pool.EnableWorker(shard)
}

// WorkersStatus returns the per-worker introspection map.
func (s *Service) WorkersStatus() map[string]workerpool.WorkerStatus {
	return s.pool.Status()
}

// QueueStatus lists the queued operations sorted by urgency. Per-testcase
// evaluate entries of the same object and dataset are collapsed into one
// entry with a multiplicity count.
func (s *Service) QueueStatus() []rpc.QueueEntry {
	type key struct {
		kind      operation.Kind
		objectID  int64
		datasetID int64
	}
	entries := s.executor.Entries()
	collapsed := make(map[key]*rpc.QueueEntry, len(entries))
	for _, sched := range entries {
		k := key{sched.Op.Kind, sched.Op.ObjectID, sched.Op.DatasetID}
		e, ok := collapsed[k]
		if !ok {
			item := sched.Op.ToMap()
			delete(item, "testcase_codename")
			collapsed[k] = &rpc.QueueEntry{
				Item:         item,
				Priority:     int(sched.Priority),
				Timestamp:    operation.EpochSeconds(sched.Timestamp),
				Multiplicity: 1,
			}
			continue
		}
		e.Multiplicity++
		// The collapsed entry shows the most urgent member.
		if operation.Before(sched.Priority, sched.Timestamp,
			operation.Priority(e.Priority), operation.FromEpochSeconds(e.Timestamp)) {
			e.Priority = int(sched.Priority)
			e.Timestamp = operation.EpochSeconds(sched.Timestamp)
		}
	}

	out := make([]rpc.QueueEntry, 0, len(collapsed))
	for _, e := range collapsed {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}

// UpdateGauges refreshes the instantaneous metrics. Called by the metrics
// scrape path.
func (s *Service) UpdateGauges() {
	if s.collector == nil {
		return
	}
	s.collector.UpdateQueueStats(s.executor.QueueLen(), s.pending.Len(), s.pool.Len())
}
