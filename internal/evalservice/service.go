// Package evalservice is the persistence and policy side of grading: it
// turns submissions and user tests into operation sets with worker-ready
// jobs, commits worker results, applies the retry policy and derives
// follow-up work.
package evalservice

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/arbiterhq/arbiter/internal/cachemanager"
	"github.com/arbiterhq/arbiter/internal/log"
	"github.com/arbiterhq/arbiter/internal/operation"
	"github.com/arbiterhq/arbiter/internal/rpc"
	"github.com/arbiterhq/arbiter/internal/store"
)

// Retry caps. A failure that is our fault (worker ran, no user-facing
// outcome) is retried up to this many times, then surfaces as a persistent
// error in the result row.
const (
	MaxCompilationTries = 3
	MaxEvaluationTries  = 3

	MaxUserTestCompilationTries = 3
	MaxUserTestEvaluationTries  = 3
)

// Service is the evaluation service. A single mutex serializes result
// writes and derivations, mirroring the queue service's locking discipline.
type Service struct {
	mu      sync.Mutex
	st      store.Store
	queue   rpc.QueueClient
	scoring rpc.ScoringClient

	// datasets caches dataset rows with their testcases; both are
	// immutable for the lifetime of a judging round.
	datasets *cachemanager.InMemoryCacheManager[string, *datasetBundle]
}

type datasetBundle struct {
	dataset   *store.Dataset
	testcases []*store.Testcase
}

// Config carries the dependencies of an evaluation service.
type Config struct {
	Store   store.Store
	Queue   rpc.QueueClient
	Scoring rpc.ScoringClient
}

// New assembles an evaluation service.
func New(cfg Config) *Service {
	return &Service{
		st:      cfg.Store,
		queue:   cfg.Queue,
		scoring: cfg.Scoring,
		datasets: cachemanager.NewInMemoryCacheManager[string, *datasetBundle](
			"datasets", cachemanager.DefaultExpiration, cachemanager.DefaultCleanupInterval),
	}
}

// loadDataset fetches a dataset with its testcases, through the cache.
func (s *Service) loadDataset(ctx context.Context, id int64) (*datasetBundle, error) {
	key := fmt.Sprintf("dataset:%d", id)
	if b, ok := s.datasets.Get(ctx, key); ok {
		return b, nil
	}
	d, err := s.st.Dataset(ctx, id)
	if err != nil {
		return nil, err
	}
	tcs, err := s.st.Testcases(ctx, id)
	if err != nil {
		return nil, err
	}
	b := &datasetBundle{dataset: d, testcases: tcs}
	s.datasets.Set(ctx, key, b, cachemanager.DefaultExpiration)
	return b, nil
}

// NewSubmission derives and enqueues the missing operations for one
// submission. datasetID zero covers every dataset to judge; forcePriority
// zero keeps the per-operation default band.
func (s *Service) NewSubmission(ctx context.Context, submissionID, datasetID int64,
	forcePriority operation.Priority) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, err := s.st.Submission(ctx, submissionID)
	if errors.Is(err, store.ErrNotFound) {
		log.Error(log.CatEval, "new submission for unknown id", "submission", submissionID)
		return err
	}
	if err != nil {
		return err
	}

	ops, err := s.submissionOperations(ctx, sub, datasetID, forcePriority)
	if err != nil {
		return err
	}
	return s.enqueueAll(ctx, ops)
}

// NewSubmissions is the bulk re-derivation entry point used by the
// invalidation fan-out. Individual failures are logged, not fatal: the
// sweeper picks up what this pass misses.
func (s *Service) NewSubmissions(ctx context.Context, submissionIDs []int64) error {
	for _, id := range submissionIDs {
		if err := s.NewSubmission(ctx, id, 0, operation.PriorityInvalidated); err != nil {
			log.ErrorErr(log.CatEval, "re-derivation failed", err, "submission", id)
		}
	}
	return nil
}

// NewUserTest derives and enqueues the missing operations for one user test.
func (s *Service) NewUserTest(ctx context.Context, userTestID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ut, err := s.st.UserTest(ctx, userTestID)
	if errors.Is(err, store.ErrNotFound) {
		log.Error(log.CatEval, "new user test for unknown id", "user_test", userTestID)
		return err
	}
	if err != nil {
		return err
	}

	ops, err := s.userTestOperations(ctx, ut)
	if err != nil {
		return err
	}
	return s.enqueueAll(ctx, ops)
}

// enqueueAll forwards the derived operations to the queue service. A false
// return from Enqueue means the operation is already in flight; that is the
// normal outcome when derivations overlap.
func (s *Service) enqueueAll(ctx context.Context, ops []operation.Scheduled) error {
	for _, sched := range ops {
		inserted, err := s.queue.Enqueue(ctx, sched)
		if err != nil {
			return fmt.Errorf("evalservice: enqueue %s: %w", sched.Op, err)
		}
		if !inserted {
			log.Debug(log.CatEval, "operation already in flight", "operation", sched.Op)
		}
	}
	return nil
}

// notifyScoring tells the scoring service a result row changed. Best
// effort: scoring re-reads the row, so a lost notification is repaired by
// its own sweep.
func (s *Service) notifyScoring(ctx context.Context, submissionID, datasetID int64) {
	if s.scoring == nil {
		return
	}
	if err := s.scoring.NewEvaluation(ctx, submissionID, datasetID); err != nil {
		log.ErrorErr(log.CatEval, "scoring notification failed", err,
			"submission", submissionID, "dataset", datasetID)
	}
}
