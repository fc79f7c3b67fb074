package workerpool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/internal/operation"
)

// stubClient is a controllable in-process Client. Execution blocks until
// release is closed, so tests can observe the active state.
type stubClient struct {
	mu        sync.Mutex
	offline   bool
	release   chan struct{}
	executed  []*operation.JobGroup
	precached []int64
	quits     []string
}

func newStubClient() *stubClient {
	return &stubClient{release: make(chan struct{})}
}

func (c *stubClient) ExecuteJobGroup(group *operation.JobGroup) (*operation.JobGroup, error) {
	c.mu.Lock()
	c.executed = append(c.executed, group)
	release := c.release
	c.mu.Unlock()

	<-release
	for _, job := range group.Jobs {
		job.Success = true
	}
	return group, nil
}

func (c *stubClient) PrecacheFiles(contestID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.precached = append(c.precached, contestID)
	return nil
}

func (c *stubClient) Quit(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quits = append(c.quits, reason)
	return nil
}

func (c *stubClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.offline
}

func (c *stubClient) setOffline(offline bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offline = offline
}

func (c *stubClient) finish() { close(c.release) }

func (c *stubClient) quitReasons() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.quits))
	copy(out, c.quits)
	return out
}

func schedFor(id int64, codename string) operation.Scheduled {
	op := operation.Operation{
		Kind:             operation.KindEvaluateSubmission,
		ObjectID:         id,
		DatasetID:        10,
		TestcaseCodename: codename,
	}
	return operation.Scheduled{
		Op:        op,
		Priority:  operation.PrioritySubmission,
		Timestamp: time.Now(),
		Job:       &operation.Job{Op: op},
	}
}

// finishedRecord captures one FinishedHandler invocation.
type finishedRecord struct {
	group      *operation.JobGroup
	shard      int
	toConsider []operation.Scheduled
	toIgnore   []operation.Scheduled
	err        error
}

func recordFinished(ch chan finishedRecord) FinishedHandler {
	return func(group *operation.JobGroup, shard int,
		toConsider, toIgnore []operation.Scheduled, err error) {
		ch <- finishedRecord{group, shard, toConsider, toIgnore, err}
	}
}

func TestPool_AddWorker(t *testing.T) {
	p := New(7)
	client := newStubClient()
	require.NoError(t, p.AddWorker(0, client))
	require.Equal(t, 1, p.Len())

	// Connected workers precache the contest on attach.
	require.Equal(t, []int64{7}, client.precached)

	require.ErrorIs(t, p.AddWorker(0, newStubClient()), ErrDuplicateWorker)
}

func TestPool_AddWorker_OfflineSkipsPrecache(t *testing.T) {
	p := New(7)
	client := newStubClient()
	client.setOffline(true)
	require.NoError(t, p.AddWorker(0, client))
	require.Empty(t, client.precached)
}

func TestPool_AcquireRunsBatchAndReleases(t *testing.T) {
	p := New(0)
	finished := make(chan finishedRecord, 1)
	p.SetFinishedHandler(recordFinished(finished))

	client := newStubClient()
	require.NoError(t, p.AddWorker(0, client))

	batch := []operation.Scheduled{schedFor(1, "001"), schedFor(1, "002")}
	shard, ok := p.Acquire(batch)
	require.True(t, ok)
	require.Equal(t, 0, shard)

	require.True(t, p.Contains(batch[0].Op))
	require.True(t, p.Contains(batch[1].Op))
	require.ElementsMatch(t, []operation.Operation{batch[0].Op, batch[1].Op}, p.Assigned())

	client.finish()
	rec := <-finished
	require.NoError(t, rec.err)
	require.Equal(t, 0, rec.shard)
	require.ElementsMatch(t, batch, rec.toConsider)
	require.Empty(t, rec.toIgnore)
	require.NotNil(t, rec.group)
	require.Len(t, rec.group.Jobs, 2)
	require.True(t, rec.group.Jobs[0].Success)

	// Reverse index purged on release.
	require.False(t, p.Contains(batch[0].Op))
	require.Empty(t, p.Assigned())
}

func TestPool_AcquireMissesAreSpeculative(t *testing.T) {
	p := New(0)
	p.SetFinishedHandler(func(*operation.JobGroup, int, []operation.Scheduled, []operation.Scheduled, error) {})

	// Empty free list.
	_, ok := p.Acquire([]operation.Scheduled{schedFor(1, "001")})
	require.False(t, ok)

	// Free entry pointing at a busy worker is stale.
	client := newStubClient()
	require.NoError(t, p.AddWorker(0, client))
	_, ok = p.Acquire([]operation.Scheduled{schedFor(1, "001")})
	require.True(t, ok)
	p.markFree(0)
	_, ok = p.Acquire([]operation.Scheduled{schedFor(2, "001")})
	require.False(t, ok)
	client.finish()
}

func TestPool_AcquireSkipsDisconnected(t *testing.T) {
	p := New(0)
	client := newStubClient()
	require.NoError(t, p.AddWorker(0, client))

	client.setOffline(true)
	_, ok := p.Acquire([]operation.Scheduled{schedFor(1, "001")})
	require.False(t, ok)
}

func TestPool_IgnoreOperation(t *testing.T) {
	p := New(0)
	finished := make(chan finishedRecord, 1)
	p.SetFinishedHandler(recordFinished(finished))

	client := newStubClient()
	require.NoError(t, p.AddWorker(0, client))

	batch := []operation.Scheduled{schedFor(1, "001"), schedFor(1, "002")}
	_, ok := p.Acquire(batch)
	require.True(t, ok)

	require.NoError(t, p.IgnoreOperation(batch[0].Op))
	require.ErrorIs(t, p.IgnoreOperation(schedFor(99, "001").Op), ErrOperationNotFound)

	client.finish()
	rec := <-finished
	require.Equal(t, []operation.Scheduled{batch[1]}, rec.toConsider)
	require.Equal(t, []operation.Scheduled{batch[0]}, rec.toIgnore)
}

func TestPool_DisableWorker_IdleAndUnknown(t *testing.T) {
	p := New(0)
	require.NoError(t, p.AddWorker(0, newStubClient()))

	lost, err := p.DisableWorker(0)
	require.NoError(t, err)
	require.Empty(t, lost)

	_, err = p.DisableWorker(0)
	require.ErrorIs(t, err, ErrBadTransition)

	_, err = p.DisableWorker(9)
	require.ErrorIs(t, err, ErrUnknownWorker)
}

func TestPool_DisableWorker_ActiveReturnsLost(t *testing.T) {
	p := New(0)
	finished := make(chan finishedRecord, 1)
	p.SetFinishedHandler(recordFinished(finished))

	client := newStubClient()
	require.NoError(t, p.AddWorker(0, client))

	batch := []operation.Scheduled{schedFor(1, "001"), schedFor(1, "002")}
	_, ok := p.Acquire(batch)
	require.True(t, ok)
	require.NoError(t, p.IgnoreOperation(batch[1].Op))

	lost, err := p.DisableWorker(0)
	require.NoError(t, err)
	// The ignored operation is dropped, not requeued.
	require.Equal(t, []operation.Scheduled{batch[0]}, lost)
	require.False(t, p.Contains(batch[0].Op))
	require.False(t, p.Contains(batch[1].Op))

	// When the in-flight batch eventually lands, everything is ignored: the
	// worker was given up on.
	client.finish()
	rec := <-finished
	require.Empty(t, rec.toConsider)

	// A disabled worker is never acquired.
	_, ok = p.Acquire([]operation.Scheduled{schedFor(3, "001")})
	require.False(t, ok)
}

func TestPool_EnableWorker(t *testing.T) {
	p := New(0)
	p.SetFinishedHandler(func(*operation.JobGroup, int, []operation.Scheduled, []operation.Scheduled, error) {})
	client := newStubClient()
	require.NoError(t, p.AddWorker(0, client))

	require.ErrorIs(t, p.EnableWorker(0), ErrBadTransition)
	require.ErrorIs(t, p.EnableWorker(9), ErrUnknownWorker)

	_, err := p.DisableWorker(0)
	require.NoError(t, err)
	require.NoError(t, p.EnableWorker(0))

	_, ok := p.Acquire([]operation.Scheduled{schedFor(1, "001")})
	require.True(t, ok)
	client.finish()
}

func TestPool_CheckTimeouts(t *testing.T) {
	p := New(0)
	finished := make(chan finishedRecord, 1)
	p.SetFinishedHandler(recordFinished(finished))

	now := time.Now()
	p.setClock(func() time.Time { return now })

	client := newStubClient()
	require.NoError(t, p.AddWorker(0, client))

	batch := []operation.Scheduled{schedFor(1, "001")}
	_, ok := p.Acquire(batch)
	require.True(t, ok)

	// Within the deadline nothing happens.
	require.Empty(t, p.CheckTimeouts())

	p.setClock(func() time.Time { return now.Add(WorkerTimeout + time.Second) })
	lost := p.CheckTimeouts()
	require.Equal(t, batch, lost)
	require.Equal(t, []string{"No response for a long time."}, client.quitReasons())

	// The worker is disabled; a second pass finds nothing.
	require.Empty(t, p.CheckTimeouts())
	_, err := p.DisableWorker(0)
	require.ErrorIs(t, err, ErrBadTransition)

	client.finish()
	rec := <-finished
	require.Empty(t, rec.toConsider)
}

func TestPool_CheckConnections(t *testing.T) {
	p := New(0)
	finished := make(chan finishedRecord, 1)
	p.SetFinishedHandler(recordFinished(finished))

	client := newStubClient()
	require.NoError(t, p.AddWorker(0, client))

	batch := []operation.Scheduled{schedFor(1, "001")}
	_, ok := p.Acquire(batch)
	require.True(t, ok)

	// Connected and active: nothing to reclaim.
	require.Empty(t, p.CheckConnections())

	client.setOffline(true)
	lost := p.CheckConnections()
	require.Equal(t, batch, lost)
	require.False(t, p.Contains(batch[0].Op))

	// The late result is discarded.
	client.finish()
	rec := <-finished
	require.Empty(t, rec.toConsider)
}

func TestPool_WorkerConnectedPrecachesAndFrees(t *testing.T) {
	p := New(7)
	client := newStubClient()
	client.setOffline(true)
	require.NoError(t, p.AddWorker(0, client))

	client.setOffline(false)
	p.WorkerConnected(0)
	require.Equal(t, []int64{7}, client.precached)

	// Unknown shards are ignored.
	require.NotPanics(t, func() { p.WorkerConnected(9) })
}

func TestPool_Status(t *testing.T) {
	p := New(0)
	p.SetFinishedHandler(func(*operation.JobGroup, int, []operation.Scheduled, []operation.Scheduled, error) {})

	busy := newStubClient()
	idle := newStubClient()
	require.NoError(t, p.AddWorker(0, busy))
	require.NoError(t, p.AddWorker(1, idle))

	batch := []operation.Scheduled{schedFor(1, "001")}
	shard, ok := p.Acquire(batch)
	require.True(t, ok)
	require.Equal(t, 0, shard)

	status := p.Status()
	require.Len(t, status, 2)

	require.Equal(t, StatusActive, status["0"].Status)
	require.True(t, status["0"].Connected)
	require.NotNil(t, status["0"].StartTime)
	require.Len(t, status["0"].Operations, 1)
	require.EqualValues(t, 1, status["0"].Operations[0]["object_id"])

	require.Equal(t, StatusInactive, status["1"].Status)
	require.Nil(t, status["1"].StartTime)
	require.Empty(t, status["1"].Operations)

	busy.finish()
}
