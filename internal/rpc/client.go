package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/arbiterhq/arbiter/internal/operation"
	"github.com/arbiterhq/arbiter/internal/store"
	"github.com/arbiterhq/arbiter/internal/workerpool"
)

const healthTimeout = 2 * time.Second

// endpoint is the shared transport of every HTTP client: one base URL, one
// http.Client, JSON in and out.
type endpoint struct {
	base string
	hc   *http.Client
}

func newEndpoint(baseURL string, timeout time.Duration) endpoint {
	return endpoint{
		base: baseURL,
		hc:   &http.Client{Timeout: timeout},
	}
}

func (e endpoint) post(ctx context.Context, route string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("rpc: encoding %s request: %w", route, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.base+route, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("rpc: building %s request: %w", route, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return e.do(req, route, out)
}

func (e endpoint) get(ctx context.Context, route string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.base+route, nil)
	if err != nil {
		return fmt.Errorf("rpc: building %s request: %w", route, err)
	}
	return e.do(req, route, out)
}

func (e endpoint) do(req *http.Request, route string, out any) error {
	resp, err := e.hc.Do(req)
	if err != nil {
		return fmt.Errorf("rpc: %s: %w", route, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("rpc: %s: status %d: %s", route, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("rpc: decoding %s response: %w", route, err)
	}
	return nil
}

// connected probes the health route with a short deadline.
func (e endpoint) connected() bool {
	ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.base+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := e.hc.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// EvaluationHTTP is an EvaluationClient over HTTP.
type EvaluationHTTP struct {
	e endpoint
}

// NewEvaluationHTTP dials nothing; the endpoint is probed per call.
func NewEvaluationHTTP(baseURL string, timeout time.Duration) *EvaluationHTTP {
	return &EvaluationHTTP{e: newEndpoint(baseURL, timeout)}
}

func (c *EvaluationHTTP) WriteResult(ctx context.Context, op operation.Operation,
	job *operation.Job) (bool, []operation.Scheduled, error) {
	var resp writeResultResponse
	err := c.e.post(ctx, "/write_result", writeResultPayload{Operation: op, Job: job}, &resp)
	if err != nil {
		return false, nil, err
	}
	newOps := make([]operation.Scheduled, 0, len(resp.NewOperations))
	for _, p := range resp.NewOperations {
		newOps = append(newOps, p.scheduled())
	}
	return resp.OK, newOps, nil
}

func (c *EvaluationHTTP) NewSubmission(ctx context.Context, submissionID, datasetID int64,
	forcePriority operation.Priority) error {
	return c.e.post(ctx, "/new_submission", newSubmissionPayload{
		SubmissionID: submissionID,
		DatasetID:    datasetID,
		Priority:     int(forcePriority),
	}, nil)
}

func (c *EvaluationHTTP) NewSubmissions(ctx context.Context, submissionIDs []int64) error {
	return c.e.post(ctx, "/new_submissions", newSubmissionsPayload{SubmissionIDs: submissionIDs}, nil)
}

func (c *EvaluationHTTP) NewUserTest(ctx context.Context, userTestID int64) error {
	return c.e.post(ctx, "/new_user_test", newUserTestPayload{UserTestID: userTestID}, nil)
}

func (c *EvaluationHTTP) Connected() bool {
	return c.e.connected()
}

var _ EvaluationClient = (*EvaluationHTTP)(nil)

// QueueHTTP is a QueueClient over HTTP.
type QueueHTTP struct {
	e endpoint
}

func NewQueueHTTP(baseURL string, timeout time.Duration) *QueueHTTP {
	return &QueueHTTP{e: newEndpoint(baseURL, timeout)}
}

func (c *QueueHTTP) Enqueue(ctx context.Context, sched operation.Scheduled) (bool, error) {
	var resp boolResponse
	if err := c.e.post(ctx, "/enqueue", toEnqueuePayload(sched), &resp); err != nil {
		return false, err
	}
	return resp.OK, nil
}

func (c *QueueHTTP) InvalidateSubmission(ctx context.Context, scope store.InvalidationScope) error {
	return c.e.post(ctx, "/invalidate_submission", toInvalidatePayload(scope), nil)
}

func (c *QueueHTTP) WorkersStatus(ctx context.Context) (map[string]workerpool.WorkerStatus, error) {
	var out map[string]workerpool.WorkerStatus
	if err := c.e.get(ctx, "/workers_status", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *QueueHTTP) QueueStatus(ctx context.Context) ([]QueueEntry, error) {
	var out []QueueEntry
	if err := c.e.get(ctx, "/queue_status", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *QueueHTTP) DisableWorker(ctx context.Context, shard int) error {
	return c.e.post(ctx, "/disable_worker", shardPayload{Shard: shard}, nil)
}

func (c *QueueHTTP) EnableWorker(ctx context.Context, shard int) error {
	return c.e.post(ctx, "/enable_worker", shardPayload{Shard: shard}, nil)
}

// FollowLogs streams the service's log tail, calling fn once per entry,
// until ctx is cancelled or the stream ends. The shared client's per-call
// timeout does not apply: the stream is open-ended.
func (c *QueueHTTP) FollowLogs(ctx context.Context, fn func(LogEntry)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.e.base+"/log_stream", nil)
	if err != nil {
		return fmt.Errorf("rpc: building /log_stream request: %w", err)
	}
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("rpc: /log_stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("rpc: /log_stream: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var e LogEntry
		if err := dec.Decode(&e); err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("rpc: decoding /log_stream entry: %w", err)
		}
		fn(e)
	}
}

var _ QueueClient = (*QueueHTTP)(nil)

// ScoringHTTP is a ScoringClient over HTTP. Scoring lives outside this
// module; only the notification route is spoken.
type ScoringHTTP struct {
	e endpoint
}

func NewScoringHTTP(baseURL string, timeout time.Duration) *ScoringHTTP {
	return &ScoringHTTP{e: newEndpoint(baseURL, timeout)}
}

func (c *ScoringHTTP) NewEvaluation(ctx context.Context, submissionID, datasetID int64) error {
	return c.e.post(ctx, "/new_evaluation", newEvaluationPayload{
		SubmissionID: submissionID,
		DatasetID:    datasetID,
	}, nil)
}

func (c *ScoringHTTP) Connected() bool {
	return c.e.connected()
}

var _ ScoringClient = (*ScoringHTTP)(nil)

// WorkerHTTP drives one worker process over HTTP. Job groups run for as long
// as their jobs do, so the execute call carries no client-side timeout; the
// pool's own timeout check reclaims a silent worker.
type WorkerHTTP struct {
	exec  endpoint
	quick endpoint
}

func NewWorkerHTTP(baseURL string) *WorkerHTTP {
	return &WorkerHTTP{
		exec:  newEndpoint(baseURL, 0),
		quick: newEndpoint(baseURL, 30*time.Second),
	}
}

func (c *WorkerHTTP) ExecuteJobGroup(group *operation.JobGroup) (*operation.JobGroup, error) {
	var out operation.JobGroup
	if err := c.exec.post(context.Background(), "/execute_job_group", group, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *WorkerHTTP) PrecacheFiles(contestID int64) error {
	return c.quick.post(context.Background(), "/precache_files", precachePayload{ContestID: contestID}, nil)
}

func (c *WorkerHTTP) Quit(reason string) error {
	return c.quick.post(context.Background(), "/quit", quitPayload{Reason: reason}, nil)
}

func (c *WorkerHTTP) Connected() bool {
	return c.quick.connected()
}

var _ workerpool.Client = (*WorkerHTTP)(nil)
