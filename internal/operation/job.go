package operation

import (
	"fmt"

	"github.com/google/uuid"
)

// TombstoneDigest is the sentinel digest marking a file whose contents have
// been garbage-collected from the file store. A worker that meets it cannot
// run the job; see Job.PlusTombstone.
const TombstoneDigest = "x"

// Compilation outcomes reported by workers on a successful compile job.
const (
	CompilationOutcomeOK   = "ok"
	CompilationOutcomeFail = "fail"
)

// ResultPlus carries the resource-usage statistics a worker attaches to a
// finished job.
type ResultPlus struct {
	ExecutionTime     float64  `json:"execution_time"`
	WallClockTime     float64  `json:"execution_wall_clock_time"`
	ExecutionMemory   int64    `json:"execution_memory"`
	ExitStatus        string   `json:"exit_status,omitempty"`
	Signal            int      `json:"signal,omitempty"`
	PlusTombstone     bool     `json:"tombstone,omitempty"`
	EvaluationOutcome string   `json:"outcome,omitempty"`
	EvaluationText    []string `json:"text,omitempty"`
}

// Job is the self-contained payload a worker needs to execute one operation,
// plus the result fields the worker fills in. The scheduling core treats the
// input half as opaque: it builds jobs from store rows when enqueueing and
// reads back only the result half.
type Job struct {
	Op Operation `json:"operation"`

	// Inputs, resolved from the store at enqueue time.
	Language             string            `json:"language,omitempty"`
	TaskType             string            `json:"task_type,omitempty"`
	TaskTypeParameters   string            `json:"task_type_parameters,omitempty"`
	TimeLimit            float64           `json:"time_limit,omitempty"`
	MemoryLimit          int64             `json:"memory_limit,omitempty"`
	Files                map[string]string `json:"files,omitempty"`
	Managers             map[string]string `json:"managers,omitempty"`
	Executables          map[string]string `json:"executables,omitempty"`
	InputDigest          string            `json:"input,omitempty"`
	OutputDigest         string            `json:"output,omitempty"`
	Info                 string            `json:"info,omitempty"`
	MultithreadedSandbox bool              `json:"multithreaded_sandbox,omitempty"`

	// Results, filled in by the worker.
	Success            bool        `json:"success"`
	UserOutput         string      `json:"user_output,omitempty"`
	CompilationOutcome string      `json:"compilation_outcome,omitempty"`
	Outcome            string      `json:"outcome,omitempty"`
	Text               []string    `json:"text,omitempty"`
	Plus               *ResultPlus `json:"plus,omitempty"`
	Sandboxes          []string    `json:"sandboxes,omitempty"`
	Shard              int         `json:"shard,omitempty"`
}

// Digests returns every file digest referenced by the job inputs, tombstones
// included.
func (j *Job) Digests() []string {
	var out []string
	for _, m := range []map[string]string{j.Files, j.Managers, j.Executables} {
		for _, d := range m {
			out = append(out, d)
		}
	}
	if j.InputDigest != "" {
		out = append(out, j.InputDigest)
	}
	if j.OutputDigest != "" {
		out = append(out, j.OutputDigest)
	}
	return out
}

// HasTombstone reports whether any input digest is the tombstone sentinel.
func (j *Job) HasTombstone() bool {
	for _, d := range j.Digests() {
		if d == TombstoneDigest {
			return true
		}
	}
	return false
}

// TombstoneInResult reports whether the worker flagged the job as failed
// because it met a tombstoned file while fetching inputs.
func (j *Job) TombstoneInResult() bool {
	return j.Plus != nil && j.Plus.PlusTombstone
}

// JobGroup is a batch of jobs dispatched to one worker in a single call.
// Jobs in a group share nothing but the trip; each carries its own operation.
type JobGroup struct {
	ID   string `json:"id"`
	Jobs []*Job `json:"jobs"`
}

// NewJobGroup assembles a group with a fresh identifier.
func NewJobGroup(jobs []*Job) *JobGroup {
	return &JobGroup{ID: uuid.NewString(), Jobs: jobs}
}

// Operations returns the operations of every job in the group, in order.
func (g *JobGroup) Operations() []Operation {
	ops := make([]Operation, len(g.Jobs))
	for i, j := range g.Jobs {
		ops[i] = j.Op
	}
	return ops
}

// Validate checks internal consistency before dispatch.
func (g *JobGroup) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("job group without id")
	}
	if len(g.Jobs) == 0 {
		return fmt.Errorf("job group %s is empty", g.ID)
	}
	for i, j := range g.Jobs {
		if j == nil {
			return fmt.Errorf("job group %s: job %d is nil", g.ID, i)
		}
		if !j.Op.Kind.Valid() {
			return fmt.Errorf("job group %s: job %d has invalid operation", g.ID, i)
		}
	}
	return nil
}
