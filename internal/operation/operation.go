// Package operation defines the atomic unit of scheduled grading work and
// the worker-ready payloads derived from it.
//
// An Operation identifies one compile or evaluate step for one submission or
// user test on one dataset. Operations are plain comparable values: two
// operations are the same piece of work if and only if their kind, object,
// dataset and testcase coincide. That identity is the primary key across the
// whole scheduling core (queue, executor, pool, pending results).
package operation

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind enumerates the four kinds of schedulable work. The numeric values are
// the wire tags used in the list encoding and must not be renumbered.
type Kind int

const (
	KindCompileSubmission  Kind = 0
	KindEvaluateSubmission Kind = 1
	KindCompileUserTest    Kind = 2
	KindEvaluateUserTest   Kind = 3
)

// String returns a short human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindCompileSubmission:
		return "compile"
	case KindEvaluateSubmission:
		return "evaluate"
	case KindCompileUserTest:
		return "compile_test"
	case KindEvaluateUserTest:
		return "evaluate_test"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Valid reports whether k is one of the four defined kinds.
func (k Kind) Valid() bool {
	return k >= KindCompileSubmission && k <= KindEvaluateUserTest
}

// ForSubmission reports whether the kind targets a submission (as opposed to
// a user test).
func (k Kind) ForSubmission() bool {
	return k == KindCompileSubmission || k == KindEvaluateSubmission
}

// IsEvaluate reports whether the kind is an evaluation.
func (k Kind) IsEvaluate() bool {
	return k == KindEvaluateSubmission || k == KindEvaluateUserTest
}

// RequiresCodename reports whether operations of this kind carry a testcase
// codename. A user test evaluates against its single implicit input, so only
// submission evaluations name a testcase.
func (k Kind) RequiresCodename() bool {
	return k == KindEvaluateSubmission
}

// Priority is the urgency band of an operation; lower values are dispatched
// first. Ties are broken by the original timestamp, older first.
type Priority int

const (
	// PriorityUserTest is used for contestant-triggered user test runs,
	// which are interactive and jump the line.
	PriorityUserTest Priority = 10
	// PrioritySubmission is used for freshly received submissions.
	PrioritySubmission Priority = 20
	// PriorityInvalidated is used for work re-derived after an
	// administrative invalidation.
	PriorityInvalidated Priority = 30
	// PrioritySweep is used for work re-discovered by the background
	// reconciliation sweeper.
	PrioritySweep Priority = 40
)

// Before reports whether (p, t) sorts strictly before (otherP, otherT) in
// dispatch order.
func Before(p Priority, t time.Time, otherP Priority, otherT time.Time) bool {
	if p != otherP {
		return p < otherP
	}
	return t.Before(otherT)
}

// Operation is one unit of schedulable work. The zero value is not a valid
// operation. TestcaseCodename is non-empty exactly when
// Kind.RequiresCodename().
//
// Operation is comparable and safe to use as a map key; anything that is not
// part of the identity (priority, timestamp, job payload) lives outside it.
type Operation struct {
	Kind             Kind
	ObjectID         int64
	DatasetID        int64
	TestcaseCodename string
}

// String renders the operation for logs.
func (o Operation) String() string {
	if o.TestcaseCodename != "" {
		return fmt.Sprintf("%s(%d, %d, %q)",
			o.Kind, o.ObjectID, o.DatasetID, o.TestcaseCodename)
	}
	return fmt.Sprintf("%s(%d, %d)", o.Kind, o.ObjectID, o.DatasetID)
}

// ForSubmission reports whether the operation targets a submission.
func (o Operation) ForSubmission() bool {
	return o.Kind.ForSubmission()
}

// ToList encodes the operation in the wire list form
// [kindInt, objectID, datasetID, testcaseCodename|null].
func (o Operation) ToList() []any {
	var codename any
	if o.TestcaseCodename != "" {
		codename = o.TestcaseCodename
	}
	return []any{int(o.Kind), o.ObjectID, o.DatasetID, codename}
}

// FromList decodes the wire list form. Numbers may arrive as float64 (JSON)
// or as integer types (in-process).
func FromList(list []any) (Operation, error) {
	if len(list) != 4 {
		return Operation{}, fmt.Errorf("operation list has %d elements, want 4", len(list))
	}
	kind, err := toInt64(list[0])
	if err != nil {
		return Operation{}, fmt.Errorf("operation kind: %w", err)
	}
	objectID, err := toInt64(list[1])
	if err != nil {
		return Operation{}, fmt.Errorf("operation object id: %w", err)
	}
	datasetID, err := toInt64(list[2])
	if err != nil {
		return Operation{}, fmt.Errorf("operation dataset id: %w", err)
	}
	op := Operation{
		Kind:      Kind(kind),
		ObjectID:  objectID,
		DatasetID: datasetID,
	}
	if !op.Kind.Valid() {
		return Operation{}, fmt.Errorf("unknown operation kind %d", kind)
	}
	if list[3] != nil {
		codename, ok := list[3].(string)
		if !ok {
			return Operation{}, fmt.Errorf("testcase codename is %T, want string", list[3])
		}
		op.TestcaseCodename = codename
	}
	if op.Kind.RequiresCodename() && op.TestcaseCodename == "" {
		return Operation{}, fmt.Errorf("%s without testcase codename", op.Kind)
	}
	if !op.Kind.IsEvaluate() && op.TestcaseCodename != "" {
		return Operation{}, fmt.Errorf("%s with testcase codename %q", op.Kind, op.TestcaseCodename)
	}
	return op, nil
}

// ToMap encodes the operation in the structured map form used for logging
// and telemetry payloads.
func (o Operation) ToMap() map[string]any {
	m := map[string]any{
		"type":       int(o.Kind),
		"object_id":  o.ObjectID,
		"dataset_id": o.DatasetID,
	}
	if o.TestcaseCodename != "" {
		m["testcase_codename"] = o.TestcaseCodename
	}
	return m
}

// FromMap decodes the structured map form.
func FromMap(m map[string]any) (Operation, error) {
	list := []any{m["type"], m["object_id"], m["dataset_id"], m["testcase_codename"]}
	return FromList(list)
}

// MarshalJSON encodes the operation as its map form.
func (o Operation) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.ToMap())
}

// UnmarshalJSON decodes either the map form or the list form.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err == nil {
		op, err := FromMap(m)
		if err != nil {
			return err
		}
		*o = op
		return nil
	}
	var list []any
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("operation is neither a map nor a list: %w", err)
	}
	op, err := FromList(list)
	if err != nil {
		return err
	}
	*o = op
	return nil
}

// SideData is what the executor attaches to an operation before handing it to
// the worker pool, so a lost operation can be re-enqueued with its original
// urgency without consulting the store.
type SideData struct {
	Priority  Priority
	Timestamp time.Time
}

// Scheduled pairs an operation with its urgency and, optionally, the
// worker-ready job payload. It is the unit the evaluation service hands back
// to the queue service.
type Scheduled struct {
	Op        Operation
	Priority  Priority
	Timestamp time.Time
	Job       *Job
}

// EpochSeconds converts a timestamp to POSIX epoch seconds for transport.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

// FromEpochSeconds converts POSIX epoch seconds back to a UTC timestamp.
func FromEpochSeconds(sec float64) time.Time {
	return time.UnixMicro(int64(sec * 1e6)).UTC()
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	default:
		return 0, fmt.Errorf("cannot convert %T to integer", v)
	}
}
