package rpc

import (
	"github.com/arbiterhq/arbiter/internal/operation"
	"github.com/arbiterhq/arbiter/internal/store"
)

// Wire payloads shared by the HTTP server and clients. Field names are part
// of the protocol; timestamps travel as POSIX epoch seconds.

type enqueuePayload struct {
	Operation operation.Operation `json:"operation"`
	Priority  int                 `json:"priority"`
	Timestamp float64             `json:"timestamp"`
	Job       *operation.Job      `json:"job,omitempty"`
}

func toEnqueuePayload(sched operation.Scheduled) enqueuePayload {
	return enqueuePayload{
		Operation: sched.Op,
		Priority:  int(sched.Priority),
		Timestamp: operation.EpochSeconds(sched.Timestamp),
		Job:       sched.Job,
	}
}

func (p enqueuePayload) scheduled() operation.Scheduled {
	return operation.Scheduled{
		Op:        p.Operation,
		Priority:  operation.Priority(p.Priority),
		Timestamp: operation.FromEpochSeconds(p.Timestamp),
		Job:       p.Job,
	}
}

type boolResponse struct {
	OK bool `json:"ok"`
}

type writeResultPayload struct {
	Operation operation.Operation `json:"operation"`
	Job       *operation.Job      `json:"job"`
}

type writeResultResponse struct {
	OK            bool             `json:"ok"`
	NewOperations []enqueuePayload `json:"new_operations,omitempty"`
}

type newSubmissionPayload struct {
	SubmissionID int64 `json:"submission_id"`
	DatasetID    int64 `json:"dataset_id,omitempty"`
	Priority     int   `json:"priority,omitempty"`
}

type newSubmissionsPayload struct {
	SubmissionIDs []int64 `json:"submission_ids"`
}

type newUserTestPayload struct {
	UserTestID int64 `json:"user_test_id"`
}

type newEvaluationPayload struct {
	SubmissionID int64 `json:"submission_id"`
	DatasetID    int64 `json:"dataset_id"`
}

type invalidatePayload struct {
	ContestID        int64  `json:"contest_id,omitempty"`
	TaskID           int64  `json:"task_id,omitempty"`
	ParticipationID  int64  `json:"participation_id,omitempty"`
	SubmissionID     int64  `json:"submission_id,omitempty"`
	DatasetID        int64  `json:"dataset_id,omitempty"`
	TestcaseCodename string `json:"testcase_codename,omitempty"`
	Level            string `json:"level"`
}

func toInvalidatePayload(scope store.InvalidationScope) invalidatePayload {
	return invalidatePayload{
		ContestID:        scope.ContestID,
		TaskID:           scope.TaskID,
		ParticipationID:  scope.ParticipationID,
		SubmissionID:     scope.SubmissionID,
		DatasetID:        scope.DatasetID,
		TestcaseCodename: scope.TestcaseCodename,
		Level:            string(scope.Level),
	}
}

func (p invalidatePayload) scope() store.InvalidationScope {
	return store.InvalidationScope{
		ContestID:        p.ContestID,
		TaskID:           p.TaskID,
		ParticipationID:  p.ParticipationID,
		SubmissionID:     p.SubmissionID,
		DatasetID:        p.DatasetID,
		TestcaseCodename: p.TestcaseCodename,
		Level:            store.Level(p.Level),
	}
}

type shardPayload struct {
	Shard int `json:"shard"`
}

type precachePayload struct {
	ContestID int64 `json:"contest_id"`
}

type quitPayload struct {
	Reason string `json:"reason"`
}
