// Package testutil provides test utilities for database setup and fake
// service clients.
package testutil

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/internal/store"
)

// NewTestStore creates an in-memory SQLite store with the full schema
// applied. It is closed automatically when the test finishes.
func NewTestStore(t *testing.T) *store.SQLite {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// SeedContest inserts a contest row.
func SeedContest(t *testing.T, st *store.SQLite, id int64, name string) {
	t.Helper()
	_, err := st.DB().Exec(`INSERT INTO contests (id, name) VALUES (?, ?)`, id, name)
	require.NoError(t, err)
}

// SeedTask inserts a task row.
func SeedTask(t *testing.T, st *store.SQLite, id, contestID, activeDatasetID int64, name string) {
	t.Helper()
	_, err := st.DB().Exec(
		`INSERT INTO tasks (id, contest_id, name, active_dataset_id) VALUES (?, ?, ?, ?)`,
		id, contestID, name, activeDatasetID)
	require.NoError(t, err)
}

// SeedDataset inserts a dataset row.
func SeedDataset(t *testing.T, st *store.SQLite, d *store.Dataset) {
	t.Helper()
	_, err := st.DB().Exec(
		`INSERT INTO datasets (id, task_id, description, autojudge, task_type,
			task_type_parameters, time_limit, memory_limit)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.TaskID, d.Description, d.Autojudge, d.TaskType,
		d.TaskTypeParameters, d.TimeLimit, d.MemoryLimit)
	require.NoError(t, err)
}

// SeedTestcase inserts a testcase row.
func SeedTestcase(t *testing.T, st *store.SQLite, datasetID int64, codename, input, output string) {
	t.Helper()
	_, err := st.DB().Exec(
		`INSERT INTO testcases (dataset_id, codename, input_digest, output_digest)
		 VALUES (?, ?, ?, ?)`,
		datasetID, codename, input, output)
	require.NoError(t, err)
}

// SeedSubmission inserts a submission row.
func SeedSubmission(t *testing.T, st *store.SQLite, sub *store.Submission) {
	t.Helper()
	files, err := json.Marshal(orEmpty(sub.Files))
	require.NoError(t, err)
	_, err = st.DB().Exec(
		`INSERT INTO submissions (id, participation_id, task_id, timestamp, language, files)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.ParticipationID, sub.TaskID, epoch(sub.Timestamp), sub.Language, string(files))
	require.NoError(t, err)
}

// SeedUserTest inserts a user test row.
func SeedUserTest(t *testing.T, st *store.SQLite, ut *store.UserTest) {
	t.Helper()
	files, err := json.Marshal(orEmpty(ut.Files))
	require.NoError(t, err)
	managers, err := json.Marshal(orEmpty(ut.Managers))
	require.NoError(t, err)
	_, err = st.DB().Exec(
		`INSERT INTO user_tests (id, participation_id, task_id, timestamp, language,
			input_digest, files, managers)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ut.ID, ut.ParticipationID, ut.TaskID, epoch(ut.Timestamp), ut.Language,
		ut.InputDigest, string(files), string(managers))
	require.NoError(t, err)
}

// SeedBasicContest seeds one contest, one task with one active dataset and
// two testcases. Returns the dataset id.
func SeedBasicContest(t *testing.T, st *store.SQLite) int64 {
	t.Helper()
	SeedContest(t, st, 1, "contest")
	SeedTask(t, st, 1, 1, 10, "task")
	SeedDataset(t, st, &store.Dataset{
		ID:          10,
		TaskID:      1,
		Description: "live",
		TaskType:    "Batch",
		TimeLimit:   1.0,
		MemoryLimit: 256 << 20,
	})
	SeedTestcase(t, st, 10, "001", "in-001", "out-001")
	SeedTestcase(t, st, 10, "002", "in-002", "out-002")
	return 10
}

func epoch(ts time.Time) float64 {
	return float64(ts.UnixMicro()) / 1e6
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
