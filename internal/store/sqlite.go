package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLite implements Store on a SQLite database.
type SQLite struct {
	db *sql.DB
}

// Ensure SQLite implements Store.
var _ Store = (*SQLite)(nil)

// Open opens (creating if needed) a SQLite database at path and applies the
// schema. Use ":memory:" for an ephemeral database.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// New wraps an existing database handle. The schema must already be applied.
func New(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

// DB exposes the underlying handle for test seeding.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// isConstraintErr matches only the uniqueness constraints. Other members of
// the constraint class (foreign key, not null) are real faults, not replays,
// and must not pass for ErrDuplicate.
func isConstraintErr(err error) bool {
	var serr *sqlite3.Error
	if errors.As(err, &serr) {
		code := serr.ExtendedCode()
		return code == sqlite3.CONSTRAINT_UNIQUE || code == sqlite3.CONSTRAINT_PRIMARYKEY
	}
	return false
}

func encodeMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeMap(s string) map[string]string {
	if s == "" || s == "{}" {
		return map[string]string{}
	}
	m := map[string]string{}
	_ = json.Unmarshal([]byte(s), &m)
	return m
}

func epochToTime(sec float64) time.Time {
	return time.UnixMicro(int64(sec * 1e6)).UTC()
}

func timeToEpoch(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

// Contest retrieves a contest by id.
func (s *SQLite) Contest(ctx context.Context, id int64) (*Contest, error) {
	var c Contest
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name FROM contests WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find contest: %w", err)
	}
	return &c, nil
}

// Task retrieves a task by id.
func (s *SQLite) Task(ctx context.Context, id int64) (*Task, error) {
	var t Task
	err := s.db.QueryRowContext(ctx,
		`SELECT id, contest_id, name, active_dataset_id FROM tasks WHERE id = ?`, id,
	).Scan(&t.ID, &t.ContestID, &t.Name, &t.ActiveDatasetID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find task: %w", err)
	}
	return &t, nil
}

const datasetColumns = `id, task_id, description, autojudge, task_type,
	task_type_parameters, time_limit, memory_limit`

func scanDataset(scanner interface{ Scan(...any) error }) (*Dataset, error) {
	var d Dataset
	err := scanner.Scan(
		&d.ID, &d.TaskID, &d.Description, &d.Autojudge,
		&d.TaskType, &d.TaskTypeParameters, &d.TimeLimit, &d.MemoryLimit,
	)
	return &d, err
}

// Dataset retrieves a dataset by id.
func (s *SQLite) Dataset(ctx context.Context, id int64) (*Dataset, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+datasetColumns+` FROM datasets WHERE id = ?`, id,
	)
	d, err := scanDataset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find dataset: %w", err)
	}
	return d, nil
}

// DatasetsToJudge returns the task's active dataset plus every background
// dataset with autojudge enabled.
func (s *SQLite) DatasetsToJudge(ctx context.Context, taskID int64) ([]*Dataset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+datasetColumns+` FROM datasets
		 WHERE task_id = ?
		   AND (autojudge != 0
		     OR id = (SELECT active_dataset_id FROM tasks WHERE id = ?))
		 ORDER BY id`,
		taskID, taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list datasets to judge: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Dataset
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dataset row: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dataset rows: %w", err)
	}
	return out, nil
}

// Testcases lists the testcases of a dataset ordered by codename.
func (s *SQLite) Testcases(ctx context.Context, datasetID int64) ([]*Testcase, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT dataset_id, codename, input_digest, output_digest
		 FROM testcases WHERE dataset_id = ? ORDER BY codename`,
		datasetID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list testcases: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Testcase
	for rows.Next() {
		var tc Testcase
		if err := rows.Scan(&tc.DatasetID, &tc.Codename, &tc.InputDigest, &tc.OutputDigest); err != nil {
			return nil, fmt.Errorf("failed to scan testcase row: %w", err)
		}
		out = append(out, &tc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating testcase rows: %w", err)
	}
	return out, nil
}

const submissionColumns = `id, participation_id, task_id, timestamp, language, files`

func scanSubmission(scanner interface{ Scan(...any) error }) (*Submission, error) {
	var (
		sub   Submission
		ts    float64
		files string
	)
	err := scanSubmissionInto(scanner, &sub, &ts, &files)
	if err != nil {
		return nil, err
	}
	sub.Timestamp = epochToTime(ts)
	sub.Files = decodeMap(files)
	return &sub, nil
}

func scanSubmissionInto(scanner interface{ Scan(...any) error }, sub *Submission, ts *float64, files *string) error {
	return scanner.Scan(&sub.ID, &sub.ParticipationID, &sub.TaskID, ts, &sub.Language, files)
}

// Submission retrieves a submission by id.
func (s *SQLite) Submission(ctx context.Context, id int64) (*Submission, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id,
	)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find submission: %w", err)
	}
	return sub, nil
}

// Submissions lists submissions, restricted to a contest when contestID is
// non-zero.
func (s *SQLite) Submissions(ctx context.Context, contestID int64) ([]*Submission, error) {
	query := `SELECT s.id, s.participation_id, s.task_id, s.timestamp, s.language, s.files
		FROM submissions s`
	var args []any
	if contestID != 0 {
		query += ` JOIN tasks t ON t.id = s.task_id WHERE t.contest_id = ?`
		args = append(args, contestID)
	}
	query += ` ORDER BY s.id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan submission row: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating submission rows: %w", err)
	}
	return out, nil
}

const userTestColumns = `id, participation_id, task_id, timestamp, language, input_digest, files, managers`

func scanUserTest(scanner interface{ Scan(...any) error }) (*UserTest, error) {
	var (
		ut       UserTest
		ts       float64
		files    string
		managers string
	)
	err := scanner.Scan(&ut.ID, &ut.ParticipationID, &ut.TaskID, &ts,
		&ut.Language, &ut.InputDigest, &files, &managers)
	if err != nil {
		return nil, err
	}
	ut.Timestamp = epochToTime(ts)
	ut.Files = decodeMap(files)
	ut.Managers = decodeMap(managers)
	return &ut, nil
}

// UserTest retrieves a user test by id.
func (s *SQLite) UserTest(ctx context.Context, id int64) (*UserTest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userTestColumns+` FROM user_tests WHERE id = ?`, id,
	)
	ut, err := scanUserTest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user test: %w", err)
	}
	return ut, nil
}

// UserTests lists user tests, restricted to a contest when contestID is
// non-zero.
func (s *SQLite) UserTests(ctx context.Context, contestID int64) ([]*UserTest, error) {
	query := `SELECT u.id, u.participation_id, u.task_id, u.timestamp, u.language,
		u.input_digest, u.files, u.managers FROM user_tests u`
	var args []any
	if contestID != 0 {
		query += ` JOIN tasks t ON t.id = u.task_id WHERE t.contest_id = ?`
		args = append(args, contestID)
	}
	query += ` ORDER BY u.id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list user tests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*UserTest
	for rows.Next() {
		ut, err := scanUserTest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user test row: %w", err)
		}
		out = append(out, ut)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user test rows: %w", err)
	}
	return out, nil
}

const submissionResultColumns = `submission_id, dataset_id, compilation_outcome,
	compilation_text, compilation_tries, compilation_time, compilation_wall_time,
	compilation_memory, compilation_shard, compilation_sandboxes, executables,
	evaluation_outcome, evaluation_tries`

func scanSubmissionResult(scanner interface{ Scan(...any) error }) (*SubmissionResult, error) {
	var (
		r     SubmissionResult
		execs string
	)
	err := scanner.Scan(
		&r.SubmissionID, &r.DatasetID, &r.CompilationOutcome,
		&r.CompilationText, &r.CompilationTries, &r.CompilationTime,
		&r.CompilationWallTime, &r.CompilationMemory, &r.CompilationShard,
		&r.CompilationSandboxes, &execs,
		&r.EvaluationOutcome, &r.EvaluationTries,
	)
	if err != nil {
		return nil, err
	}
	r.Executables = decodeMap(execs)
	return &r, nil
}

// SubmissionResult retrieves the result row for one submission on one
// dataset. Returns ErrNotFound when grading has not started.
func (s *SQLite) SubmissionResult(ctx context.Context, submissionID, datasetID int64) (*SubmissionResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+submissionResultColumns+` FROM submission_results
		 WHERE submission_id = ? AND dataset_id = ?`,
		submissionID, datasetID,
	)
	r, err := scanSubmissionResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find submission result: %w", err)
	}
	return r, nil
}

// EnsureSubmissionResult returns the result row, creating the empty row on
// first touch. A concurrent creation is absorbed by re-reading.
func (s *SQLite) EnsureSubmissionResult(ctx context.Context, submissionID, datasetID int64) (*SubmissionResult, error) {
	r, err := s.SubmissionResult(ctx, submissionID, datasetID)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO submission_results (submission_id, dataset_id) VALUES (?, ?)`,
		submissionID, datasetID,
	)
	if err != nil && !isConstraintErr(err) {
		return nil, fmt.Errorf("failed to create submission result: %w", err)
	}
	return s.SubmissionResult(ctx, submissionID, datasetID)
}

// UpdateSubmissionResult writes the full mutable state of a result row.
func (s *SQLite) UpdateSubmissionResult(ctx context.Context, r *SubmissionResult) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE submission_results SET
			compilation_outcome = ?, compilation_text = ?, compilation_tries = ?,
			compilation_time = ?, compilation_wall_time = ?, compilation_memory = ?,
			compilation_shard = ?, compilation_sandboxes = ?, executables = ?,
			evaluation_outcome = ?, evaluation_tries = ?
		 WHERE submission_id = ? AND dataset_id = ?`,
		r.CompilationOutcome, r.CompilationText, r.CompilationTries,
		r.CompilationTime, r.CompilationWallTime, r.CompilationMemory,
		r.CompilationShard, r.CompilationSandboxes, encodeMap(r.Executables),
		r.EvaluationOutcome, r.EvaluationTries,
		r.SubmissionID, r.DatasetID,
	)
	if err != nil {
		return fmt.Errorf("failed to update submission result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const userTestResultColumns = `user_test_id, dataset_id, compilation_outcome,
	compilation_text, compilation_tries, compilation_shard, compilation_sandboxes,
	executables, evaluation_outcome, evaluation_tries, evaluation_time,
	evaluation_memory, evaluation_shard, evaluation_sandbox, output_digest`

func scanUserTestResult(scanner interface{ Scan(...any) error }) (*UserTestResult, error) {
	var (
		r     UserTestResult
		execs string
	)
	err := scanner.Scan(
		&r.UserTestID, &r.DatasetID, &r.CompilationOutcome,
		&r.CompilationText, &r.CompilationTries, &r.CompilationShard,
		&r.CompilationSandboxes, &execs,
		&r.EvaluationOutcome, &r.EvaluationTries, &r.EvaluationTime,
		&r.EvaluationMemory, &r.EvaluationShard, &r.EvaluationSandbox,
		&r.OutputDigest,
	)
	if err != nil {
		return nil, err
	}
	r.Executables = decodeMap(execs)
	return &r, nil
}

// UserTestResult retrieves the result row for one user test on one dataset.
func (s *SQLite) UserTestResult(ctx context.Context, userTestID, datasetID int64) (*UserTestResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userTestResultColumns+` FROM user_test_results
		 WHERE user_test_id = ? AND dataset_id = ?`,
		userTestID, datasetID,
	)
	r, err := scanUserTestResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user test result: %w", err)
	}
	return r, nil
}

// EnsureUserTestResult returns the result row, creating the empty row on
// first touch.
func (s *SQLite) EnsureUserTestResult(ctx context.Context, userTestID, datasetID int64) (*UserTestResult, error) {
	r, err := s.UserTestResult(ctx, userTestID, datasetID)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO user_test_results (user_test_id, dataset_id) VALUES (?, ?)`,
		userTestID, datasetID,
	)
	if err != nil && !isConstraintErr(err) {
		return nil, fmt.Errorf("failed to create user test result: %w", err)
	}
	return s.UserTestResult(ctx, userTestID, datasetID)
}

// UpdateUserTestResult writes the full mutable state of a result row.
func (s *SQLite) UpdateUserTestResult(ctx context.Context, r *UserTestResult) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_test_results SET
			compilation_outcome = ?, compilation_text = ?, compilation_tries = ?,
			compilation_shard = ?, compilation_sandboxes = ?, executables = ?,
			evaluation_outcome = ?, evaluation_tries = ?, evaluation_time = ?,
			evaluation_memory = ?, evaluation_shard = ?, evaluation_sandbox = ?,
			output_digest = ?
		 WHERE user_test_id = ? AND dataset_id = ?`,
		r.CompilationOutcome, r.CompilationText, r.CompilationTries,
		r.CompilationShard, r.CompilationSandboxes, encodeMap(r.Executables),
		r.EvaluationOutcome, r.EvaluationTries, r.EvaluationTime,
		r.EvaluationMemory, r.EvaluationShard, r.EvaluationSandbox,
		r.OutputDigest,
		r.UserTestID, r.DatasetID,
	)
	if err != nil {
		return fmt.Errorf("failed to update user test result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Evaluations lists the stored evaluations of one submission on one dataset.
func (s *SQLite) Evaluations(ctx context.Context, submissionID, datasetID int64) ([]*Evaluation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT submission_id, dataset_id, testcase_codename, outcome, text,
			execution_time, wall_clock_time, memory, shard
		 FROM evaluations
		 WHERE submission_id = ? AND dataset_id = ?
		 ORDER BY testcase_codename`,
		submissionID, datasetID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Evaluation
	for rows.Next() {
		var e Evaluation
		if err := rows.Scan(&e.SubmissionID, &e.DatasetID, &e.TestcaseCodename,
			&e.Outcome, &e.Text, &e.ExecutionTime, &e.WallClockTime,
			&e.Memory, &e.Shard); err != nil {
			return nil, fmt.Errorf("failed to scan evaluation row: %w", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating evaluation rows: %w", err)
	}
	return out, nil
}

// InsertEvaluation stores one testcase outcome. The composite primary key
// turns a replayed write into ErrDuplicate instead of a second row.
func (s *SQLite) InsertEvaluation(ctx context.Context, e *Evaluation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO evaluations (submission_id, dataset_id, testcase_codename,
			outcome, text, execution_time, wall_clock_time, memory, shard)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SubmissionID, e.DatasetID, e.TestcaseCodename,
		e.Outcome, e.Text, e.ExecutionTime, e.WallClockTime, e.Memory, e.Shard,
	)
	if isConstraintErr(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert evaluation: %w", err)
	}
	return nil
}

// InvalidateResults resets the selected submission results inside one
// transaction and returns the rows it touched.
func (s *SQLite) InvalidateResults(ctx context.Context, scope InvalidationScope) ([]ResultRef, error) {
	if scope.Level != LevelCompilation && scope.Level != LevelEvaluation {
		return nil, fmt.Errorf("invalid invalidation level %q", scope.Level)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin invalidation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT sr.submission_id, sr.dataset_id
		FROM submission_results sr
		JOIN submissions s ON s.id = sr.submission_id
		JOIN tasks t ON t.id = s.task_id
		WHERE 1 = 1`
	var args []any
	if scope.SubmissionID != 0 {
		query += ` AND sr.submission_id = ?`
		args = append(args, scope.SubmissionID)
	}
	if scope.DatasetID != 0 {
		query += ` AND sr.dataset_id = ?`
		args = append(args, scope.DatasetID)
	}
	if scope.ParticipationID != 0 {
		query += ` AND s.participation_id = ?`
		args = append(args, scope.ParticipationID)
	}
	if scope.TaskID != 0 {
		query += ` AND s.task_id = ?`
		args = append(args, scope.TaskID)
	}
	if scope.ContestID != 0 {
		query += ` AND t.contest_id = ?`
		args = append(args, scope.ContestID)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select results to invalidate: %w", err)
	}
	var refs []ResultRef
	for rows.Next() {
		var ref ResultRef
		if err := rows.Scan(&ref.ObjectID, &ref.DatasetID); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan invalidation row: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("error iterating invalidation rows: %w", err)
	}
	_ = rows.Close()

	for _, ref := range refs {
		if scope.Level == LevelEvaluation && scope.TestcaseCodename != "" {
			_, err = tx.ExecContext(ctx,
				`DELETE FROM evaluations
				 WHERE submission_id = ? AND dataset_id = ? AND testcase_codename = ?`,
				ref.ObjectID, ref.DatasetID, scope.TestcaseCodename,
			)
		} else {
			_, err = tx.ExecContext(ctx,
				`DELETE FROM evaluations
				 WHERE submission_id = ? AND dataset_id = ?`,
				ref.ObjectID, ref.DatasetID,
			)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to delete evaluations: %w", err)
		}

		if scope.Level == LevelCompilation {
			_, err = tx.ExecContext(ctx,
				`UPDATE submission_results SET
					compilation_outcome = '', compilation_text = '', compilation_tries = 0,
					compilation_time = 0, compilation_wall_time = 0, compilation_memory = 0,
					compilation_shard = 0, compilation_sandboxes = '', executables = '{}',
					evaluation_outcome = '', evaluation_tries = 0
				 WHERE submission_id = ? AND dataset_id = ?`,
				ref.ObjectID, ref.DatasetID,
			)
		} else {
			_, err = tx.ExecContext(ctx,
				`UPDATE submission_results SET
					evaluation_outcome = '', evaluation_tries = 0
				 WHERE submission_id = ? AND dataset_id = ?`,
				ref.ObjectID, ref.DatasetID,
			)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to reset submission result: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit invalidation: %w", err)
	}
	return refs, nil
}
