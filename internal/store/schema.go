package store

// Schema is the SQLite schema for contest entities and grading results.
// Result tables carry composite primary keys; the one on evaluations doubles
// as the duplicate-write detector that makes result persistence idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS contests (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY,
	contest_id INTEGER NOT NULL REFERENCES contests(id),
	name TEXT NOT NULL,
	active_dataset_id INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS datasets (
	id INTEGER PRIMARY KEY,
	task_id INTEGER NOT NULL REFERENCES tasks(id),
	description TEXT NOT NULL DEFAULT '',
	autojudge INTEGER NOT NULL DEFAULT 0,
	task_type TEXT NOT NULL DEFAULT '',
	task_type_parameters TEXT NOT NULL DEFAULT '',
	time_limit REAL NOT NULL DEFAULT 0,
	memory_limit INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS testcases (
	dataset_id INTEGER NOT NULL REFERENCES datasets(id),
	codename TEXT NOT NULL,
	input_digest TEXT NOT NULL,
	output_digest TEXT NOT NULL,
	PRIMARY KEY (dataset_id, codename)
);

CREATE TABLE IF NOT EXISTS submissions (
	id INTEGER PRIMARY KEY,
	participation_id INTEGER NOT NULL,
	task_id INTEGER NOT NULL REFERENCES tasks(id),
	timestamp REAL NOT NULL,
	language TEXT NOT NULL DEFAULT '',
	files TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS submission_results (
	submission_id INTEGER NOT NULL REFERENCES submissions(id),
	dataset_id INTEGER NOT NULL REFERENCES datasets(id),
	compilation_outcome TEXT NOT NULL DEFAULT '',
	compilation_text TEXT NOT NULL DEFAULT '',
	compilation_tries INTEGER NOT NULL DEFAULT 0,
	compilation_time REAL NOT NULL DEFAULT 0,
	compilation_wall_time REAL NOT NULL DEFAULT 0,
	compilation_memory INTEGER NOT NULL DEFAULT 0,
	compilation_shard INTEGER NOT NULL DEFAULT 0,
	compilation_sandboxes TEXT NOT NULL DEFAULT '',
	executables TEXT NOT NULL DEFAULT '{}',
	evaluation_outcome TEXT NOT NULL DEFAULT '',
	evaluation_tries INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (submission_id, dataset_id)
);

CREATE TABLE IF NOT EXISTS evaluations (
	submission_id INTEGER NOT NULL,
	dataset_id INTEGER NOT NULL,
	testcase_codename TEXT NOT NULL,
	outcome TEXT NOT NULL DEFAULT '',
	text TEXT NOT NULL DEFAULT '',
	execution_time REAL NOT NULL DEFAULT 0,
	wall_clock_time REAL NOT NULL DEFAULT 0,
	memory INTEGER NOT NULL DEFAULT 0,
	shard INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (submission_id, dataset_id, testcase_codename),
	FOREIGN KEY (submission_id, dataset_id)
		REFERENCES submission_results(submission_id, dataset_id)
);

CREATE TABLE IF NOT EXISTS user_tests (
	id INTEGER PRIMARY KEY,
	participation_id INTEGER NOT NULL,
	task_id INTEGER NOT NULL REFERENCES tasks(id),
	timestamp REAL NOT NULL,
	language TEXT NOT NULL DEFAULT '',
	input_digest TEXT NOT NULL DEFAULT '',
	files TEXT NOT NULL DEFAULT '{}',
	managers TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS user_test_results (
	user_test_id INTEGER NOT NULL REFERENCES user_tests(id),
	dataset_id INTEGER NOT NULL REFERENCES datasets(id),
	compilation_outcome TEXT NOT NULL DEFAULT '',
	compilation_text TEXT NOT NULL DEFAULT '',
	compilation_tries INTEGER NOT NULL DEFAULT 0,
	compilation_shard INTEGER NOT NULL DEFAULT 0,
	compilation_sandboxes TEXT NOT NULL DEFAULT '',
	executables TEXT NOT NULL DEFAULT '{}',
	evaluation_outcome TEXT NOT NULL DEFAULT '',
	evaluation_tries INTEGER NOT NULL DEFAULT 0,
	evaluation_time REAL NOT NULL DEFAULT 0,
	evaluation_memory INTEGER NOT NULL DEFAULT 0,
	evaluation_shard INTEGER NOT NULL DEFAULT 0,
	evaluation_sandbox TEXT NOT NULL DEFAULT '',
	output_digest TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (user_test_id, dataset_id)
);
`
