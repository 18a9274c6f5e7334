package sqlstore

import "database/sql"

// schema is the JWOC relational schema, mirroring the table layout SPEC_FULL
// §3 maps from the Job/WorkItem/Batch data model. Modeled directly on the
// teacher's InitSchema convention (one CREATE TABLE IF NOT EXISTS per
// entity, foreign keys declared ON DELETE CASCADE).
const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id                 TEXT PRIMARY KEY,
	username           TEXT NOT NULL,
	request_url        TEXT NOT NULL DEFAULT '',
	message            TEXT NOT NULL DEFAULT '',
	progress           INTEGER NOT NULL DEFAULT 0,
	status             TEXT NOT NULL,
	ignore_errors      INTEGER NOT NULL DEFAULT 0,
	num_input_granules INTEGER NOT NULL DEFAULT 0,
	collection_refs    TEXT NOT NULL DEFAULT '[]',
	created_at         INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_username ON jobs(username);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS job_links (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id     TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	sort_index INTEGER NOT NULL,
	href       TEXT NOT NULL,
	rel        TEXT NOT NULL DEFAULT '',
	title      TEXT NOT NULL DEFAULT '',
	type       TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_job_links_job_id ON job_links(job_id);

CREATE TABLE IF NOT EXISTS job_errors (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id   TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	url      TEXT NOT NULL DEFAULT '',
	message  TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_job_errors_job_id ON job_errors(job_id);

CREATE TABLE IF NOT EXISTS workflow_steps (
	job_id                  TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	step_index              INTEGER NOT NULL,
	service_id              TEXT NOT NULL,
	operation               TEXT NOT NULL DEFAULT '',
	is_batched              INTEGER NOT NULL DEFAULT 0,
	is_input_producer       INTEGER NOT NULL DEFAULT 0,
	max_batch_inputs        INTEGER NOT NULL DEFAULT 0,
	max_batch_size_in_bytes INTEGER NOT NULL DEFAULT 0,
	expected_count          INTEGER NOT NULL DEFAULT 0,
	ready_count             INTEGER NOT NULL DEFAULT 0,
	running_count           INTEGER NOT NULL DEFAULT 0,
	success_count           INTEGER NOT NULL DEFAULT 0,
	failed_count            INTEGER NOT NULL DEFAULT 0,
	canceled_count          INTEGER NOT NULL DEFAULT 0,
	warning_count           INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (job_id, step_index)
);

CREATE TABLE IF NOT EXISTS work_items (
	id                  TEXT PRIMARY KEY,
	job_id              TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	workflow_step_index INTEGER NOT NULL,
	service_id          TEXT NOT NULL,
	status              TEXT NOT NULL,
	started_at          INTEGER,
	updated_at          INTEGER NOT NULL,
	retry_count         INTEGER NOT NULL DEFAULT 0,
	scroll_id           TEXT NOT NULL DEFAULT '',
	total_items_size    INTEGER NOT NULL DEFAULT 0,
	duration_ms         INTEGER NOT NULL DEFAULT 0,
	message             TEXT NOT NULL DEFAULT '',
	results             TEXT NOT NULL DEFAULT '[]',
	operation           TEXT NOT NULL DEFAULT '',
	batch_id            TEXT NOT NULL DEFAULT '',
	UNIQUE (job_id, workflow_step_index, id)
);

CREATE INDEX IF NOT EXISTS idx_work_items_job_id ON work_items(job_id);
CREATE INDEX IF NOT EXISTS idx_work_items_status_updated ON work_items(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_work_items_service_status ON work_items(service_id, status);

CREATE TABLE IF NOT EXISTS user_work (
	username      TEXT NOT NULL,
	service_id    TEXT NOT NULL,
	job_id        TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	ready_count   INTEGER NOT NULL DEFAULT 0,
	running_count INTEGER NOT NULL DEFAULT 0,
	is_async      INTEGER NOT NULL DEFAULT 0,
	last_worked   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (job_id, service_id)
);

CREATE INDEX IF NOT EXISTS idx_user_work_service_ready ON user_work(service_id, ready_count, last_worked);

CREATE TABLE IF NOT EXISTS batches (
	id             TEXT PRIMARY KEY,
	job_id         TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	step_index     INTEGER NOT NULL,
	sort_index     INTEGER NOT NULL,
	is_last        INTEGER NOT NULL DEFAULT 0,
	item_count     INTEGER NOT NULL DEFAULT 0,
	total_size     INTEGER NOT NULL DEFAULT 0,
	sealed         INTEGER NOT NULL DEFAULT 0,
	expected_count INTEGER NOT NULL DEFAULT 0,
	UNIQUE (job_id, step_index, sort_index)
);

CREATE TABLE IF NOT EXISTS batch_items (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id TEXT NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
	href     TEXT NOT NULL,
	size     INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_batch_items_batch_id ON batch_items(batch_id);

CREATE TABLE IF NOT EXISTS job_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id     TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	level      TEXT NOT NULL DEFAULT 'info',
	message    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_job_events_job_id ON job_events(job_id);
`

// InitSchema creates every JWOC table if it does not already exist.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
