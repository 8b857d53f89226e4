package sqlstore

// schemaStatements is the full set of CREATE TABLE/INDEX statements
// applied by EnsureSchema, grounded on the teacher's own
// EnsureSchema-per-store convention (see e.g.
// internal/infra/kernel/postgres_store.go) of a plain slice of
// idempotent DDL strings executed in order.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		description  TEXT NOT NULL DEFAULT '',
		quota        JSONB NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS work_items (
		id           TEXT PRIMARY KEY,
		project_id   TEXT NOT NULL REFERENCES projects(id),
		title        TEXT NOT NULL,
		description  TEXT NOT NULL DEFAULT '',
		tool_recipe  JSONB,
		policy       JSONB NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_work_items_project ON work_items (project_id)`,
	`CREATE TABLE IF NOT EXISTS approval_requests (
		id            TEXT PRIMARY KEY,
		work_item_id  TEXT NOT NULL REFERENCES work_items(id),
		state         TEXT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL,
		decided_at    TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_approval_requests_work_item ON approval_requests (work_item_id)`,
	`CREATE TABLE IF NOT EXISTS queue_entries (
		id                    TEXT PRIMARY KEY,
		work_item_id          TEXT NOT NULL REFERENCES work_items(id),
		depends_on_work_item  TEXT NOT NULL DEFAULT '',
		priority              INTEGER NOT NULL DEFAULT 0,
		scheduled_for         TIMESTAMPTZ NOT NULL,
		enqueued_at           TIMESTAMPTZ NOT NULL,
		state                 TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queue_entries_ready
		ON queue_entries (state, scheduled_for, priority DESC, enqueued_at)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id                  TEXT PRIMARY KEY,
		work_item_id        TEXT NOT NULL REFERENCES work_items(id),
		state               TEXT NOT NULL,
		attempt             INTEGER NOT NULL DEFAULT 1,
		trace_id            TEXT NOT NULL DEFAULT '',
		started_at          TIMESTAMPTZ,
		finished_at         TIMESTAMPTZ,
		claimed_by          TEXT NOT NULL DEFAULT '',
		claim_expires_at    TIMESTAMPTZ,
		last_heartbeat_at   TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_work_item ON runs (work_item_id)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_expired ON runs (state, claim_expires_at) WHERE state = 'running'`,
	`CREATE TABLE IF NOT EXISTS run_steps (
		id           TEXT PRIMARY KEY,
		run_id       TEXT NOT NULL REFERENCES runs(id),
		idx          INTEGER NOT NULL,
		name         TEXT NOT NULL,
		status       TEXT NOT NULL,
		started_at   TIMESTAMPTZ,
		finished_at  TIMESTAMPTZ,
		metadata     JSONB
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_run_steps_run_idx ON run_steps (run_id, idx)`,
	`CREATE TABLE IF NOT EXISTS log_entries (
		run_id     TEXT NOT NULL REFERENCES runs(id),
		seq        BIGINT NOT NULL,
		timestamp  TIMESTAMPTZ NOT NULL,
		stream     TEXT NOT NULL,
		text       TEXT NOT NULL,
		PRIMARY KEY (run_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS info_requests (
		id                  TEXT PRIMARY KEY,
		run_id              TEXT NOT NULL REFERENCES runs(id),
		keys                JSONB NOT NULL,
		state               TEXT NOT NULL,
		response_plain      JSONB,
		response_ciphertext  BYTEA,
		encryption_tag      TEXT NOT NULL DEFAULT '',
		created_at          TIMESTAMPTZ NOT NULL,
		answered_at         TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_info_requests_run ON info_requests (run_id)`,
	`CREATE TABLE IF NOT EXISTS agents (
		id            TEXT PRIMARY KEY,
		last_seen_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS run_artifacts (
		id           TEXT PRIMARY KEY,
		run_id       TEXT NOT NULL REFERENCES runs(id),
		name         TEXT NOT NULL,
		media_type   TEXT NOT NULL DEFAULT '',
		kind         TEXT NOT NULL DEFAULT '',
		size_bytes   INTEGER NOT NULL DEFAULT 0,
		content      BYTEA,
		created_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_run_artifacts_run ON run_artifacts (run_id)`,
	`CREATE TABLE IF NOT EXISTS run_summaries (
		id           TEXT PRIMARY KEY,
		run_id       TEXT NOT NULL REFERENCES runs(id),
		title        TEXT NOT NULL DEFAULT '',
		tags         JSONB,
		data         JSONB,
		created_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_run_summaries_run ON run_summaries (run_id)`,
}
