package store

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	owner_id   TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS drawing_versions (
	id          TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	label       TEXT NOT NULL,
	storage_ref TEXT NOT NULL,
	page_count  INTEGER NOT NULL,
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_drawing_versions_project ON drawing_versions(project_id);

CREATE TABLE IF NOT EXISTS jobs (
	id             TEXT PRIMARY KEY,
	project_id     TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	old_version_id TEXT NOT NULL REFERENCES drawing_versions(id),
	new_version_id TEXT NOT NULL REFERENCES drawing_versions(id),
	created_by     TEXT NOT NULL,
	status         TEXT NOT NULL,
	meta           TEXT NOT NULL DEFAULT '{}',
	created_at     TIMESTAMP NOT NULL,
	started_at     TIMESTAMP,
	completed_at   TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_project_created ON jobs(project_id, created_at);

CREATE TABLE IF NOT EXISTS job_stages (
	id              TEXT PRIMARY KEY,
	job_id          TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	kind            TEXT NOT NULL,
	status          TEXT NOT NULL,
	expected_count  INTEGER NOT NULL DEFAULT 0,
	completed_count INTEGER NOT NULL DEFAULT 0,
	failed_count    INTEGER NOT NULL DEFAULT 0,
	skipped_count   INTEGER NOT NULL DEFAULT 0,
	UNIQUE(job_id, kind)
);

CREATE TABLE IF NOT EXISTS page_tasks (
	id                 TEXT PRIMARY KEY,
	job_id             TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	stage_kind         TEXT NOT NULL,
	drawing_version_id TEXT,
	page_index         INTEGER,
	drawing_name       TEXT,
	old_page_index     INTEGER,
	new_page_index     INTEGER,
	diff_result_id     TEXT,
	status             TEXT NOT NULL,
	effects_done       INTEGER NOT NULL DEFAULT 0,
	attempts           INTEGER NOT NULL DEFAULT 0,
	max_attempts       INTEGER NOT NULL,
	error_kind         TEXT,
	error_message      TEXT,
	deadline           TIMESTAMP,
	created_at         TIMESTAMP NOT NULL,
	updated_at         TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_page_tasks_job_stage ON page_tasks(job_id, stage_kind);
CREATE INDEX IF NOT EXISTS idx_page_tasks_deadline ON page_tasks(status, deadline);

CREATE TABLE IF NOT EXISTS page_results (
	drawing_version_id TEXT NOT NULL REFERENCES drawing_versions(id) ON DELETE CASCADE,
	page_index         INTEGER NOT NULL,
	image_ref          TEXT NOT NULL,
	drawing_name       TEXT,
	metadata           TEXT,
	created_at         TIMESTAMP NOT NULL,
	PRIMARY KEY (drawing_version_id, page_index)
);

CREATE TABLE IF NOT EXISTS diff_results (
	id              TEXT PRIMARY KEY,
	job_id          TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	drawing_name    TEXT NOT NULL,
	old_image_ref   TEXT NOT NULL,
	new_image_ref   TEXT NOT NULL,
	overlay_ref     TEXT NOT NULL,
	alignment_score REAL NOT NULL,
	change_detected INTEGER NOT NULL,
	change_count    INTEGER,
	created_at      TIMESTAMP NOT NULL,
	UNIQUE(job_id, drawing_name)
);

CREATE TABLE IF NOT EXISTS change_summaries (
	id             TEXT PRIMARY KEY,
	diff_result_id TEXT NOT NULL REFERENCES diff_results(id) ON DELETE CASCADE,
	job_id         TEXT NOT NULL,
	document       TEXT NOT NULL,
	free_text      TEXT NOT NULL,
	model          TEXT NOT NULL,
	source         TEXT NOT NULL,
	created_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_change_summaries_diff ON change_summaries(diff_result_id);

CREATE TABLE IF NOT EXISTS manual_overlays (
	id             TEXT PRIMARY KEY,
	diff_result_id TEXT NOT NULL REFERENCES diff_results(id) ON DELETE CASCADE,
	overlay_ref    TEXT NOT NULL,
	uploaded_by    TEXT NOT NULL,
	created_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_manual_overlays_diff ON manual_overlays(diff_result_id);
`
