package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

const schemaLockID int64 = 2026031501

const schemaDDL = `
CREATE TABLE IF NOT EXISTS documents (
	id BIGSERIAL PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	storage_key TEXT NOT NULL,
	size_bytes BIGINT NOT NULL DEFAULT 0,
	media_type TEXT NOT NULL DEFAULT '',
	owner_id TEXT NOT NULL DEFAULT '',
	page_count INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	deleted BOOLEAN NOT NULL DEFAULT FALSE,
	version BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);

CREATE TABLE IF NOT EXISTS stage_attempts (
	id BIGSERIAL PRIMARY KEY,
	document_id BIGINT NOT NULL REFERENCES documents(id),
	stage TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	outcome TEXT NOT NULL,
	error_detail TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_stage_attempts_latest
	ON stage_attempts(document_id, stage, started_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_stage_attempts_open
	ON stage_attempts(stage, started_at) WHERE outcome = 'IN_PROGRESS';

CREATE TABLE IF NOT EXISTS summaries (
	id BIGSERIAL PRIMARY KEY,
	document_id BIGINT NOT NULL REFERENCES documents(id),
	title TEXT NOT NULL DEFAULT '',
	language TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_summaries_document ON summaries(document_id);

CREATE TABLE IF NOT EXISTS document_tags (
	document_id BIGINT NOT NULL REFERENCES documents(id),
	tag TEXT NOT NULL,
	PRIMARY KEY (document_id, tag)
);

CREATE TABLE IF NOT EXISTS visual_assets (
	id BIGSERIAL PRIMARY KEY,
	document_id BIGINT NOT NULL REFERENCES documents(id),
	kind TEXT NOT NULL,
	locator TEXT NOT NULL,
	caption TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS outbox (
	id BIGSERIAL PRIMARY KEY,
	message_id TEXT NOT NULL UNIQUE,
	topic TEXT NOT NULL,
	payload JSONB NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	published_at TIMESTAMPTZ,
	parked_at TIMESTAMPTZ
);

ALTER TABLE outbox ADD COLUMN IF NOT EXISTS parked_at TIMESTAMPTZ;
DROP INDEX IF EXISTS idx_outbox_pending;
CREATE INDEX IF NOT EXISTS idx_outbox_claimable ON outbox(id)
	WHERE published_at IS NULL AND parked_at IS NULL;

CREATE TABLE IF NOT EXISTS subject_counters (
	subject_id BIGINT PRIMARY KEY,
	views BIGINT NOT NULL DEFAULT 0,
	likes BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS stats_event_dedup (
	event_id TEXT PRIMARY KEY,
	subject_id BIGINT NOT NULL,
	processed_at TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates the pipeline tables. Concurrent api/worker startups
// are serialized by an advisory lock.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockID); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
