// CLAUDE:SUMMARY Applies the newsagg SQL schema: sources, articles, fetch_log, plus column migrations.
package store

import (
	"database/sql"
	"fmt"
)

// Schema is the complete newsagg store schema.
const Schema = `
-- Configured sources with their runtime health counters
CREATE TABLE IF NOT EXISTS sources (
    name             TEXT PRIMARY KEY,
    endpoint         TEXT NOT NULL,
    kind             TEXT NOT NULL DEFAULT 'feed',
    enabled          INTEGER NOT NULL DEFAULT 1,
    auto_disabled    INTEGER NOT NULL DEFAULT 0,
    timeout_ms       INTEGER NOT NULL DEFAULT 0,
    category_hint    TEXT NOT NULL DEFAULT '',
    language_hint    TEXT NOT NULL DEFAULT '',
    options_json     TEXT NOT NULL DEFAULT '{}',
    etag             TEXT NOT NULL DEFAULT '',
    last_modified    TEXT NOT NULL DEFAULT '',
    fail_count       INTEGER NOT NULL DEFAULT 0,
    last_success_at  INTEGER,
    last_attempt_at  INTEGER,
    last_error_kind  TEXT NOT NULL DEFAULT '',
    last_error       TEXT NOT NULL DEFAULT '',
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL
);

-- Articles: one row per canonical URL
CREATE TABLE IF NOT EXISTS articles (
    id            TEXT PRIMARY KEY,
    source        TEXT NOT NULL,
    url           TEXT NOT NULL,
    title         TEXT NOT NULL DEFAULT '',
    body          TEXT NOT NULL DEFAULT '',
    author        TEXT NOT NULL DEFAULT '',
    published_at  INTEGER NOT NULL,
    fetched_at    INTEGER NOT NULL,
    updated_at    INTEGER NOT NULL,
    category      TEXT NOT NULL DEFAULT 'uncategorized',
    language      TEXT NOT NULL DEFAULT 'unknown',
    content_hash  TEXT NOT NULL,
    UNIQUE (url),
    UNIQUE (url, content_hash)
);
CREATE INDEX IF NOT EXISTS idx_articles_order ON articles(published_at DESC, id ASC);
CREATE INDEX IF NOT EXISTS idx_articles_source_hash ON articles(source, content_hash, published_at);
CREATE INDEX IF NOT EXISTS idx_articles_source_time ON articles(source, published_at DESC);
CREATE INDEX IF NOT EXISTS idx_articles_category ON articles(category, published_at DESC);

-- Fetch log (one row per source per cycle)
CREATE TABLE IF NOT EXISTS fetch_log (
    id             TEXT PRIMARY KEY,
    source         TEXT NOT NULL,
    status         TEXT NOT NULL,
    error_kind     TEXT NOT NULL DEFAULT '',
    status_code    INTEGER NOT NULL DEFAULT 0,
    error_message  TEXT NOT NULL DEFAULT '',
    candidates     INTEGER NOT NULL DEFAULT 0,
    malformed      INTEGER NOT NULL DEFAULT 0,
    duration_ms    INTEGER NOT NULL DEFAULT 0,
    fetched_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fetch_log_source ON fetch_log(source, fetched_at DESC);
`

// Migration001FetchLogCycle links fetch_log rows to the refresh cycle.
const Migration001FetchLogCycle = `
ALTER TABLE fetch_log ADD COLUMN cycle_id TEXT NOT NULL DEFAULT '';
`

// Migration002SourceStatusCode keeps the HTTP status of the last failure.
const Migration002SourceStatusCode = `
ALTER TABLE sources ADD COLUMN last_status_code INTEGER NOT NULL DEFAULT 0;
`

// ApplySchema creates all tables and indexes on the given database.
func ApplySchema(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return err
	}
	if err := applyColumnMigration(db, "fetch_log", "cycle_id", Migration001FetchLogCycle); err != nil {
		return err
	}
	return applyColumnMigration(db, "sources", "last_status_code", Migration002SourceStatusCode)
}

// applyColumnMigration runs ddl when table lacks column. Idempotent.
func applyColumnMigration(db *sql.DB, table, column, ddl string) error {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&count)
	if err != nil {
		return fmt.Errorf("store: inspect %s: %w", table, err)
	}
	if count > 0 {
		return nil
	}
	if _, err := db.Exec(ddl); err != nil {
		return fmt.Errorf("store: add %s.%s: %w", table, column, err)
	}
	return nil
}
