// Package db is the PostgreSQL persistence layer. It speaks plain
// database/sql with the lib/pq driver; documents and run payloads live in
// JSONB columns so schema churn stays out of migrations.
package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/Nano112/polymerase-sub001/internal/crypto"
)

// DB wraps a database/sql connection pool for PostgreSQL.
type DB struct {
	Pool *sql.DB
	enc  *crypto.Encryptor
}

// New opens a connection pool and verifies connectivity.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	pool, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	pool.SetMaxOpenConns(25)
	pool.SetMaxIdleConns(5)

	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	enc, _ := crypto.NewEncryptor(nil)
	return &DB{Pool: pool, enc: enc}, nil
}

// SetEncryptor installs the encryptor used to seal webhook secrets at rest.
// Without one, secrets are stored as plaintext.
func (d *DB) SetEncryptor(e *crypto.Encryptor) {
	if e != nil {
		d.enc = e
	}
}

// Close closes the connection pool.
func (d *DB) Close() error {
	return d.Pool.Close()
}

// Migrate runs the database schema migrations.
func (d *DB) Migrate(ctx context.Context) error {
	_, err := d.Pool.ExecContext(ctx, migrationSQL)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

const migrationSQL = `
CREATE TABLE IF NOT EXISTS flows (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    version     TEXT NOT NULL DEFAULT '',
    definition  JSONB NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS flow_apis (
    id             TEXT PRIMARY KEY,
    flow_id        TEXT NOT NULL,
    flow_version   TEXT NOT NULL DEFAULT '',
    slug           TEXT UNIQUE NOT NULL,
    enabled        BOOLEAN NOT NULL DEFAULT TRUE,
    default_ttl    INTEGER NOT NULL DEFAULT 3600,
    max_ttl        INTEGER NOT NULL DEFAULT 86400,
    timeout_ms     INTEGER NOT NULL DEFAULT 30000,
    rate_limit     JSONB NOT NULL DEFAULT '{}',
    title          TEXT NOT NULL DEFAULT '',
    description    TEXT NOT NULL DEFAULT '',
    api_version    TEXT NOT NULL DEFAULT '',
    webhook_secret TEXT NOT NULL DEFAULT '',
    cached_spec    JSONB,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS runs (
    id           TEXT PRIMARY KEY,
    flow_id      TEXT NOT NULL,
    flow_api_id  TEXT,
    api_key_id   TEXT,
    status       TEXT NOT NULL DEFAULT 'pending',
    progress     INTEGER NOT NULL DEFAULT 0,
    current_node TEXT NOT NULL DEFAULT '',
    inputs       JSONB,
    outputs      JSONB,
    error        JSONB,
    node_results JSONB,
    logs         JSONB,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    started_at   TIMESTAMPTZ,
    completed_at TIMESTAMPTZ,
    expires_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_flow_id ON runs(flow_id);
CREATE INDEX IF NOT EXISTS idx_runs_flow_api_id ON runs(flow_api_id);
CREATE INDEX IF NOT EXISTS idx_runs_expires_at ON runs(expires_at);

CREATE TABLE IF NOT EXISTS artifacts (
    id         TEXT PRIMARY KEY,
    run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    name       TEXT NOT NULL,
    category   TEXT NOT NULL,
    format     TEXT NOT NULL DEFAULT '',
    size       BIGINT NOT NULL DEFAULT 0,
    data       BYTEA,
    url        TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_artifacts_run_id ON artifacts(run_id);
`
