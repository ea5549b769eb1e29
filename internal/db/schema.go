package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS queue_jobs (
  id TEXT PRIMARY KEY,
  task TEXT NOT NULL,
  args BLOB NOT NULL,
  interval_seconds INTEGER NOT NULL DEFAULT 0,
  state TEXT NOT NULL CHECK(state IN ('scheduled','running','finished','failed','cancelled')) DEFAULT 'scheduled',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 5,
  next_run_at DATETIME NOT NULL,
  leased_until DATETIME,
  visibility_timeout INTEGER NOT NULL DEFAULT 60,
  last_error TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_jobs_due ON queue_jobs(state, next_run_at);
CREATE TABLE IF NOT EXISTS queue_job_runs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id TEXT NOT NULL,
  finished_at DATETIME NOT NULL,
  success INTEGER NOT NULL DEFAULT 0,
  error TEXT NOT NULL DEFAULT '',
  FOREIGN KEY(job_id) REFERENCES queue_jobs(id)
);
CREATE TABLE IF NOT EXISTS job_records (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL,
  first_fire_at DATETIME NOT NULL,
  interval_seconds INTEGER NOT NULL DEFAULT 0,
  description TEXT NOT NULL DEFAULT '',
  cancelled BOOLEAN NOT NULL DEFAULT 0,
  cancelled_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_job_records_name ON job_records(name);
CREATE TABLE IF NOT EXISTS users (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  username TEXT NOT NULL,
  telephone TEXT NOT NULL UNIQUE,
  granted BOOLEAN NOT NULL DEFAULT 0,
  granted_at DATETIME,
  created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS payments (
  code TEXT PRIMARY KEY,
  sender TEXT NOT NULL DEFAULT '',
  amount TEXT NOT NULL DEFAULT 'Ksh0.00',
  source TEXT NOT NULL DEFAULT '',
  linked_job_id TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS queue_jobs (
  id TEXT PRIMARY KEY,
  task TEXT NOT NULL,
  args BYTEA NOT NULL,
  interval_seconds BIGINT NOT NULL DEFAULT 0,
  state TEXT NOT NULL CHECK(state IN ('scheduled','running','finished','failed','cancelled')) DEFAULT 'scheduled',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 5,
  next_run_at TIMESTAMPTZ NOT NULL,
  leased_until TIMESTAMPTZ,
  visibility_timeout INTEGER NOT NULL DEFAULT 60,
  last_error TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_queue_jobs_due ON queue_jobs(state, next_run_at);
CREATE TABLE IF NOT EXISTS queue_job_runs (
  id BIGSERIAL PRIMARY KEY,
  job_id TEXT NOT NULL REFERENCES queue_jobs(id),
  finished_at TIMESTAMPTZ NOT NULL,
  success BOOLEAN NOT NULL DEFAULT FALSE,
  error TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS job_records (
  seq BIGSERIAL PRIMARY KEY,
  id TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL,
  first_fire_at TIMESTAMPTZ NOT NULL,
  interval_seconds BIGINT NOT NULL DEFAULT 0,
  description TEXT NOT NULL DEFAULT '',
  cancelled BOOLEAN NOT NULL DEFAULT FALSE,
  cancelled_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_job_records_name ON job_records(name);
CREATE TABLE IF NOT EXISTS users (
  id BIGSERIAL PRIMARY KEY,
  username TEXT NOT NULL,
  telephone TEXT NOT NULL UNIQUE,
  granted BOOLEAN NOT NULL DEFAULT FALSE,
  granted_at TIMESTAMPTZ,
  created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS payments (
  code TEXT PRIMARY KEY,
  sender TEXT NOT NULL DEFAULT '',
  amount TEXT NOT NULL DEFAULT 'Ksh0.00',
  source TEXT NOT NULL DEFAULT '',
  linked_job_id TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	schema := sqliteSchema
	if IsPostgres(db) {
		schema = postgresSchema
	}
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
