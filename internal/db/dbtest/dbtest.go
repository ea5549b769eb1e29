// Package dbtest opens throwaway SQLite databases for package tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"

	"paywatch/internal/db"
)

// New returns a migrated SQLite database living in t's temp dir.
func New(t testing.TB) *sqlx.DB {
	t.Helper()

	conn, err := db.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := db.EnsureSchema(context.Background(), conn); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return conn
}
