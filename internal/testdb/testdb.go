// Package testdb opens migrated in-memory databases for package tests.
package testdb

import (
	"context"
	"database/sql"
	"testing"

	"clawcontrol/internal/db"
	"clawcontrol/internal/migrate"
)

// Open returns a migrated in-memory database closed at test cleanup.
func Open(t testing.TB) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Memory: true})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}
