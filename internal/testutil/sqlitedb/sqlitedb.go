// Package sqlitedb opens throwaway in-memory SQLite databases for tests
// that execute compiled statements against a real engine.
package sqlitedb

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	_ "modernc.org/sqlite"
)

var counter atomic.Int64

// TestDB is an in-memory database private to one test.
type TestDB struct {
	DB   *sql.DB
	Name string
}

// NewTestDB opens a fresh database and closes it when the test ends. The
// pool is limited to one connection because every in-memory connection
// sees its own empty database.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()

	name := fmt.Sprintf("test_%d", counter.Add(1))
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open sqlite database: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		t.Fatalf("Failed to connect to sqlite database: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("Warning: Failed to close sqlite database %s: %v", name, err)
		}
	})
	return &TestDB{DB: db, Name: name}
}

// Exec runs a script of semicolon separated statements.
func (tdb *TestDB) Exec(t *testing.T, script string) {
	t.Helper()
	for i, stmt := range strings.Split(script, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tdb.DB.Exec(stmt); err != nil {
			t.Fatalf("Failed to execute SQL statement %d: %v\nStatement: %s", i+1, err, stmt)
		}
	}
}

// LoadFile runs the statements of a SQL file.
func (tdb *TestDB) LoadFile(t *testing.T, path string) {
	t.Helper()
	payload, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read SQL file %s: %v", path, err)
	}
	tdb.Exec(t, string(payload))
}
