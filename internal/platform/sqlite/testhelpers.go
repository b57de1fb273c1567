package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
)

// TestDB is a file-backed SQLite database for tests.
type TestDB struct {
	DB       *sql.DB
	Path     string
	TxRunner *TxRunner
}

// NewTestDB opens a fresh database under t.TempDir and closes it on cleanup.
func NewTestDB(t testing.TB) *TestDB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return &TestDB{DB: db, Path: path, TxRunner: NewTxRunner(db)}
}

// Exec runs query and fails the test on error.
func (tdb *TestDB) Exec(t testing.TB, query string, args ...any) sql.Result {
	t.Helper()

	result, err := tdb.DB.ExecContext(context.Background(), query, args...)
	if err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
	return result
}

// CountRows returns the number of rows in table.
func (tdb *TestDB) CountRows(t testing.TB, table string) int {
	t.Helper()

	var count int
	if err := tdb.DB.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
		t.Fatalf("count rows in %s: %v", table, err)
	}
	return count
}

// TableExists reports whether table exists.
func (tdb *TestDB) TableExists(t testing.TB, table string) bool {
	t.Helper()

	var count int
	row := tdb.DB.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("check table %s: %v", table, err)
	}
	return count > 0
}
