package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TxLockMode is the SQLite lock taken by BEGIN.
type TxLockMode string

const (
	// TxLockDeferred delays locking until the first read or write.
	TxLockDeferred TxLockMode = "DEFERRED"
	// TxLockImmediate takes the RESERVED lock at BEGIN so writers fail fast with SQLITE_BUSY.
	TxLockImmediate TxLockMode = "IMMEDIATE"
	// TxLockExclusive takes the EXCLUSIVE lock at BEGIN.
	TxLockExclusive TxLockMode = "EXCLUSIVE"
)

// Options configures a SQLite connection pool.
type Options struct {
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	PingTimeout     time.Duration
	// WALMode lets readers on other connections proceed while a write
	// transaction is open.
	WALMode     bool
	ForeignKeys bool
	BusyTimeout time.Duration
	TxLock      TxLockMode
	ReadOnly    bool
}

// DefaultOptions returns settings for an embedded engine file: WAL, a small
// pool (one writer plus concurrent snapshot readers) and immediate write locks.
func DefaultOptions() Options {
	return Options{
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		MaxOpenConns:    8,
		MaxIdleConns:    2,
		PingTimeout:     5 * time.Second,
		WALMode:         true,
		ForeignKeys:     true,
		BusyTimeout:     5 * time.Second,
		TxLock:          TxLockImmediate,
	}
}

type pragma struct {
	name  string
	value string
}

func pragmasFor(path string, opts Options) []pragma {
	pragmas := make([]pragma, 0, 4)
	if opts.ForeignKeys {
		pragmas = append(pragmas, pragma{"foreign_keys", "1"})
	}
	if opts.BusyTimeout > 0 {
		pragmas = append(pragmas, pragma{"busy_timeout", fmt.Sprint(opts.BusyTimeout.Milliseconds())})
	}
	if opts.WALMode && path != ":memory:" && !opts.ReadOnly {
		pragmas = append(pragmas, pragma{"journal_mode", "WAL"})
	}
	pragmas = append(pragmas, pragma{"synchronous", "NORMAL"})
	return pragmas
}

// Open opens a SQLite database at path with DefaultOptions.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	return OpenWithOptions(ctx, path, DefaultOptions())
}

// OpenWithOptions opens a SQLite database at path. Pragmas are passed in the
// DSN so every pooled connection gets them.
func OpenWithOptions(ctx context.Context, path string, opts Options) (*sql.DB, error) {
	if path != ":memory:" && !opts.ReadOnly {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create directory %s: %w", dir, err)
			}
		}
	}

	db, err := sql.Open(DriverName, buildDSN(path, opts))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)

	pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	return db, nil
}

// OpenInMemory opens a private in-memory database limited to one connection
// so the schema is shared by every query.
func OpenInMemory(ctx context.Context) (*sql.DB, error) {
	opts := DefaultOptions()
	opts.WALMode = false
	opts.MaxOpenConns = 1
	opts.MaxIdleConns = 1
	opts.TxLock = TxLockDeferred
	return OpenWithOptions(ctx, ":memory:", opts)
}
