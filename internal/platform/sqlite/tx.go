package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"corebridge/internal/shared"
)

type txKey struct{}

// Querier is the query surface shared by *sql.DB and *sql.Tx, so callers
// work the same way inside and outside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ Querier = (*sql.DB)(nil)
	_ Querier = (*sql.Tx)(nil)
)

// RetryConfig bounds the retries WithinTx performs on SQLITE_BUSY.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// TxRunner runs callbacks inside transactions and exposes the active
// transaction through the context.
type TxRunner struct {
	DB          *sql.DB
	RetryConfig RetryConfig
}

// NewTxRunner creates a TxRunner with a short busy retry policy.
func NewTxRunner(db *sql.DB) *TxRunner {
	return &TxRunner{
		DB: db,
		RetryConfig: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     500 * time.Millisecond,
			Multiplier:   2.0,
		},
	}
}

// WithinTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise. Busy failures are retried.
func (r *TxRunner) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := SqlTx(ctx); ok {
		return fmt.Errorf("%w: nested transactions are not supported", shared.ErrConflict)
	}

	delay := r.RetryConfig.InitialDelay
	var err error
	for attempt := 1; attempt <= max(r.RetryConfig.MaxAttempts, 1); attempt++ {
		err = r.executeTx(ctx, fn)
		if err == nil || !IsBusy(err) || attempt == r.RetryConfig.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
			delay = min(time.Duration(float64(delay)*r.RetryConfig.Multiplier), r.RetryConfig.MaxDelay)
		}
	}
	return MapError(err)
}

func (r *TxRunner) executeTx(ctx context.Context, fn func(context.Context) error) error {
	txCtx, tx, err := r.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// BeginTx starts a transaction and stores it in the returned context.
// The caller owns Commit and Rollback.
func (r *TxRunner) BeginTx(ctx context.Context, opts *sql.TxOptions) (context.Context, *sql.Tx, error) {
	tx, err := r.DB.BeginTx(ctx, opts)
	if err != nil {
		return ctx, nil, MapError(err)
	}
	return WithTx(ctx, tx), tx, nil
}

// WithTx returns a context carrying tx.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// SqlTx returns the transaction stored in ctx, if any.
func SqlTx(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok
}

// GetQuerier returns the transaction in ctx or the pool.
func (r *TxRunner) GetQuerier(ctx context.Context) Querier {
	if tx, ok := SqlTx(ctx); ok {
		return tx
	}
	return r.DB
}

// IsBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, shared.ErrBusy) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}

// MapError marks driver errors with the shared kinds the engine reports.
func MapError(err error) error {
	switch {
	case err == nil:
		return nil
	case IsBusy(err):
		return shared.MarkKind(err, shared.KindBusy)
	case errors.Is(err, sql.ErrNoRows):
		return shared.MarkKind(err, shared.KindNotFound)
	default:
		return err
	}
}
