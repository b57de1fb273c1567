package sqlite

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corebridge/internal/shared"
)

func TestTxRunner_WithinTx(t *testing.T) {
	tdb := NewTestDB(t)
	tdb.Exec(t, "CREATE TABLE test (id INTEGER PRIMARY KEY, value TEXT)")
	ctx := context.Background()

	t.Run("commit", func(t *testing.T) {
		err := tdb.TxRunner.WithinTx(ctx, func(ctx context.Context) error {
			tx, ok := SqlTx(ctx)
			require.True(t, ok)
			_, err := tx.ExecContext(ctx, "INSERT INTO test (value) VALUES (?)", "a")
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, 1, tdb.CountRows(t, "test"))
	})

	t.Run("rollback on error", func(t *testing.T) {
		boom := errors.New("boom")
		err := tdb.TxRunner.WithinTx(ctx, func(ctx context.Context) error {
			_, err := tdb.TxRunner.GetQuerier(ctx).ExecContext(ctx, "INSERT INTO test (value) VALUES (?)", "b")
			require.NoError(t, err)
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, tdb.CountRows(t, "test"))
	})

	t.Run("nested rejected", func(t *testing.T) {
		err := tdb.TxRunner.WithinTx(ctx, func(ctx context.Context) error {
			return tdb.TxRunner.WithinTx(ctx, func(context.Context) error { return nil })
		})
		assert.ErrorIs(t, err, shared.ErrConflict)
	})
}

func TestTxRunner_BeginTx(t *testing.T) {
	tdb := NewTestDB(t)
	tdb.Exec(t, "CREATE TABLE test (v INTEGER)")
	ctx := context.Background()

	txCtx, tx, err := tdb.TxRunner.BeginTx(ctx, nil)
	require.NoError(t, err)

	got, ok := SqlTx(txCtx)
	require.True(t, ok)
	assert.Same(t, tx, got)
	_, ok = SqlTx(ctx)
	assert.False(t, ok)

	_, err = tdb.TxRunner.GetQuerier(txCtx).ExecContext(txCtx, "INSERT INTO test VALUES (1)")
	require.NoError(t, err)

	// uncommitted rows are invisible to other connections
	assert.Equal(t, 0, tdb.CountRows(t, "test"))
	require.NoError(t, tx.Commit())
	assert.Equal(t, 1, tdb.CountRows(t, "test"))
}

func TestIsBusy(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{errors.New("database table is locked"), true},
		{fmt.Errorf("wrap: %w", shared.ErrBusy), true},
		{errors.New("no such table"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsBusy(tt.err), "%v", tt.err)
	}
}

func TestMapError(t *testing.T) {
	assert.Nil(t, MapError(nil))
	assert.ErrorIs(t, MapError(errors.New("database is locked")), shared.ErrBusy)
	plain := errors.New("syntax error")
	assert.Same(t, plain, MapError(plain))
}
