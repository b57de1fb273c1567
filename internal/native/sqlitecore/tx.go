package sqlitecore

import (
	"context"
	"strconv"

	"corebridge/internal/native"
	"corebridge/internal/platform/sqlite"
)

// Freeze implements native.Engine. Freezing a live version inside a write
// transaction pins the last committed version.
func (e *Engine) Freeze(tok native.Token) (native.Token, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	src, err := e.get("freeze", tok, versionKinds...)
	if err != nil {
		return 0, err
	}
	v := src.file.head
	if src.frozen {
		v = src.version
	}
	return e.alloc(&entry{kind: native.KindFrozenVersion, file: src.file, frozen: true, version: v}), nil
}

// BeginWrite implements native.Engine. While another live version of the
// file holds the write slot it waits for that transaction to finish or ctx
// to end.
func (e *Engine) BeginWrite(ctx context.Context, live native.Token) (native.Token, error) {
	const op = "begin_write"

	e.mu.Lock()
	var en *entry
	for {
		var err error
		if en, err = e.get(op, live, native.KindLiveVersion); err != nil {
			e.mu.Unlock()
			return 0, err
		}
		cur := en.file.tx
		if cur == nil {
			break
		}
		if cur.owner == en {
			e.mu.Unlock()
			return 0, native.Errorf(op, native.CodeInTransaction, "write transaction already open on %s", en.file.path)
		}
		e.mu.Unlock()
		select {
		case <-cur.finished:
		case <-ctx.Done():
			return 0, native.WrapError(op, native.CodeBusy, ctx.Err())
		}
		e.mu.Lock()
	}
	f := en.file
	wt := &writeTx{
		owner:    en,
		pending:  f.head + 1,
		keys:     make(map[int64]struct{}),
		classes:  make(map[string]struct{}),
		finished: make(chan struct{}),
	}
	// reserve the slot before the BEGIN, which may wait on the busy timeout
	f.tx = wt
	e.mu.Unlock()

	// the transaction outlives the call that opened it
	txCtx, sqlTx, err := f.runner.BeginTx(context.WithoutCancel(ctx), nil)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		f.endTx(wt)
		return 0, fileError(op, err)
	}
	wt.ctx = txCtx
	wt.sql = sqlTx
	return e.alloc(&entry{kind: native.KindWriteTransaction, file: f, tx: wt, live: en}), nil
}

// activeTx returns the open transaction behind tok.
func (e *Engine) activeTx(op string, tok native.Token) (*entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	en, err := e.get(op, tok, native.KindWriteTransaction)
	if err != nil {
		return nil, err
	}
	if en.tx.done {
		return nil, native.WrapError(op, native.CodeNotInTransaction, errNoTx)
	}
	return en, nil
}

// Commit implements native.Engine.
func (e *Engine) Commit(ctx context.Context, tok native.Token) (uint64, error) {
	const op = "commit"

	en, err := e.activeTx(op, tok)
	if err != nil {
		return 0, err
	}
	wt, f := en.tx, en.file

	_, err = wt.sql.ExecContext(ctx, `UPDATE meta SET value = ? WHERE key = ?`,
		strconv.FormatUint(wt.pending, 10), metaHeadVersion)
	if err == nil {
		err = wt.sql.Commit()
	} else {
		_ = wt.sql.Rollback()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	f.endTx(wt)
	if err != nil {
		return 0, fileError(op, sqlite.MapError(err))
	}

	f.head = wt.pending
	if len(wt.keys) > 0 {
		f.queue.push(commitNote{version: wt.pending, keys: wt.keys, classes: wt.classes})
	}
	f.log.Debug("committed", "version", wt.pending, "objects", len(wt.keys))
	return wt.pending, nil
}

// Rollback implements native.Engine.
func (e *Engine) Rollback(_ context.Context, tok native.Token) error {
	const op = "rollback"

	en, err := e.activeTx(op, tok)
	if err != nil {
		return err
	}
	wt, f := en.tx, en.file
	err = wt.sql.Rollback()

	e.mu.Lock()
	defer e.mu.Unlock()
	f.endTx(wt)
	if err != nil {
		return native.WrapError(op, native.CodeInternal, err)
	}
	return nil
}
