package version

import (
	"context"
	"fmt"

	"corebridge/internal/dispatch"
	"corebridge/internal/handle"
	"corebridge/internal/native"
	"corebridge/internal/shared"
)

// WriteTx is the write transaction of a live context.
type WriteTx struct {
	ctx  *Context
	id   handle.ID
	done bool
}

// BeginWrite opens a write transaction. Only one may be open per context.
func (c *Context) BeginWrite(ctx context.Context) (*WriteTx, error) {
	if c.kind == Frozen {
		return nil, fmt.Errorf("%w: frozen contexts are read-only", shared.ErrValidation)
	}
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	if c.tx != nil {
		return nil, fmt.Errorf("%w: write transaction already open on %s", shared.ErrConflict, c.path)
	}

	var tok native.Token
	err := c.use(c.ver, func(v native.Token) (err error) {
		tok, err = c.env.Engine.BeginWrite(ctx, v)
		return err
	})
	if err != nil {
		return nil, err
	}
	id, err := c.register(tok, native.KindWriteTransaction)
	if err != nil {
		return nil, err
	}
	c.tx = &WriteTx{ctx: c, id: id}
	return c.tx, nil
}

func (tx *WriteTx) check(ctx context.Context) error {
	if err := tx.ctx.check(ctx); err != nil {
		return err
	}
	if tx.done {
		return fmt.Errorf("%w: write transaction finished", shared.ErrConflict)
	}
	return nil
}

// writable checks obj may be written through tx.
func (tx *WriteTx) writable(obj *Object) error {
	if obj.ctx != tx.ctx {
		return fmt.Errorf("%w: object belongs to %s, resolve it first", shared.ErrValidation, obj.ctx)
	}
	if obj.Stale() {
		return fmt.Errorf("%w: object handle %d", shared.ErrStaleObject, obj.id)
	}
	return nil
}

// Create inserts a new object.
func (tx *WriteTx) Create(ctx context.Context, class, pk string, fields native.Fields) (*Object, error) {
	if err := tx.check(ctx); err != nil {
		return nil, err
	}
	var tok native.Token
	err := tx.ctx.use(tx.id, func(t native.Token) (err error) {
		tok, err = tx.ctx.env.Engine.CreateObject(ctx, t, class, pk, fields)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tx.ctx.newObject(tok)
}

// Set writes one field of obj.
func (tx *WriteTx) Set(ctx context.Context, obj *Object, field string, value native.Value) error {
	if err := tx.check(ctx); err != nil {
		return err
	}
	if err := tx.writable(obj); err != nil {
		return err
	}
	return tx.ctx.use(tx.id, func(t native.Token) error {
		return tx.ctx.use(obj.id, func(o native.Token) error {
			return tx.ctx.env.Engine.SetField(ctx, t, o, field, value)
		})
	})
}

// Delete removes obj.
func (tx *WriteTx) Delete(ctx context.Context, obj *Object) error {
	if err := tx.check(ctx); err != nil {
		return err
	}
	if err := tx.writable(obj); err != nil {
		return err
	}
	return tx.ctx.use(tx.id, func(t native.Token) error {
		return tx.ctx.use(obj.id, func(o native.Token) error {
			return tx.ctx.env.Engine.DeleteObject(ctx, t, o)
		})
	})
}

// Commit publishes the transaction and returns the new version. Handles
// obtained through the context before Commit become stale.
func (tx *WriteTx) Commit(ctx context.Context) (uint64, error) {
	if err := tx.check(ctx); err != nil {
		return 0, err
	}
	var v uint64
	err := tx.ctx.use(tx.id, func(t native.Token) (err error) {
		v, err = tx.ctx.env.Engine.Commit(ctx, t)
		return err
	})
	if ferr := tx.finish(); err == nil {
		err = ferr
	}
	return v, err
}

// Rollback discards the transaction. Handles obtained through the context
// before Rollback become stale.
func (tx *WriteTx) Rollback(ctx context.Context) error {
	if err := tx.check(ctx); err != nil {
		return err
	}
	err := tx.ctx.use(tx.id, func(t native.Token) error {
		return tx.ctx.env.Engine.Rollback(ctx, t)
	})
	if ferr := tx.finish(); err == nil {
		err = ferr
	}
	return err
}

func (tx *WriteTx) finish() error {
	tx.done = true
	tx.ctx.tx = nil
	tx.ctx.epoch.Add(1)
	return tx.ctx.env.Registry.Release(tx.id)
}

// Write runs fn in a write transaction, committing if fn succeeds and
// rolling back otherwise.
func (c *Context) Write(ctx context.Context, fn func(ctx context.Context, tx *WriteTx) error) (uint64, error) {
	tx, err := c.BeginWrite(ctx)
	if err != nil {
		return 0, err
	}
	if err := fn(ctx, tx); err != nil {
		if !tx.done {
			if rerr := tx.Rollback(ctx); rerr != nil {
				c.env.logger().Warn("rollback failed", "path", c.path, "error", rerr)
			}
		}
		return 0, err
	}
	if tx.done {
		return 0, fmt.Errorf("%w: transaction finished inside Write", shared.ErrConflict)
	}
	return tx.Commit(ctx)
}

// Abort rolls back the open write transaction, if any.
func (c *Context) Abort(ctx context.Context) error {
	if err := c.env.Dispatcher.Check(ctx); err != nil {
		return err
	}
	if c.tx == nil {
		return nil
	}
	return c.tx.Rollback(ctx)
}

// WriteAsync runs Write where c is confined.
func (c *Context) WriteAsync(ctx context.Context, fn func(ctx context.Context, tx *WriteTx) error) *dispatch.Future[uint64] {
	return dispatch.Async(ctx, c.env.Dispatcher, func(ctx context.Context) (uint64, error) {
		return c.Write(ctx, fn)
	})
}
