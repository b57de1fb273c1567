package version

import (
	"context"
	"fmt"
	"runtime"

	"corebridge/internal/dispatch"
	"corebridge/internal/handle"
	"corebridge/internal/native"
	"corebridge/internal/shared"
)

// Target is something a notification can observe: an Object, a Query, a
// Results or a whole Context.
type Target interface {
	Context() *Context
	target() handle.ID
}

// Object is one object as seen by the context it was obtained from.
type Object struct {
	ctx     *Context
	id      handle.ID
	epoch   uint64
	cleanup runtime.Cleanup
}

func (c *Context) newObject(tok native.Token) (*Object, error) {
	id, err := c.register(tok, native.KindObject)
	if err != nil {
		return nil, err
	}
	o := &Object{ctx: c, id: id, epoch: c.epoch.Load()}
	o.cleanup = handle.Track(c.env.Registry, o, id)
	return o, nil
}

func (o *Object) Context() *Context { return o.ctx }
func (o *Object) Handle() handle.ID { return o.id }
func (o *Object) target() handle.ID { return o.id }

// Stale reports whether a commit or rollback happened after o was obtained.
func (o *Object) Stale() bool {
	return o.ctx.kind == Live && o.epoch != o.ctx.epoch.Load()
}

// check runs the access checks in order: confinement, closed, stale.
func (o *Object) check(ctx context.Context) error {
	if err := o.ctx.check(ctx); err != nil {
		return err
	}
	if o.Stale() {
		return fmt.Errorf("%w: object handle %d from epoch %d, context at %d",
			shared.ErrStaleObject, o.id, o.epoch, o.ctx.epoch.Load())
	}
	return nil
}

// Get reads the object.
func (o *Object) Get(ctx context.Context) (native.Record, error) {
	if err := o.check(ctx); err != nil {
		return native.Record{}, err
	}
	var rec native.Record
	err := o.ctx.use(o.id, func(tok native.Token) (err error) {
		rec, err = o.ctx.env.Engine.ObjectGet(ctx, tok)
		return err
	})
	return rec, err
}

// Field reads one field. A missing field yields nil.
func (o *Object) Field(ctx context.Context, name string) (native.Value, error) {
	rec, err := o.Get(ctx)
	if err != nil {
		return nil, err
	}
	return rec.Fields[name], nil
}

// Close releases the object handle. It is safe from any goroutine and may be
// called more than once.
func (o *Object) Close() error {
	o.cleanup.Stop()
	return o.ctx.env.Registry.Release(o.id)
}

// Find looks up an object by class and primary key.
func (c *Context) Find(ctx context.Context, class, pk string) (*Object, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	var tok native.Token
	err := c.use(c.ver, func(v native.Token) (err error) {
		tok, err = c.env.Engine.FindObject(ctx, v, class, pk)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c.newObject(tok)
}

// Query describes the objects of one class whose fields equal where.
type Query struct {
	ctx     *Context
	id      handle.ID
	class   string
	cleanup runtime.Cleanup
}

// Query builds a query bound to c. A query on a live context reads the newest
// state each time it runs.
func (c *Context) Query(ctx context.Context, class string, where native.Fields) (*Query, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	var tok native.Token
	err := c.use(c.ver, func(v native.Token) (err error) {
		tok, err = c.env.Engine.Query(v, class, where)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c.newQuery(tok, class)
}

func (c *Context) newQuery(tok native.Token, class string) (*Query, error) {
	id, err := c.register(tok, native.KindQuery)
	if err != nil {
		return nil, err
	}
	q := &Query{ctx: c, id: id, class: class}
	q.cleanup = handle.Track(c.env.Registry, q, id)
	return q, nil
}

func (q *Query) Context() *Context { return q.ctx }
func (q *Query) Handle() handle.ID { return q.id }
func (q *Query) Class() string     { return q.class }
func (q *Query) target() handle.ID { return q.id }

// Run evaluates the query.
func (q *Query) Run(ctx context.Context) (*Results, error) {
	if err := q.ctx.check(ctx); err != nil {
		return nil, err
	}
	var tok native.Token
	err := q.ctx.use(q.id, func(qt native.Token) (err error) {
		tok, err = q.ctx.env.Engine.RunQuery(ctx, qt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return q.ctx.newResults(tok)
}

// Close releases the query handle.
func (q *Query) Close() error {
	q.cleanup.Stop()
	return q.ctx.env.Registry.Release(q.id)
}

// Results is an evaluated query. Results from a live context go stale on
// the next commit or rollback like objects do.
type Results struct {
	ctx     *Context
	id      handle.ID
	epoch   uint64
	cleanup runtime.Cleanup
}

func (c *Context) newResults(tok native.Token) (*Results, error) {
	id, err := c.register(tok, native.KindResultSet)
	if err != nil {
		return nil, err
	}
	r := &Results{ctx: c, id: id, epoch: c.epoch.Load()}
	r.cleanup = handle.Track(c.env.Registry, r, id)
	return r, nil
}

func (r *Results) Context() *Context { return r.ctx }
func (r *Results) Handle() handle.ID { return r.id }
func (r *Results) target() handle.ID { return r.id }

// Stale reports whether a commit or rollback happened after r was obtained.
func (r *Results) Stale() bool {
	return r.ctx.kind == Live && r.epoch != r.ctx.epoch.Load()
}

func (r *Results) check(ctx context.Context) error {
	if err := r.ctx.check(ctx); err != nil {
		return err
	}
	if r.Stale() {
		return fmt.Errorf("%w: results handle %d from epoch %d, context at %d",
			shared.ErrStaleObject, r.id, r.epoch, r.ctx.epoch.Load())
	}
	return nil
}

// Len returns the number of objects.
func (r *Results) Len(ctx context.Context) (int, error) {
	if err := r.check(ctx); err != nil {
		return 0, err
	}
	var n int
	err := r.ctx.use(r.id, func(tok native.Token) (err error) {
		n, err = r.ctx.env.Engine.ResultCount(tok)
		return err
	})
	return n, err
}

// At returns the i-th object.
func (r *Results) At(ctx context.Context, i int) (*Object, error) {
	if err := r.check(ctx); err != nil {
		return nil, err
	}
	var tok native.Token
	err := r.ctx.use(r.id, func(rs native.Token) (err error) {
		tok, err = r.ctx.env.Engine.ResultObject(rs, i)
		return err
	})
	if err != nil {
		return nil, err
	}
	return r.ctx.newObject(tok)
}

// Records reads every object in order.
func (r *Results) Records(ctx context.Context) ([]native.Record, error) {
	n, err := r.Len(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]native.Record, 0, n)
	for i := range n {
		o, err := r.At(ctx, i)
		if err != nil {
			return nil, err
		}
		rec, err := o.Get(ctx)
		_ = o.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close releases the results handle.
func (r *Results) Close() error {
	r.cleanup.Stop()
	return r.ctx.env.Registry.Release(r.id)
}

// resolveIn re-locates the entity behind src in target. It returns 0 when
// the entity does not exist there.
func resolveIn(ctx context.Context, src Target, target *Context) (native.Token, error) {
	if err := target.check(ctx); err != nil {
		return 0, err
	}
	if err := src.Context().check(ctx); err != nil {
		return 0, err
	}
	var tok native.Token
	err := target.use(src.target(), func(s native.Token) error {
		return target.use(target.ver, func(t native.Token) (err error) {
			tok, err = target.env.Engine.ResolveIn(ctx, s, t)
			return err
		})
	})
	return tok, err
}

// Resolve returns obj as seen by target, or nil if it was deleted there. It
// accepts stale objects; it is how they are carried across a commit.
func Resolve(ctx context.Context, obj *Object, target *Context) (*Object, error) {
	tok, err := resolveIn(ctx, obj, target)
	if err != nil || tok == 0 {
		return nil, err
	}
	return target.newObject(tok)
}

// ResolveResults re-evaluates the query behind r at target.
func ResolveResults(ctx context.Context, r *Results, target *Context) (*Results, error) {
	tok, err := resolveIn(ctx, r, target)
	if err != nil {
		return nil, err
	}
	return target.newResults(tok)
}

// ResolveQuery binds the query behind q to target.
func ResolveQuery(ctx context.Context, q *Query, target *Context) (*Query, error) {
	tok, err := resolveIn(ctx, q, target)
	if err != nil {
		return nil, err
	}
	return target.newQuery(tok, q.class)
}

// ResolveAsync runs Resolve where target is confined.
func ResolveAsync(ctx context.Context, obj *Object, target *Context) *dispatch.Future[*Object] {
	fn := func(ctx context.Context) (*Object, error) { return Resolve(ctx, obj, target) }
	if target.kind == Frozen && obj.ctx.kind == Frozen {
		o, err := fn(ctx)
		return dispatch.Resolved(o, err)
	}
	return dispatch.Async(ctx, target.env.Dispatcher, fn)
}
