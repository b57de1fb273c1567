// Package version models the engine's snapshot isolation.
//
// A live Context is confined to the dispatcher that opened it and always
// reads the newest state, including its own open write transaction. A frozen
// Context reads one committed version forever and may be used from any
// goroutine. Every commit or rollback on a live Context advances its epoch;
// objects and results obtained before that are stale and must go through
// Resolve before further use.
package version

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"corebridge/internal/dispatch"
	"corebridge/internal/handle"
	"corebridge/internal/native"
	"corebridge/internal/shared"
)

// Kind tells live and frozen contexts apart.
type Kind uint8

const (
	Live Kind = iota
	Frozen
)

func (k Kind) String() string {
	if k == Frozen {
		return "frozen"
	}
	return "live"
}

// Env is what contexts of one database share.
type Env struct {
	Engine     native.Engine
	Registry   *handle.Registry
	Dispatcher *dispatch.Dispatcher
	// Group tags every handle of the database in the registry.
	Group string
	Log   *slog.Logger
}

func (env *Env) logger() *slog.Logger {
	if env.Log == nil {
		return slog.New(slog.DiscardHandler)
	}
	return env.Log
}

// Context is a live or frozen view of a database.
type Context struct {
	env   *Env
	kind  Kind
	path  string
	owner handle.Owner
	root  handle.ID
	ver   handle.ID

	// version is fixed for frozen contexts.
	version uint64
	cfg     native.OpenConfig

	epoch   atomic.Uint64
	closed  atomic.Bool
	cleanup runtime.Cleanup

	// tx is only touched on the dispatcher.
	tx *WriteTx
}

var openPaths = struct {
	mu sync.Mutex
	m  map[string]*pathLock
}{m: make(map[string]*pathLock)}

type pathLock struct {
	dispatcher *dispatch.Dispatcher
	refs       int
}

func acquirePath(path string, d *dispatch.Dispatcher) error {
	openPaths.mu.Lock()
	defer openPaths.mu.Unlock()

	if l, ok := openPaths.m[path]; ok {
		if l.dispatcher != d {
			return fmt.Errorf("%w: %s is confined to dispatcher %q", shared.ErrAlreadyOpen, path, l.dispatcher.Name())
		}
		l.refs++
		return nil
	}
	openPaths.m[path] = &pathLock{dispatcher: d, refs: 1}
	return nil
}

func releasePath(path string) {
	openPaths.mu.Lock()
	defer openPaths.mu.Unlock()

	if l, ok := openPaths.m[path]; ok {
		l.refs--
		if l.refs <= 0 {
			delete(openPaths.m, path)
		}
	}
}

// OpenLive opens the file at path and returns a live context confined to
// env.Dispatcher. It must be called from a task running on that dispatcher.
// The database root handle is returned by Root and is not released by Close.
func OpenLive(ctx context.Context, env *Env, path string, cfg native.OpenConfig) (*Context, error) {
	if err := env.Dispatcher.Check(ctx); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", shared.ErrFileAccess, path, err)
	}
	if err := acquirePath(abs, env.Dispatcher); err != nil {
		return nil, err
	}

	dbTok, liveTok, err := env.Engine.Open(ctx, abs, cfg)
	if err != nil {
		releasePath(abs)
		return nil, err
	}

	reg := env.Registry
	root, err := reg.Register(handle.Spec{
		Token: dbTok,
		Kind:  native.KindDatabase,
		Group: env.Group,
		Release: func() error {
			defer releasePath(abs)
			return env.Engine.Release(native.KindDatabase, dbTok)
		},
	})
	if err != nil {
		releasePath(abs)
		return nil, err
	}

	c := &Context{env: env, kind: Live, path: abs, owner: reg.NewOwner(), root: root, cfg: cfg}
	c.ver, err = c.register(liveTok, native.KindLiveVersion)
	if err != nil {
		_ = reg.Release(root)
		return nil, err
	}
	c.cleanup = handle.Track(reg, c, c.ver)

	env.logger().Debug("live context opened", "path", abs, "group", env.Group)
	return c, nil
}

// Attach opens a second live context on c's file, confined to d. It must be
// called from a task running on d. The new context keeps its own write
// transaction: while either context holds the file's write slot, BeginWrite
// on the other waits. Its database handle is released by its Close.
func (c *Context) Attach(ctx context.Context, d *dispatch.Dispatcher) (*Context, error) {
	if c.kind != Live {
		return nil, fmt.Errorf("%w: attach to a frozen context", shared.ErrValidation)
	}
	if c.closed.Load() {
		return nil, fmt.Errorf("%w: %s context of %s", shared.ErrClosed, c.kind, c.path)
	}
	if err := d.Check(ctx); err != nil {
		return nil, err
	}

	dbTok, liveTok, err := c.env.Engine.Open(ctx, c.path, c.cfg)
	if err != nil {
		return nil, err
	}

	env := *c.env
	env.Dispatcher = d
	a := &Context{env: &env, kind: Live, path: c.path, owner: c.env.Registry.NewOwner(), root: c.root, cfg: c.cfg}
	if _, err := a.register(dbTok, native.KindDatabase); err != nil {
		_ = c.env.Engine.Release(native.KindLiveVersion, liveTok)
		_ = c.env.Engine.Release(native.KindDatabase, dbTok)
		return nil, err
	}
	if a.ver, err = a.register(liveTok, native.KindLiveVersion); err != nil {
		_ = c.env.Engine.Release(native.KindLiveVersion, liveTok)
		_ = a.env.Registry.ReleaseOwned(a.owner)
		return nil, err
	}
	a.cleanup = handle.Track(a.env.Registry, a, a.ver)

	env.logger().Debug("live context attached", "path", c.path, "dispatcher", d.Name())
	return a, nil
}

// register tracks tok as owned by c.
func (c *Context) register(tok native.Token, kind native.Kind) (handle.ID, error) {
	return c.env.Registry.Register(handle.Spec{
		Token:   tok,
		Kind:    kind,
		Owner:   c.owner,
		Group:   c.env.Group,
		Release: handle.NativeRelease(c.env.Engine, kind, tok),
	})
}

// use borrows the token behind id for one engine call.
func (c *Context) use(id handle.ID, fn func(tok native.Token) error) error {
	return c.env.Registry.Use(id, func(h handle.Handle) error { return fn(h.Token()) })
}

// check fails unless c may be used from ctx.
func (c *Context) check(ctx context.Context) error {
	if c.kind == Live {
		if err := c.env.Dispatcher.Check(ctx); err != nil {
			return err
		}
	}
	if c.closed.Load() {
		return fmt.Errorf("%w: %s context of %s", shared.ErrClosed, c.kind, c.path)
	}
	return nil
}

func (c *Context) Kind() Kind          { return c.kind }
func (c *Context) IsFrozen() bool      { return c.kind == Frozen }
func (c *Context) Path() string        { return c.path }
func (c *Context) Root() handle.ID     { return c.root }
func (c *Context) Owner() handle.Owner { return c.owner }
func (c *Context) Env() *Env           { return c.env }
func (c *Context) Closed() bool        { return c.closed.Load() }
func (c *Context) Epoch() uint64       { return c.epoch.Load() }
func (c *Context) InTransaction() bool { return c.tx != nil }

func (c *Context) String() string { return fmt.Sprintf("%s@%s", c.kind, c.path) }

// Context returns c. It makes a Context a notification target.
func (c *Context) Context() *Context { return c }

func (c *Context) target() handle.ID { return c.ver }

// OpenHandles lists the handles obtained through c that are still live.
func (c *Context) OpenHandles() []handle.Handle {
	return c.env.Registry.Owned(c.owner)
}

// Version returns the version c reads.
func (c *Context) Version(ctx context.Context) (uint64, error) {
	if c.kind == Frozen {
		return c.version, nil
	}
	if err := c.check(ctx); err != nil {
		return 0, err
	}
	var v uint64
	err := c.use(c.ver, func(tok native.Token) (err error) {
		v, err = c.env.Engine.Version(tok)
		return err
	})
	return v, err
}

// Freeze returns a frozen context at the newest committed version c sees.
// Freezing a frozen context pins the same version again.
func (c *Context) Freeze(ctx context.Context) (*Context, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	var tok native.Token
	err := c.use(c.ver, func(v native.Token) (err error) {
		tok, err = c.env.Engine.Freeze(v)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c.frozen(tok)
}

// FreezeAsync runs Freeze where c is confined.
func (c *Context) FreezeAsync(ctx context.Context) *dispatch.Future[*Context] {
	if c.kind == Frozen {
		f, err := c.Freeze(ctx)
		return dispatch.Resolved(f, err)
	}
	return dispatch.Async(ctx, c.env.Dispatcher, c.Freeze)
}

// Latest returns a frozen context at the newest committed version of the
// file. It may be called from any goroutine.
func (c *Context) Latest(ctx context.Context) (*Context, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("%w: %s context of %s", shared.ErrClosed, c.kind, c.path)
	}
	var tok native.Token
	err := c.use(c.root, func(db native.Token) (err error) {
		tok, err = c.env.Engine.Freeze(db)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c.frozen(tok)
}

func (c *Context) frozen(tok native.Token) (*Context, error) {
	v, err := c.env.Engine.Version(tok)
	if err != nil {
		_ = c.env.Engine.Release(native.KindFrozenVersion, tok)
		return nil, err
	}
	f := &Context{
		env:     c.env,
		kind:    Frozen,
		path:    c.path,
		owner:   c.env.Registry.NewOwner(),
		root:    c.root,
		version: v,
	}
	if f.ver, err = f.register(tok, native.KindFrozenVersion); err != nil {
		_ = c.env.Engine.Release(native.KindFrozenVersion, tok)
		return nil, err
	}
	f.cleanup = handle.Track(c.env.Registry, f, f.ver)
	return f, nil
}

// Classes lists the classes with at least one object at c's version.
func (c *Context) Classes(ctx context.Context) ([]string, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	var classes []string
	err := c.use(c.ver, func(tok native.Token) (err error) {
		classes, err = c.env.Engine.Classes(ctx, tok)
		return err
	})
	return classes, err
}

// Compact drops row versions no open context can observe.
func (c *Context) Compact(ctx context.Context) (int64, error) {
	var n int64
	err := c.use(c.root, func(db native.Token) (err error) {
		n, err = c.env.Engine.Compact(ctx, db)
		return err
	})
	return n, err
}

// Close releases every handle obtained through c, then c's own version
// handle. A live context cannot be closed inside a write transaction.
func (c *Context) Close(ctx context.Context) error {
	if c.kind == Live {
		if err := c.env.Dispatcher.Check(ctx); err != nil {
			return err
		}
		if c.tx != nil {
			return fmt.Errorf("%w: close inside a write transaction", shared.ErrConflict)
		}
	}
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cleanup.Stop()
	c.env.logger().Debug("context closed", "context", c.String())
	return c.env.Registry.ReleaseOwned(c.owner)
}
