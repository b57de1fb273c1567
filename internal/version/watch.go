package version

import (
	"context"
	"fmt"

	"corebridge/internal/handle"
	"corebridge/internal/native"
	"corebridge/internal/shared"
)

// Scope is what a Watch observes.
type Scope uint8

const (
	ScopeObject Scope = iota
	ScopeCollection
	ScopeDatabase
)

func (s Scope) String() string {
	switch s {
	case ScopeObject:
		return "object"
	case ScopeCollection:
		return "collection"
	default:
		return "database"
	}
}

// Watch is a native change listener on a private copy of a target. The copy
// is bound to the database root, so it is not confined and pins no version.
type Watch struct {
	env   *Env
	src   *Context
	scope Scope
	owner handle.Owner
	own   handle.ID
	sub   handle.ID
	gone  bool
}

// NewWatch subscribes cb to changes of t. It must be called where t may be
// used. A deleted object yields a Watch that is already Gone and has no
// native listener.
func NewWatch(ctx context.Context, t Target, cb native.Callback) (*Watch, error) {
	c := t.Context()
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	if o, ok := t.(*Object); ok && o.Stale() {
		return nil, fmt.Errorf("%w: object handle %d", shared.ErrStaleObject, o.id)
	}

	env := c.env
	w := &Watch{env: env, src: c, owner: env.Registry.NewOwner()}
	eng := env.Engine

	observed := c.root
	switch t := t.(type) {
	case *Context:
		w.scope = ScopeDatabase
	case *Object:
		w.scope = ScopeObject
		tok, err := w.copyOf(ctx, t.id, native.KindObject)
		if err != nil {
			return nil, err
		}
		if tok == 0 {
			w.gone = true
			return w, nil
		}
		observed = w.own
	case *Query:
		w.scope = ScopeCollection
		if _, err := w.copyOf(ctx, t.id, native.KindQuery); err != nil {
			return nil, err
		}
		var rs native.Token
		err := env.Registry.Use(w.own, func(h handle.Handle) (err error) {
			rs, err = eng.RunQuery(ctx, h.Token())
			return err
		})
		_ = env.Registry.Release(w.own)
		if err != nil {
			return nil, err
		}
		if w.own, err = w.register(rs, native.KindResultSet); err != nil {
			return nil, err
		}
		observed = w.own
	case *Results:
		w.scope = ScopeCollection
		if _, err := w.copyOf(ctx, t.id, native.KindResultSet); err != nil {
			return nil, err
		}
		observed = w.own
	default:
		return nil, fmt.Errorf("%w: cannot observe %T", shared.ErrValidation, t)
	}

	var subTok native.Token
	err := env.Registry.Use(observed, func(h handle.Handle) (err error) {
		subTok, err = eng.Subscribe(h.Token(), cb)
		return err
	})
	if err == nil {
		w.sub, err = w.register(subTok, native.KindNotificationToken)
	}
	if err != nil {
		_ = env.Registry.ReleaseOwned(w.owner)
		return nil, err
	}
	return w, nil
}

// copyOf resolves src into the database root and stores the copy as w.own.
func (w *Watch) copyOf(ctx context.Context, src handle.ID, kind native.Kind) (native.Token, error) {
	var tok native.Token
	err := w.src.use(src, func(s native.Token) error {
		return w.src.use(w.src.root, func(db native.Token) (err error) {
			tok, err = w.env.Engine.ResolveIn(ctx, s, db)
			return err
		})
	})
	if err != nil || tok == 0 {
		return 0, err
	}
	w.own, err = w.register(tok, kind)
	return tok, err
}

func (w *Watch) register(tok native.Token, kind native.Kind) (handle.ID, error) {
	return w.env.Registry.Register(handle.Spec{
		Token:   tok,
		Kind:    kind,
		Owner:   w.owner,
		Group:   w.env.Group,
		Release: handle.NativeRelease(w.env.Engine, kind, tok),
	})
}

func (w *Watch) Scope() Scope             { return w.scope }
func (w *Watch) Source() *Context         { return w.src }
func (w *Watch) Subscription() handle.ID  { return w.sub }
func (w *Watch) Handles() []handle.Handle { return w.env.Registry.Owned(w.owner) }

// Gone reports whether the watched object was already deleted when the
// Watch was created.
func (w *Watch) Gone() bool { return w.gone }

// Latest returns a frozen context at the newest committed version.
func (w *Watch) Latest(ctx context.Context) (*Context, error) {
	return w.src.Latest(ctx)
}

// Changes reports what changed for the watched target between two frozen
// contexts of the same database.
func (w *Watch) Changes(ctx context.Context, from, to *Context) (native.ChangeSet, error) {
	if w.gone {
		return native.ChangeSet{Deleted: true}, nil
	}
	if from.kind != Frozen || to.kind != Frozen {
		return native.ChangeSet{}, fmt.Errorf("%w: changes need frozen contexts", shared.ErrValidation)
	}
	var cs native.ChangeSet
	err := w.src.use(w.sub, func(s native.Token) error {
		return w.src.use(from.ver, func(f native.Token) error {
			return w.src.use(to.ver, func(t native.Token) (err error) {
				cs, err = w.env.Engine.Changes(ctx, s, f, t)
				return err
			})
		})
	})
	return cs, err
}

// Resolve returns the watched target as seen by snap: an *Object, a *Results
// or snap itself. It returns nil when the object no longer exists.
func (w *Watch) Resolve(ctx context.Context, snap *Context) (Target, error) {
	if w.scope == ScopeDatabase {
		return snap, nil
	}
	if w.gone {
		return nil, nil
	}
	tok, err := resolveOwn(ctx, w, snap)
	if err != nil || tok == 0 {
		return nil, err
	}
	if w.scope == ScopeObject {
		return snap.newObject(tok)
	}
	return snap.newResults(tok)
}

func resolveOwn(ctx context.Context, w *Watch, snap *Context) (native.Token, error) {
	var tok native.Token
	err := w.src.use(w.own, func(o native.Token) error {
		return snap.use(snap.ver, func(s native.Token) (err error) {
			tok, err = w.env.Engine.ResolveIn(ctx, o, s)
			return err
		})
	})
	return tok, err
}

// Close unsubscribes and releases the private copy. It is idempotent and
// safe from any goroutine.
func (w *Watch) Close() error {
	return w.env.Registry.ReleaseOwned(w.owner)
}
