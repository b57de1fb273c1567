// Package bridge opens an engine file and owns everything attached to it:
// the dispatcher its live context is confined to, a worker pool for frozen
// observers, background writes and sweeps, the handle registry and every
// subscription.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"corebridge/internal/dispatch"
	"corebridge/internal/handle"
	"corebridge/internal/native"
	"corebridge/internal/notify"
	"corebridge/internal/shared"
	"corebridge/internal/version"
	"corebridge/pkg/retry"
)

// Config configures Open.
type Config struct {
	Path          string `validate:"required"`
	SchemaVersion uint64
	// EncryptionKey is 64 bytes, or empty for an unencrypted file.
	EncryptionKey []byte `validate:"omitempty,len=64"`
	// DispatchQueue bounds tasks waiting for the dispatcher.
	DispatchQueue int `validate:"gte=0"`
	Workers       int `validate:"gte=0,lte=256"`
	WorkerQueue   int `validate:"gte=0"`

	// Notify is used by Subscribe.
	Notify notify.Options `validate:"-"`
	// Retry applies to opening the file. MaxAttempts 0 selects
	// retry.DefaultConfig.
	Retry retry.Config `validate:"-"`
	// Registry may be shared between databases. A private one is created
	// when nil.
	Registry *handle.Registry `validate:"-"`
	Logger   *slog.Logger     `validate:"-"`
}

// DefaultConfig returns a config for the file at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:          path,
		DispatchQueue: dispatch.DefaultQueueSize,
		Workers:       4,
		WorkerQueue:   64,
		Retry:         retry.DefaultConfig(),
	}
}

var validate = validator.New()

// writerLane is the pool lane background writes run on.
const writerLane = 0

// Database is one open engine file.
type Database struct {
	id   string
	cfg  Config
	log  *slog.Logger
	eng  native.Engine
	reg  *handle.Registry
	disp *dispatch.Dispatcher
	pool *dispatch.Pool
	env  *version.Env
	live *version.Context

	// wdisp confines bg, the live context background writes go through.
	// bg is opened on first use and only touched on wdisp.
	wdisp *dispatch.Dispatcher
	bg    *version.Context

	lanes atomic.Uint64

	mu     sync.Mutex
	subs   map[*notify.Subscription]struct{}
	closed bool

	stopSweep context.CancelFunc
	sweepDone chan struct{}
}

// Open opens the file at cfg.Path through eng. A busy file is retried
// according to cfg.Retry.
func Open(ctx context.Context, eng native.Engine, cfg Config) (*Database, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	if cfg.DispatchQueue == 0 {
		cfg.DispatchQueue = dispatch.DefaultQueueSize
	}
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.WorkerQueue == 0 {
		cfg.WorkerQueue = 64
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	reg := cfg.Registry
	if reg == nil {
		reg = handle.NewRegistry(log)
	}

	id := uuid.NewString()
	log = log.With("component", "bridge", "db", id[:8])
	if cfg.Notify.Log == nil {
		cfg.Notify.Log = log
	}

	db := &Database{
		id:        id,
		cfg:       cfg,
		log:       log,
		eng:       eng,
		reg:       reg,
		disp:      dispatch.NewDispatcher("db-"+id[:8], cfg.DispatchQueue, log),
		pool:      dispatch.NewPool(cfg.Workers, cfg.WorkerQueue, log),
		subs:      make(map[*notify.Subscription]struct{}),
		sweepDone: make(chan struct{}),
	}
	db.wdisp = db.pool.Dispatcher(writerLane)
	db.env = &version.Env{
		Engine:     eng,
		Registry:   reg,
		Dispatcher: db.disp,
		Group:      id,
		Log:        log,
	}

	rc := cfg.Retry
	rc.OnRetry = func(attempt int, err error, next time.Duration) {
		log.Warn("open retry", "attempt", attempt, "error", err, "next", next)
	}
	err := retry.Do(ctx, rc, func(ctx context.Context) error {
		return db.disp.Submit(ctx, func(ctx context.Context) (err error) {
			db.live, err = version.OpenLive(ctx, db.env, cfg.Path, native.OpenConfig{
				SchemaVersion: cfg.SchemaVersion,
				EncryptionKey: cfg.EncryptionKey,
			})
			return err
		})
	})
	if err != nil {
		_ = db.disp.Close()
		_ = db.pool.Close()
		return nil, err
	}

	sweepCtx, stop := context.WithCancel(context.Background())
	db.stopSweep = stop
	go func() {
		defer close(db.sweepDone)
		reg.RunSweeper(sweepCtx, db.pool.Lane(0))
	}()

	log.Info("database opened", "path", db.live.Path(), "workers", cfg.Workers)
	return db, nil
}

func (db *Database) ID() string                       { return db.id }
func (db *Database) Path() string                     { return db.live.Path() }
func (db *Database) Live() *version.Context           { return db.live }
func (db *Database) Dispatcher() *dispatch.Dispatcher { return db.disp }
func (db *Database) Pool() *dispatch.Pool             { return db.pool }
func (db *Database) Registry() *handle.Registry       { return db.reg }

func (db *Database) checkOpen() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return fmt.Errorf("%w: database %s", shared.ErrClosed, db.cfg.Path)
	}
	return nil
}

// Do runs fn on the dispatcher with the live context. Called from a task
// already on the dispatcher, fn runs inline.
func (db *Database) Do(ctx context.Context, fn func(ctx context.Context, live *version.Context) error) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	return db.disp.Submit(ctx, func(ctx context.Context) error {
		return fn(ctx, db.live)
	})
}

// Write runs fn in a write transaction on the dispatcher and returns the
// committed version.
func (db *Database) Write(ctx context.Context, fn func(ctx context.Context, tx *version.WriteTx) error) (uint64, error) {
	var v uint64
	err := db.Do(ctx, func(ctx context.Context, live *version.Context) (err error) {
		v, err = live.Write(ctx, fn)
		return err
	})
	return v, err
}

// WriteAsync runs fn in a write transaction on a pool worker and returns at
// once. The worker has a live context of its own, so the dispatcher stays
// free; while a dispatcher write holds the file, the background write waits
// for it. Objects passed into fn must be resolved into tx's context first.
func (db *Database) WriteAsync(ctx context.Context, fn func(ctx context.Context, tx *version.WriteTx) error) *dispatch.Future[uint64] {
	if err := db.checkOpen(); err != nil {
		return dispatch.Resolved[uint64](0, err)
	}
	return dispatch.Async(ctx, db.wdisp, func(ctx context.Context) (uint64, error) {
		w, err := db.writer(ctx)
		if err != nil {
			return 0, err
		}
		return w.Write(ctx, fn)
	})
}

// writer returns the background live context, attaching it on first use.
// It runs on wdisp.
func (db *Database) writer(ctx context.Context) (*version.Context, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	if db.bg == nil {
		bg, err := db.live.Attach(ctx, db.wdisp)
		if err != nil {
			return nil, err
		}
		db.bg = bg
		db.log.Debug("background writer attached", "dispatcher", db.wdisp.Name())
	}
	return db.bg, nil
}

// Freeze returns a frozen context at the version the live context sees.
func (db *Database) Freeze(ctx context.Context) (*version.Context, error) {
	var f *version.Context
	err := db.Do(ctx, func(ctx context.Context, live *version.Context) (err error) {
		f, err = live.Freeze(ctx)
		return err
	})
	return f, err
}

// FreezeAsync queues Freeze and returns at once.
func (db *Database) FreezeAsync(ctx context.Context) *dispatch.Future[*version.Context] {
	if err := db.checkOpen(); err != nil {
		return dispatch.Resolved[*version.Context](nil, err)
	}
	return db.live.FreezeAsync(ctx)
}

// Latest returns a frozen context at the newest committed version from any
// goroutine.
func (db *Database) Latest(ctx context.Context) (*version.Context, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	return db.live.Latest(ctx)
}

// Resolve returns obj as seen by the live context, or nil when it was
// deleted.
func (db *Database) Resolve(ctx context.Context, obj *version.Object) (*version.Object, error) {
	var out *version.Object
	err := db.Do(ctx, func(ctx context.Context, live *version.Context) (err error) {
		out, err = version.Resolve(ctx, obj, live)
		return err
	})
	return out, err
}

// Subscribe observes target with the database's notify options.
func (db *Database) Subscribe(ctx context.Context, target version.Target) (*notify.Subscription, error) {
	return db.SubscribeWith(ctx, target, db.cfg.Notify)
}

// SubscribeWith observes target. Live targets are observed on the
// dispatcher and must be subscribed from it; frozen targets get a pool lane
// of their own.
func (db *Database) SubscribeWith(ctx context.Context, target version.Target, opts notify.Options) (*notify.Subscription, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	c := target.Context()
	if c.Env() != db.env {
		return nil, fmt.Errorf("%w: target belongs to another database", shared.ErrValidation)
	}

	var exec dispatch.Executor = db.disp
	if c.IsFrozen() {
		exec = db.pool.Lane(db.lanes.Add(1))
	} else if err := db.disp.Check(ctx); err != nil {
		return nil, err
	}
	if opts.Log == nil {
		opts.Log = db.log
	}

	s, err := notify.Subscribe(ctx, target, exec, opts)
	if err != nil {
		return nil, err
	}

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		_ = s.Cancel()
		return nil, fmt.Errorf("%w: database %s", shared.ErrClosed, db.cfg.Path)
	}
	db.subs[s] = struct{}{}
	db.mu.Unlock()

	go func() {
		<-s.Done()
		db.mu.Lock()
		delete(db.subs, s)
		db.mu.Unlock()
	}()
	return s, nil
}

// Compact drops row versions no open context can observe.
func (db *Database) Compact(ctx context.Context) (int64, error) {
	if err := db.checkOpen(); err != nil {
		return 0, err
	}
	n, err := db.live.Compact(ctx)
	if err != nil {
		return 0, err
	}
	db.log.Debug("compacted", "rows", n)
	return n, nil
}

// Stats is a snapshot of what the database holds.
type Stats struct {
	ID            string       `json:"id"`
	Path          string       `json:"path"`
	Engine        string       `json:"engine"`
	Handles       handle.Stats `json:"handles"`
	Subscriptions int          `json:"subscriptions"`
	Pending       int          `json:"pending_tasks"`
	Closed        bool         `json:"closed"`
}

func (db *Database) Stats() Stats {
	db.mu.Lock()
	subs, closed := len(db.subs), db.closed
	db.mu.Unlock()

	return Stats{
		ID:            db.id,
		Path:          db.live.Path(),
		Engine:        db.eng.Stats().String(),
		Handles:       db.reg.Stats(),
		Subscriptions: subs,
		Pending:       db.disp.Pending(),
		Closed:        closed,
	}
}

// Handles lists the live handles of this database.
func (db *Database) Handles() []handle.Handle {
	return db.reg.Group(db.id)
}

// Close shuts the database down. Subscriptions are canceled and awaited,
// the background writer is closed on its worker, the live and frozen
// contexts are released on the dispatcher, then the executors stop and the
// database handle goes last. Close must not be called
// from the dispatcher; a second call is a no-op.
func (db *Database) Close(ctx context.Context) error {
	if db.disp.Confined(ctx) || db.wdisp.Confined(ctx) {
		return fmt.Errorf("%w: close from the database's own dispatcher", shared.ErrWrongThread)
	}

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	subs := make([]*notify.Subscription, 0, len(db.subs))
	for s := range db.subs {
		subs = append(subs, s)
	}
	db.mu.Unlock()

	var errs []error
	var g errgroup.Group
	for _, s := range subs {
		g.Go(func() error {
			if err := s.Cancel(); err != nil {
				db.log.Warn("subscription release failed", "subscription", s.ID(), "error", err)
			}
			return s.Wait(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, fmt.Errorf("wait for subscriptions: %w", err))
	}

	// A write left open on the dispatcher would hold up the background one.
	err := db.disp.Submit(context.WithoutCancel(ctx), func(ctx context.Context) error {
		if err := db.live.Abort(ctx); err != nil {
			db.log.Warn("rollback on close failed", "error", err)
		}
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}

	err = db.wdisp.Submit(context.WithoutCancel(ctx), func(ctx context.Context) error {
		if db.bg == nil {
			return nil
		}
		if err := db.bg.Abort(ctx); err != nil {
			db.log.Warn("background rollback on close failed", "error", err)
		}
		return db.bg.Close(ctx)
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("close background writer: %w", err))
	}

	root := db.live.Root()
	err = db.disp.Submit(context.WithoutCancel(ctx), func(ctx context.Context) error {
		if err := db.live.Abort(ctx); err != nil {
			db.log.Warn("rollback on close failed", "error", err)
		}
		if err := db.live.Close(ctx); err != nil {
			return err
		}
		return db.reg.ReleaseGroup(db.id, root)
	})
	if err != nil {
		errs = append(errs, err)
	}

	if err := db.disp.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := db.pool.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := db.reg.Release(root); err != nil {
		errs = append(errs, err)
	}

	db.stopSweep()
	<-db.sweepDone

	db.log.Info("database closed", "path", db.live.Path(), "subscriptions", len(subs))
	return errors.Join(errs...)
}
