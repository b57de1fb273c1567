package version_test

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corebridge/internal/dispatch"
	"corebridge/internal/handle"
	"corebridge/internal/native"
	"corebridge/internal/native/nativetest"
	"corebridge/internal/shared"
	"corebridge/internal/version"
)

type fixture struct {
	t    *testing.T
	eng  *nativetest.Counting
	reg  *handle.Registry
	disp *dispatch.Dispatcher
	env  *version.Env
	path string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	eng, path := nativetest.NewEngine(t)
	reg := handle.NewRegistry(nil)
	disp := dispatch.NewDispatcher("test", 64, nil)
	t.Cleanup(func() {
		_ = disp.Close()
		_ = reg.ReleaseAll()
	})

	return &fixture{
		t:    t,
		eng:  eng,
		reg:  reg,
		disp: disp,
		env:  &version.Env{Engine: eng, Registry: reg, Dispatcher: disp, Group: "test"},
		path: path,
	}
}

// on runs fn on the dispatcher. Assertions inside fn must not use require.
func (f *fixture) on(fn func(ctx context.Context) error) error {
	return f.disp.Submit(context.Background(), fn)
}

func (f *fixture) open() *version.Context {
	f.t.Helper()

	var live *version.Context
	require.NoError(f.t, f.on(func(ctx context.Context) (err error) {
		live, err = version.OpenLive(ctx, f.env, f.path, native.OpenConfig{})
		return err
	}))
	return live
}

func (f *fixture) write(live *version.Context, fn func(ctx context.Context, tx *version.WriteTx) error) uint64 {
	f.t.Helper()

	var v uint64
	require.NoError(f.t, f.on(func(ctx context.Context) (err error) {
		v, err = live.Write(ctx, fn)
		return err
	}))
	return v
}

func (f *fixture) seedDogs(live *version.Context, pks ...string) {
	f.t.Helper()
	f.write(live, func(ctx context.Context, tx *version.WriteTx) error {
		for i, pk := range pks {
			o, err := tx.Create(ctx, "Dog", pk, native.Fields{"age": i + 1})
			if err != nil {
				return err
			}
			_ = o.Close()
		}
		return nil
	})
}

func TestOpenLive_RequiresDispatcher(t *testing.T) {
	f := newFixture(t)

	_, err := version.OpenLive(context.Background(), f.env, f.path, native.OpenConfig{})
	assert.ErrorIs(t, err, shared.ErrWrongThread)
}

func TestOpenLive_Errors(t *testing.T) {
	f := newFixture(t)
	f.open()

	t.Run("another confinement", func(t *testing.T) {
		other := dispatch.NewDispatcher("other", 4, nil)
		defer other.Close()
		env := *f.env
		env.Dispatcher = other

		err := other.Submit(context.Background(), func(ctx context.Context) error {
			_, err := version.OpenLive(ctx, &env, f.path, native.OpenConfig{})
			return err
		})
		assert.ErrorIs(t, err, shared.ErrAlreadyOpen)
	})

	t.Run("same confinement shares the file", func(t *testing.T) {
		var again *version.Context
		require.NoError(t, f.on(func(ctx context.Context) (err error) {
			again, err = version.OpenLive(ctx, f.env, f.path, native.OpenConfig{})
			return err
		}))
		assert.Equal(t, 1, f.eng.Stats().Files)
		require.NoError(t, f.on(again.Close))
		require.NoError(t, f.reg.Release(again.Root()))
	})

	t.Run("incompatible schema", func(t *testing.T) {
		err := f.on(func(ctx context.Context) error {
			_, err := version.OpenLive(ctx, f.env, f.path, native.OpenConfig{SchemaVersion: 9})
			return err
		})
		assert.ErrorIs(t, err, shared.ErrIncompatibleSchema)
	})

	t.Run("file access", func(t *testing.T) {
		err := f.on(func(ctx context.Context) error {
			_, err := version.OpenLive(ctx, f.env, "/proc/nope/core.db", native.OpenConfig{})
			return err
		})
		assert.ErrorIs(t, err, shared.ErrFileAccess)
		assert.Equal(t, shared.CategoryNative, shared.CategoryOf(err))
	})
}

func TestLive_WrongThreadEveryAttempt(t *testing.T) {
	f := newFixture(t)
	live := f.open()
	f.seedDogs(live, "rex")

	var obj *version.Object
	require.NoError(t, f.on(func(ctx context.Context) (err error) {
		obj, err = live.Find(ctx, "Dog", "rex")
		return err
	}))

	ctx := context.Background()
	var wg sync.WaitGroup
	errs := make(chan error, 400)
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := live.Find(ctx, "Dog", "rex")
			errs <- err
			_, err = obj.Get(ctx)
			errs <- err
			_, err = live.BeginWrite(ctx)
			errs <- err
			_, err = live.Freeze(ctx)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	n := 0
	for err := range errs {
		assert.ErrorIs(t, err, shared.ErrWrongThread)
		assert.Equal(t, shared.CategoryProgramming, shared.CategoryOf(err))
		n++
	}
	assert.Equal(t, 400, n)
}

func TestLive_GoroutineFromTaskIsNotConfined(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "windows" {
		t.Skip("no OS thread ids on " + runtime.GOOS)
	}
	f := newFixture(t)

	var spawned, own error
	require.NoError(t, f.on(func(ctx context.Context) error {
		live, err := version.OpenLive(ctx, f.env, f.path, native.OpenConfig{})
		if err != nil {
			return err
		}
		done := make(chan error, 1)
		go func() {
			_, err := live.Classes(ctx)
			done <- err
		}()
		spawned = <-done
		_, own = live.Classes(ctx)
		return nil
	}))
	assert.ErrorIs(t, spawned, shared.ErrWrongThread)
	assert.NoError(t, own)
}

func TestStaleAfterCommit(t *testing.T) {
	f := newFixture(t)
	live := f.open()
	f.seedDogs(live, "rex", "fido")

	var rex, fido *version.Object
	require.NoError(t, f.on(func(ctx context.Context) (err error) {
		if rex, err = live.Find(ctx, "Dog", "rex"); err != nil {
			return err
		}
		fido, err = live.Find(ctx, "Dog", "fido")
		return err
	}))

	f.write(live, func(ctx context.Context, tx *version.WriteTx) error {
		if err := tx.Set(ctx, rex, "age", 10); err != nil {
			return err
		}
		return tx.Delete(ctx, fido)
	})

	err := f.on(func(ctx context.Context) error {
		_, err := rex.Get(ctx)
		return err
	})
	require.ErrorIs(t, err, shared.ErrStaleObject)
	assert.Equal(t, shared.CategoryStale, shared.CategoryOf(err))
	assert.True(t, rex.Stale())

	err = f.on(func(ctx context.Context) error {
		fresh, err := version.Resolve(ctx, rex, live)
		if err != nil {
			return err
		}
		age, err := fresh.Field(ctx, "age")
		if err != nil {
			return err
		}
		assert.Equal(t, int64(10), age)

		gone, err := version.Resolve(ctx, fido, live)
		assert.Nil(t, gone)
		return err
	})
	require.NoError(t, err)
}

func TestWriteTx_StaleObjectRejected(t *testing.T) {
	f := newFixture(t)
	live := f.open()
	f.seedDogs(live, "rex")

	var rex *version.Object
	require.NoError(t, f.on(func(ctx context.Context) (err error) {
		rex, err = live.Find(ctx, "Dog", "rex")
		return err
	}))
	f.write(live, func(context.Context, *version.WriteTx) error { return nil })

	err := f.on(func(ctx context.Context) error {
		_, err := live.Write(ctx, func(ctx context.Context, tx *version.WriteTx) error {
			return tx.Set(ctx, rex, "age", 3)
		})
		return err
	})
	assert.ErrorIs(t, err, shared.ErrStaleObject)
	assert.False(t, live.InTransaction())
}

func TestRollbackMakesHandlesStale(t *testing.T) {
	f := newFixture(t)
	live := f.open()

	err := f.on(func(ctx context.Context) error {
		tx, err := live.BeginWrite(ctx)
		if err != nil {
			return err
		}
		obj, err := tx.Create(ctx, "Dog", "rex", nil)
		if err != nil {
			return err
		}
		if err := tx.Rollback(ctx); err != nil {
			return err
		}
		_, err = obj.Get(ctx)
		assert.ErrorIs(t, err, shared.ErrStaleObject)

		_, err = live.Find(ctx, "Dog", "rex")
		assert.ErrorIs(t, err, shared.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), live.Epoch())
}

func TestSingleWriteTransaction(t *testing.T) {
	f := newFixture(t)
	live := f.open()

	err := f.on(func(ctx context.Context) error {
		tx, err := live.BeginWrite(ctx)
		if err != nil {
			return err
		}
		_, err = live.BeginWrite(ctx)
		assert.ErrorIs(t, err, shared.ErrConflict)

		assert.ErrorIs(t, live.Close(ctx), shared.ErrConflict)
		if err := live.Abort(ctx); err != nil {
			return err
		}
		_, err = tx.Create(ctx, "Dog", "rex", nil)
		assert.ErrorIs(t, err, shared.ErrConflict)
		return nil
	})
	require.NoError(t, err)
}

func TestSnapshotIndependence(t *testing.T) {
	f := newFixture(t)
	live := f.open()
	f.seedDogs(live, "rex")

	var frozen *version.Context
	require.NoError(t, f.on(func(ctx context.Context) (err error) {
		frozen, err = live.Freeze(ctx)
		return err
	}))
	require.NoError(t, f.on(live.Close))
	require.NoError(t, f.reg.Release(live.Root()))

	done := make(chan error, 1)
	go func() {
		ctx := context.Background()
		obj, err := frozen.Find(ctx, "Dog", "rex")
		if err != nil {
			done <- err
			return
		}
		rec, err := obj.Get(ctx)
		if err == nil {
			assert.Equal(t, "rex", rec.PK)
			assert.Equal(t, int64(1), rec.Fields["age"])
		}
		done <- err
	}()
	require.NoError(t, <-done)

	ctx := context.Background()
	require.NoError(t, frozen.Close(ctx))
	assert.Zero(t, f.eng.Stats().Live())
	assert.Zero(t, f.eng.TotalFailures())
}

func TestFrozen(t *testing.T) {
	f := newFixture(t)
	live := f.open()
	f.seedDogs(live, "rex")
	ctx := context.Background()

	fut := live.FreezeAsync(ctx)
	frozen, err := fut.Await(ctx)
	require.NoError(t, err)

	f.seedDogs(live, "fido", "spot")

	t.Run("reads its own version", func(t *testing.T) {
		q, err := frozen.Query(ctx, "Dog", nil)
		require.NoError(t, err)
		rs, err := q.Run(ctx)
		require.NoError(t, err)
		n, err := rs.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("is read-only", func(t *testing.T) {
		_, err := frozen.BeginWrite(ctx)
		assert.ErrorIs(t, err, shared.ErrValidation)
	})

	t.Run("refreeze pins the same version", func(t *testing.T) {
		again, err := frozen.Freeze(ctx)
		require.NoError(t, err)
		v1, _ := frozen.Version(ctx)
		v2, _ := again.Version(ctx)
		assert.Equal(t, v1, v2)
		require.NoError(t, again.Close(ctx))
	})

	t.Run("latest sees the head", func(t *testing.T) {
		head, err := frozen.Latest(ctx)
		require.NoError(t, err)
		defer head.Close(ctx)
		classes, err := head.Classes(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"Dog"}, classes)
		v, _ := head.Version(ctx)
		fv, _ := frozen.Version(ctx)
		assert.Greater(t, v, fv)
	})

	t.Run("resolve frozen object into live", func(t *testing.T) {
		obj, err := frozen.Find(ctx, "Dog", "rex")
		require.NoError(t, err)
		resolved, err := version.ResolveAsync(ctx, obj, live).Await(ctx)
		require.NoError(t, err)
		assert.Equal(t, live, resolved.Context())
	})

	require.NoError(t, frozen.Close(ctx))
	_, err = frozen.Find(ctx, "Dog", "rex")
	assert.ErrorIs(t, err, shared.ErrClosed)
	assert.Empty(t, frozen.OpenHandles())
}

func TestResultsGoStaleQueriesDoNot(t *testing.T) {
	f := newFixture(t)
	live := f.open()
	f.seedDogs(live, "a", "b")

	var q *version.Query
	var rs *version.Results
	require.NoError(t, f.on(func(ctx context.Context) (err error) {
		if q, err = live.Query(ctx, "Dog", nil); err != nil {
			return err
		}
		rs, err = q.Run(ctx)
		return err
	}))
	f.seedDogs(live, "c")

	err := f.on(func(ctx context.Context) error {
		_, err := rs.Len(ctx)
		assert.ErrorIs(t, err, shared.ErrStaleObject)

		again, err := q.Run(ctx)
		if err != nil {
			return err
		}
		recs, err := again.Records(ctx)
		if err != nil {
			return err
		}
		assert.Len(t, recs, 3)

		resolved, err := version.ResolveResults(ctx, rs, live)
		if err != nil {
			return err
		}
		n, err := resolved.Len(ctx)
		assert.Equal(t, 3, n)
		return err
	})
	require.NoError(t, err)
}

func TestCloseReleasesEverything(t *testing.T) {
	f := newFixture(t)
	live := f.open()
	f.seedDogs(live, "a", "b", "c")

	require.NoError(t, f.on(func(ctx context.Context) error {
		q, err := live.Query(ctx, "Dog", nil)
		if err != nil {
			return err
		}
		rs, err := q.Run(ctx)
		if err != nil {
			return err
		}
		for i := range 3 {
			if _, err := rs.At(ctx, i); err != nil {
				return err
			}
		}
		assert.Len(t, live.OpenHandles(), 6)
		return nil
	}))

	require.NoError(t, f.on(live.Close))
	require.NoError(t, f.on(live.Close))
	require.NoError(t, f.reg.Release(live.Root()))

	assert.Zero(t, f.reg.Stats().Live)
	assert.Zero(t, f.eng.Stats().Live())
	assert.Zero(t, f.eng.TotalFailures())
	assert.Equal(t, 6, f.eng.Releases(native.KindObject))
}

func TestUnreachableFrozenIsSwept(t *testing.T) {
	f := newFixture(t)
	live := f.open()
	f.seedDogs(live, "rex")

	require.NoError(t, f.on(func(ctx context.Context) error {
		_, err := live.Freeze(ctx)
		return err
	}))
	require.Equal(t, 1, f.eng.Stats().PinnedFrozen)

	require.Eventually(t, func() bool {
		runtime.GC()
		return f.reg.Pending() > 0
	}, 5*time.Second, 10*time.Millisecond)

	assert.Positive(t, f.reg.SweepUnreachable())
	assert.Zero(t, f.eng.Stats().PinnedFrozen)
	assert.Equal(t, 1, f.eng.Releases(native.KindFrozenVersion))
}

func TestCompact(t *testing.T) {
	f := newFixture(t)
	live := f.open()
	f.seedDogs(live, "rex")

	var rex *version.Object
	require.NoError(t, f.on(func(ctx context.Context) (err error) {
		rex, err = live.Find(ctx, "Dog", "rex")
		return err
	}))
	f.write(live, func(ctx context.Context, tx *version.WriteTx) error {
		return tx.Set(ctx, rex, "age", 2)
	})

	n, err := live.Compact(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAttach(t *testing.T) {
	f := newFixture(t)
	live := f.open()
	f.seedDogs(live, "rex")

	pool := dispatch.NewPool(1, 8, nil)
	t.Cleanup(func() { _ = pool.Close() })
	lane := pool.Dispatcher(0)

	err := f.on(func(ctx context.Context) error {
		_, err := live.Attach(ctx, lane)
		return err
	})
	require.ErrorIs(t, err, shared.ErrWrongThread)

	var bg *version.Context
	require.NoError(t, lane.Submit(context.Background(), func(ctx context.Context) (err error) {
		bg, err = live.Attach(ctx, lane)
		return err
	}))

	tx := make(chan *version.WriteTx, 1)
	require.NoError(t, f.on(func(ctx context.Context) error {
		wt, err := live.BeginWrite(ctx)
		if err != nil {
			return err
		}
		tx <- wt
		_, err = wt.Create(ctx, "Dog", "fido", nil)
		return err
	}))
	wt := <-tx

	fut := bg.WriteAsync(context.Background(), func(ctx context.Context, tx *version.WriteTx) error {
		_, err := tx.Create(ctx, "Dog", "bolt", nil)
		return err
	})
	select {
	case <-fut.Done():
		t.Fatal("background write ran while the slot was held")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, f.on(func(ctx context.Context) error {
		_, err := wt.Commit(ctx)
		return err
	}))
	v, err := fut.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(4), v)

	require.NoError(t, f.on(func(ctx context.Context) error {
		got, err := live.Version(ctx)
		assert.Equal(t, uint64(4), got)
		if err != nil {
			return err
		}
		_, err = live.Find(ctx, "Dog", "bolt")
		return err
	}))

	require.NoError(t, lane.Submit(context.Background(), bg.Close))
	require.NoError(t, f.on(live.Close))
	require.NoError(t, f.reg.Release(live.Root()))

	assert.Zero(t, f.reg.Stats().Live)
	assert.Zero(t, f.eng.Stats().Live())
	assert.Zero(t, f.eng.TotalFailures())
	assert.Equal(t, 2, f.eng.Releases(native.KindDatabase))
}

// pretracked registers every frozen token it hands out before the caller
// does, so the caller's own registration fails.
type pretracked struct {
	native.Engine
	reg *handle.Registry
}

func (p *pretracked) Freeze(tok native.Token) (native.Token, error) {
	fr, err := p.Engine.Freeze(tok)
	if err != nil {
		return 0, err
	}
	_, err = p.reg.Register(handle.Spec{
		Token:   fr,
		Kind:    native.KindFrozenVersion,
		Release: func() error { return nil },
	})
	return fr, err
}

func TestFreeze_ReleasesTokenWhenTrackingFails(t *testing.T) {
	f := newFixture(t)
	live := f.open()
	f.seedDogs(live, "rex")

	f.env.Engine = &pretracked{Engine: f.eng, reg: f.reg}

	_, err := live.Latest(context.Background())
	require.ErrorIs(t, err, shared.ErrDuplicateHandle)

	assert.Zero(t, f.eng.Stats().PinnedFrozen)
	assert.Equal(t, 1, f.eng.Releases(native.KindFrozenVersion))
}
