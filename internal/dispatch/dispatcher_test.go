package dispatch_test

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"corebridge/internal/dispatch"
	"corebridge/internal/shared"
)

// requireThreadIDs skips where the dispatcher cannot tell OS threads apart.
func requireThreadIDs(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" && runtime.GOOS != "windows" {
		t.Skip("no OS thread ids on " + runtime.GOOS)
	}
}

func newDispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	d := dispatch.NewDispatcher("test", 16, nil)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestDispatcher_RunsInOrder(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()

	var got []int
	for i := range 50 {
		require.NoError(t, d.Post(ctx, func(context.Context) error {
			got = append(got, i)
			return nil
		}))
	}
	require.NoError(t, d.Submit(ctx, func(context.Context) error { return nil }))

	want := make([]int, 50)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
}

func TestDispatcher_TasksNeverOverlap(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()

	var running, overlaps int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.Submit(ctx, func(context.Context) error {
				mu.Lock()
				running++
				if running > 1 {
					overlaps++
				}
				mu.Unlock()
				time.Sleep(time.Millisecond)
				mu.Lock()
				running--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Zero(t, overlaps)
}

func TestDispatcher_Check(t *testing.T) {
	d := newDispatcher(t)
	other := newDispatcher(t)
	ctx := context.Background()

	t.Run("outside any task", func(t *testing.T) {
		for range 100 {
			err := d.Check(ctx)
			require.ErrorIs(t, err, shared.ErrWrongThread)
		}
	})

	t.Run("inside a task", func(t *testing.T) {
		require.NoError(t, d.Submit(ctx, func(ctx context.Context) error {
			assert.True(t, d.Confined(ctx))
			return d.Check(ctx)
		}))
	})

	t.Run("on another dispatcher", func(t *testing.T) {
		err := other.Submit(ctx, func(ctx context.Context) error {
			return d.Check(ctx)
		})
		assert.ErrorIs(t, err, shared.ErrWrongThread)
	})

	t.Run("leaked task context", func(t *testing.T) {
		var leaked context.Context
		require.NoError(t, d.Submit(ctx, func(ctx context.Context) error {
			leaked = ctx
			return nil
		}))
		assert.ErrorIs(t, d.Check(leaked), shared.ErrWrongThread)

		done := make(chan error, 1)
		go func() { done <- d.Check(leaked) }()
		assert.ErrorIs(t, <-done, shared.ErrWrongThread)
	})

	t.Run("goroutine started by the running task", func(t *testing.T) {
		requireThreadIDs(t)
		var spawned, own error
		require.NoError(t, d.Submit(ctx, func(ctx context.Context) error {
			done := make(chan error, 1)
			go func() { done <- d.Check(ctx) }()
			spawned = <-done
			own = d.Check(ctx)
			return nil
		}))
		assert.ErrorIs(t, spawned, shared.ErrWrongThread)
		assert.NoError(t, own)
	})
}

func TestDispatcher_NestedSubmitRunsInline(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()

	var order []string
	err := d.Submit(ctx, func(ctx context.Context) error {
		order = append(order, "outer")
		err := d.Submit(ctx, func(ctx context.Context) error {
			order = append(order, "inner")
			return d.Check(ctx)
		})
		order = append(order, "after")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner", "after"}, order)
}

func TestDispatcher_ReturnsTaskError(t *testing.T) {
	d := newDispatcher(t)
	boom := errors.New("boom")

	err := d.Submit(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestDispatcher_RecoversPanic(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()

	err := d.Submit(ctx, func(context.Context) error { panic("bad") })
	assert.ErrorIs(t, err, shared.ErrInternal)

	assert.NoError(t, d.Submit(ctx, func(context.Context) error { return nil }))
}

func TestDispatcher_SkipsCanceledTask(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()

	release := make(chan struct{})
	require.NoError(t, d.Post(ctx, func(context.Context) error {
		<-release
		return nil
	}))

	canceled, cancel := context.WithCancel(ctx)
	ran := false
	require.NoError(t, d.Post(canceled, func(context.Context) error {
		ran = true
		return nil
	}))
	cancel()
	close(release)

	require.NoError(t, d.Submit(ctx, func(context.Context) error { return nil }))
	assert.False(t, ran)
}

func TestDispatcher_CloseDrainsQueue(t *testing.T) {
	d := dispatch.NewDispatcher("drain", 16, nil)
	ctx := context.Background()

	n := 0
	for range 10 {
		require.NoError(t, d.Post(ctx, func(context.Context) error {
			n++
			return nil
		}))
	}
	require.NoError(t, d.Close())
	assert.Equal(t, 10, n)

	err := d.Submit(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, shared.ErrClosed)
	assert.NoError(t, d.Close())
}
