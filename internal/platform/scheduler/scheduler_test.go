package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScheduler(t *testing.T, hooks Hooks) *Scheduler {
	t.Helper()
	s := New(Config{Hooks: hooks})
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func TestParseSchedule(t *testing.T) {
	for _, spec := range []string{"@every 30s", "@hourly", "0 3 * * *", "*/10 * * * * *"} {
		assert.NoError(t, ParseSchedule(spec), spec)
	}
	for _, spec := range []string{"", "every minute", "61 * * * *"} {
		assert.Error(t, ParseSchedule(spec), spec)
	}
}

func TestScheduler_RunsJobs(t *testing.T) {
	s := newScheduler(t, Hooks{})

	var runs atomic.Int64
	_, err := s.Add("@every 50ms", JobOptions{Name: "sweep"}, func(context.Context) error {
		runs.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Jobs())
	assert.False(t, s.IsRunning())

	s.Start()
	assert.True(t, s.IsRunning())
	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestScheduler_InvalidSchedule(t *testing.T) {
	s := newScheduler(t, Hooks{})
	_, err := s.Add("whenever", JobOptions{Name: "compact"}, func(context.Context) error { return nil })
	assert.ErrorContains(t, err, "compact")
	assert.Zero(t, s.Jobs())
}

func TestScheduler_HooksSeeErrorsAndPanics(t *testing.T) {
	var mu sync.Mutex
	got := map[string]error{}
	s := newScheduler(t, Hooks{OnJobFinish: func(name string, _ time.Duration, err error) {
		mu.Lock()
		got[name] = err
		mu.Unlock()
	}})

	boom := errors.New("boom")
	_, err := s.Add("@every 50ms", JobOptions{Name: "fails"}, func(context.Context) error { return boom })
	require.NoError(t, err)
	_, err = s.Add("@every 50ms", JobOptions{Name: "panics"}, func(context.Context) error { panic("bad") })
	require.NoError(t, err)
	s.Start()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.ErrorIs(t, got["fails"], boom)
	assert.ErrorContains(t, got["panics"], "panic: bad")
	assert.True(t, s.IsRunning(), "a panicking job does not stop the scheduler")
}

func TestScheduler_SkipIfRunning(t *testing.T) {
	s := newScheduler(t, Hooks{})

	var active, maxActive, runs atomic.Int64
	release := make(chan struct{})
	_, err := s.Add("@every 20ms", JobOptions{Name: "slow"}, func(context.Context) error {
		n := active.Add(1)
		defer active.Add(-1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		runs.Add(1)
		<-release
		return nil
	})
	require.NoError(t, err)
	s.Start()

	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return runs.Load() > 1 }, 150*time.Millisecond, 10*time.Millisecond)
	close(release)
	assert.Equal(t, int64(1), maxActive.Load())
}

func TestScheduler_TimeoutAndStop(t *testing.T) {
	s := newScheduler(t, Hooks{})

	ended := make(chan error, 1)
	_, err := s.Add("@every 20ms", JobOptions{Name: "bounded", Timeout: 30 * time.Millisecond}, func(ctx context.Context) error {
		<-ctx.Done()
		select {
		case ended <- ctx.Err():
		default:
		}
		return ctx.Err()
	})
	require.NoError(t, err)
	s.Start()

	select {
	case err := <-ended:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("job did not time out")
	}

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.IsRunning())
	s.Start()
	assert.False(t, s.IsRunning(), "a stopped scheduler cannot restart")
}

func TestScheduler_StopDeadline(t *testing.T) {
	s := New(Config{})

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	_, err := s.Add("@every 20ms", JobOptions{Name: "stuck"}, func(context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})
	require.NoError(t, err)
	s.Start()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
	close(release)
}
