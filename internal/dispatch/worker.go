package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"

	"corebridge/internal/shared"
)

// Task is a unit of work. The context passed to it identifies the worker
// running it; handles confined to that worker accept it.
type Task func(ctx context.Context) error

// Executor runs tasks in submission order.
type Executor interface {
	// Submit runs fn and waits for its result. Called from a task already
	// running on the same executor, fn runs inline.
	Submit(ctx context.Context, fn Task) error
	// Post enqueues fn without waiting for it to run.
	Post(ctx context.Context, fn Task) error
}

var workerIDs atomic.Uint64

type confinedKey struct{}

// marker identifies the task a context was issued to.
type marker struct {
	worker uint64
	seq    uint64
}

type task struct {
	ctx context.Context
	fn  Task
	res chan error
	// skipped runs instead of fn when ctx ended before the task started.
	skipped func(error)
}

// worker is a goroutine draining a FIFO queue one task at a time.
type worker struct {
	id         uint64
	name       string
	queue      chan task
	lockThread bool
	log        *slog.Logger

	// current is the sequence number of the running task, 0 when idle.
	current atomic.Uint64
	seq     uint64
	// tid is the OS thread of a locked worker, 0 until it starts.
	tid  atomic.Int64
	done chan struct{}
}

func newWorker(name string, size int, lockThread bool, log *slog.Logger) *worker {
	return &worker{
		id:         workerIDs.Add(1),
		name:       name,
		queue:      make(chan task, size),
		lockThread: lockThread,
		log:        log,
		done:       make(chan struct{}),
	}
}

func (w *worker) run() {
	if w.lockThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		w.tid.Store(threadID())
	}
	defer close(w.done)

	for t := range w.queue {
		w.exec(t)
	}
}

func (w *worker) exec(t task) {
	if err := t.ctx.Err(); err != nil {
		if t.res != nil {
			t.res <- err
		}
		if t.skipped != nil {
			t.skipped(err)
		}
		return
	}

	w.seq++
	w.current.Store(w.seq)
	ctx := context.WithValue(t.ctx, confinedKey{}, marker{worker: w.id, seq: w.seq})
	err := w.call(ctx, t.fn)
	w.current.Store(0)

	if t.res != nil {
		t.res <- err
	} else if err != nil && !shared.IsCanceled(err) {
		w.log.Error("posted task failed", "worker", w.name, "error", err)
	}
}

func (w *worker) call(ctx context.Context, fn Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic in %s: %v", shared.ErrInternal, w.name, r)
			w.log.Error("task panicked", "worker", w.name, "panic", r)
		}
	}()
	return fn(ctx)
}

// confined reports whether ctx belongs to the task w is running right now
// and, for a locked worker, whether the caller is on the worker's thread.
// A locked thread runs no other goroutine, so a goroutine started by the
// task fails the check even with the task's ctx.
func (w *worker) confined(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	m, ok := ctx.Value(confinedKey{}).(marker)
	if !ok || m.worker != w.id || m.seq == 0 || m.seq != w.current.Load() {
		return false
	}
	if tid := w.tid.Load(); tid != 0 {
		return threadID() == tid
	}
	return true
}

// enqueue sends t unless ctx ends first. Caller guarantees the queue is open.
func (w *worker) enqueue(ctx context.Context, t task) error {
	select {
	case w.queue <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// tryEnqueue sends t if the queue has room.
func (w *worker) tryEnqueue(t task) bool {
	select {
	case w.queue <- t:
		return true
	default:
		return false
	}
}

func wait(ctx context.Context, res <-chan error) error {
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
