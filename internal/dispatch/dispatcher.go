package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"corebridge/internal/shared"
)

// DefaultQueueSize is the dispatcher queue length used when none is given.
const DefaultQueueSize = 256

// Dispatcher is a serialized execution context pinned to one OS thread.
// Tasks run one at a time in submission order and never overlap.
type Dispatcher struct {
	w *worker
	// pool is set when w is a pool lane.
	pool *Pool

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts a dispatcher goroutine.
func NewDispatcher(name string, queueSize int, log *slog.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{w: newWorker(name, queueSize, true, log.With("component", "dispatcher"))}
	go d.w.run()
	return d
}

// Name returns the dispatcher name.
func (d *Dispatcher) Name() string { return d.w.name }

// Confined reports whether ctx was issued to the task this dispatcher is
// running right now.
func (d *Dispatcher) Confined(ctx context.Context) bool {
	return d.w.confined(ctx)
}

// Check returns ErrWrongThread unless ctx is confined to d.
func (d *Dispatcher) Check(ctx context.Context) error {
	if d.w.confined(ctx) {
		return nil
	}
	return fmt.Errorf("%w: not running on dispatcher %q", shared.ErrWrongThread, d.w.name)
}

// Submit implements Executor.
func (d *Dispatcher) Submit(ctx context.Context, fn Task) error {
	if d.w.confined(ctx) {
		return d.w.call(ctx, fn)
	}

	res := make(chan error, 1)
	if err := d.send(ctx, task{ctx: ctx, fn: fn, res: res}); err != nil {
		return err
	}
	return wait(ctx, res)
}

// Post implements Executor.
func (d *Dispatcher) Post(ctx context.Context, fn Task) error {
	return d.send(ctx, task{ctx: ctx, fn: fn})
}

func (d *Dispatcher) postAsync(ctx context.Context, fn Task, skipped func(error)) error {
	return d.send(ctx, task{ctx: ctx, fn: fn, skipped: skipped})
}

func (d *Dispatcher) send(ctx context.Context, t task) error {
	if d.pool != nil {
		return d.pool.send(ctx, d.w, t)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return fmt.Errorf("%w: dispatcher %q", shared.ErrClosed, d.w.name)
	}
	return d.w.enqueue(ctx, t)
}

// Pending returns the number of queued tasks.
func (d *Dispatcher) Pending() int { return len(d.w.queue) }

// Close stops accepting tasks, runs the ones already queued and waits for
// the dispatcher goroutine to exit. It must not be called from a task. A
// dispatcher over a pool lane is left to Pool.Close.
func (d *Dispatcher) Close() error {
	if d.pool != nil {
		return nil
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.w.done
		return nil
	}
	d.closed = true
	close(d.w.queue)
	d.mu.Unlock()

	<-d.w.done
	return nil
}
