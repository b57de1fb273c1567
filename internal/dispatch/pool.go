package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"corebridge/internal/shared"
)

// Pool is a bounded set of workers, each locked to its own OS thread. Tasks
// are routed by key so tasks with the same key run in order on the same
// worker.
type Pool struct {
	workers []*worker

	mu     sync.RWMutex
	closed bool
}

// NewPool starts size workers, each with a queue of queueSize tasks.
func NewPool(size, queueSize int, log *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "pool")

	p := &Pool{workers: make([]*worker, size)}
	for i := range p.workers {
		p.workers[i] = newWorker(fmt.Sprintf("pool-%d", i), queueSize, true, log)
		go p.workers[i].run()
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int { return len(p.workers) }

func (p *Pool) route(key uint64) *worker {
	return p.workers[key%uint64(len(p.workers))]
}

// Lane returns an Executor bound to the worker that owns key.
func (p *Pool) Lane(key uint64) Executor {
	return lane{p: p, w: p.route(key)}
}

// Dispatcher returns a dispatcher over the worker that owns key, so a live
// context can be confined to a pool lane. The pool keeps owning the worker:
// closing the returned dispatcher does not stop it, Pool.Close does.
func (p *Pool) Dispatcher(key uint64) *Dispatcher {
	return &Dispatcher{w: p.route(key), pool: p}
}

// Submit runs fn on the worker for key and waits for its result.
func (p *Pool) Submit(ctx context.Context, key uint64, fn Task) error {
	return p.Lane(key).Submit(ctx, fn)
}

// Post enqueues fn on the worker for key.
func (p *Pool) Post(ctx context.Context, key uint64, fn Task) error {
	return p.Lane(key).Post(ctx, fn)
}

// TryPost enqueues fn if the worker for key has room. A full queue yields
// ErrResourceExhausted.
func (p *Pool) TryPost(ctx context.Context, key uint64, fn Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("%w: pool", shared.ErrClosed)
	}
	w := p.route(key)
	if !w.tryEnqueue(task{ctx: ctx, fn: fn}) {
		return fmt.Errorf("%w: %s queue full", shared.ErrResourceExhausted, w.name)
	}
	return nil
}

func (p *Pool) send(ctx context.Context, w *worker, t task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("%w: pool", shared.ErrClosed)
	}
	return w.enqueue(ctx, t)
}

// Close stops accepting tasks and waits for queued tasks to finish.
func (p *Pool) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for _, w := range p.workers {
			close(w.queue)
		}
	}
	p.mu.Unlock()

	for _, w := range p.workers {
		<-w.done
	}
	return nil
}

type lane struct {
	p *Pool
	w *worker
}

func (l lane) Submit(ctx context.Context, fn Task) error {
	if l.w.confined(ctx) {
		return l.w.call(ctx, fn)
	}
	res := make(chan error, 1)
	if err := l.p.send(ctx, l.w, task{ctx: ctx, fn: fn, res: res}); err != nil {
		return err
	}
	return wait(ctx, res)
}

func (l lane) Post(ctx context.Context, fn Task) error {
	return l.p.send(ctx, l.w, task{ctx: ctx, fn: fn})
}

func (l lane) postAsync(ctx context.Context, fn Task, skipped func(error)) error {
	return l.p.send(ctx, l.w, task{ctx: ctx, fn: fn, skipped: skipped})
}
