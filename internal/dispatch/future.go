package dispatch

import (
	"context"
)

// Future is the result of a task posted with Async.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// asyncPoster is implemented by the executors of this package. skipped
// completes the Future when the task is dropped because ctx ended while it
// was queued.
type asyncPoster interface {
	postAsync(ctx context.Context, fn Task, skipped func(error)) error
}

// Async posts fn to exec and returns a Future for its result. If the task
// cannot be posted, or ctx ends before it starts, the Future completes with
// that error.
func Async[T any](ctx context.Context, exec Executor, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	run := func(ctx context.Context) error {
		defer close(f.done)
		f.val, f.err = fn(ctx)
		return nil
	}

	var err error
	if p, ok := exec.(asyncPoster); ok {
		err = p.postAsync(ctx, run, func(err error) {
			f.err = err
			close(f.done)
		})
	} else {
		err = exec.Post(ctx, run)
	}
	if err != nil {
		f.err = err
		close(f.done)
	}
	return f
}

// Resolved returns a completed Future.
func Resolved[T any](val T, err error) *Future[T] {
	f := &Future[T]{done: make(chan struct{}), val: val, err: err}
	close(f.done)
	return f
}

// Done is closed when the result is available.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Await blocks until the result is available or ctx ends.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
