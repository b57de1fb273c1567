// Package notify turns engine change callbacks into ordered event streams.
//
// A native callback only records the newest version and wakes the
// subscription. Everything else runs on the subscription's executor: the
// dispatcher for live targets, a pool lane for frozen ones. Events are
// computed between frozen snapshots, so a slow consumer sees fewer, larger
// updates rather than an unbounded queue.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"corebridge/internal/dispatch"
	"corebridge/internal/shared"
	"corebridge/internal/version"
)

// Policy decides how much work is done ahead of a slow consumer.
type Policy uint8

const (
	// Coalesce computes the next event only once the previous one was taken,
	// so it spans every commit in between.
	Coalesce Policy = iota
	// Buffered computes an event at every wakeup and queues up to
	// Options.Buffer of them before falling back to coalescing.
	Buffered
)

func (p Policy) String() string {
	if p == Buffered {
		return "buffered"
	}
	return "coalesce"
}

// ParsePolicy parses "coalesce" or "buffered".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "coalesce":
		return Coalesce, nil
	case "buffered":
		return Buffered, nil
	}
	return 0, fmt.Errorf("%w: unknown notify policy %q", shared.ErrValidation, s)
}

// Options configures a subscription.
type Options struct {
	Policy Policy
	// Buffer bounds the Buffered queue. Defaults to 16.
	Buffer int
	Log    *slog.Logger
}

// Subscription is a live registration for change events on one target.
type Subscription struct {
	id    string
	watch *version.Watch
	exec  dispatch.Executor
	limit int
	log   *slog.Logger

	events chan Event
	wake   chan struct{}
	newest atomic.Uint64

	cancel     chan struct{}
	cancelOnce sync.Once
	cancelErr  error
	done       chan struct{}

	mu  sync.Mutex
	err error

	delivered atomic.Uint64
	computed  atomic.Uint64
}

// Subscribe registers for changes of target. exec must be an executor on
// which target may be used. The first event is always Initial, or Deleted
// when the target is already gone.
func Subscribe(ctx context.Context, target version.Target, exec dispatch.Executor, opts Options) (*Subscription, error) {
	limit := 1
	if opts.Policy == Buffered {
		limit = opts.Buffer
		if limit <= 0 {
			limit = 16
		}
	}
	log := opts.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	s := &Subscription{
		id:     uuid.NewString(),
		exec:   exec,
		limit:  limit,
		events: make(chan Event),
		wake:   make(chan struct{}, 1),
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.log = log.With("component", "notify", "subscription", s.id)

	var first Event
	var base *version.Context
	// The setup must not be abandoned halfway, or the watch would leak.
	err := exec.Submit(context.WithoutCancel(ctx), func(ctx context.Context) error {
		w, err := version.NewWatch(ctx, target, s.onChange)
		if err != nil {
			return err
		}
		s.watch = w
		first, base, err = s.initial(ctx)
		if err != nil {
			_ = w.Close()
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug("subscribed", "scope", s.watch.Scope(), "policy", opts.Policy, "first", first.String())
	go s.run(first, base)
	return s, nil
}

// onChange is the native callback. It may run on any goroutine and must not
// block.
func (s *Subscription) onChange(v uint64) {
	for {
		cur := s.newest.Load()
		if v <= cur || s.newest.CompareAndSwap(cur, v) {
			break
		}
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) ID() string { return s.id }

// Events delivers events in increasing version order. It is closed after a
// Deleted event, after Cancel, or on failure.
func (s *Subscription) Events() <-chan Event { return s.events }

// Done is closed once the subscription has released everything it holds.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns the failure that ended the stream, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stats counts events of one subscription.
type Stats struct {
	Delivered uint64 `json:"delivered"`
	Computed  uint64 `json:"computed"`
	Newest    uint64 `json:"newest_version"`
}

func (s *Subscription) Stats() Stats {
	return Stats{
		Delivered: s.delivered.Load(),
		Computed:  s.computed.Load(),
		Newest:    s.newest.Load(),
	}
}

// Cancel stops the subscription and releases the native listener. It is
// idempotent and safe from any goroutine, including the executor. An event
// already handed to the consumer is not recalled; no new delivery starts.
func (s *Subscription) Cancel() error {
	s.cancelOnce.Do(func() {
		close(s.cancel)
		s.cancelErr = s.watch.Close()
		s.log.Debug("canceled")
	})
	return s.cancelErr
}

// Wait blocks until teardown is complete or ctx ends.
func (s *Subscription) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Subscription) canceled() bool {
	select {
	case <-s.cancel:
		return true
	default:
		return false
	}
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.log.Error("subscription failed", "error", err)
}

// run hands events to the consumer and computes new ones as the engine
// reports commits. base is the snapshot the next change set starts from.
func (s *Subscription) run(first Event, base *version.Context) {
	queue := []Event{first}
	terminal := first.Type == Deleted
	dirty := false

	defer func() {
		for _, ev := range queue {
			_ = ev.Close()
		}
		if base != nil {
			_ = base.Close(context.Background())
		}
		_ = s.watch.Close()
		close(s.events)
		close(s.done)
	}()

	for {
		if s.canceled() {
			return
		}

		var out chan<- Event
		var head Event
		if len(queue) > 0 {
			out, head = s.events, queue[0]
		}

		select {
		case <-s.cancel:
			return
		case out <- head:
			queue = queue[1:]
			s.delivered.Add(1)
			if head.Type == Deleted {
				return
			}
		case <-s.wake:
			dirty = true
		}

		if !dirty || terminal || len(queue) >= s.limit {
			continue
		}
		dirty = false

		ev, next, err := s.compute(base)
		if next != nil {
			_ = base.Close(context.Background())
			base = next
		}
		if ev != nil && s.canceled() {
			_ = ev.Close()
			return
		}
		if err != nil {
			if s.canceled() || errors.Is(err, shared.ErrClosed) {
				return
			}
			s.fail(err)
			return
		}
		if ev != nil {
			queue = append(queue, *ev)
			terminal = ev.Type == Deleted
		}
	}
}

// compute runs on the executor and returns the event since base, if
// anything changed, and the snapshot to use as the next base.
func (s *Subscription) compute(base *version.Context) (*Event, *version.Context, error) {
	var ev *Event
	var next *version.Context
	err := s.exec.Submit(context.Background(), func(ctx context.Context) error {
		if s.canceled() {
			return shared.ErrClosed
		}
		snap, err := s.watch.Latest(ctx)
		if err != nil {
			return err
		}
		cs, err := s.watch.Changes(ctx, base, snap)
		if err != nil {
			_ = snap.Close(ctx)
			return err
		}
		next = snap
		if cs.Empty() {
			return nil
		}

		e, err := s.event(ctx, snap)
		if err != nil {
			return err
		}
		e.Changes = cs
		ev = &e
		return nil
	})
	if ev != nil {
		s.computed.Add(1)
	}
	return ev, next, err
}

// initial builds the first event and the first base snapshot.
func (s *Subscription) initial(ctx context.Context) (Event, *version.Context, error) {
	base, err := s.watch.Latest(ctx)
	if err != nil {
		return Event{}, nil, err
	}
	ev, err := s.event(ctx, base)
	if err != nil {
		_ = base.Close(ctx)
		return Event{}, nil, err
	}
	if ev.Type == Update {
		ev.Type = Initial
	}
	return ev, base, nil
}

// event resolves the target into a consumer-owned copy of snap.
func (s *Subscription) event(ctx context.Context, snap *version.Context) (Event, error) {
	own, err := snap.Freeze(ctx)
	if err != nil {
		return Event{}, err
	}
	v, _ := own.Version(ctx)
	ev := Event{Type: Update, Version: v, Snapshot: own}

	t, err := s.watch.Resolve(ctx, own)
	if err != nil {
		_ = own.Close(ctx)
		return Event{}, err
	}
	if t == nil {
		ev.Type = Deleted
		return ev, nil
	}
	ev.Target = t
	return ev, nil
}
