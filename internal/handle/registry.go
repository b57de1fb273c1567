package handle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"

	"corebridge/internal/dispatch"
	"corebridge/internal/native"
	"corebridge/internal/shared"
)

type entry struct {
	// mu is held for reading while the token is borrowed and for writing
	// while it is released.
	mu       sync.RWMutex
	h        Handle
	release  ReleaseFunc
	released bool
}

// Registry tracks live handles.
type Registry struct {
	log *slog.Logger

	mu      sync.Mutex
	nextID  ID
	entries map[ID]*entry
	tokens  map[native.Token]ID
	owners  map[Owner]map[ID]struct{}
	groups  map[string]map[ID]struct{}

	nextOwner atomic.Uint64

	queueMu     sync.Mutex
	unreachable []ID
	signal      chan struct{}

	registered atomic.Uint64
	released   atomic.Uint64
	swept      atomic.Uint64
	failed     atomic.Uint64
}

// NewRegistry creates an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		log:     log.With("component", "handle"),
		entries: make(map[ID]*entry),
		tokens:  make(map[native.Token]ID),
		owners:  make(map[Owner]map[ID]struct{}),
		groups:  make(map[string]map[ID]struct{}),
		signal:  make(chan struct{}, 1),
	}
}

// NewOwner allocates an owner id.
func (r *Registry) NewOwner() Owner {
	return Owner(r.nextOwner.Add(1))
}

// Register records a new live handle. A token that is already tracked is
// rejected with ErrDuplicateHandle and its release function is not called.
func (r *Registry) Register(s Spec) (ID, error) {
	if s.Token == 0 || s.Release == nil {
		return 0, fmt.Errorf("%w: register %s: token and release func are required", shared.ErrValidation, s.Kind)
	}

	r.mu.Lock()
	if id, ok := r.tokens[s.Token]; ok {
		prev := r.entries[id].h
		r.mu.Unlock()
		return 0, fmt.Errorf("%w: token %d already tracked as %s", shared.ErrDuplicateHandle, s.Token, prev)
	}
	r.nextID++
	id := r.nextID
	en := &entry{
		h:       Handle{id: id, token: s.Token, kind: s.Kind, owner: s.Owner, group: s.Group},
		release: s.Release,
	}
	r.entries[id] = en
	r.tokens[s.Token] = id
	if s.Owner != 0 {
		addIndex(r.owners, s.Owner, id)
	}
	if s.Group != "" {
		addIndex(r.groups, s.Group, id)
	}
	r.mu.Unlock()

	r.registered.Add(1)
	r.log.Debug("handle registered", "handle", en.h.String(), "owner", s.Owner)
	return id, nil
}

func addIndex[K comparable](m map[K]map[ID]struct{}, k K, id ID) {
	set, ok := m[k]
	if !ok {
		set = make(map[ID]struct{})
		m[k] = set
	}
	set[id] = struct{}{}
}

func dropIndex[K comparable](m map[K]map[ID]struct{}, k K, id ID) {
	if set, ok := m[k]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(m, k)
		}
	}
}

func (r *Registry) entry(id ID) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[id]
}

// Lookup returns the handle for id. Released and unknown ids yield ErrReleased.
func (r *Registry) Lookup(id ID) (Handle, error) {
	en := r.entry(id)
	if en == nil {
		return Handle{}, fmt.Errorf("%w: handle %d", shared.ErrReleased, id)
	}
	en.mu.RLock()
	defer en.mu.RUnlock()
	if en.released {
		return Handle{}, fmt.Errorf("%w: %s", shared.ErrReleased, en.h)
	}
	return en.h, nil
}

// Use calls fn with the handle for id. Release of id waits until fn returns,
// so the token cannot be handed back to the engine while fn uses it. fn must
// not release id.
func (r *Registry) Use(id ID, fn func(h Handle) error) error {
	en := r.entry(id)
	if en == nil {
		return fmt.Errorf("%w: handle %d", shared.ErrReleased, id)
	}
	en.mu.RLock()
	defer en.mu.RUnlock()
	if en.released {
		return fmt.Errorf("%w: %s", shared.ErrReleased, en.h)
	}
	return fn(en.h)
}

// Release releases id. Releasing an unknown or already released id is a
// no-op. The release function runs at most once; its error is returned and
// the handle still counts as released.
func (r *Registry) Release(id ID) error {
	en := r.entry(id)
	if en == nil {
		return nil
	}

	en.mu.Lock()
	defer en.mu.Unlock()
	if en.released {
		return nil
	}
	en.released = true

	r.mu.Lock()
	delete(r.entries, id)
	if r.tokens[en.h.token] == id {
		delete(r.tokens, en.h.token)
	}
	if en.h.owner != 0 {
		dropIndex(r.owners, en.h.owner, id)
	}
	if en.h.group != "" {
		dropIndex(r.groups, en.h.group, id)
	}
	r.mu.Unlock()

	r.released.Add(1)
	if err := en.release(); err != nil {
		r.failed.Add(1)
		r.log.Warn("native release failed", "handle", en.h.String(), "error", err)
		return fmt.Errorf("release %s: %w", en.h, err)
	}
	r.log.Debug("handle released", "handle", en.h.String())
	return nil
}

// Owned lists the live handles of owner, oldest first.
func (r *Registry) Owned(owner Owner) []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collect(r.owners[owner])
}

// Group lists the live handles of group, oldest first.
func (r *Registry) Group(group string) []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.collect(r.groups[group])
}

// collect returns the handles for set ordered by id. Caller holds r.mu.
func (r *Registry) collect(set map[ID]struct{}) []Handle {
	out := make([]Handle, 0, len(set))
	for id := range set {
		if en, ok := r.entries[id]; ok {
			out = append(out, en.h)
		}
	}
	slices.SortFunc(out, func(a, b Handle) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})
	return out
}

// ReleaseOwned releases every handle of owner, newest first.
func (r *Registry) ReleaseOwned(owner Owner) error {
	return r.releaseLIFO(r.Owned(owner), nil)
}

// ReleaseGroup releases every handle of group except the given ids, newest
// first.
func (r *Registry) ReleaseGroup(group string, except ...ID) error {
	return r.releaseLIFO(r.Group(group), except)
}

// ReleaseAll releases every handle in native.Kinds order, so dependents go
// before what they depend on whatever their age. Within a kind the newest
// goes first.
func (r *Registry) ReleaseAll() error {
	r.mu.Lock()
	all := make(map[ID]struct{}, len(r.entries))
	for id := range r.entries {
		all[id] = struct{}{}
	}
	hs := r.collect(all)
	r.mu.Unlock()

	slices.SortStableFunc(hs, func(a, b Handle) int {
		return slices.Index(native.Kinds, b.kind) - slices.Index(native.Kinds, a.kind)
	})
	return r.releaseLIFO(hs, nil)
}

func (r *Registry) releaseLIFO(hs []Handle, except []ID) error {
	var errs []error
	for i := len(hs) - 1; i >= 0; i-- {
		if slices.Contains(except, hs[i].id) {
			continue
		}
		if err := r.Release(hs[i].id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Track arranges for ids to be queued for the sweep once ptr becomes
// unreachable. The returned Cleanup is stopped by explicit close paths.
func Track[T any](r *Registry, ptr *T, ids ...ID) runtime.Cleanup {
	return runtime.AddCleanup(ptr, r.MarkUnreachable, slices.Clone(ids))
}

// MarkUnreachable queues ids for the next sweep. It runs on the runtime's
// cleanup goroutine and never blocks.
func (r *Registry) MarkUnreachable(ids []ID) {
	if len(ids) == 0 {
		return
	}
	r.queueMu.Lock()
	r.unreachable = append(r.unreachable, ids...)
	r.queueMu.Unlock()

	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// SweepUnreachable releases every queued id and returns how many were still
// live. Ids released explicitly in the meantime are skipped.
func (r *Registry) SweepUnreachable() int {
	r.queueMu.Lock()
	ids := r.unreachable
	r.unreachable = nil
	r.queueMu.Unlock()

	n := 0
	for i := len(ids) - 1; i >= 0; i-- {
		if r.entry(ids[i]) == nil {
			continue
		}
		if err := r.Release(ids[i]); err != nil {
			r.log.Error("sweep release failed", "handle", ids[i], "error", err)
		}
		n++
	}
	if n > 0 {
		r.swept.Add(uint64(n))
		r.log.Info("swept unreachable handles", "count", n)
	}
	return n
}

// Pending returns the number of ids waiting for a sweep.
func (r *Registry) Pending() int {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	return len(r.unreachable)
}

// RunSweeper hands a sweep to exec every time ids are queued, until ctx ends.
func (r *Registry) RunSweeper(ctx context.Context, exec dispatch.Executor) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.signal:
		}
		err := exec.Post(ctx, func(context.Context) error {
			r.SweepUnreachable()
			return nil
		})
		if err != nil && !shared.IsCanceled(err) {
			r.log.Warn("sweep not scheduled", "error", err)
		}
	}
}

// Stats is a snapshot of registry counters.
type Stats struct {
	Live       int            `json:"live"`
	ByKind     map[string]int `json:"by_kind"`
	Owners     int            `json:"owners"`
	Groups     int            `json:"groups"`
	Registered uint64         `json:"registered"`
	Released   uint64         `json:"released"`
	Swept      uint64         `json:"swept"`
	Failed     uint64         `json:"failed"`
	Pending    int            `json:"pending_sweep"`
}

// Stats returns current counters.
func (r *Registry) Stats() Stats {
	s := Stats{
		ByKind:     make(map[string]int),
		Registered: r.registered.Load(),
		Released:   r.released.Load(),
		Swept:      r.swept.Load(),
		Failed:     r.failed.Load(),
		Pending:    r.Pending(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s.Live = len(r.entries)
	s.Owners = len(r.owners)
	s.Groups = len(r.groups)
	for _, en := range r.entries {
		s.ByKind[en.h.kind.String()]++
	}
	return s
}

// Dump lists live handles per group, for debugging.
func (r *Registry) Dump() map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string][]string, len(r.groups))
	for g, set := range r.groups {
		for _, h := range r.collect(set) {
			out[g] = append(out[g], h.String())
		}
	}
	return out
}
