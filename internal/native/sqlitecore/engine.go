// Package sqlitecore is a reference engine behind native.Engine. It stores
// objects as multi-version rows in SQLite so any number of frozen versions
// can be read while a single writer prepares the next one.
package sqlitecore

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"

	"corebridge/internal/native"
	"corebridge/internal/platform/sqlite"
)

// Options configures an Engine.
type Options struct {
	DB     sqlite.Options
	Logger *slog.Logger
}

// DefaultOptions returns WAL-mode SQLite settings and a discarding logger.
func DefaultOptions() Options {
	return Options{DB: sqlite.DefaultOptions()}
}

// Engine implements native.Engine on SQLite.
type Engine struct {
	opts Options
	log  *slog.Logger

	// openMu serializes Open so a path is only opened once.
	openMu sync.Mutex

	mu       sync.Mutex
	entries  []*entry
	freeList []native.Token
	files    map[string]*file
	closed   bool
}

var _ native.Engine = (*Engine)(nil)

// New creates an engine with no open files.
func New(opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		opts:    opts,
		log:     log.With("component", "sqlitecore"),
		entries: make([]*entry, 0, 64),
		files:   make(map[string]*file),
	}
}

// entry is the native object behind a token.
type entry struct {
	kind native.Kind
	file *file

	// frozen entries read at version and hold a pin on it. Entries that are
	// not frozen read through the file's live view.
	frozen  bool
	version uint64
	// committed entries derive from the database root and read the last
	// committed head, never an open write transaction.
	committed bool
	// live is the live version a non-frozen entry reads through. Only that
	// version sees its own open write transaction.
	live *entry

	objKey int64
	class  string
	where  native.Fields
	keys   []keyRow

	tx  *writeTx
	sub *subscription
}

// alloc stores e and returns its token. Tokens of released entries are
// reused. Caller holds e.mu.
func (e *Engine) alloc(en *entry) native.Token {
	en.file.refs++
	if en.frozen {
		en.file.pin(en.version)
	}

	if n := len(e.freeList); n > 0 {
		tok := e.freeList[n-1]
		e.freeList = e.freeList[:n-1]
		e.entries[tok-1] = en
		return tok
	}
	e.entries = append(e.entries, en)
	return native.Token(len(e.entries))
}

// get returns the entry for tok if its kind is one of kinds. Caller holds e.mu.
func (e *Engine) get(op string, tok native.Token, kinds ...native.Kind) (*entry, error) {
	if e.closed {
		return nil, native.Errorf(op, native.CodeClosed, "engine closed")
	}
	if tok == 0 || int(tok) > len(e.entries) || e.entries[tok-1] == nil {
		return nil, native.Errorf(op, native.CodeInvalidToken, "token %d", tok)
	}
	en := e.entries[tok-1]
	if len(kinds) == 0 {
		return en, nil
	}
	for _, k := range kinds {
		if en.kind == k {
			return en, nil
		}
	}
	return nil, native.Errorf(op, native.CodeWrongKind, "token %d is %s", tok, en.kind)
}

// lookup is get under e.mu.
func (e *Engine) lookup(op string, tok native.Token, kinds ...native.Kind) (*entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.get(op, tok, kinds...)
}

var versionKinds = []native.Kind{native.KindDatabase, native.KindLiveVersion, native.KindFrozenVersion}

// child builds an entry that reads at the same version as parent.
func child(kind native.Kind, parent *entry) *entry {
	en := &entry{kind: kind, file: parent.file, committed: parent.committed, live: parent.liveOf()}
	if parent.frozen {
		en.frozen = true
		en.version = parent.version
	}
	return en
}

// liveOf returns the live version en reads through, nil for frozen and
// committed entries.
func (en *entry) liveOf() *entry {
	if en.kind == native.KindLiveVersion {
		return en
	}
	return en.live
}

// view returns the querier and version a read through en observes.
func (e *Engine) view(en *entry) (sqlite.Querier, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return en.file.view(en)
}

// Open implements native.Engine.
func (e *Engine) Open(ctx context.Context, path string, cfg native.OpenConfig) (native.Token, native.Token, error) {
	const op = "open"

	abs, err := filepath.Abs(path)
	if err != nil {
		return 0, 0, native.WrapError(op, native.CodeFileAccess, err)
	}

	e.openMu.Lock()
	defer e.openMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, 0, native.Errorf(op, native.CodeClosed, "engine closed")
	}
	if f, ok := e.files[abs]; ok {
		defer e.mu.Unlock()
		if err := f.admit(op, cfg); err != nil {
			return 0, 0, err
		}
		db := e.alloc(&entry{kind: native.KindDatabase, file: f, committed: true})
		live := e.alloc(&entry{kind: native.KindLiveVersion, file: f})
		e.log.Debug("file shared", "path", abs, "refs", f.refs)
		return db, live, nil
	}
	e.mu.Unlock()

	f, err := openFile(ctx, abs, cfg, e.opts.DB, e.log)
	if err != nil {
		return 0, 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		_ = f.close()
		return 0, 0, native.Errorf(op, native.CodeClosed, "engine closed")
	}
	e.files[abs] = f
	db := e.alloc(&entry{kind: native.KindDatabase, file: f, committed: true})
	live := e.alloc(&entry{kind: native.KindLiveVersion, file: f})

	e.log.Debug("file opened", "path", abs, "file_id", f.id, "head", f.head)
	return db, live, nil
}

// Version implements native.Engine.
func (e *Engine) Version(tok native.Token) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	en, err := e.get("version", tok)
	if err != nil {
		return 0, err
	}
	if en.kind == native.KindDatabase {
		return en.file.head, nil
	}
	_, v := en.file.view(en)
	return v, nil
}

// Release implements native.Engine.
func (e *Engine) Release(kind native.Kind, tok native.Token) error {
	e.mu.Lock()
	en, err := e.get("release", tok, kind)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.entries[tok-1] = nil
	e.freeList = append(e.freeList, tok)

	f := en.file
	if en.frozen {
		f.unpin(en.version)
	}
	var rollback *writeTx
	if en.tx != nil && !en.tx.done {
		rollback = en.tx
		f.endTx(en.tx)
	}
	f.refs--
	last := f.refs == 0
	if last {
		delete(e.files, f.path)
	}
	e.mu.Unlock()

	var errs []error
	if rollback != nil && rollback.sql != nil {
		if err := rollback.sql.Rollback(); err != nil && !errors.Is(err, errTxDone) {
			errs = append(errs, native.WrapError("release", native.CodeInternal, err))
		}
	}
	if en.sub != nil {
		f.removeSub(tok, en.sub)
	}
	if last {
		if err := f.close(); err != nil {
			errs = append(errs, native.WrapError("release", native.CodeFileAccess, err))
		}
		e.log.Debug("file closed", "path", f.path)
	}
	return errors.Join(errs...)
}

// Close implements native.Engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	files := make([]*file, 0, len(e.files))
	for _, f := range e.files {
		files = append(files, f)
	}
	var open int
	var pending []*writeTx
	for _, f := range files {
		if f.tx != nil {
			pending = append(pending, f.tx)
			f.endTx(f.tx)
		}
	}
	for _, en := range e.entries {
		if en != nil {
			open++
		}
	}
	e.entries = nil
	e.freeList = nil
	e.files = map[string]*file{}
	e.mu.Unlock()

	if open > 0 {
		e.log.Warn("engine closed with live tokens", "tokens", open)
	}

	for _, wt := range pending {
		if wt.sql != nil {
			_ = wt.sql.Rollback()
		}
	}
	var errs []error
	for _, f := range files {
		if err := f.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats implements native.Engine.
func (e *Engine) Stats() native.Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := native.Stats{
		Files:       len(e.files),
		Tokens:      make(map[native.Kind]int),
		HeadVersion: make(map[string]uint64, len(e.files)),
	}
	for _, en := range e.entries {
		if en != nil {
			s.Tokens[en.kind]++
		}
	}
	for path, f := range e.files {
		s.HeadVersion[path] = f.head
		for _, n := range f.pins {
			s.PinnedFrozen += n
		}
	}
	return s
}
