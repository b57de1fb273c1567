package sqlitecore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"corebridge/internal/native"
	"corebridge/internal/platform/sqlite"
)

var errTxDone = sql.ErrTxDone

const (
	metaFileID        = "file_id"
	metaSchemaVersion = "schema_version"
	metaHeadVersion   = "head_version"
	metaKeyPrint      = "key_fingerprint"
)

// file is one open engine file shared by every token that refers to it.
// Fields other than notifier state are guarded by Engine.mu.
type file struct {
	path   string
	id     string
	schema uint64
	// keyPrint is the fingerprint of the file's encryption key, or empty.
	keyPrint string
	db       *sql.DB
	runner   *sqlite.TxRunner
	log      *slog.Logger

	refs int
	head uint64
	pins map[uint64]int
	tx   *writeTx

	notifyMu sync.Mutex
	subs     map[native.Token]*subscription
	queue    commitQueue
	stop     chan struct{}
	done     chan struct{}
}

func openFile(ctx context.Context, path string, cfg native.OpenConfig, opts sqlite.Options, log *slog.Logger) (*file, error) {
	const op = "open"

	db, err := sqlite.OpenWithOptions(ctx, path, opts)
	if err != nil {
		return nil, fileError(op, err)
	}
	if err := Migrations.Apply(path); err != nil {
		_ = db.Close()
		return nil, fileError(op, err)
	}

	f := &file{
		path:   path,
		db:     db,
		runner: sqlite.NewTxRunner(db),
		log:    log.With("path", path),
		pins:   make(map[uint64]int),
		subs:   make(map[native.Token]*subscription),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	f.queue.init()

	if err := f.loadMeta(ctx, cfg); err != nil {
		_ = db.Close()
		return nil, err
	}

	go f.runNotifier()
	return f, nil
}

func fileError(op string, err error) error {
	if sqlite.IsBusy(err) {
		return native.WrapError(op, native.CodeBusy, err)
	}
	return native.WrapError(op, native.CodeFileAccess, err)
}

// loadMeta stamps a new file and checks the schema version of an existing one.
func (f *file) loadMeta(ctx context.Context, cfg native.OpenConfig) error {
	const op = "open"

	schema := cfg.SchemaVersion
	if schema == 0 {
		schema = 1
	}

	meta := map[string]string{}
	err := f.runner.WithinTx(ctx, func(ctx context.Context) error {
		q := f.runner.GetQuerier(ctx)
		_, err := q.ExecContext(ctx,
			`INSERT OR IGNORE INTO meta (key, value) VALUES (?, ?), (?, ?), (?, ?), (?, ?)`,
			metaFileID, uuid.NewString(),
			metaSchemaVersion, strconv.FormatUint(schema, 10),
			metaHeadVersion, "1",
			metaKeyPrint, fingerprint(cfg.EncryptionKey))
		if err != nil {
			return err
		}

		rows, err := q.QueryContext(ctx, `SELECT key, value FROM meta`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var k, v string
			if err := rows.Scan(&k, &v); err != nil {
				return err
			}
			meta[k] = v
		}
		return rows.Err()
	})
	if err != nil {
		return fileError(op, err)
	}

	f.id = meta[metaFileID]
	if f.schema, err = strconv.ParseUint(meta[metaSchemaVersion], 10, 64); err != nil {
		return native.WrapError(op, native.CodeFileAccess, fmt.Errorf("corrupt schema version: %w", err))
	}
	if f.head, err = strconv.ParseUint(meta[metaHeadVersion], 10, 64); err != nil {
		return native.WrapError(op, native.CodeFileAccess, fmt.Errorf("corrupt head version: %w", err))
	}
	f.keyPrint = meta[metaKeyPrint]
	return f.admit(op, cfg)
}

// admit checks cfg against the stored schema version and key.
func (f *file) admit(op string, cfg native.OpenConfig) error {
	if f.keyPrint != fingerprint(cfg.EncryptionKey) {
		return native.Errorf(op, native.CodeFileAccess, "%s: encryption key does not match", f.path)
	}
	if cfg.SchemaVersion != 0 && cfg.SchemaVersion != f.schema {
		return native.Errorf(op, native.CodeIncompatibleSchema,
			"%s: stored schema %d, requested %d", f.path, f.schema, cfg.SchemaVersion)
	}
	return nil
}

func fingerprint(key []byte) string {
	if len(key) == 0 {
		return ""
	}
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:])
}

// view returns the querier and version for reads through en.
// Caller holds Engine.mu.
func (f *file) view(en *entry) (sqlite.Querier, uint64) {
	if en.frozen {
		return f.db, en.version
	}
	if en.committed {
		return f.db, f.head
	}
	if t := f.tx; t != nil && t.sql != nil && t.owner == en.liveOf() {
		return t.sql, t.pending
	}
	return f.db, f.head
}

// endTx marks wt finished and wakes writers waiting for the file.
// Caller holds Engine.mu.
func (f *file) endTx(wt *writeTx) {
	wt.done = true
	if f.tx == wt {
		f.tx = nil
		close(wt.finished)
	}
}

func (f *file) pin(v uint64) { f.pins[v]++ }

func (f *file) unpin(v uint64) {
	if f.pins[v] <= 1 {
		delete(f.pins, v)
		return
	}
	f.pins[v]--
}

// pinnedVersions lists every version a reader can still observe, head
// included. Caller holds Engine.mu.
func (f *file) pinnedVersions() []uint64 {
	versions := make([]uint64, 0, len(f.pins)+1)
	versions = append(versions, f.head)
	for v := range f.pins {
		if v != f.head {
			versions = append(versions, v)
		}
	}
	slices.Sort(versions)
	return versions
}

func (f *file) close() error {
	close(f.stop)
	<-f.done
	return f.db.Close()
}

// commitNote records what one commit touched.
type commitNote struct {
	version uint64
	keys    map[int64]struct{}
	classes map[string]struct{}
}

// commitQueue hands commit notes to the notifier goroutine. The signal
// channel has room for one wakeup so producers never block.
type commitQueue struct {
	mu     sync.Mutex
	notes  []commitNote
	signal chan struct{}
}

func (q *commitQueue) init() {
	q.signal = make(chan struct{}, 1)
}

func (q *commitQueue) push(n commitNote) {
	q.mu.Lock()
	q.notes = append(q.notes, n)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *commitQueue) drain() []commitNote {
	q.mu.Lock()
	defer q.mu.Unlock()
	notes := q.notes
	q.notes = nil
	return notes
}

func (f *file) runNotifier() {
	defer close(f.done)
	for {
		select {
		case <-f.stop:
			return
		case <-f.queue.signal:
		}
		for _, n := range f.queue.drain() {
			f.dispatch(n)
		}
	}
}

// dispatch runs the callbacks of every subscription n touches.
func (f *file) dispatch(n commitNote) {
	f.notifyMu.Lock()
	defer f.notifyMu.Unlock()
	for _, s := range f.subs {
		if s.matches(n) {
			s.cb(n.version)
		}
	}
}

func (f *file) addSub(tok native.Token, s *subscription) {
	f.notifyMu.Lock()
	f.subs[tok] = s
	f.notifyMu.Unlock()
}

// removeSub drops s. The token may already belong to a newer subscription.
func (f *file) removeSub(tok native.Token, s *subscription) {
	f.notifyMu.Lock()
	if f.subs[tok] == s {
		delete(f.subs, tok)
	}
	f.notifyMu.Unlock()
}

// writeTx is the single write transaction of a file.
type writeTx struct {
	ctx context.Context
	sql *sql.Tx
	// owner is the live version that opened the transaction.
	owner   *entry
	pending uint64
	keys    map[int64]struct{}
	classes map[string]struct{}
	done    bool
	// finished is closed when the file's write slot is free again.
	finished chan struct{}
}

func (t *writeTx) touch(key int64, class string) {
	t.keys[key] = struct{}{}
	t.classes[class] = struct{}{}
}

var errNoTx = errors.New("transaction already finished")
