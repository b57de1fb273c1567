package native

import "context"

// Engine is the storage engine as seen by the bridge. Every method may be
// called from any goroutine; confinement is enforced above this interface.
//
// Tokens returned by an Engine stay valid until Release is called with the
// same Kind. Releasing a token twice, or with the wrong kind, is an error the
// engine reports but cannot always detect: token values may be reused once
// released.
type Engine interface {
	// Open opens or creates the file at path and returns its database token
	// and a live version token. Opening a file that is already open shares
	// the underlying file.
	Open(ctx context.Context, path string, cfg OpenConfig) (db, live Token, err error)
	// Close releases every token and closes every file.
	Close() error

	// Version reports the version a read through tok observes.
	Version(tok Token) (uint64, error)
	// Freeze pins the committed version seen by tok (database, live or
	// frozen) and returns a frozen version token.
	Freeze(tok Token) (Token, error)
	// BeginWrite opens the single write transaction of live's file. While
	// another live version of the file holds it, BeginWrite waits until that
	// transaction ends or ctx does. Only live sees the transaction's changes
	// before commit.
	BeginWrite(ctx context.Context, live Token) (Token, error)
	// Commit publishes the transaction and returns the new version. The
	// token must still be released.
	Commit(ctx context.Context, tx Token) (uint64, error)
	// Rollback discards the transaction. The token must still be released.
	Rollback(ctx context.Context, tx Token) error
	// ResolveIn returns a token for the entity behind src as seen by the
	// version token target. It returns 0 and no error when the entity no
	// longer exists there.
	ResolveIn(ctx context.Context, src, target Token) (Token, error)

	CreateObject(ctx context.Context, tx Token, class, pk string, fields Fields) (Token, error)
	FindObject(ctx context.Context, ver Token, class, pk string) (Token, error)
	ObjectGet(ctx context.Context, obj Token) (Record, error)
	SetField(ctx context.Context, tx, obj Token, field string, value Value) error
	DeleteObject(ctx context.Context, tx, obj Token) error
	Query(ver Token, class string, where Fields) (Token, error)
	RunQuery(ctx context.Context, q Token) (Token, error)
	ResultCount(rs Token) (int, error)
	ResultObject(rs Token, i int) (Token, error)
	Classes(ctx context.Context, ver Token) ([]string, error)

	// Subscribe registers cb for changes to target: an object, a query or
	// result set, or a whole file (database, live or frozen token). No
	// callback runs after Release of the returned token has returned.
	Subscribe(target Token, cb Callback) (Token, error)
	// Changes computes what changed for sub between two frozen versions.
	Changes(ctx context.Context, sub, from, to Token) (ChangeSet, error)

	// Compact drops row versions no pinned version can observe.
	Compact(ctx context.Context, db Token) (int64, error)
	Stats() Stats
	Release(kind Kind, tok Token) error
}
