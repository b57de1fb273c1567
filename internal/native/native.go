// Package native defines the boundary to the storage engine: opaque tokens,
// native error codes, change sets and the Engine interface the bridge calls.
//
// Nothing above this package sees engine internals. Tokens are plain
// integers; the engine owns whatever they point at until Release is called
// with the matching Kind.
package native

import (
	"fmt"
)

// Token is an opaque engine pointer. Zero is never a valid token.
type Token uint64

// Kind identifies the native type behind a token and selects its destructor.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindDatabase
	KindLiveVersion
	KindFrozenVersion
	KindQuery
	KindResultSet
	KindObject
	KindNotificationToken
	KindWriteTransaction
)

func (k Kind) String() string {
	switch k {
	case KindDatabase:
		return "database"
	case KindLiveVersion:
		return "live_version"
	case KindFrozenVersion:
		return "frozen_version"
	case KindQuery:
		return "query"
	case KindResultSet:
		return "result_set"
	case KindObject:
		return "object"
	case KindNotificationToken:
		return "notification_token"
	case KindWriteTransaction:
		return "write_transaction"
	default:
		return "invalid"
	}
}

// Kinds lists every valid kind, in release order used at shutdown
// (dependents before the things they depend on).
var Kinds = []Kind{
	KindNotificationToken,
	KindResultSet,
	KindQuery,
	KindObject,
	KindWriteTransaction,
	KindFrozenVersion,
	KindLiveVersion,
	KindDatabase,
}

// Value is a field value. Engines accept nil, bool, int64, float64 and
// string; other numeric types are normalized by the engine.
type Value = any

// Fields is an object's field map.
type Fields = map[string]Value

// Record is a decoded object as seen at one version.
type Record struct {
	Class  string
	PK     string
	Fields Fields
}

// OpenConfig is passed to Engine.Open.
type OpenConfig struct {
	// SchemaVersion must match the stored version. Zero accepts any stored
	// version and stamps new files with 1.
	SchemaVersion uint64
	// EncryptionKey must match the key the file was created with. Files
	// created without a key must be opened without one.
	EncryptionKey []byte
}

// ChangeSet describes what changed between two versions for one
// subscription target.
type ChangeSet struct {
	// Deleted is set when the observed object no longer exists.
	Deleted bool
	// Insertions, Deletions and Modifications are indices for result set
	// targets. Deletions are indices in the old collection; insertions and
	// modifications are indices in the new one.
	Insertions    []int
	Deletions     []int
	Modifications []int
	// Fields lists changed field names for object targets.
	Fields []string
	// Classes lists changed classes for database targets.
	Classes []string
}

// Empty reports whether the set carries no change.
func (c ChangeSet) Empty() bool {
	return !c.Deleted &&
		len(c.Insertions) == 0 &&
		len(c.Deletions) == 0 &&
		len(c.Modifications) == 0 &&
		len(c.Fields) == 0 &&
		len(c.Classes) == 0
}

// Callback is invoked by the engine on an arbitrary goroutine after a commit
// that may affect a subscription. It must not block or call back into the
// engine.
type Callback func(version uint64)

// Stats is an engine-wide resource counter snapshot.
type Stats struct {
	Files        int
	Tokens       map[Kind]int
	PinnedFrozen int
	HeadVersion  map[string]uint64
}

// Live returns the total number of live tokens.
func (s Stats) Live() int {
	n := 0
	for _, c := range s.Tokens {
		n += c
	}
	return n
}

// String implements fmt.Stringer for logs.
func (s Stats) String() string {
	return fmt.Sprintf("files=%d tokens=%d pinned=%d", s.Files, s.Live(), s.PinnedFrozen)
}
