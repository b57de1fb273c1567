// Package handle owns every native token the bridge holds.
//
// Wrappers never keep a token. They keep the registry ID and borrow the token
// through Use for the duration of one engine call. Release runs the native
// release function at most once per ID, whether it is reached through an
// explicit close, an owner or group teardown, or the unreachable sweep.
package handle

import (
	"fmt"

	"corebridge/internal/native"
)

// ID identifies a registered handle. IDs are never reused.
type ID uint64

// Owner identifies the version context or subscription a handle belongs to.
// Zero means the handle is owned by its group root.
type Owner uint64

// ReleaseFunc returns a native resource to the engine.
type ReleaseFunc func() error

// Handle is the registry's view of one native token.
type Handle struct {
	id    ID
	token native.Token
	kind  native.Kind
	owner Owner
	group string
}

func (h Handle) ID() ID              { return h.id }
func (h Handle) Token() native.Token { return h.token }
func (h Handle) Kind() native.Kind   { return h.kind }
func (h Handle) Owner() Owner        { return h.owner }
func (h Handle) Group() string       { return h.group }

func (h Handle) String() string {
	return fmt.Sprintf("%s#%d(token=%d)", h.kind, h.id, h.token)
}

// Spec describes a handle to register.
type Spec struct {
	Token   native.Token
	Kind    native.Kind
	Owner   Owner
	Group   string
	Release ReleaseFunc
}

// NativeRelease returns a ReleaseFunc that hands tok back to eng.
func NativeRelease(eng native.Engine, kind native.Kind, tok native.Token) ReleaseFunc {
	return func() error { return eng.Release(kind, tok) }
}
