package notify

import (
	"context"
	"fmt"
	"strings"

	"corebridge/internal/native"
	"corebridge/internal/version"
)

// EventType is the phase of a notification.
type EventType uint8

const (
	// Initial carries the state at subscription time. It is always first.
	Initial EventType = iota
	// Update carries the state after one or more commits and what changed.
	Update
	// Deleted is terminal: the observed object no longer exists.
	Deleted
)

func (t EventType) String() string {
	switch t {
	case Initial:
		return "initial"
	case Update:
		return "update"
	default:
		return "deleted"
	}
}

// Event is one delivery. The consumer owns Snapshot and should Close the
// event when done; the sweep reclaims it otherwise.
type Event struct {
	Type     EventType
	Version  uint64
	Snapshot *version.Context
	// Target is the observed object, results or database as seen by
	// Snapshot. It is nil for Deleted events.
	Target  version.Target
	Changes native.ChangeSet
}

// Object returns the observed object, or nil.
func (e Event) Object() *version.Object {
	o, _ := e.Target.(*version.Object)
	return o
}

// Results returns the observed collection, or nil.
func (e Event) Results() *version.Results {
	r, _ := e.Target.(*version.Results)
	return r
}

// Close releases the event snapshot and everything resolved into it.
func (e Event) Close() error {
	if e.Snapshot == nil {
		return nil
	}
	return e.Snapshot.Close(context.Background())
}

func (e Event) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s@%d", e.Type, e.Version)
	cs := e.Changes
	if n := len(cs.Insertions); n > 0 {
		fmt.Fprintf(&b, " +%d", n)
	}
	if n := len(cs.Deletions); n > 0 {
		fmt.Fprintf(&b, " -%d", n)
	}
	if n := len(cs.Modifications); n > 0 {
		fmt.Fprintf(&b, " ~%d", n)
	}
	if len(cs.Fields) > 0 {
		fmt.Fprintf(&b, " fields=%s", strings.Join(cs.Fields, ","))
	}
	if len(cs.Classes) > 0 {
		fmt.Fprintf(&b, " classes=%s", strings.Join(cs.Classes, ","))
	}
	return b.String()
}
