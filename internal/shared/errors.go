// Package shared contains the error taxonomy used across the bridge.
package shared

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors. Every error returned by the bridge wraps exactly one of
// these so callers can branch with errors.Is or KindOf.
var (
	// ErrWrongThread is returned when a confined handle is used outside its dispatcher.
	ErrWrongThread = errors.New("wrong thread")

	// ErrReleased is returned when a handle is used after release.
	ErrReleased = errors.New("handle released")

	// ErrClosed is returned by operations on a closed database, dispatcher or pool.
	ErrClosed = errors.New("closed")

	// ErrStaleObject is returned when a handle from a superseded version is read.
	ErrStaleObject = errors.New("stale object")

	// ErrDuplicateHandle is returned when a native token is registered twice.
	ErrDuplicateHandle = errors.New("duplicate handle")

	// ErrAlreadyOpen is returned when a file is opened live on a second confinement.
	ErrAlreadyOpen = errors.New("already open")

	// ErrFileAccess wraps native file open and I/O failures.
	ErrFileAccess = errors.New("file access")

	// ErrIncompatibleSchema is returned when the stored schema version does not match.
	ErrIncompatibleSchema = errors.New("incompatible schema")

	// ErrResourceExhausted is returned when the engine or a queue runs out of capacity.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrBusy is returned when the engine file is locked by another writer.
	ErrBusy = errors.New("busy")

	// ErrNotFound indicates that a requested object was not found.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates invalid arguments.
	ErrValidation = errors.New("validation failed")

	// ErrConflict indicates an operation that conflicts with current state,
	// such as a second write transaction.
	ErrConflict = errors.New("conflict")

	// ErrInternal indicates a bug or an unexpected native failure.
	ErrInternal = errors.New("internal error")

	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrInvariantViolated indicates a broken internal invariant.
	ErrInvariantViolated = errors.New("invariant violated")
)

// Kind represents a category of error for easier classification and handling.
type Kind int

const (
	KindUnknown Kind = iota
	KindWrongThread
	KindReleased
	KindClosed
	KindStaleObject
	KindDuplicateHandle
	KindAlreadyOpen
	KindFileAccess
	KindIncompatibleSchema
	KindResourceExhausted
	KindBusy
	KindNotFound
	KindValidation
	KindConflict
	KindInternal
	KindTimeout
	KindInvariantViolated
	KindCanceled
)

var kindNames = map[Kind]string{
	KindWrongThread:        "WrongThread",
	KindReleased:           "Released",
	KindClosed:             "Closed",
	KindStaleObject:        "StaleObject",
	KindDuplicateHandle:    "DuplicateHandle",
	KindAlreadyOpen:        "AlreadyOpen",
	KindFileAccess:         "FileAccess",
	KindIncompatibleSchema: "IncompatibleSchema",
	KindResourceExhausted:  "ResourceExhausted",
	KindBusy:               "Busy",
	KindNotFound:           "NotFound",
	KindValidation:         "Validation",
	KindConflict:           "Conflict",
	KindInternal:           "Internal",
	KindTimeout:            "Timeout",
	KindInvariantViolated:  "InvariantViolated",
	KindCanceled:           "Canceled",
}

// String returns the string representation of the Kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

var kindToSentinel = map[Kind]error{
	KindWrongThread:        ErrWrongThread,
	KindReleased:           ErrReleased,
	KindClosed:             ErrClosed,
	KindStaleObject:        ErrStaleObject,
	KindDuplicateHandle:    ErrDuplicateHandle,
	KindAlreadyOpen:        ErrAlreadyOpen,
	KindFileAccess:         ErrFileAccess,
	KindIncompatibleSchema: ErrIncompatibleSchema,
	KindResourceExhausted:  ErrResourceExhausted,
	KindBusy:               ErrBusy,
	KindNotFound:           ErrNotFound,
	KindValidation:         ErrValidation,
	KindConflict:           ErrConflict,
	KindInternal:           ErrInternal,
	KindTimeout:            ErrTimeout,
	KindInvariantViolated:  ErrInvariantViolated,
}

// kindPriorities defines the deterministic order for error classification.
// Programming errors come first: a wrong-thread call that also hit a closed
// database is reported as WrongThread.
var kindPriorities = []struct {
	kind Kind
	err  error
}{
	{KindCanceled, nil},
	{KindTimeout, ErrTimeout},
	{KindWrongThread, ErrWrongThread},
	{KindStaleObject, ErrStaleObject},
	{KindReleased, ErrReleased},
	{KindClosed, ErrClosed},
	{KindDuplicateHandle, ErrDuplicateHandle},
	{KindAlreadyOpen, ErrAlreadyOpen},
	{KindIncompatibleSchema, ErrIncompatibleSchema},
	{KindFileAccess, ErrFileAccess},
	{KindBusy, ErrBusy},
	{KindResourceExhausted, ErrResourceExhausted},
	{KindNotFound, ErrNotFound},
	{KindValidation, ErrValidation},
	{KindConflict, ErrConflict},
	{KindInternal, ErrInternal},
	{KindInvariantViolated, ErrInvariantViolated},
}

// KindOf returns the Kind of err by walking kindPriorities in order.
// For errors created with errors.Join the first matching kind wins.
// Returns KindUnknown for unrecognized errors.
//
// Example:
//
//	switch shared.KindOf(err) {
//	case shared.KindStaleObject:
//	    obj, err = ctx.Resolve(obj)
//	case shared.KindBusy:
//	    // retry later
//	}
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	for _, priority := range kindPriorities {
		switch priority.kind {
		case KindCanceled:
			if IsCanceled(err) {
				return KindCanceled
			}
		case KindTimeout:
			if IsTimeout(err) {
				return KindTimeout
			}
		default:
			if errors.Is(err, priority.err) {
				return priority.kind
			}
		}
	}

	return KindUnknown
}

// HasKind reports whether KindOf(err) == kind.
func HasKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// SentinelOf returns the sentinel error for the given Kind.
// For KindUnknown and KindCanceled, it returns nil.
func SentinelOf(kind Kind) error {
	if sentinel, ok := kindToSentinel[kind]; ok {
		return sentinel
	}
	return nil
}

// MarkKind wraps err with the sentinel for kind, preserving err in the chain.
// Marking an error with a kind it already has returns it unchanged.
// If err is nil, the bare sentinel is returned.
//
//	if errors.Is(err, sql.ErrNoRows) {
//	    return shared.MarkKind(err, shared.KindNotFound)
//	}
func MarkKind(err error, kind Kind) error {
	if err == nil {
		return SentinelOf(kind)
	}
	if kind == KindUnknown || kind == KindCanceled {
		return err
	}
	sentinel := SentinelOf(kind)
	if sentinel == nil || errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// Category groups kinds into the classes callers usually react to.
type Category int

const (
	// CategoryNone is reported for nil errors.
	CategoryNone Category = iota
	// CategoryProgramming is misuse of the API: fix the caller.
	CategoryProgramming
	// CategoryStale means the handle must be resolved into a newer version.
	CategoryStale
	// CategoryNative covers engine I/O failures; some are retryable.
	CategoryNative
	// CategoryInternal covers everything else.
	CategoryInternal
)

func (c Category) String() string {
	switch c {
	case CategoryNone:
		return "None"
	case CategoryProgramming:
		return "Programming"
	case CategoryStale:
		return "Stale"
	case CategoryNative:
		return "Native"
	default:
		return "Internal"
	}
}

// CategoryOf classifies err.
func CategoryOf(err error) Category {
	if err == nil {
		return CategoryNone
	}
	switch KindOf(err) {
	case KindWrongThread, KindReleased, KindClosed, KindDuplicateHandle,
		KindAlreadyOpen, KindValidation, KindConflict:
		return CategoryProgramming
	case KindStaleObject:
		return CategoryStale
	case KindFileAccess, KindIncompatibleSchema, KindResourceExhausted, KindBusy:
		return CategoryNative
	default:
		return CategoryInternal
	}
}

// IsRetryable reports whether err is a transient native condition.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrResourceExhausted)
}

// Wrap returns "context: err", or nil when err is nil.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	if context == "" {
		return err
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Wrapf is Wrap with a formatted context.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return Wrap(err, fmt.Sprintf(format, args...))
}

// Invariant returns ErrInvariantViolated with message when condition is false.
func Invariant(condition bool, message string) error {
	if condition {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvariantViolated, message)
}

// InvariantF is Invariant with a formatted message.
func InvariantF(condition bool, format string, args ...any) error {
	if condition {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvariantViolated, fmt.Sprintf(format, args...))
}

// IsCanceled reports whether err is a canceled context.
func IsCanceled(err error) bool {
	return err != nil && errors.Is(err, context.Canceled)
}

// IsTimeout reports whether err is a deadline or ErrTimeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout)
}

// IsWrongThread reports whether err is a confinement violation.
func IsWrongThread(err error) bool { return errors.Is(err, ErrWrongThread) }

// IsReleased reports whether err is a use-after-release.
func IsReleased(err error) bool { return errors.Is(err, ErrReleased) }

// IsClosed reports whether err came from a closed component.
func IsClosed(err error) bool { return errors.Is(err, ErrClosed) }

// IsStale reports whether err is a stale object access.
func IsStale(err error) bool { return errors.Is(err, ErrStaleObject) }

// IsNotFound reports whether err indicates a missing object.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// Cause returns the deepest error in the chain. For errors.Join the first
// leaf in breadth-first order is returned.
func Cause(err error) error {
	all := UnwrapAll(err)
	for i := len(all) - 1; i >= 0; i-- {
		candidate := all[i]
		if multi, ok := candidate.(interface{ Unwrap() []error }); ok {
			if len(multi.Unwrap()) == 0 {
				return candidate
			}
			continue
		}
		if errors.Unwrap(candidate) == nil {
			return candidate
		}
	}
	return err
}

// UnwrapAll flattens the error graph, outermost first.
func UnwrapAll(err error) []error {
	if err == nil {
		return nil
	}

	var result []error
	seen := make(map[error]bool)
	queue := []error{err}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if seen[current] {
			continue
		}
		seen[current] = true
		result = append(result, current)

		if multi, ok := current.(interface{ Unwrap() []error }); ok {
			queue = append(queue, multi.Unwrap()...)
		} else if nested := errors.Unwrap(current); nested != nil {
			queue = append(queue, nested)
		}
	}

	return result
}
