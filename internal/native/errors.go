package native

import (
	"errors"
	"fmt"

	"corebridge/internal/shared"
)

// Code is a native error code.
type Code int

const (
	CodeOK Code = iota
	CodeInvalidToken
	CodeWrongKind
	CodeFileAccess
	CodeIncompatibleSchema
	CodeBusy
	CodeExhausted
	CodeNotFound
	CodeExists
	CodeInTransaction
	CodeNotInTransaction
	CodeInvalidArgument
	CodeClosed
	CodeInternal
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeInvalidToken:
		return "invalid_token"
	case CodeWrongKind:
		return "wrong_kind"
	case CodeFileAccess:
		return "file_access"
	case CodeIncompatibleSchema:
		return "incompatible_schema"
	case CodeBusy:
		return "busy"
	case CodeExhausted:
		return "exhausted"
	case CodeNotFound:
		return "not_found"
	case CodeExists:
		return "exists"
	case CodeInTransaction:
		return "in_transaction"
	case CodeNotInTransaction:
		return "not_in_transaction"
	case CodeInvalidArgument:
		return "invalid_argument"
	case CodeClosed:
		return "closed"
	default:
		return "internal"
	}
}

var codeSentinels = map[Code]error{
	CodeInvalidToken:       shared.ErrReleased,
	CodeWrongKind:          shared.ErrValidation,
	CodeFileAccess:         shared.ErrFileAccess,
	CodeIncompatibleSchema: shared.ErrIncompatibleSchema,
	CodeBusy:               shared.ErrBusy,
	CodeExhausted:          shared.ErrResourceExhausted,
	CodeNotFound:           shared.ErrNotFound,
	CodeExists:             shared.ErrConflict,
	CodeInTransaction:      shared.ErrConflict,
	CodeNotInTransaction:   shared.ErrConflict,
	CodeInvalidArgument:    shared.ErrValidation,
	CodeClosed:             shared.ErrClosed,
	CodeInternal:           shared.ErrInternal,
}

// Error is a failure reported by the engine. It unwraps to the matching
// shared sentinel and to the underlying cause, if any.
type Error struct {
	Op      string
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		return fmt.Sprintf("native %s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("native %s: %s: %s", e.Op, e.Code, msg)
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if sentinel, ok := codeSentinels[e.Code]; ok {
		errs = append(errs, sentinel)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Errorf builds an *Error with a formatted message.
func Errorf(op string, code Code, format string, args ...any) error {
	return &Error{Op: op, Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an *Error around a cause.
func WrapError(op string, code Code, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Code: code, Err: err}
}

// CodeOf extracts the native code from err, or CodeOK for nil and CodeInternal
// for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var nerr *Error
	if errors.As(err, &nerr) {
		return nerr.Code
	}
	return CodeInternal
}
