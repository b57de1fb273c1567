// Package shared contains the error taxonomy shared by every layer of the
// bridge.
//
// # Sentinels and kinds
//
// Each failure is reported as an error wrapping one sentinel. KindOf maps an
// error to its Kind using a fixed priority order, so errors built with
// errors.Join classify deterministically:
//
//	Priority | Kind
//	---------|--------------------
//	1        | KindCanceled
//	2        | KindTimeout
//	3        | KindWrongThread
//	4        | KindStaleObject
//	5        | KindReleased
//	6        | KindClosed
//	7        | KindDuplicateHandle
//	8        | KindAlreadyOpen
//	9        | KindIncompatibleSchema
//	10       | KindFileAccess
//	11       | KindBusy
//	12       | KindResourceExhausted
//	13       | KindNotFound
//	14       | KindValidation
//	15       | KindConflict
//	16       | KindInternal
//	17       | KindInvariantViolated
//
// # Categories
//
// CategoryOf folds kinds into four groups:
//
//   - Programming: wrong thread, use after release or close, duplicate handle,
//     second live open, bad arguments. Fix the caller.
//   - Stale: the handle belongs to a superseded version. Resolve it.
//   - Native: file access, schema mismatch, exhaustion, busy. Busy and
//     exhaustion are retryable (IsRetryable).
//   - Internal: anything else.
//
// Native engine errors (package native) unwrap to these sentinels, so
// errors.Is works on them without losing the native message.
//
// # Adapting foreign errors
//
//	if errors.Is(err, sql.ErrNoRows) {
//	    return shared.MarkKind(err, shared.KindNotFound)
//	}
package shared
