package roomcore

import (
	"fmt"

	"golang.org/x/xerrors"
)

// ErrorKind classifies failures per the core's error taxonomy. Every error
// surfaced across a package boundary is wrapped in an *Error carrying one of
// these kinds, so callers can branch on Kind() instead of string matching.
type ErrorKind uint8

const (
	// KindTransient covers network drops, peer-gone, and timeouts. Callers
	// may retry; the core itself does not retry these internally.
	KindTransient ErrorKind = iota
	// KindNotFound covers an absent blob, message, or room. Not retried.
	KindNotFound
	// KindUnauthorized covers a local writer that has not yet been admitted.
	KindUnauthorized
	// KindConflict covers duplicate invite redemption and forked writers.
	KindConflict
	// KindCorrupt covers hash-chain or signature verification failures.
	KindCorrupt
	// KindFatal covers local storage I/O failure.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindConflict:
		return "conflict"
	case KindCorrupt:
		return "corrupt"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the wrapped error type returned across package boundaries.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a kind-tagged error, wrapping cause with xerrors so a
// caller that does print it gets a frame-annotated chain.
func NewError(kind ErrorKind, op string, cause error) *Error {
	if cause != nil {
		cause = xerrors.Errorf("%s: %w", op, cause)
	}
	return &Error{Kind: kind, Op: op, Err: cause}
}

// KindOf unwraps err looking for a *Error and returns its Kind, or
// KindFatal if err does not carry one (an escape hatch that should not be
// reached in steady state — see individual package docs for where it is
// still possible, e.g. an uncategorized os.PathError from disk I/O).
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if xerrors.As(err, &e) {
		return e.Kind, true
	}
	return KindFatal, false
}

// IsNotFound reports whether err is (or wraps) a KindNotFound error.
func IsNotFound(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindNotFound
}

// IsConflict reports whether err is (or wraps) a KindConflict error.
func IsConflict(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindConflict
}
