// Package galdrerr defines the tagged error kinds GaldrDB returns to
// callers: a closed Kind enum wrapping a message and optional cause, so
// callers switch on Kind instead of string-matching messages.
package galdrerr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error so callers can branch on failure category
// without string-matching messages.
type Kind int

const (
	// KindUnknown is never returned; it is the zero value of Kind.
	KindUnknown Kind = iota
	// KindNotFound: a collection, document, or index lookup came up empty.
	KindNotFound
	// KindInvalidOperation: the caller misused the API (e.g. dropping a
	// non-empty collection without deleteDocuments).
	KindInvalidOperation
	// KindPageConflict: a commit lost a write-write race; the caller should
	// abort, optionally refresh its snapshot, and retry.
	KindPageConflict
	// KindCorruption: header magic mismatch, checksum failure, truncated
	// page, or a version-chain invariant violation. The engine marks
	// itself read-only until reopened.
	KindCorruption
	// KindIO: the underlying block device returned an error.
	KindIO
	// KindInvalidArgument: malformed input (bad page size, wrong-length
	// buffer, ...).
	KindInvalidArgument
	// KindDisposed: use after Close.
	KindDisposed
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindInvalidOperation:
		return "InvalidOperation"
	case KindPageConflict:
		return "PageConflict"
	case KindCorruption:
		return "Corruption"
	case KindIO:
		return "Io"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindDisposed:
		return "Disposed"
	default:
		return "Unknown"
	}
}

// Error is the single error type GaldrDB returns. It always carries a Kind,
// a human-readable message, and optionally a wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("galdrdb: %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("galdrdb: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, galdrerr.PageConflict) work against a bare Kind
// sentinel as well as a full *Error.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func InvalidOperation(format string, args ...any) *Error {
	return New(KindInvalidOperation, format, args...)
}

func PageConflict(format string, args ...any) *Error {
	return New(KindPageConflict, format, args...)
}

func Corruption(format string, args ...any) *Error {
	return New(KindCorruption, format, args...)
}

func IO(cause error, format string, args ...any) *Error {
	return Wrap(KindIO, cause, format, args...)
}

func InvalidArgument(format string, args ...any) *Error {
	return New(KindInvalidArgument, format, args...)
}

func Disposed(format string, args ...any) *Error {
	return New(KindDisposed, format, args...)
}

// KindOf returns the Kind of err, or KindUnknown if err is not a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
