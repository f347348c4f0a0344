// Package nvrerrors implements the closed error taxonomy of spec.md §7:
// every fallible engine operation returns (or wraps) an *Error carrying a
// Kind from a fixed set, plus a chain of context strings, so the HTTP
// layer can map it to a status code without inspecting error text.
//
// The shape follows _examples/alxayo-rtmp-go/internal/errors: an Op+Err
// wrapping struct with New*-style constructors and an errors.As-based
// classifier, collapsed here to one struct keyed by Kind since the spec
// defines a single closed taxonomy rather than one type per subsystem.
package nvrerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the closed set of error categories named in spec.md §7.
type Kind int

const (
	Unknown Kind = iota
	Unauthenticated
	PermissionDenied
	InvalidArgument
	FailedPrecondition
	NotFound
	Unavailable
	Internal
	DataLoss
	Unimplemented
)

func (k Kind) String() string {
	switch k {
	case Unauthenticated:
		return "Unauthenticated"
	case PermissionDenied:
		return "PermissionDenied"
	case InvalidArgument:
		return "InvalidArgument"
	case FailedPrecondition:
		return "FailedPrecondition"
	case NotFound:
		return "NotFound"
	case Unavailable:
		return "Unavailable"
	case Internal:
		return "Internal"
	case DataLoss:
		return "DataLoss"
	case Unimplemented:
		return "Unimplemented"
	default:
		return "Unknown"
	}
}

// HTTPStatus implements the mapping table of spec.md §7.
func (k Kind) HTTPStatus() int {
	switch k {
	case Unauthenticated:
		return http.StatusUnauthorized
	case PermissionDenied:
		return http.StatusForbidden
	case InvalidArgument:
		return http.StatusBadRequest
	case FailedPrecondition:
		return http.StatusPreconditionFailed
	case NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Error carries a Kind, the operation that produced it, and an optional
// wrapped cause. Context strings accumulate via repeated Wrap calls,
// forming the "chain of context strings" spec.md §7 asks for.
type Error struct {
	Kind Kind
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

// New constructs an *Error with no wrapped cause.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrap attaches another layer of context to an existing error chain,
// preserving the innermost Kind if err already carries one, else using
// kind. A nil err passes through as nil, so call sites can wrap a
// tx.Commit() or rows.Err() result unconditionally.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		kind = existing.Kind
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind carried by err's chain, or Unknown if err does
// not wrap an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err's chain carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps err to the HTTP status of spec.md §7's table, defaulting
// to 500 for anything not classified.
func HTTPStatus(err error) int {
	return KindOf(err).HTTPStatus()
}
