// Package apierr implements the stable error taxonomy used across the
// orchestration platform: InvalidInput, NotFound, Conflict, Transient, Fatal.
package apierr

import "fmt"

// Kind is one of the five stable error categories. Handlers at the HTTP
// boundary translate a Kind into a status code; internal packages never
// make that translation themselves.
type Kind string

const (
	InvalidInput Kind = "InvalidInput"
	NotFound     Kind = "NotFound"
	Conflict     Kind = "Conflict"
	Transient    Kind = "Transient"
	Fatal        Kind = "Fatal"
)

// HTTPStatus returns the status code a Kind maps to at the API boundary.
func (k Kind) HTTPStatus() int {
	switch k {
	case InvalidInput:
		return 422
	case NotFound:
		return 404
	case Conflict:
		return 409
	case Transient:
		return 503
	case Fatal:
		return 500
	default:
		return 500
	}
}

// Error is the typed error every internal package returns instead of a bare
// error when the failure belongs to the taxonomy.
type Error struct {
	Kind    Kind
	Message string
	Detail  string

	// Status overrides Kind.HTTPStatus() when nonzero. Needed because the
	// five-way Kind taxonomy is coarser than the HTTP surface requires in
	// places: a job-id format violation and an unknown-kind body field are
	// both InvalidInput, but spec.md §7/§8 expects 400 for the former
	// (a path-parameter ID-guard rejection) and 422 for the latter (a
	// closed-schema body violation).
	Status int
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// HTTPStatus returns e.Status if set, else falls back to e.Kind's default
// mapping. Callers at the API boundary should use this instead of
// e.Kind.HTTPStatus() directly.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	return e.Kind.HTTPStatus()
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func WithDetail(kind Kind, message, detail string) *Error {
	return &Error{Kind: kind, Message: message, Detail: detail}
}

// WithStatus builds an Error carrying an explicit HTTP status override —
// see Error.Status.
func WithStatus(kind Kind, status int, message, detail string) *Error {
	return &Error{Kind: kind, Message: message, Detail: detail, Status: status}
}

// As reports whether err is an *Error and returns it.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}

// KindOf returns the Kind of err if it is an *Error, else Fatal — callers at
// the API boundary should already know the error is typed; Fatal is the
// safe default for anything that slipped through untyped.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return Fatal
}
