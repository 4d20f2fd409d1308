// Package fail carries the daemon's internal error taxonomy. Errors created
// here travel through jobs and are translated to HTTP status codes at the API
// edge.
package fail

import (
	"fmt"

	"golang.org/x/xerrors"
)

// Kind classifies an error for the API edge and for retry decisions.
type Kind int

const (
	// NotFound means an entity is missing (404 at the edge)
	NotFound Kind = iota
	// InvalidArgument means a malformed key, bad version string or missing
	// required field (400)
	InvalidArgument
	// Conflict means the request contradicts current state, e.g. uninstalling
	// an app that is not installed (400)
	Conflict
	// State means a state machine precondition was violated; retried on next
	// load
	State
	// Engine means the container engine subprocess exited non-zero; the
	// message carries its stderr
	Engine
	// Io means a local filesystem error
	Io
	// Network means an HTTP transport error to console or marketplace,
	// including body size overruns
	Network
	// Exhausted means a resource pool ran dry: no free IP, no free host port
	Exhausted
	// Internal means an invariant was violated
	Internal
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case InvalidArgument:
		return "invalid argument"
	case Conflict:
		return "conflict"
	case State:
		return "state"
	case Engine:
		return "engine"
	case Io:
		return "io"
	case Network:
		return "network"
	case Exhausted:
		return "exhausted"
	case Internal:
		return "internal"
	}
	return "unknown"
}

// Error carries a kind so that calling code has an easier job to do
// adapted from https://medium.com/yakka/better-go-error-handling-with-xerrors-1987650e0c79
type Error struct {
	Kind    Kind
	Message string
	frame   xerrors.Frame
}

// New builds an Error of the given kind
func New(kind Kind, format string, args ...interface{}) error {
	return Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		frame:   xerrors.Caller(1),
	}
}

// FormatError is a function
func (e Error) FormatError(p xerrors.Printer) error {
	p.Printf("%s: %s", e.Kind, e.Message)
	e.frame.Format(p)
	return nil
}

// Format is a function
func (e Error) Format(f fmt.State, c rune) {
	xerrors.FormatError(e, f, c)
}

func (e Error) Error() string {
	return fmt.Sprint(e)
}

// KindOf extracts the kind from an error, defaulting to Internal for plain
// errors
func KindOf(err error) Kind {
	var typed Error
	if xerrors.As(err, &typed) {
		return typed.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	var typed Error
	if xerrors.As(err, &typed) {
		return typed.Kind == kind
	}
	return false
}
