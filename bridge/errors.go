package bridge

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures detected at the host boundary. These are
// distinct from the engine's own result codes, which pass through the
// bridge untouched.
type ErrorKind uint8

const (
	// AttachFailed indicates the calling worker could not be associated
	// with the host runtime. The affected notification is dropped.
	AttachFailed ErrorKind = iota + 1
	// MethodNotResolved indicates the callback member could not be found
	// on the registered host object, or had the wrong shape.
	MethodNotResolved
	// ClassNotResolved indicates the host object itself was missing.
	ClassNotResolved
	// NullRequiredArgument indicates a required argument was absent with
	// no zero-length marker.
	NullRequiredArgument
)

// String returns the kind's fixed descriptive name.
func (k ErrorKind) String() string {
	switch k {
	case AttachFailed:
		return "attach failed"
	case MethodNotResolved:
		return "method not resolved"
	case ClassNotResolved:
		return "class not resolved"
	case NullRequiredArgument:
		return "null required argument"
	default:
		return "unknown bridge error"
	}
}

// Error is a boundary-detected failure carrying its kind and a fixed
// descriptive message.
type Error struct {
	Kind    ErrorKind
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return "bridge: " + e.Kind.String()
	}
	return fmt.Sprintf("bridge: %s: %s", e.Kind, e.Message)
}

// IsKind reports whether err is a bridge error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == kind
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
