// Package engineerr defines the workflow engine's error taxonomy as typed
// Go error values instead of untyped strings, so callers can branch on
// failure category with errors.Is/errors.As.
package engineerr

import "fmt"

// Kind is one of the error taxonomy entries from the execution core's
// error-handling design.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindInterpolation   Kind = "interpolation"
	KindHandlerRuntime  Kind = "handler_runtime"
	KindTimeout         Kind = "timeout"
	KindRateLimited     Kind = "rate_limited"
	KindCancelled       Kind = "cancelled"
	KindContextOverflow Kind = "context_overflow"
	KindNoHandler       Kind = "no_handler"
	KindDeadlock        Kind = "deadlock"
)

// Error wraps a node-level or engine-level failure with its taxonomy kind.
type Error struct {
	Kind    Kind
	NodeID  string
	Message string
	Cause   error
}

func New(kind Kind, nodeID, message string) *Error {
	return &Error{Kind: kind, NodeID: nodeID, Message: message}
}

func Wrap(kind Kind, nodeID string, cause error) *Error {
	return &Error{Kind: kind, NodeID: nodeID, Message: cause.Error(), Cause: cause}
}

func (e *Error) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: node %s: %s", e.Kind, e.NodeID, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is allows errors.Is(err, engineerr.Sentinel(kind)) style checks: it
// reports a match whenever the target is also an *Error of the same kind,
// whatever the target's NodeID, Message or Cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel returns a zero-value *Error of the given kind, suitable as the
// target of errors.Is(err, engineerr.Sentinel(engineerr.KindTimeout)).
func Sentinel(kind Kind) *Error {
	return &Error{Kind: kind}
}
