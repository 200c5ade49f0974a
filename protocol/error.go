// Package protocol defines the wire-level request/response envelopes,
// the dynamically-typed Header map, and the error taxonomy shared by
// every other package in this module.
package protocol

import "fmt"

// Kind is the abstract error taxonomy carried across the wire as
// {kind, description}.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindPermissionDenied  Kind = "permission_denied"
	KindInvalidInput      Kind = "invalid_input"
	KindInvalidData       Kind = "invalid_data"
	KindTimedOut          Kind = "timed_out"
	KindUnsupported       Kind = "unsupported"
	KindBrokenPipe        Kind = "broken_pipe"
	KindConnectionAborted Kind = "connection_aborted"
	KindConnectionRefused Kind = "connection_refused"
	KindConnectionReset   Kind = "connection_reset"
	KindOther             Kind = "other"
)

// Error is the typed, wire-serializable error every handler failure and
// transport fault is reduced to before it reaches a peer.
type Error struct {
	Kind        Kind   `cbor:"kind"`
	Description string `cbor:"description"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Description)
}

// New builds an *Error with the given kind and formatted description.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Description: fmt.Sprintf(format, args...)}
}

// Wrap reduces an arbitrary error to a Kind, preserving an *Error as-is.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Kind: kind, Description: err.Error()}
}
