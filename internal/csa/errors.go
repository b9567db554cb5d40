package csa

import (
	"errors"
	"fmt"
)

// Error kinds. A remote error means the platform answered with a non-2xx
// status; a transport error means the call never produced a usable response.
const (
	ErrKindRemote    = "remote"
	ErrKindTransport = "transport"
)

// ErrToken marks token-acquisition failures. No subsequent call can succeed
// without credentials, so callers treat any error wrapping ErrToken as fatal.
var ErrToken = errors.New("token acquisition failed")

// ErrNoMatch is returned by QueryStatus when no subscription in the filter
// result carries the requested name. It is distinct from every platform
// status: the caller must keep polling rather than advance the state machine.
var ErrNoMatch = errors.New("no subscription matched name")

// Error is a soft failure from a single platform call.
type Error struct {
	Op      string // intent that failed, e.g. "submit order"
	Kind    string // ErrKindRemote or ErrKindTransport
	Status  int    // HTTP status for remote errors, 0 otherwise
	Message string
}

func (e *Error) Error() string {
	if e.Kind == ErrKindRemote {
		return fmt.Sprintf("%s: remote returned %d: %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

// remoteErr builds a remote-class soft failure.
func remoteErr(op string, status int, message string) *Error {
	return &Error{Op: op, Kind: ErrKindRemote, Status: status, Message: message}
}

// transportErr wraps a network or decode failure.
func transportErr(op string, err error) *Error {
	return &Error{Op: op, Kind: ErrKindTransport, Message: err.Error()}
}
