package peer

import (
	"errors"
	"fmt"
)

// ErrAlreadyInitialized is returned when a session is asked to take on a
// role while it already holds a live one.
var ErrAlreadyInitialized = errors.New("peer: session already initialized")

// ErrNotConnected is returned by sends while no transport is up.
var ErrNotConnected = errors.New("peer: not connected")

// ConnectionError wraps a transport establishment failure: rendezvous
// unreachable, handshake timeout, or a protocol error during attach.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("peer: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func connErr(op string, err error) error {
	return &ConnectionError{Op: op, Err: err}
}
