package companion

import (
	"errors"
	"fmt"
)

// Failure kinds for establishing a session. The supervisor maps Transport
// to its long backoff.
const (
	ConnTransport = "transport"
	ConnAuth      = "auth"
	ConnTimeout   = "timeout"
)

// ConnectionError reports a failed connection attempt.
type ConnectionError struct {
	Kind string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("companion connect (%s): %v", e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

var (
	// ErrNotConnected is returned by operations that need a live session.
	ErrNotConnected = errors.New("companion: not connected")

	// ErrRequestTimeout is returned when no response arrives for a request
	// within the request window.
	ErrRequestTimeout = errors.New("companion: request timed out")
)
