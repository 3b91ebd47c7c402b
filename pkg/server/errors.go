package server

import (
	"errors"
	"fmt"
)

// Sentinel errors for server and connection failures.
var (
	// ErrDuplicateHandle is returned when a connection is registered under a
	// handle that is already present.
	ErrDuplicateHandle = errors.New("server: duplicate connection handle")

	// ErrNotListening is returned by Serve when Listen has not succeeded.
	ErrNotListening = errors.New("server: not listening")

	// ErrServerClosed is returned when the server has already been served
	// and shut down.
	ErrServerClosed = errors.New("server: server closed")

	// ErrWriteTimeout is returned when a send does not complete within the
	// configured send timeout.
	ErrWriteTimeout = errors.New("server: write timeout")

	// ErrNoConnection is returned when attempting to send on a nil socket.
	ErrNoConnection = errors.New("server: no connection")

	// ErrInvalidPort is returned when the port argument cannot be resolved.
	ErrInvalidPort = errors.New("server: invalid port")

	// ErrBind is returned when no listening socket could be created.
	ErrBind = errors.New("server: cannot bind")

	// ErrUnsupportedPlatform is returned on platforms without poll(2) support.
	ErrUnsupportedPlatform = errors.New("server: unsupported platform")
)

// ConnError wraps an error with connection context for debugging.
type ConnError struct {
	Handle int
	Op     string // Operation that failed
	Err    error  // Underlying error
}

// Error returns the error message with connection context.
func (e *ConnError) Error() string {
	return fmt.Sprintf("server: conn %d: %s: %v", e.Handle, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *ConnError) Unwrap() error {
	return e.Err
}

// NewConnError creates a new ConnError.
func NewConnError(handle int, op string, err error) *ConnError {
	return &ConnError{
		Handle: handle,
		Op:     op,
		Err:    err,
	}
}
