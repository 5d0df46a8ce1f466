package rpc

import (
	"errors"
	"fmt"
)

var (
	// ErrServerStarted is returned when Serve is called more than once.
	ErrServerStarted = errors.New("rpc: server already started")
	// ErrClientClosed is returned by client calls after Close or a connection failure.
	ErrClientClosed = errors.New("rpc: client closed")
	// ErrUnsolicitedFrame is returned when a peer sends a response nobody asked for.
	ErrUnsolicitedFrame = errors.New("rpc: unsolicited frame")
)

// BindError is returned by Serve when the listen address cannot be bound. It is not retried.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("rpc: bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// AcceptError is returned by Serve once accept retries have exhausted the backoff budget.
type AcceptError struct {
	Attempts int
	Err      error
}

func (e *AcceptError) Error() string {
	return fmt.Sprintf("rpc: accept failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *AcceptError) Unwrap() error { return e.Err }

// ProtocolError terminates the session of the offending connection only.
type ProtocolError struct {
	Peer string
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("rpc: protocol error from %s: %v", e.Peer, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// StatusError is a non-zero RPC status. Handlers return it to choose the
// response code; clients receive it for failed calls.
type StatusError struct {
	Code    uint32
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rpc: status %d: %s", e.Code, e.Message)
}

// Errorf builds a StatusError.
func Errorf(code uint32, format string, args ...any) *StatusError {
	return &StatusError{Code: code, Message: fmt.Sprintf(format, args...)}
}
