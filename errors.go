package stdiorpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/dmora/stdiorpc/internal/framing"
)

// Sentinel errors for transport operations.
var (
	// ErrConnectionFailed indicates the child could not be started
	// (executable not found, spawn failure, PTY allocation failure).
	ErrConnectionFailed = errors.New("stdiorpc: connection failed")

	// ErrAlreadyConnected is returned by Connect on a live transport.
	ErrAlreadyConnected = errors.New("stdiorpc: already connected")

	// ErrNotConnected indicates a send outside the Connected state.
	ErrNotConnected = errors.New("stdiorpc: not connected")

	// ErrClosed indicates the transport was disconnected and cannot be
	// reused. Construct a new Transport to reconnect.
	ErrClosed = errors.New("stdiorpc: transport closed")

	// ErrTimeout indicates no response arrived within the request timeout.
	ErrTimeout = errors.New("stdiorpc: request timed out")

	// ErrDisconnected indicates the transport was torn down while a request
	// was outstanding (child exited, fatal protocol error, Disconnect).
	ErrDisconnected = errors.New("stdiorpc: disconnected")

	// ErrCanceled indicates the caller's context ended before the response.
	ErrCanceled = errors.New("stdiorpc: request canceled")

	// ErrProtocol matches every *ProtocolError via errors.Is.
	ErrProtocol = framing.ErrProtocol
)

// ProtocolError describes bytes on the child's stdout that could not be
// decoded as a frame. Only exceeded size ceilings are fatal.
type ProtocolError = framing.ProtocolError

// RPCError is a JSON-RPC error object returned by the peer in place of a
// result. Use errors.As to inspect the code.
type RPCError struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("stdiorpc: rpc error %d: %s", e.Code, e.Message)
}

// ExitError represents a child that exited on its own while connected.
// Wraps the underlying error to preserve the error chain; consumers can
// errors.As to *exec.ExitError for OS-level detail.
//
// Code semantics: positive = exit status, negative (-1) = signal-killed.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return "stdiorpc: child exited: " + e.Err.Error()
	}
	return "stdiorpc: child exited with status " + strconv.Itoa(e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode extracts the exit code from an error chain containing *ExitError.
// Returns (0, false) if the error does not contain an ExitError.
func ExitCode(err error) (int, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code, true
	}
	return 0, false
}

// wrapExitError converts the result of waiting on the child into an
// *ExitError. A clean exit still yields an ExitError with Code 0: the child
// leaving while connected is a disconnect either way.
func wrapExitError(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Code: exitErr.ExitCode(), Err: err}
	}
	if err != nil {
		return err
	}
	return &ExitError{Code: 0}
}
