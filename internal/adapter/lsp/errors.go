package lsp

import (
	"errors"
	"fmt"
)

// ErrClosed is the cause reported once the session has been shut down.
var ErrClosed = errors.New("session closed")

// TransportError means the engine process could not be started or the
// channel to it broke. The session is unusable afterwards.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("lsp transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a failed individual request: the engine answered with an
// error object or with a result that does not decode. The session stays usable.
type ProtocolError struct {
	Method  string
	Code    int
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("lsp %s: %v", e.Method, e.Err)
	}
	return fmt.Sprintf("lsp %s: error %d: %s", e.Method, e.Code, e.Message)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
