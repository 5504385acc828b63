package httpconn

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code classifies an error returned at the boundary of this package and its
// subpackages.
type Code int

const (
	// CodeInvalidArgument marks argument validation failures, detected at
	// entry and never escalated to a callback.
	CodeInvalidArgument Code = iota + 1
	// CodeInvalidState marks an operation that is not legal given the
	// connection's current state (e.g. an HTTP/2-only call on an HTTP/1
	// connection, or a second configure_server call).
	CodeInvalidState
	// CodeUnsupportedProtocol marks an ALPN negotiation that could not be
	// mapped to a supported protocol version.
	CodeUnsupportedProtocol
	// CodeConnectionClosed marks an operation against a connection or
	// channel that has already shut down.
	CodeConnectionClosed
	// CodeServerClosed marks an operation against a Server that is
	// shutting down or has shut down.
	CodeServerClosed
	// CodeReactionRequired marks a contract violation by the user, such as
	// not calling ConfigureServer during OnIncomingConnection.
	CodeReactionRequired
	// CodeStreamIDsExhausted marks exhaustion of the 31-bit HTTP/2 stream
	// ID space.
	CodeStreamIDsExhausted
	// CodeUnknown is used when no more specific code applies.
	CodeUnknown
)

func (c Code) String() string {
	switch c {
	case CodeInvalidArgument:
		return "InvalidArgument"
	case CodeInvalidState:
		return "InvalidState"
	case CodeUnsupportedProtocol:
		return "UnsupportedProtocol"
	case CodeConnectionClosed:
		return "ConnectionClosed"
	case CodeServerClosed:
		return "ServerClosed"
	case CodeReactionRequired:
		return "ReactionRequired"
	case CodeStreamIDsExhausted:
		return "StreamIdsExhausted"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned across the package boundary.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("httpconn: %s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("httpconn: %s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError returns a *Error for the given code and operation name, with no
// wrapped cause.
func NewError(code Code, op string) *Error {
	return &Error{Code: code, Op: op}
}

// WrapError returns a *Error for the given code and operation name, wrapping
// cause with a stack trace recorded at this call.
//
// cause may be nil, in which case this is equivalent to NewError.
func WrapError(code Code, op string, cause error) *Error {
	if cause == nil {
		return NewError(code, op)
	}
	return &Error{Code: code, Op: op, Err: errors.WithStack(cause)}
}

// CodeOf returns the Code carried by err, 0 if err is nil, or CodeUnknown if
// err is not a *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if err == nil {
		return 0
	}
	return CodeUnknown
}
