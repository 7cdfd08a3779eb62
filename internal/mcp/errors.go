package mcp

import (
	"context"
	"errors"

	"github.com/morikuni/failure/v2"
)

// ErrorCode classifies failures raised by transports and clients.
// Server-side JSON-RPC errors are not coded; they surface as [*RPCError].
type ErrorCode string

const (
	// ErrTransport means a message could not be sent or the response
	// could not be read over an established channel.
	ErrTransport ErrorCode = "TRANSPORT_ERROR"
	// ErrConnection means a channel could not be established, was lost,
	// or was used while not connected.
	ErrConnection ErrorCode = "CONNECTION_ERROR"
	// ErrTimeout means a request or handshake exceeded its deadline.
	ErrTimeout ErrorCode = "TIMEOUT_ERROR"
	// ErrInitialization means the initialize handshake failed.
	ErrInitialization ErrorCode = "INITIALIZATION_ERROR"
)

func (c ErrorCode) ErrorCode() string {
	return string(c)
}

var knownCodes = []ErrorCode{ErrTransport, ErrConnection, ErrTimeout, ErrInitialization}

// CodeOf returns the [ErrorCode] carried by err, or "" when err was not
// raised by this package (including server [*RPCError] values).
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	for _, code := range knownCodes {
		if failure.Is(err, code) {
			return code
		}
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return failure.Is(err, code)
}

func newError(code ErrorCode, msg string, ctx failure.Context) error {
	if ctx == nil {
		return failure.New(code, failure.Message(msg))
	}
	return failure.New(code, failure.Message(msg), ctx)
}

func translate(err error, code ErrorCode, msg string, ctx failure.Context) error {
	if ctx == nil {
		ctx = failure.Context{}
	}
	ctx["cause"] = err.Error()
	return failure.Translate(err, code, failure.Message(msg), ctx)
}

// ctxError maps a finished context to a coded error. Deadlines become
// timeouts; cancellation is reported as a lost connection.
func ctxError(ctx context.Context, msg string, fields failure.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return newError(ErrTimeout, msg, fields)
	}
	return newError(ErrConnection, msg, fields)
}
