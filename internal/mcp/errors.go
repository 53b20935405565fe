package mcp

import (
	"errors"
	"fmt"
)

// ConnectionError reports a failed launch, dial, handshake, or tool
// discovery. The Conn that produced it is permanently failed.
type ConnectionError struct {
	Server string
	Op     string // "dial", "initialize", "tools/list"
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mcp server %s: %s: %v", e.Server, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ErrorKind classifies a failed tool invocation.
type ErrorKind string

const (
	// ConnectionLost: the transport failed or was closed while the call
	// was outstanding, or the connection was not live.
	ConnectionLost ErrorKind = "connection_lost"

	// Timeout: no response within the invocation timeout. The server
	// may still be working on it.
	Timeout ErrorKind = "timeout"

	// UnknownTool: no live server currently offers the tool.
	UnknownTool ErrorKind = "unknown_tool"

	// InvalidRequest: the request was rejected before or by the server
	// as malformed (bad name, schema violation, invalid params).
	InvalidRequest ErrorKind = "invalid_request"

	// ServerError: the server answered with any other JSON-RPC error.
	ServerError ErrorKind = "server_error"
)

// InvocationError is a failed tool call. It never ends a conversation;
// callers turn it into a tool result the model can read.
type InvocationError struct {
	Kind   ErrorKind
	Server string
	Tool   string
	Err    error
}

func (e *InvocationError) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("tool %s: %s", e.Tool, e.Kind)
	case e.Server == "":
		return fmt.Sprintf("tool %s: %s: %v", e.Tool, e.Kind, e.Err)
	default:
		return fmt.Sprintf("tool %s on %s: %s: %v", e.Tool, e.Server, e.Kind, e.Err)
	}
}

func (e *InvocationError) Unwrap() error { return e.Err }

// KindOf returns the ErrorKind of err if it is (or wraps) an
// InvocationError.
func KindOf(err error) (ErrorKind, bool) {
	var ie *InvocationError
	if errors.As(err, &ie) {
		return ie.Kind, true
	}
	return "", false
}

// IsKind reports whether err is an InvocationError of kind k.
func IsKind(err error, k ErrorKind) bool {
	got, ok := KindOf(err)
	return ok && got == k
}
