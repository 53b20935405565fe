package mcp

import (
	"context"
	"errors"
)

// ErrTransportClosed is returned for requests outstanding or issued
// after a transport has shut down or lost its peer.
var ErrTransportClosed = errors.New("transport closed")

// Transport carries JSON-RPC messages to one server. Send must be safe
// for concurrent use; responses are matched to requests by id, never by
// arrival order.
type Transport interface {
	// Send issues req and waits for its response or ctx.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a notification.
	Notify(ctx context.Context, notif *Notification) error

	// Close releases the transport. Outstanding Sends fail with
	// ErrTransportClosed.
	Close() error
}
