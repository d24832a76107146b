// Package inbound defines the inbound port interfaces between the server
// transports and the MCP router.
package inbound

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrCorrelationRequired is returned by transports that cannot correlate
// server-initiated requests (bare stdio).
var ErrCorrelationRequired = errors.New("correlation required")

// Dispatcher routes one inbound JSON-RPC message and returns the encoded
// response, or nil when the message was a notification. Parse and shape
// errors are turned into JSON-RPC error responses inside Dispatch, so
// every transport behaves identically.
type Dispatcher interface {
	Dispatch(ctx context.Context, transport, connID string, raw []byte) []byte
}

// Notifier is installed by a transport for each live connection so the
// router can push notifications (tools.listChanged) to it.
type Notifier func(payload []byte)

// NotificationHub registers and detaches per-connection notifiers.
// The router owns the registry; transports call these on connection
// open/close.
type NotificationHub interface {
	Attach(connID string, n Notifier)
	Detach(connID string)
}

// Transport is the capability set every server transport satisfies.
// Dispatch-by-variant happens at construction, not by subclassing.
type Transport interface {
	// Start begins serving. Blocks until ctx is cancelled or a fatal
	// transport error occurs.
	Start(ctx context.Context) error

	// Stop shuts the transport down and cancels pending work.
	Stop() error

	// SendNotification pushes a notification to one connection.
	// Transports without a push channel (HTTP) drop it.
	SendNotification(connID string, payload []byte) error

	// SendRequest issues a server-initiated request to one connection.
	// Only WebSocket supports it; stdio rejects with
	// ErrCorrelationRequired unless an external correlation layer is
	// supplied.
	SendRequest(ctx context.Context, connID string, method string, params interface{}) (json.RawMessage, error)

	// Healthy reports transport liveness.
	Healthy() bool

	// Name identifies the transport ("stdio", "http", "websocket").
	Name() string
}
