// Package outbound defines the outbound port interfaces for connecting
// to backend MCP servers.
package outbound

import (
	"context"
	"encoding/json"
)

// BackendClient is the outbound port for one backend MCP server
// connection. Adapters implement it for stdio, HTTP, and WebSocket
// transports. All methods are safe for concurrent use.
type BackendClient interface {
	// Start establishes the connection (spawns the subprocess, dials the
	// socket). Idempotent Start is not required; callers start once.
	Start(ctx context.Context) error

	// Call sends a JSON-RPC request and waits for the correlated
	// response. The context deadline bounds the wait; on expiry the
	// pending record is released and a late response is discarded.
	Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error)

	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, method string, params interface{}) error

	// Healthy reports whether the connection is currently usable.
	Healthy() bool

	// Close terminates the connection and rejects all pending calls.
	Close() error
}
