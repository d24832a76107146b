package mcp

import "encoding/json"

// JSON-RPC 2.0 error codes used on the wire, plus the MCP extensions the
// proxy emits.
const (
	// CodeParseError indicates invalid JSON was received.
	CodeParseError = -32700

	// CodeInvalidRequest indicates the JSON is not a valid Request object.
	CodeInvalidRequest = -32600

	// CodeMethodNotFound indicates the method does not exist.
	CodeMethodNotFound = -32601

	// CodeInvalidParams indicates invalid method parameters.
	CodeInvalidParams = -32602

	// CodeInternalError indicates an internal JSON-RPC error.
	CodeInternalError = -32603

	// CodeNotInitialized indicates a request arrived before initialize.
	CodeNotInitialized = -32002

	// CodeApplication covers application-level failures: rate limited,
	// circuit breaker open, unknown tool, bad token.
	CodeApplication = -32000
)

// Version is the exact JSON-RPC version string every message must carry.
const Version = "2.0"

// wireError is the JSON-RPC error object shape.
type wireError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// NewErrorResponse builds an encoded JSON-RPC 2.0 error response.
// id is the raw ID bytes from the originating request; a nil id produces
// "id":null per the JSON-RPC spec for parse errors.
func NewErrorResponse(id json.RawMessage, code int, message string, data interface{}) []byte {
	resp := map[string]interface{}{
		"jsonrpc": Version,
		"id":      normalizeID(id),
		"error":   wireError{Code: code, Message: message, Data: data},
	}
	out, _ := json.Marshal(resp)
	return out
}

// NewResultResponse builds an encoded JSON-RPC 2.0 success response.
func NewResultResponse(id json.RawMessage, result interface{}) []byte {
	resp := map[string]interface{}{
		"jsonrpc": Version,
		"id":      normalizeID(id),
		"result":  result,
	}
	out, _ := json.Marshal(resp)
	return out
}

// NewNotification builds an encoded JSON-RPC 2.0 notification (no id).
func NewNotification(method string, params interface{}) []byte {
	notif := map[string]interface{}{
		"jsonrpc": Version,
		"method":  method,
	}
	if params != nil {
		notif["params"] = params
	}
	out, _ := json.Marshal(notif)
	return out
}

// NewRequest builds an encoded JSON-RPC 2.0 request with an integer id.
func NewRequest(id int64, method string, params interface{}) []byte {
	req := map[string]interface{}{
		"jsonrpc": Version,
		"id":      id,
		"method":  method,
	}
	if params != nil {
		req["params"] = params
	}
	out, _ := json.Marshal(req)
	return out
}

func normalizeID(id json.RawMessage) interface{} {
	if len(id) == 0 {
		return nil
	}
	return id
}
