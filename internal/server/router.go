package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	domaudit "github.com/toolgate-proxy/toolgate/internal/domain/audit"
	"github.com/toolgate-proxy/toolgate/internal/domain/filter"
	"github.com/toolgate-proxy/toolgate/internal/domain/flow"
	"github.com/toolgate-proxy/toolgate/internal/domain/gate"
	"github.com/toolgate-proxy/toolgate/internal/domain/session"
	"github.com/toolgate-proxy/toolgate/internal/domain/validation"
	"github.com/toolgate-proxy/toolgate/pkg/mcp"
)

// Dispatch routes one inbound JSON-RPC message. It returns the encoded
// response, or nil for notifications. Every failure becomes a JSON-RPC
// error response; the connection is never dropped by the router.
func (s *Server) Dispatch(ctx context.Context, transport, connID string, raw []byte) []byte {
	msg, err := mcp.WrapMessage(raw, mcp.ClientToServer)
	if err != nil {
		return mcp.NewErrorResponse(nil, mcp.CodeParseError, "Parse error", nil)
	}

	req := msg.Request()
	if req == nil {
		// Responses flowing into the server side are dropped.
		return nil
	}
	id := msg.RawID()

	if req.Method == "" {
		return mcp.NewErrorResponse(id, mcp.CodeInvalidRequest, "Invalid Request", nil)
	}

	sess, err := s.sessions.GetOrCreate(connID, transport)
	if err != nil {
		return mcp.NewErrorResponse(id, mcp.CodeInternalError, "Internal error", nil)
	}

	if msg.IsNotification() {
		s.handleNotification(sess, msg)
		return nil
	}

	if req.Method == "initialize" {
		return s.handleInitialize(sess, msg, id)
	}

	if !sess.Initialized {
		return mcp.NewErrorResponse(id, mcp.CodeNotInitialized, "Not initialized", nil)
	}
	s.sessions.UpdateActivity(sess.ID)

	if errResp := s.checkAuth(sess, msg, id); errResp != nil {
		return errResp
	}

	switch req.Method {
	case "ping":
		return mcp.NewResultResponse(id, map[string]any{})
	case "tools/list":
		return s.handleToolsList(sess, msg, id)
	case "tools/call":
		return s.handleToolsCall(ctx, sess, msg, id)
	default:
		return mcp.NewErrorResponse(id, mcp.CodeMethodNotFound, "Method not found", nil)
	}
}

// handleNotification processes client notifications. Unknown ones are
// ignored; notifications never produce responses.
func (s *Server) handleNotification(sess *session.Session, msg *mcp.Message) {
	s.sessions.UpdateActivity(sess.ID)
	switch msg.Method() {
	case "notifications/initialized":
		// Lifecycle ack; nothing to do.
	default:
		s.logger.Debug("ignoring notification", "method", msg.Method())
	}
}

// handleInitialize flips the session flag and returns the server
// capabilities.
func (s *Server) handleInitialize(sess *session.Session, msg *mcp.Message, id json.RawMessage) []byte {
	params := msg.ParseParams()

	var client session.ClientInfo
	protocolVersion := ""
	if params != nil {
		if ci, ok := params["clientInfo"].(map[string]interface{}); ok {
			client.Name, _ = ci["name"].(string)
			client.Version, _ = ci["version"].(string)
		}
		protocolVersion, _ = params["protocolVersion"].(string)
	}

	if err := s.sessions.Initialize(sess.ID, protocolVersion, client); err != nil {
		return mcp.NewErrorResponse(id, mcp.CodeInternalError, "Internal error", nil)
	}

	if token := msg.ExtractAuthToken(); token != "" {
		if err := s.tokens.Verify(token); err != nil {
			return mcp.NewErrorResponse(id, mcp.CodeApplication, "Invalid auth token", nil)
		}
		s.sessions.SetAuthToken(sess.ID, token)
	}

	return mcp.NewResultResponse(id, map[string]any{
		"protocolVersion": ProtocolVersion,
		"serverInfo": map[string]string{
			"name":    "toolgate",
			"version": Version,
		},
		"capabilities": map[string]any{
			"logging":   map[string]any{"level": "info"},
			"tools":     map[string]any{"listChanged": true},
			"resources": map[string]any{"listChanged": false, "subscribe": false},
			"prompts":   map[string]any{"listChanged": false},
		},
	})
}

// checkAuth enforces the bearer-token gate on every post-initialize
// request. Returns a non-nil error response on failure.
func (s *Server) checkAuth(sess *session.Session, msg *mcp.Message, id json.RawMessage) []byte {
	if !s.tokens.Enabled() {
		return nil
	}

	token := msg.ExtractAuthToken()
	if token == "" {
		token = sess.AuthToken
	}
	if err := s.tokens.Verify(token); err != nil {
		return mcp.NewErrorResponse(id, mcp.CodeApplication, "Invalid auth token", nil)
	}
	if sess.AuthToken == "" {
		s.sessions.SetAuthToken(sess.ID, token)
	}
	return nil
}

// filterContext derives the per-request filter context. The task type
// rides in params._meta.taskType when the client supplies one.
func filterContext(msg *mcp.Message) filter.Context {
	params := msg.ParseParams()
	if params == nil {
		return filter.Context{}
	}
	if meta, ok := params["_meta"].(map[string]interface{}); ok {
		if taskType, ok := meta["taskType"].(string); ok {
			return filter.Context{TaskType: taskType}
		}
	}
	return filter.Context{}
}

// handleToolsList returns the union of the built-in tools and the gate's
// filtered active view.
func (s *Server) handleToolsList(_ *session.Session, msg *mcp.Message, id json.RawMessage) []byte {
	tools := make([]map[string]any, 0, len(s.builtins))
	for _, b := range s.builtinDescriptors() {
		tools = append(tools, map[string]any{
			"name":        b.Name,
			"description": b.Description,
			"inputSchema": b.InputSchema,
		})
	}

	for _, d := range s.gate.AvailableTools(filterContext(msg)) {
		tools = append(tools, map[string]any{
			"name":        d.Name,
			"description": d.Description,
			"inputSchema": d.InputSchema,
		})
	}

	return mcp.NewResultResponse(id, map[string]any{"tools": tools})
}

// handleToolsCall resolves and executes one tool call: admission, gate
// auto-enable, schema validation, dispatch, usage stamping, audit.
func (s *Server) handleToolsCall(ctx context.Context, sess *session.Session, msg *mcp.Message, id json.RawMessage) []byte {
	params := msg.ParseParams()
	if params == nil {
		return mcp.NewErrorResponse(id, mcp.CodeInvalidParams, "Invalid params", nil)
	}
	name, _ := params["name"].(string)
	if name == "" {
		return mcp.NewErrorResponse(id, mcp.CodeInvalidParams, "Invalid params: missing tool name", nil)
	}
	input, hasInput := params["arguments"]
	if !hasInput {
		input = map[string]interface{}{}
	}

	// Built-in tools bypass the gate but not admission.
	if b, ok := s.builtins[name]; ok {
		return s.callBuiltin(ctx, sess, b, input, id)
	}

	backend := ""
	if d, ok := s.gate.ActiveTool(name); ok {
		backend = d.Backend
	}

	rec, err := s.balancer.Admit(sess.ID, backend, "tools/call")
	if err != nil {
		return s.admissionError(id, err)
	}

	start := time.Now()
	result, execErr := s.executeGatedTool(ctx, name, input)
	s.balancer.Complete(rec, backend, "tools/call", execErr == nil)
	s.auditToolCall(sess.ID, name, backend, start, execErr)

	if execErr != nil {
		return toolCallError(id, execErr)
	}

	s.gate.MarkUsed(name)
	return mcp.NewResultResponse(id, json.RawMessage(result))
}

// executeGatedTool auto-enables the owning toolset when needed and
// dispatches through the proxy service.
func (s *Server) executeGatedTool(ctx context.Context, name string, input interface{}) (json.RawMessage, error) {
	if _, active := s.gate.ActiveTool(name); !active {
		available, err := s.gate.EnsureToolAvailable(ctx, name)
		if err != nil {
			if errors.Is(err, gate.ErrAmbiguous) {
				return nil, err
			}
			// Loader failures surface as tool-not-found; the manifest
			// index stays consulted on later calls.
			s.logger.Warn("auto-enable failed", "tool", name, "error", err)
			return nil, errUnknownTool
		}
		if !available {
			return nil, errUnknownTool
		}
		// The active view changed; let clients know.
		s.notifyToolsChanged()
	}

	return s.proxy.Execute(ctx, name, input)
}

// errUnknownTool is the router-level tool resolution failure.
var errUnknownTool = errors.New("Tool not found")

// admissionError maps flow-control failures onto -32000 responses and
// counts the rejection.
func (s *Server) admissionError(id json.RawMessage, err error) []byte {
	switch {
	case errors.Is(err, flow.ErrRateLimited):
		if s.metrics != nil {
			s.metrics.RateLimitRejections.Inc()
		}
		return mcp.NewErrorResponse(id, mcp.CodeApplication, "Rate limit exceeded", nil)
	case errors.Is(err, flow.ErrBreakerOpen):
		if s.metrics != nil {
			s.metrics.BreakerRejections.Inc()
		}
		return mcp.NewErrorResponse(id, mcp.CodeApplication, "Circuit breaker open", nil)
	case errors.Is(err, flow.ErrQueueFull):
		return mcp.NewErrorResponse(id, mcp.CodeApplication, "Request queue full", nil)
	default:
		return mcp.NewErrorResponse(id, mcp.CodeApplication, "Admission denied", nil)
	}
}

// toolCallError maps execution failures onto wire errors.
func toolCallError(id json.RawMessage, err error) []byte {
	var verr *validation.ValidationError
	if errors.As(err, &verr) {
		return mcp.NewErrorResponse(id, verr.Code, verr.Error(),
			map[string]string{"violation": string(verr.Violation)})
	}
	if errors.Is(err, errUnknownTool) {
		return mcp.NewErrorResponse(id, mcp.CodeApplication, "Tool not found", nil)
	}
	if errors.Is(err, gate.ErrAmbiguous) {
		return mcp.NewErrorResponse(id, mcp.CodeApplication, "Ambiguous tool owner", nil)
	}
	return mcp.NewErrorResponse(id, mcp.CodeApplication, err.Error(), nil)
}

// auditToolCall writes one tool-call record when auditing is on.
func (s *Server) auditToolCall(sessionID, toolName, backend string, start time.Time, execErr error) {
	if s.audits == nil {
		return
	}

	rec := domaudit.Record{
		Kind:      domaudit.KindToolCall,
		SessionID: sessionID,
		Tool:      toolName,
		Backend:   backend,
		OK:        execErr == nil,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if execErr != nil {
		rec.Detail = execErr.Error()
	}
	if err := s.audits.Append(context.Background(), rec); err != nil {
		s.logger.Warn("audit append failed", "error", err)
	}
}
