package server

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/toolgate-proxy/toolgate/internal/domain/session"
	"github.com/toolgate-proxy/toolgate/internal/domain/tool"
	"github.com/toolgate-proxy/toolgate/internal/domain/validation"
	"github.com/toolgate-proxy/toolgate/pkg/mcp"
)

// builtinTool pairs a descriptor with its in-process handler.
type builtinTool struct {
	desc    tool.Descriptor
	handler func(ctx context.Context, sess *session.Session, input map[string]interface{}) (interface{}, error)
}

func emptySchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func nameSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name": map[string]interface{}{"type": "string"},
		},
		"required": []interface{}{"name"},
	}
}

// builtinTools defines the unconditionally exposed tool surface: system
// introspection, discovery/provisioning, and the gate controls.
func (s *Server) builtinTools() map[string]builtinTool {
	tools := []builtinTool{
		{
			desc: tool.Descriptor{
				Name:        "system/info",
				Description: "Proxy version and runtime information",
				InputSchema: emptySchema(),
			},
			handler: func(context.Context, *session.Session, map[string]interface{}) (interface{}, error) {
				return map[string]string{
					"version": Version,
					"runtime": runtime.Version(),
				}, nil
			},
		},
		{
			desc: tool.Descriptor{
				Name:        "system/health",
				Description: "Proxy health and request metrics",
				InputSchema: emptySchema(),
			},
			handler: func(context.Context, *session.Session, map[string]interface{}) (interface{}, error) {
				backends := make(map[string]bool)
				healthy := true
				for _, name := range s.clients.Backends() {
					up := s.clients.Healthy(name)
					backends[name] = up
					if !up {
						healthy = false
					}
				}
				return map[string]interface{}{
					"healthy":  healthy,
					"backends": backends,
					"metrics":  s.balancer.Metrics(),
				}, nil
			},
		},
		{
			desc: tool.Descriptor{
				Name:        "tools/list",
				Description: "List the currently visible tools",
				InputSchema: emptySchema(),
			},
			handler: func(_ context.Context, _ *session.Session, _ map[string]interface{}) (interface{}, error) {
				type entry struct {
					Name        string `json:"name"`
					Description string `json:"description"`
				}
				var out []entry
				for _, b := range s.builtinDescriptors() {
					out = append(out, entry{Name: b.Name, Description: b.Description})
				}
				for _, name := range s.gate.ActiveToolNames() {
					d, _ := s.gate.ActiveTool(name)
					out = append(out, entry{Name: d.Name, Description: d.Description})
				}
				return out, nil
			},
		},
		{
			desc: tool.Descriptor{
				Name:        "tools/schema",
				Description: "Return a tool's full input schema",
				InputSchema: nameSchema(),
			},
			handler: func(_ context.Context, _ *session.Session, input map[string]interface{}) (interface{}, error) {
				name, _ := input["name"].(string)
				if b, ok := s.builtins[name]; ok {
					return schemaResult(b.desc), nil
				}
				if d, ok := s.gate.ActiveTool(name); ok {
					return schemaResult(d), nil
				}
				if d, ok := s.repo.Get(name); ok {
					return schemaResult(d), nil
				}
				return nil, fmt.Errorf("unknown tool %q", name)
			},
		},
		{
			desc: tool.Descriptor{
				Name:        "discover_tools",
				Description: "Keyword discovery over the tool catalogue",
				InputSchema: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"query": map[string]interface{}{"type": "string"},
						"limit": map[string]interface{}{"type": "number"},
					},
					"required": []interface{}{"query"},
				},
			},
			handler: func(_ context.Context, _ *session.Session, input map[string]interface{}) (interface{}, error) {
				query, _ := input["query"].(string)
				limit := 25
				if v, ok := input["limit"].(float64); ok {
					limit = int(v)
				}

				scored := s.gating.Discover(query, limit)
				out := make([]map[string]interface{}, 0, len(scored))
				for _, sc := range scored {
					out = append(out, map[string]interface{}{
						"name":        sc.Tool.Name,
						"description": sc.Tool.Description,
						"backend":     sc.Tool.Backend,
						"score":       sc.Score,
					})
				}
				return out, nil
			},
		},
		{
			desc: tool.Descriptor{
				Name:        "provision_tools",
				Description: "Discover tools and fit them under a token budget",
				InputSchema: map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"query":     map[string]interface{}{"type": "string"},
						"maxTokens": map[string]interface{}{"type": "number"},
					},
					"required": []interface{}{"query", "maxTokens"},
				},
			},
			handler: func(_ context.Context, _ *session.Session, input map[string]interface{}) (interface{}, error) {
				query, _ := input["query"].(string)
				maxTokens, _ := input["maxTokens"].(float64)

				result := s.gating.Provision(query, maxTokens)
				out := make([]map[string]interface{}, 0, len(result.Tools))
				for i := range result.Tools {
					d := result.Tools[i]
					out = append(out, map[string]interface{}{
						"name":        d.Name,
						"description": d.Description,
						"backend":     d.Backend,
						"estTokens":   s.gating.Estimate(&d),
					})
				}
				return out, nil
			},
		},
		{
			desc: tool.Descriptor{
				Name:        "gate/discover_toolsets",
				Description: "List all registered toolsets",
				InputSchema: emptySchema(),
			},
			handler: func(context.Context, *session.Session, map[string]interface{}) (interface{}, error) {
				return map[string]interface{}{"toolsets": s.gate.ListToolsets()}, nil
			},
		},
		{
			desc: tool.Descriptor{
				Name:        "gate/enable_toolset",
				Description: "Activate a toolset by id",
				InputSchema: nameSchema(),
			},
			handler: func(ctx context.Context, _ *session.Session, input map[string]interface{}) (interface{}, error) {
				name, _ := input["name"].(string)
				if err := s.gate.EnableToolset(ctx, name); err != nil {
					return nil, err
				}
				s.notifyToolsChanged()
				return map[string]interface{}{"tools": s.gate.ToolsetTools(name)}, nil
			},
		},
		{
			desc: tool.Descriptor{
				Name:        "gate/disable_toolset",
				Description: "Deactivate a toolset by id",
				InputSchema: nameSchema(),
			},
			handler: func(_ context.Context, _ *session.Session, input map[string]interface{}) (interface{}, error) {
				name, _ := input["name"].(string)
				removed := s.gate.ToolsetTools(name)
				s.gate.DisableToolset(name)
				s.notifyToolsChanged()
				return map[string]interface{}{"tools": removed}, nil
			},
		},
		{
			desc: tool.Descriptor{
				Name:        "gate/list_active_tools",
				Description: "List the names in the active tool map",
				InputSchema: emptySchema(),
			},
			handler: func(context.Context, *session.Session, map[string]interface{}) (interface{}, error) {
				return map[string]interface{}{"tools": s.gate.ActiveToolNames()}, nil
			},
		},
		{
			desc: tool.Descriptor{
				Name:        "gate/pin_toolset",
				Description: "Exempt a toolset from TTL and LRU eviction",
				InputSchema: nameSchema(),
			},
			handler: func(_ context.Context, _ *session.Session, input map[string]interface{}) (interface{}, error) {
				name, _ := input["name"].(string)
				s.gate.Pin(name)
				return map[string]interface{}{"pinned": name}, nil
			},
		},
		{
			desc: tool.Descriptor{
				Name:        "gate/unpin_toolset",
				Description: "Remove a toolset's eviction exemption",
				InputSchema: nameSchema(),
			},
			handler: func(_ context.Context, _ *session.Session, input map[string]interface{}) (interface{}, error) {
				name, _ := input["name"].(string)
				s.gate.Unpin(name)
				return map[string]interface{}{"unpinned": name}, nil
			},
		},
		{
			desc: tool.Descriptor{
				Name:        "gate/list_pinned",
				Description: "List pinned toolsets",
				InputSchema: emptySchema(),
			},
			handler: func(context.Context, *session.Session, map[string]interface{}) (interface{}, error) {
				return map[string]interface{}{"toolsets": s.gate.Pinned()}, nil
			},
		},
		{
			desc: tool.Descriptor{
				Name:        "gate/usage_stats",
				Description: "Usage table for active toolsets and call aggregates",
				InputSchema: emptySchema(),
			},
			handler: func(ctx context.Context, _ *session.Session, _ map[string]interface{}) (interface{}, error) {
				out := map[string]interface{}{
					"toolsets": s.gate.UsageStats(),
				}
				if s.audits != nil {
					if stats, err := s.audits.Usage(ctx); err == nil {
						out["calls"] = stats
					}
				}
				return out, nil
			},
		},
	}

	byName := make(map[string]builtinTool, len(tools))
	for _, b := range tools {
		byName[b.desc.Name] = b
	}
	return byName
}

// builtinDescriptors returns the built-in descriptors in stable name order.
func (s *Server) builtinDescriptors() []tool.Descriptor {
	names := make([]string, 0, len(s.builtins))
	for name := range s.builtins {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]tool.Descriptor, 0, len(names))
	for _, name := range names {
		out = append(out, s.builtins[name].desc)
	}
	return out
}

func schemaResult(d tool.Descriptor) map[string]interface{} {
	return map[string]interface{}{
		"name":        d.Name,
		"description": d.Description,
		"inputSchema": d.InputSchema,
	}
}

// callBuiltin validates input against the built-in's schema and invokes
// its handler under the same admission gate as backend tools.
func (s *Server) callBuiltin(ctx context.Context, sess *session.Session, b builtinTool, input interface{}, id json.RawMessage) []byte {
	rec, err := s.balancer.Admit(sess.ID, "builtin", "tools/call")
	if err != nil {
		return s.admissionError(id, err)
	}

	inputMap, ok := input.(map[string]interface{})
	if !ok {
		inputMap = map[string]interface{}{}
	}

	if verr := validation.ValidateInput(b.desc.InputSchema, input); verr != nil {
		s.balancer.Complete(rec, "builtin", "tools/call", false)
		return mcp.NewErrorResponse(id, verr.Code, verr.Error(), nil)
	}

	start := time.Now()
	result, err := b.handler(ctx, sess, inputMap)
	s.balancer.Complete(rec, "builtin", "tools/call", err == nil)
	s.auditToolCall(sess.ID, b.desc.Name, "builtin", start, err)

	if err != nil {
		return mcp.NewErrorResponse(id, mcp.CodeApplication, err.Error(), nil)
	}
	return mcp.NewResultResponse(id, result)
}
