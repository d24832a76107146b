package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/toolgate-proxy/toolgate/internal/domain/events"
	"github.com/toolgate-proxy/toolgate/internal/domain/tool"
	"github.com/toolgate-proxy/toolgate/internal/domain/validation"
)

// Registry errors.
var (
	// ErrDuplicateTool is returned when a tool name is registered twice.
	ErrDuplicateTool = errors.New("duplicate tool")
	// ErrMissingBackend is returned for tools registered without a backend.
	ErrMissingBackend = errors.New("tool has no backend")
	// ErrToolNotFound is returned when executing an unregistered tool.
	ErrToolNotFound = errors.New("tool not found")
)

// ProxyService validates tool inputs against their schemas and dispatches
// to the owning backend through the ClientManager.
type ProxyService struct {
	clients *ClientManager
	bus     *events.Bus
	logger  *slog.Logger

	mu    sync.RWMutex
	tools map[string]tool.Descriptor
}

// NewProxyService creates a ProxyService.
func NewProxyService(clients *ClientManager, bus *events.Bus, logger *slog.Logger) *ProxyService {
	return &ProxyService{
		clients: clients,
		bus:     bus,
		logger:  logger,
		tools:   make(map[string]tool.Descriptor),
	}
}

// AddTool registers a tool for dispatch. Unlike the repository, the
// dispatch registry rejects duplicates outright, and every tool must name
// its backend.
func (p *ProxyService) AddTool(d tool.Descriptor) error {
	if d.Backend == "" {
		return fmt.Errorf("%w: %s", ErrMissingBackend, d.Name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.tools[d.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, d.Name)
	}
	p.tools[d.Name] = d.Clone()
	return nil
}

// RemoveTool drops a tool from the dispatch registry.
func (p *ProxyService) RemoveTool(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.tools[name]
	delete(p.tools, name)
	return ok
}

// Tool returns the registered descriptor for a name.
func (p *ProxyService) Tool(name string) (tool.Descriptor, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	d, ok := p.tools[name]
	if !ok {
		return tool.Descriptor{}, false
	}
	return d.Clone(), true
}

// Execute validates input against the tool's schema and dispatches the
// call. Backend errors are rethrown with a prefix identifying the
// responsible backend, and a tool.execute event is emitted either way.
func (p *ProxyService) Execute(ctx context.Context, toolName string, input interface{}) (json.RawMessage, error) {
	d, ok := p.Tool(toolName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, toolName)
	}

	if verr := validation.ValidateInput(d.InputSchema, input); verr != nil {
		p.bus.Publish(events.Event{
			Kind: events.ToolExecuteErr, Tool: toolName, Backend: d.Backend, Err: verr.Error(),
		})
		return nil, verr
	}

	result, err := p.clients.ExecuteTool(ctx, d.Backend, d.Name, input)
	if err != nil {
		wrapped := fmt.Errorf("[ProxyService] server=%s tool=%s: %w", d.Backend, d.Name, err)
		p.logger.Error("tool execution failed",
			"backend", d.Backend, "tool", d.Name, "error", err)
		p.bus.Publish(events.Event{
			Kind: events.ToolExecuteErr, Tool: toolName, Backend: d.Backend, Err: err.Error(),
		})
		return nil, wrapped
	}

	p.bus.Publish(events.Event{Kind: events.ToolExecuteOK, Tool: toolName, Backend: d.Backend})
	return result, nil
}
