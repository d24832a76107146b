// Package service contains the proxy core services: backend connection
// management, validated tool dispatch, and discovery/provisioning.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/toolgate-proxy/toolgate/internal/domain/events"
	"github.com/toolgate-proxy/toolgate/internal/domain/tool"
	"github.com/toolgate-proxy/toolgate/internal/port/outbound"
)

// ErrNoConnection is returned when a tool call targets an unknown backend.
var ErrNoConnection = errors.New("no connection to backend")

// BackendConfig describes one backend MCP server.
type BackendConfig struct {
	// Name is the backend's unique identifier.
	Name string `yaml:"name" mapstructure:"name" validate:"required"`
	// Transport selects the client adapter: stdio, http, or websocket.
	Transport string `yaml:"transport" mapstructure:"transport" validate:"required,oneof=stdio http websocket"`
	// Command and Args spawn a stdio backend.
	Command string   `yaml:"command" mapstructure:"command"`
	Args    []string `yaml:"args" mapstructure:"args"`
	// Env is added to the subprocess environment.
	Env map[string]string `yaml:"env" mapstructure:"env"`
	// URL is the endpoint for http and websocket backends.
	URL string `yaml:"url" mapstructure:"url"`
	// RequireTools makes a discovery failure on this backend fatal to
	// server start.
	RequireTools bool `yaml:"require_tools" mapstructure:"require_tools"`
}

// ClientFactory creates a BackendClient from a backend configuration.
type ClientFactory func(cfg BackendConfig) (outbound.BackendClient, error)

// backendConn holds the runtime state for one backend connection.
type backendConn struct {
	client outbound.BackendClient
	cfg    BackendConfig
}

// initializeParams is the JSON-RPC initialize payload sent to backends.
type initializeParams struct {
	ProtocolVersion string            `json:"protocolVersion"`
	Capabilities    map[string]any    `json:"capabilities"`
	ClientInfo      map[string]string `json:"clientInfo"`
}

// ClientManager owns connections to backend MCP servers and routes tool
// calls to them. The connection map is serialized: connect and disconnect
// are atomic with respect to ExecuteTool.
type ClientManager struct {
	factory ClientFactory
	bus     *events.Bus
	logger  *slog.Logger

	mu       sync.RWMutex
	backends map[string]*backendConn

	// startFailures counts backends that failed during StartAll.
	startFailures int
}

// NewClientManager creates a manager with the given client factory.
func NewClientManager(factory ClientFactory, bus *events.Bus, logger *slog.Logger) *ClientManager {
	return &ClientManager{
		factory:  factory,
		bus:      bus,
		logger:   logger,
		backends: make(map[string]*backendConn),
	}
}

// Connect spawns or dials the backend, performs the JSON-RPC initialize
// handshake, and stores the connection. Reconnecting an existing name
// stores the new client first and then closes the prior one.
func (m *ClientManager) Connect(ctx context.Context, name string, cfg BackendConfig) error {
	client, err := m.factory(cfg)
	if err != nil {
		return fmt.Errorf("create client for %s: %w", name, err)
	}

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("start backend %s: %w", name, err)
	}

	if _, err := client.Call(ctx, "initialize", initializeParams{
		ProtocolVersion: "2024-11-05",
		Capabilities:    map[string]any{},
		ClientInfo:      map[string]string{"name": "toolgate", "version": "1.0"},
	}); err != nil {
		_ = client.Close()
		return fmt.Errorf("initialize backend %s: %w", name, err)
	}
	_ = client.Notify(ctx, "notifications/initialized", nil)

	m.mu.Lock()
	prior := m.backends[name]
	m.backends[name] = &backendConn{client: client, cfg: cfg}
	m.mu.Unlock()

	if prior != nil {
		if err := prior.client.Close(); err != nil {
			m.logger.Warn("close replaced backend", "backend", name, "error", err)
		}
	}

	m.logger.Info("backend connected", "backend", name, "transport", cfg.Transport)
	m.bus.Publish(events.Event{Kind: events.BackendUp, Backend: name})
	return nil
}

// Disconnect tears down a backend connection. Idempotent.
func (m *ClientManager) Disconnect(name string) error {
	m.mu.Lock()
	conn, ok := m.backends[name]
	delete(m.backends, name)
	m.mu.Unlock()

	if !ok {
		return nil
	}

	err := conn.client.Close()
	m.logger.Info("backend disconnected", "backend", name)
	m.bus.Publish(events.Event{Kind: events.BackendDown, Backend: name})
	return err
}

// ListTools asks the backend for its tool catalogue. Each descriptor is
// validated (name string and inputSchema required); malformed entries are
// skipped silently.
func (m *ClientManager) ListTools(ctx context.Context, name string) ([]tool.Descriptor, error) {
	conn, err := m.get(name)
	if err != nil {
		return nil, err
	}

	result, err := conn.client.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list on %s: %w", name, err)
	}

	var payload struct {
		Tools []json.RawMessage `json:"tools"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("parse tools/list from %s: %w", name, err)
	}

	out := make([]tool.Descriptor, 0, len(payload.Tools))
	for _, raw := range payload.Tools {
		d, ok := parseDescriptor(raw)
		if !ok {
			m.logger.Debug("skipping malformed tool descriptor", "backend", name)
			continue
		}
		d.Backend = name
		d.DiscoverySource = "backend:" + name
		out = append(out, d)
	}
	return out, nil
}

// parseDescriptor validates one wire descriptor: name must be a string
// and inputSchema must be present.
func parseDescriptor(raw json.RawMessage) (tool.Descriptor, bool) {
	var probe map[string]interface{}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return tool.Descriptor{}, false
	}
	nameVal, ok := probe["name"].(string)
	if !ok || nameVal == "" {
		return tool.Descriptor{}, false
	}
	if _, ok := probe["inputSchema"]; !ok {
		return tool.Descriptor{}, false
	}

	var d tool.Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return tool.Descriptor{}, false
	}
	return d, true
}

// ExecuteTool performs a tools/call on the owning backend.
func (m *ClientManager) ExecuteTool(ctx context.Context, backend, toolName string, input interface{}) (json.RawMessage, error) {
	conn, err := m.get(backend)
	if err != nil {
		return nil, err
	}

	return conn.client.Call(ctx, "tools/call", map[string]interface{}{
		"tool":  toolName,
		"input": input,
	})
}

// Healthy reports whether the named backend connection is usable.
func (m *ClientManager) Healthy(name string) bool {
	conn, err := m.get(name)
	return err == nil && conn.client.Healthy()
}

// Backends returns the names of connected backends.
func (m *ClientManager) Backends() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.backends))
	for name := range m.backends {
		out = append(out, name)
	}
	return out
}

// StartFailures returns how many backends failed during StartAll.
func (m *ClientManager) StartFailures() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.startFailures
}

// StartAll connects the configured backends and loads their tool
// catalogues into the repository. A failing backend is non-fatal: it is
// logged and counted, and the others proceed — unless its config sets
// RequireTools.
func (m *ClientManager) StartAll(ctx context.Context, cfgs []BackendConfig, repo *tool.Repository) error {
	for _, cfg := range cfgs {
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := m.Connect(connectCtx, cfg.Name, cfg)
		if err == nil {
			var tools []tool.Descriptor
			tools, err = m.ListTools(connectCtx, cfg.Name)
			if err == nil {
				for _, d := range tools {
					if addErr := repo.AddTool(d); addErr != nil {
						m.logger.Warn("rejected discovered tool",
							"backend", cfg.Name, "tool", d.Name, "error", addErr)
					}
				}
				m.logger.Info("discovered backend tools", "backend", cfg.Name, "count", len(tools))
			}
		}
		cancel()

		if err != nil {
			m.mu.Lock()
			m.startFailures++
			m.mu.Unlock()
			m.logger.Error("backend startup failed", "backend", cfg.Name, "error", err)
			if cfg.RequireTools {
				return fmt.Errorf("required backend %s failed: %w", cfg.Name, err)
			}
		}
	}
	return nil
}

// CloseAll disconnects every backend.
func (m *ClientManager) CloseAll() {
	m.mu.Lock()
	names := make([]string, 0, len(m.backends))
	for name := range m.backends {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		_ = m.Disconnect(name)
	}
}

func (m *ClientManager) get(name string) (*backendConn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoConnection, name)
	}
	return conn, nil
}
