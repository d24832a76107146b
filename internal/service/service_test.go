package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/toolgate-proxy/toolgate/internal/domain/events"
	"github.com/toolgate-proxy/toolgate/internal/domain/tool"
	"github.com/toolgate-proxy/toolgate/internal/domain/validation"
	"github.com/toolgate-proxy/toolgate/internal/port/outbound"
)

// fakeBackend is an in-memory BackendClient for tests.
type fakeBackend struct {
	mu      sync.Mutex
	started bool
	closed  bool
	calls   []string
	handler func(method string, params interface{}) (json.RawMessage, error)
}

func (f *fakeBackend) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeBackend) Call(_ context.Context, method string, params interface{}) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	handler := f.handler
	f.mu.Unlock()

	if handler != nil {
		return handler(method, params)
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeBackend) Notify(context.Context, string, interface{}) error { return nil }

func (f *fakeBackend) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started && !f.closed
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

var _ outbound.BackendClient = (*fakeBackend)(nil)

func fixedFactory(fb *fakeBackend) ClientFactory {
	return func(BackendConfig) (outbound.BackendClient, error) { return fb, nil }
}

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func stdioCfg(name string) BackendConfig {
	return BackendConfig{Name: name, Transport: "stdio", Command: "fake"}
}

func TestClientManager_ConnectInitializes(t *testing.T) {
	t.Parallel()

	fb := &fakeBackend{}
	bus := events.NewBus()
	var connected []string
	bus.Subscribe(events.BackendUp, func(ev events.Event) {
		connected = append(connected, ev.Backend)
	})

	m := NewClientManager(fixedFactory(fb), bus, testLogger())
	if err := m.Connect(context.Background(), "fs", stdioCfg("fs")); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}

	if len(fb.calls) == 0 || fb.calls[0] != "initialize" {
		t.Errorf("backend calls = %v, want initialize first", fb.calls)
	}
	if len(connected) != 1 || connected[0] != "fs" {
		t.Errorf("connected events = %v, want [fs]", connected)
	}
}

func TestClientManager_ReconnectReplacesPrior(t *testing.T) {
	t.Parallel()

	first := &fakeBackend{}
	second := &fakeBackend{}
	clients := []*fakeBackend{first, second}
	i := 0
	factory := func(BackendConfig) (outbound.BackendClient, error) {
		c := clients[i]
		i++
		return c, nil
	}

	m := NewClientManager(factory, events.NewBus(), testLogger())
	_ = m.Connect(context.Background(), "fs", stdioCfg("fs"))
	_ = m.Connect(context.Background(), "fs", stdioCfg("fs"))

	if !first.closed {
		t.Error("prior client was not closed on reconnect")
	}
	if second.closed {
		t.Error("replacement client was closed")
	}
}

func TestClientManager_ExecuteToolNoConnection(t *testing.T) {
	t.Parallel()

	m := NewClientManager(fixedFactory(&fakeBackend{}), events.NewBus(), testLogger())
	_, err := m.ExecuteTool(context.Background(), "ghost", "t", nil)
	if !errors.Is(err, ErrNoConnection) {
		t.Errorf("ExecuteTool() error = %v, want ErrNoConnection", err)
	}
}

func TestClientManager_DisconnectIdempotent(t *testing.T) {
	t.Parallel()

	fb := &fakeBackend{}
	bus := events.NewBus()
	downs := 0
	bus.Subscribe(events.BackendDown, func(events.Event) { downs++ })

	m := NewClientManager(fixedFactory(fb), bus, testLogger())
	_ = m.Connect(context.Background(), "fs", stdioCfg("fs"))

	if err := m.Disconnect("fs"); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	if err := m.Disconnect("fs"); err != nil {
		t.Fatalf("second Disconnect() error: %v", err)
	}
	if downs != 1 {
		t.Errorf("disconnected events = %d, want 1", downs)
	}
}

func TestClientManager_ListToolsSkipsMalformed(t *testing.T) {
	t.Parallel()

	fb := &fakeBackend{
		handler: func(method string, _ interface{}) (json.RawMessage, error) {
			if method == "tools/list" {
				return json.RawMessage(`{"tools":[
					{"name":"good/tool","inputSchema":{"type":"object"}},
					{"inputSchema":{"type":"object"}},
					{"name":42,"inputSchema":{}},
					{"name":"no-schema"}
				]}`), nil
			}
			return json.RawMessage(`{}`), nil
		},
	}
	m := NewClientManager(fixedFactory(fb), events.NewBus(), testLogger())
	_ = m.Connect(context.Background(), "fs", stdioCfg("fs"))

	tools, err := m.ListTools(context.Background(), "fs")
	if err != nil {
		t.Fatalf("ListTools() error: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "good/tool" {
		t.Errorf("ListTools() = %v, want [good/tool]", tools)
	}
	if tools[0].Backend != "fs" {
		t.Errorf("Backend = %q, want fs", tools[0].Backend)
	}
}

func TestClientManager_StartAllNonFatalFailure(t *testing.T) {
	t.Parallel()

	factory := func(cfg BackendConfig) (outbound.BackendClient, error) {
		if cfg.Name == "broken" {
			return nil, errors.New("spawn failed")
		}
		return &fakeBackend{handler: func(method string, _ interface{}) (json.RawMessage, error) {
			if method == "tools/list" {
				return json.RawMessage(`{"tools":[{"name":"ok/tool","inputSchema":{"type":"object"}}]}`), nil
			}
			return json.RawMessage(`{}`), nil
		}}, nil
	}

	repo := tool.NewRepository()
	m := NewClientManager(factory, events.NewBus(), testLogger())
	err := m.StartAll(context.Background(), []BackendConfig{
		{Name: "broken", Transport: "stdio"},
		{Name: "ok", Transport: "stdio"},
	}, repo)
	if err != nil {
		t.Fatalf("StartAll() error: %v (failures must be non-fatal)", err)
	}

	if m.StartFailures() != 1 {
		t.Errorf("StartFailures() = %d, want 1", m.StartFailures())
	}
	if _, ok := repo.Get("ok/tool"); !ok {
		t.Error("surviving backend's tool missing from repository")
	}
}

func TestClientManager_StartAllRequireToolsFatal(t *testing.T) {
	t.Parallel()

	factory := func(BackendConfig) (outbound.BackendClient, error) {
		return nil, errors.New("spawn failed")
	}
	m := NewClientManager(factory, events.NewBus(), testLogger())
	err := m.StartAll(context.Background(), []BackendConfig{
		{Name: "critical", Transport: "stdio", RequireTools: true},
	}, tool.NewRepository())
	if err == nil {
		t.Error("StartAll() = nil, want error when RequireTools backend fails")
	}
}

func newProxyWithTool(t *testing.T, fb *fakeBackend, d tool.Descriptor) (*ProxyService, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	m := NewClientManager(fixedFactory(fb), bus, testLogger())
	if err := m.Connect(context.Background(), d.Backend, stdioCfg(d.Backend)); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	p := NewProxyService(m, bus, testLogger())
	if err := p.AddTool(d); err != nil {
		t.Fatalf("AddTool() error: %v", err)
	}
	return p, bus
}

func TestProxyService_RejectsUnknownProperty(t *testing.T) {
	t.Parallel()

	d := tool.Descriptor{
		Name:    "fs/read",
		Backend: "fs",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"a": map[string]interface{}{"type": "string"},
			},
		},
	}
	p, _ := newProxyWithTool(t, &fakeBackend{}, d)

	_, err := p.Execute(context.Background(), "fs/read", map[string]interface{}{"a": "x", "b": float64(1)})
	var verr *validation.ValidationError
	if !errors.As(err, &verr) || verr.Violation != validation.ViolationUnknownProperty {
		t.Errorf("Execute() error = %v, want UnknownProperty", err)
	}
}

func TestProxyService_BackendErrorPrefixed(t *testing.T) {
	t.Parallel()

	fb := &fakeBackend{
		handler: func(method string, _ interface{}) (json.RawMessage, error) {
			if method == "tools/call" {
				return nil, errors.New("backend exploded")
			}
			return json.RawMessage(`{}`), nil
		},
	}
	d := tool.Descriptor{Name: "fs/read", Backend: "fs",
		InputSchema: map[string]interface{}{"type": "object"}}
	p, bus := newProxyWithTool(t, fb, d)

	var errEvents []events.Event
	bus.Subscribe(events.ToolExecuteErr, func(ev events.Event) { errEvents = append(errEvents, ev) })

	_, err := p.Execute(context.Background(), "fs/read", map[string]interface{}{})
	if err == nil {
		t.Fatal("Execute() = nil error")
	}
	if !strings.HasPrefix(err.Error(), "[ProxyService] server=fs tool=fs/read:") {
		t.Errorf("error = %q, want [ProxyService] prefix", err)
	}
	if len(errEvents) != 1 {
		t.Errorf("tool.execute.err events = %d, want 1", len(errEvents))
	}
}

func TestProxyService_SuccessEmitsEvent(t *testing.T) {
	t.Parallel()

	d := tool.Descriptor{Name: "fs/read", Backend: "fs",
		InputSchema: map[string]interface{}{"type": "object"}}
	p, bus := newProxyWithTool(t, &fakeBackend{}, d)

	oks := 0
	bus.Subscribe(events.ToolExecuteOK, func(events.Event) { oks++ })

	if _, err := p.Execute(context.Background(), "fs/read", map[string]interface{}{}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if oks != 1 {
		t.Errorf("tool.execute.ok events = %d, want 1", oks)
	}
}

func TestProxyService_RegistryRules(t *testing.T) {
	t.Parallel()

	p := NewProxyService(NewClientManager(fixedFactory(&fakeBackend{}), events.NewBus(), testLogger()),
		events.NewBus(), testLogger())

	if err := p.AddTool(tool.Descriptor{Name: "no-backend"}); !errors.Is(err, ErrMissingBackend) {
		t.Errorf("AddTool(no backend) = %v, want ErrMissingBackend", err)
	}

	d := tool.Descriptor{Name: "t", Backend: "b"}
	if err := p.AddTool(d); err != nil {
		t.Fatalf("AddTool() error: %v", err)
	}
	if err := p.AddTool(d); !errors.Is(err, ErrDuplicateTool) {
		t.Errorf("duplicate AddTool() = %v, want ErrDuplicateTool", err)
	}
}

func TestGatingService_ProvisionEmitsMetrics(t *testing.T) {
	t.Parallel()

	repo := tool.NewRepository()
	_ = repo.AddTool(tool.Descriptor{Name: "ops/a", Description: "operations a"})
	_ = repo.AddTool(tool.Descriptor{Name: "ops/b", Description: "operations b"})

	bus := events.NewBus()
	var metric events.Event
	bus.Subscribe(events.GatingMetrics, func(ev events.Event) { metric = ev })

	g := NewGatingService(repo, bus)
	result := g.Provision("operations", 10000)

	if len(result.Tools) != 2 {
		t.Fatalf("Provision() = %d tools, want 2", len(result.Tools))
	}
	if metric.Fields["toolsDiscovered"] != 2 || metric.Fields["toolsProvisioned"] != 2 {
		t.Errorf("metrics event fields = %v", metric.Fields)
	}
	if metric.Fields["tokensUsed"] != result.TokensUsed {
		t.Errorf("tokensUsed = %v, want %d", metric.Fields["tokensUsed"], result.TokensUsed)
	}
}

func TestGatingService_EmptyQuery(t *testing.T) {
	t.Parallel()

	repo := tool.NewRepository()
	_ = repo.AddTool(tool.Descriptor{Name: "ops/a"})

	g := NewGatingService(repo, events.NewBus())
	if got := g.Discover("", 5); got != nil {
		t.Errorf("Discover(empty) = %v, want nil", got)
	}
	if got := g.Provision("", 1000); len(got.Tools) != 0 {
		t.Errorf("Provision(empty query) = %v, want none", got.Tools)
	}
}
