// Package server implements the MCP server: method routing, the built-in
// gate tools, session and admission enforcement, and the periodic TTL/LRU
// sweep.
package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	httpin "github.com/toolgate-proxy/toolgate/internal/adapter/inbound/http"
	"github.com/toolgate-proxy/toolgate/internal/domain/audit"
	"github.com/toolgate-proxy/toolgate/internal/domain/auth"
	"github.com/toolgate-proxy/toolgate/internal/domain/events"
	"github.com/toolgate-proxy/toolgate/internal/domain/flow"
	"github.com/toolgate-proxy/toolgate/internal/domain/gate"
	"github.com/toolgate-proxy/toolgate/internal/domain/session"
	"github.com/toolgate-proxy/toolgate/internal/domain/tool"
	"github.com/toolgate-proxy/toolgate/internal/port/inbound"
	"github.com/toolgate-proxy/toolgate/internal/service"
	"github.com/toolgate-proxy/toolgate/pkg/mcp"
)

// Version is the proxy's reported server version.
const Version = "1.0.0"

// ProtocolVersion is the MCP protocol version advertised at initialize.
var ProtocolVersion = map[string]int{"major": 2024, "minor": 11, "patch": 5}

// DefaultSweepInterval is how often the TTL sweep and LRU enforcement run.
const DefaultSweepInterval = 30 * time.Second

// Config holds server composition options.
type Config struct {
	// SweepInterval overrides the periodic sweep cadence. Zero means
	// DefaultSweepInterval.
	SweepInterval time.Duration
}

// Server routes inbound MCP methods to the gate, the proxy service, and
// the built-in tools. It implements inbound.Dispatcher and
// inbound.NotificationHub.
type Server struct {
	cfg      Config
	sessions *session.Manager
	gate     *gate.Controller
	proxy    *service.ProxyService
	gating   *service.GatingService
	clients  *service.ClientManager
	repo     *tool.Repository
	balancer *flow.Balancer
	tokens   *auth.TokenGate
	audits   audit.Store // may be nil
	bus      *events.Bus
	logger   *slog.Logger
	metrics  *httpin.Metrics // may be nil

	builtins map[string]builtinTool

	mu        sync.Mutex
	notifiers map[string]inbound.Notifier

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New wires a Server from its collaborators. auditStore may be nil to
// disable the audit trail.
func New(
	cfg Config,
	sessions *session.Manager,
	gateCtrl *gate.Controller,
	proxy *service.ProxyService,
	gating *service.GatingService,
	clients *service.ClientManager,
	repo *tool.Repository,
	balancer *flow.Balancer,
	tokens *auth.TokenGate,
	auditStore audit.Store,
	bus *events.Bus,
	logger *slog.Logger,
) *Server {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}

	s := &Server{
		cfg:       cfg,
		sessions:  sessions,
		gate:      gateCtrl,
		proxy:     proxy,
		gating:    gating,
		clients:   clients,
		repo:      repo,
		balancer:  balancer,
		tokens:    tokens,
		audits:    auditStore,
		bus:       bus,
		logger:    logger,
		notifiers: make(map[string]inbound.Notifier),
		stopChan:  make(chan struct{}),
	}
	s.builtins = s.builtinTools()
	s.subscribeGateEvents()
	return s
}

// SetMetrics attaches Prometheus metrics. The gauges are refreshed on
// every sweeper tick; the rejection counters fire at admission time.
func (s *Server) SetMetrics(m *httpin.Metrics) {
	s.metrics = m
	s.refreshGauges()
}

// refreshGauges publishes the current session, toolset, and queue sizes.
func (s *Server) refreshGauges() {
	if s.metrics == nil {
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.Count()))
	s.metrics.ActiveToolsets.Set(float64(len(s.gate.ActiveToolsets())))
	s.metrics.QueueDepth.Set(float64(s.balancer.QueueDepth()))
}

// subscribeGateEvents mirrors gate transitions into the audit trail.
func (s *Server) subscribeGateEvents() {
	if s.audits == nil {
		return
	}

	record := func(kind audit.RecordKind, detail string) events.Handler {
		return func(ev events.Event) {
			err := s.audits.Append(context.Background(), audit.Record{
				Kind:    kind,
				Toolset: ev.Toolset,
				Tool:    ev.Tool,
				OK:      true,
				Detail:  detail,
			})
			if err != nil {
				s.logger.Warn("audit append failed", "error", err)
			}
		}
	}

	s.bus.Subscribe(events.GateAutoEnable, record(audit.KindGateEnable, "auto-enable"))
	s.bus.Subscribe(events.GateDisableTTL, record(audit.KindGateDisable, "ttl"))
	s.bus.Subscribe(events.GateDisableLRU, record(audit.KindGateDisable, "lru"))
}

// Attach registers a connection notifier. Part of inbound.NotificationHub.
func (s *Server) Attach(connID string, n inbound.Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifiers[connID] = n
}

// Detach drops a connection notifier and its session.
func (s *Server) Detach(connID string) {
	s.mu.Lock()
	delete(s.notifiers, connID)
	s.mu.Unlock()
	s.sessions.Terminate(connID)
}

// notifyToolsChanged pushes a tools.listChanged notification to every
// attached connection. Called only after the state change is visible.
func (s *Server) notifyToolsChanged() {
	payload := mcp.NewNotification("notifications/tools.listChanged", nil)

	s.mu.Lock()
	targets := make([]inbound.Notifier, 0, len(s.notifiers))
	for _, n := range s.notifiers {
		targets = append(targets, n)
	}
	s.mu.Unlock()

	for _, n := range targets {
		n(payload)
	}
}

// StartSweeper runs SweepExpired and EnforceLRUCap on the configured
// interval until ctx is cancelled or Stop is called. The sweep snapshots
// victims without holding the gate lock across any I/O.
func (s *Server) StartSweeper(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.runSweep()
			}
		}
	}()
}

// runSweep executes one TTL+LRU pass, refreshes the gauges, and notifies
// clients on change.
func (s *Server) runSweep() {
	expired := s.gate.SweepExpired()
	evicted := s.gate.EnforceLRUCap()

	if len(expired)+len(evicted) > 0 {
		s.logger.Info("gate sweep disabled toolsets",
			"ttl", expired, "lru", evicted)
		s.notifyToolsChanged()
	}

	s.refreshGauges()
}

// Stop halts the sweeper. Safe to call multiple times.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// Compile-time interface checks.
var (
	_ inbound.Dispatcher      = (*Server)(nil)
	_ inbound.NotificationHub = (*Server)(nil)
)
