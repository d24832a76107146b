package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	httpin "github.com/toolgate-proxy/toolgate/internal/adapter/inbound/http"
	"github.com/toolgate-proxy/toolgate/internal/adapter/inbound/stdio"
	"github.com/toolgate-proxy/toolgate/internal/adapter/inbound/ws"
	auditstore "github.com/toolgate-proxy/toolgate/internal/adapter/outbound/audit"
	mcpout "github.com/toolgate-proxy/toolgate/internal/adapter/outbound/mcp"
	"github.com/toolgate-proxy/toolgate/internal/config"
	"github.com/toolgate-proxy/toolgate/internal/domain/audit"
	"github.com/toolgate-proxy/toolgate/internal/domain/auth"
	"github.com/toolgate-proxy/toolgate/internal/domain/events"
	"github.com/toolgate-proxy/toolgate/internal/domain/filter"
	"github.com/toolgate-proxy/toolgate/internal/domain/flow"
	"github.com/toolgate-proxy/toolgate/internal/domain/gate"
	"github.com/toolgate-proxy/toolgate/internal/domain/session"
	"github.com/toolgate-proxy/toolgate/internal/domain/tool"
	"github.com/toolgate-proxy/toolgate/internal/port/inbound"
	"github.com/toolgate-proxy/toolgate/internal/port/outbound"
	"github.com/toolgate-proxy/toolgate/internal/server"
	"github.com/toolgate-proxy/toolgate/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy",
	RunE: func(*cobra.Command, []string) error {
		return runStart()
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
}

// defaultClientFactory builds the backend client for a config entry.
func defaultClientFactory(logger *slog.Logger) service.ClientFactory {
	return func(cfg service.BackendConfig) (outbound.BackendClient, error) {
		switch cfg.Transport {
		case "stdio":
			return mcpout.NewStdioClient(cfg.Command, cfg.Args, cfg.Env, logger), nil
		case "http":
			return mcpout.NewHTTPClient(cfg.URL), nil
		case "websocket":
			return mcpout.NewWSClient(cfg.URL, mcpout.WSConfig{
				ReconnectAttempts: 5,
				ReconnectDelay:    time.Second,
			}, logger), nil
		default:
			return nil, fmt.Errorf("unknown backend transport %q", cfg.Transport)
		}
	}
}

func runStart() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	filterCfg, err := config.LoadFilterConfig()
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if cfg.DevMode {
		level = slog.LevelDebug
	}
	// Stdout is the MCP wire in stdio mode; logs always go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bus := events.NewBus()
	repo := tool.NewRepository()

	clients := service.NewClientManager(defaultClientFactory(logger), bus, logger)
	defer clients.CloseAll()
	if err := clients.StartAll(ctx, cfg.Backends, repo); err != nil {
		return err
	}

	proxy := service.NewProxyService(clients, bus, logger)
	for _, d := range repo.All() {
		if err := proxy.AddTool(d); err != nil {
			logger.Warn("skipping tool for dispatch", "tool", d.Name, "error", err)
		}
	}

	chain := filter.NewChain(filterCfg.FilterConfig())
	gateCtrl := gate.NewController(filterCfg.GateConfig(), chain, bus, logger)
	registerBackendToolsets(gateCtrl, clients, repo, cfg.Backends)
	if cfg.Server.ManifestDir != "" {
		registerManifestToolsets(gateCtrl, repo, cfg.Server.ManifestDir, logger)
	}

	sessions := session.NewManager(session.Config{
		Timeout:     time.Duration(cfg.Session.TimeoutMs) * time.Millisecond,
		MaxSessions: cfg.Session.MaxSessions,
	}, logger)
	sessions.StartCleanup(ctx)
	defer sessions.Stop()

	balancer := flow.NewBalancer(flow.Config{
		MaxRequestsPerSecond:    cfg.Flow.MaxRequestsPerSecond,
		CircuitBreakerThreshold: cfg.Flow.CircuitBreakerThreshold,
		CircuitBreakerTimeout:   time.Duration(cfg.Flow.CircuitBreakerTimeoutMs) * time.Millisecond,
		QueueCapacity:           cfg.Flow.QueueCapacity,
		QueueDropOldest:         cfg.Flow.QueueOverflow == "drop-oldest",
		Strategy:                flow.RoundRobin,
	})

	tokens := auth.NewTokenGate(cfg.Auth.Tokens)

	var auditStore audit.Store
	if cfg.Audit.Enabled {
		store, err := auditstore.NewSQLiteStore(cfg.Audit.Path)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()
		auditStore = store

		if cfg.Audit.RetentionDays > 0 {
			cutoff := time.Now().AddDate(0, 0, -cfg.Audit.RetentionDays)
			if n, err := store.Prune(ctx, cutoff); err == nil && n > 0 {
				logger.Info("pruned audit records", "removed", n)
			}
		}
	}

	srv := server.New(server.Config{
		SweepInterval: time.Duration(cfg.Server.SweepIntervalMs) * time.Millisecond,
	}, sessions, gateCtrl, proxy, service.NewGatingService(repo, bus), clients, repo,
		balancer, tokens, auditStore, bus, logger)
	metrics := httpin.NewMetrics(prometheus.DefaultRegisterer)
	srv.SetMetrics(metrics)
	srv.StartSweeper(ctx)
	defer srv.Stop()

	transport := buildTransport(cfg, srv, metrics, logger)
	logger.Info("toolgate starting",
		"transport", transport.Name(),
		"backends", len(cfg.Backends),
		"tools", repo.Count())

	return transport.Start(ctx)
}

// registerBackendToolsets exposes each backend as a lazily-loaded toolset
// whose manifest names come from startup discovery.
func registerBackendToolsets(gateCtrl *gate.Controller, clients *service.ClientManager, repo *tool.Repository, backends []service.BackendConfig) {
	for _, b := range backends {
		backendName := b.Name

		var names []string
		for _, d := range repo.All() {
			if d.Backend == backendName {
				names = append(names, d.Name)
			}
		}

		_ = gateCtrl.RegisterToolset(&gate.Toolset{
			ID:          backendName,
			Name:        backendName,
			Description: "Tools provided by backend " + backendName,
			ExposeNames: names,
			Loader: func(ctx context.Context) (map[string]tool.Descriptor, error) {
				tools, err := clients.ListTools(ctx, backendName)
				if err != nil {
					return nil, err
				}
				out := make(map[string]tool.Descriptor, len(tools))
				for _, d := range tools {
					out[d.Name] = d
				}
				return out, nil
			},
		})
	}
}

// registerManifestToolsets registers a toolset for every manifest sidecar
// in dir. The loader resolves descriptors from the repository by name, so
// enabling a manifest toolset never touches a backend.
func registerManifestToolsets(gateCtrl *gate.Controller, repo *tool.Repository, dir string, logger *slog.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Warn("manifest dir unreadable", "dir", dir, "error", err)
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			logger.Warn("manifest unreadable", "file", entry.Name(), "error", err)
			continue
		}
		manifest, err := gate.ParseManifest(data)
		if err != nil {
			logger.Warn("manifest invalid", "file", entry.Name(), "error", err)
			continue
		}

		m := manifest
		_ = gateCtrl.RegisterToolset(&gate.Toolset{
			ID:          m.ID,
			Name:        m.Name,
			Description: m.Description,
			Manifest:    m,
			Loader: func(context.Context) (map[string]tool.Descriptor, error) {
				out := make(map[string]tool.Descriptor, len(m.Tools))
				for _, name := range m.Tools {
					if d, ok := repo.Get(name); ok {
						out[name] = d
					}
				}
				return out, nil
			},
		})
		logger.Info("registered manifest toolset", "toolset", m.ID, "tools", len(m.Tools))
	}
}

// buildTransport constructs the configured inbound transport.
func buildTransport(cfg *config.Config, srv *server.Server, metrics *httpin.Metrics, logger *slog.Logger) inbound.Transport {
	switch cfg.Server.Transport {
	case "http":
		return httpin.NewTransport(srv,
			httpin.WithAddr(cfg.Server.HTTPAddr),
			httpin.WithLogger(logger),
			httpin.WithMetrics(metrics))
	case "websocket":
		return ws.NewTransport(srv, srv, cfg.Server.WSAddr, logger)
	default:
		return stdio.NewTransport(srv, srv, os.Stdin, os.Stdout, logger)
	}
}
