package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/toolgate-proxy/toolgate/internal/domain/session"
	"github.com/toolgate-proxy/toolgate/internal/port/inbound"
)

// maxRequestBodySize caps inbound POST bodies.
const maxRequestBodySize = 1024 * 1024 // 1MB

// Transport is the HTTP inbound adapter: one POST per JSON-RPC message.
// Sessions are keyed by the Mcp-Session-Id header; a missing header gets a
// fresh id echoed back. HTTP has no push channel, so notifications are
// dropped and server-initiated requests are rejected.
type Transport struct {
	dispatcher inbound.Dispatcher
	addr       string
	logger     *slog.Logger
	metrics    *Metrics

	mu      sync.Mutex
	server  *http.Server
	healthy bool
}

// Option is a functional option for configuring Transport.
type Option func(*Transport)

// WithAddr sets the listen address. Default "127.0.0.1:8080".
func WithAddr(addr string) Option {
	return func(t *Transport) { t.addr = addr }
}

// WithLogger sets the transport logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// WithMetrics attaches Prometheus metrics to the request path.
func WithMetrics(m *Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// NewTransport creates an HTTP transport over the given dispatcher.
func NewTransport(dispatcher inbound.Dispatcher, opts ...Option) *Transport {
	t := &Transport{
		dispatcher: dispatcher,
		addr:       "127.0.0.1:8080",
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start serves until ctx is cancelled or the listener fails.
func (t *Transport) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", t.handleMessage)
	mux.HandleFunc("GET /health", t.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              t.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	t.mu.Lock()
	t.server = srv
	t.healthy = true
	t.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return t.Stop()
	case err := <-errCh:
		t.mu.Lock()
		t.healthy = false
		t.mu.Unlock()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// handleMessage dispatches one JSON-RPC message from a POST body.
func (t *Transport) handleMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}

	connID := r.Header.Get("Mcp-Session-Id")
	if connID == "" {
		connID, err = session.NewID()
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}
	w.Header().Set("Mcp-Session-Id", connID)

	resp := t.dispatcher.Dispatch(r.Context(), t.Name(), connID, body)

	t.observe(body, resp, start)

	if resp == nil {
		// Notification: acknowledged with no content.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(resp); err != nil {
		t.logger.Debug("write response failed", "error", err)
	}
}

// observe records request metrics when metrics are attached.
func (t *Transport) observe(reqBody, resp []byte, start time.Time) {
	if t.metrics == nil {
		return
	}

	var probe struct {
		Method string `json:"method"`
	}
	_ = json.Unmarshal(reqBody, &probe)
	method := probe.Method
	if method == "" {
		method = "unknown"
	}

	status := "ok"
	if resp != nil && strings.Contains(string(resp), `"error"`) {
		status = "error"
	}

	t.metrics.RequestsTotal.WithLabelValues(method, status).Inc()
	t.metrics.RequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

// handleHealth reports transport liveness.
func (t *Transport) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"healthy": t.Healthy()})
}

// Stop shuts the listener down gracefully.
func (t *Transport) Stop() error {
	t.mu.Lock()
	srv := t.server
	t.server = nil
	t.healthy = false
	t.mu.Unlock()

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// SendNotification drops the payload: plain HTTP has no push channel.
func (t *Transport) SendNotification(string, []byte) error {
	return nil
}

// SendRequest is unsupported over plain HTTP.
func (t *Transport) SendRequest(context.Context, string, string, interface{}) (json.RawMessage, error) {
	return nil, inbound.ErrCorrelationRequired
}

// Healthy reports whether the listener is up.
func (t *Transport) Healthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.healthy
}

// Name identifies the transport.
func (t *Transport) Name() string { return "http" }

// Compile-time check that Transport satisfies the inbound port.
var _ inbound.Transport = (*Transport)(nil)
