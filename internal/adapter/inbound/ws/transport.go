// Package ws provides the WebSocket inbound transport: one JSON text
// frame per message over a persistent connection.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/toolgate-proxy/toolgate/internal/port/inbound"
)

// DefaultRequestTimeout bounds server-initiated requests to clients.
const DefaultRequestTimeout = 30 * time.Second

// clientConn tracks one upgraded connection.
type clientConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan json.RawMessage
	nextID  int64
}

// Transport is the WebSocket inbound adapter. Each connection gets its own
// session; responses are correlated by id, so per-connection ordering is
// not guaranteed (only ids matter).
type Transport struct {
	dispatcher inbound.Dispatcher
	hub        inbound.NotificationHub
	addr       string
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	mu      sync.Mutex
	server  *http.Server
	conns   map[string]*clientConn
	healthy bool
}

// NewTransport creates a WebSocket transport listening on addr.
func NewTransport(dispatcher inbound.Dispatcher, hub inbound.NotificationHub, addr string, logger *slog.Logger) *Transport {
	return &Transport{
		dispatcher: dispatcher,
		hub:        hub,
		addr:       addr,
		logger:     logger,
		conns:      make(map[string]*clientConn),
	}
}

// Start serves until ctx is cancelled or the listener fails.
func (t *Transport) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", t.handleUpgrade)

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

// handleUpgrade upgrades the connection and runs its read loop.
func (t *Transport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	connID := uuid.NewString()
	cc := &clientConn{conn: conn, pending: make(map[string]chan json.RawMessage)}

	t.mu.Lock()
	t.conns[connID] = cc
	t.mu.Unlock()

	t.hub.Attach(connID, func(payload []byte) {
		if err := cc.write(payload); err != nil {
			t.logger.Debug("notification write failed", "conn", connID, "error", err)
		}
	})

	t.readLoop(r.Context(), connID, cc)

	t.hub.Detach(connID)
	t.mu.Lock()
	delete(t.conns, connID)
	t.mu.Unlock()
	cc.failPending()
	_ = conn.Close()
}

// readLoop dispatches inbound frames until the connection drops.
func (t *Transport) readLoop(ctx context.Context, connID string, cc *clientConn) {
	for {
		_, raw, err := cc.conn.ReadMessage()
		if err != nil {
			return
		}

		if cc.resolvePending(raw) {
			continue
		}

		resp := t.dispatcher.Dispatch(ctx, t.Name(), connID, raw)
		if resp == nil {
			continue
		}
		if err := cc.write(resp); err != nil {
			return
		}
	}
}

// write serializes frame writes on one connection.
func (c *clientConn) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// resolvePending routes a client response to a waiting server-initiated
// request. Returns false when the frame is not such a response.
func (c *clientConn) resolvePending(raw []byte) bool {
	var probe struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if json.Unmarshal(raw, &probe) != nil || probe.Method != "" || len(probe.ID) == 0 {
		return false
	}

	id := strings.Trim(string(probe.ID), `"`)

	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	ch <- raw
	return true
}

// failPending drops all waiters on connection close.
func (c *clientConn) failPending() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan json.RawMessage)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

// Stop closes the listener and all connections.
func (t *Transport) Stop() error {
	t.mu.Lock()
	srv := t.server
	t.server = nil
	t.healthy = false
	conns := make([]*clientConn, 0, len(t.conns))
	for _, cc := range t.conns {
		conns = append(conns, cc)
	}
	t.mu.Unlock()

	for _, cc := range conns {
		cc.failPending()
		_ = cc.conn.Close()
	}

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// SendNotification pushes one frame to the named connection.
func (t *Transport) SendNotification(connID string, payload []byte) error {
	cc, err := t.get(connID)
	if err != nil {
		return err
	}
	return cc.write(payload)
}

// SendRequest issues a server-initiated request to the client and waits
// for the correlated response.
func (t *Transport) SendRequest(ctx context.Context, connID, method string, params interface{}) (json.RawMessage, error) {
	cc, err := t.get(connID)
	if err != nil {
		return nil, err
	}

	cc.mu.Lock()
	cc.nextID++
	id := fmt.Sprintf("srv-%d", cc.nextID)
	ch := make(chan json.RawMessage, 1)
	cc.pending[id] = ch
	cc.mu.Unlock()

	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
	}
	if params != nil {
		payload["params"] = params
	}
	raw, _ := json.Marshal(payload)

	if err := cc.write(raw); err != nil {
		cc.mu.Lock()
		delete(cc.pending, id)
		cc.mu.Unlock()
		return nil, err
	}

	timeout := DefaultRequestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, errors.New("Transport stopped")
		}
		return resp, nil
	case <-timer.C:
		cc.mu.Lock()
		delete(cc.pending, id)
		cc.mu.Unlock()
		return nil, errors.New("Request timeout")
	case <-ctx.Done():
		cc.mu.Lock()
		delete(cc.pending, id)
		cc.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (t *Transport) get(connID string) (*clientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cc, ok := t.conns[connID]
	if !ok {
		return nil, fmt.Errorf("unknown connection %s", connID)
	}
	return cc, nil
}

// Healthy reports whether the listener is up.
func (t *Transport) Healthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.healthy
}

// Name identifies the transport.
func (t *Transport) Name() string { return "websocket" }

// Compile-time check that Transport satisfies the inbound port.
var _ inbound.Transport = (*Transport)(nil)
