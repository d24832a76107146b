package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/toolgate-proxy/toolgate/internal/port/outbound"
	"github.com/toolgate-proxy/toolgate/pkg/mcp"
)

// WSConfig tunes the WebSocket backend client.
type WSConfig struct {
	// ReconnectAttempts bounds automatic reconnects after a disconnect.
	// 0 disables reconnection.
	ReconnectAttempts int
	// ReconnectDelay is the base delay between attempts; each attempt
	// doubles it, capped at one minute.
	ReconnectDelay time.Duration
	// RequestTimeout is the mandatory per-request timeout used when the
	// caller's context has no deadline.
	RequestTimeout time.Duration
}

// WSClient holds a persistent WebSocket connection to a backend, keyed by
// URL. Outgoing calls are correlated by id; disconnects reject all inflight
// calls and trigger reconnection with exponential backoff.
type WSClient struct {
	url    string
	cfg    WSConfig
	logger *slog.Logger

	corr *correlator

	mu      sync.Mutex
	conn    *websocket.Conn
	healthy bool
	closed  bool
	done    chan struct{}
}

// NewWSClient creates a client for the backend's WebSocket URL.
func NewWSClient(url string, cfg WSConfig, logger *slog.Logger) *WSClient {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	return &WSClient{
		url:    url,
		cfg:    cfg,
		logger: logger,
		corr:   newCorrelator(),
	}
}

// Start dials the backend and begins the read loop.
func (c *WSClient) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return errors.New("client already started")
	}
	return c.dialLocked(ctx)
}

// dialLocked establishes the connection. Caller holds c.mu.
func (c *WSClient) dialLocked(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.conn = conn
	c.healthy = true
	c.done = make(chan struct{})
	c.corr.reset()

	go c.readLoop(conn, c.done)
	return nil
}

// readLoop dispatches inbound frames until the connection drops, then
// rejects inflight calls and schedules reconnection.
func (c *WSClient) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if !c.corr.dispatch(raw) {
			c.logger.Debug("unmatched websocket frame", "bytes", len(raw))
		}
	}

	c.mu.Lock()
	closed := c.closed
	if c.conn == conn {
		c.conn = nil
		c.healthy = false
	}
	c.mu.Unlock()

	// Inflight requests on disconnect reject with Transport stopped.
	c.corr.failAll(ErrStopped)

	if !closed {
		go c.reconnect()
	}
}

// reconnect retries the dial with exponential backoff bounded by
// ReconnectAttempts and ReconnectDelay.
func (c *WSClient) reconnect() {
	delay := c.cfg.ReconnectDelay
	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		time.Sleep(delay)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		err := c.dialLocked(context.Background())
		c.mu.Unlock()

		if err == nil {
			c.logger.Info("websocket backend reconnected", "url", c.url, "attempt", attempt)
			return
		}
		c.logger.Warn("websocket reconnect failed", "url", c.url, "attempt", attempt, "error", err)

		delay *= 2
		if delay > time.Minute {
			delay = time.Minute
		}
	}
	c.logger.Error("websocket reconnect attempts exhausted", "url", c.url)
}

// Call sends a correlated request. A timeout is mandatory: the caller's
// deadline is used when set, the configured RequestTimeout otherwise. On
// expiry the pending record is dropped and a late response discarded.
func (c *WSClient) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id, ch, err := c.corr.register()
	if err != nil {
		return nil, err
	}

	if err := c.write(mcp.NewRequest(id, method, params)); err != nil {
		c.corr.drop(id)
		return nil, err
	}

	timeout := c.cfg.RequestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.result, res.err
	case <-timer.C:
		c.corr.drop(id)
		return nil, ErrTimeout
	case <-ctx.Done():
		c.corr.drop(id)
		return nil, ctx.Err()
	}
}

// Notify sends a notification frame.
func (c *WSClient) Notify(_ context.Context, method string, params interface{}) error {
	return c.write(mcp.NewNotification(method, params))
}

// write serializes frame writes; gorilla connections allow one writer.
func (c *WSClient) write(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.healthy {
		return ErrStopped
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Healthy reports whether the connection is up.
func (c *WSClient) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy
}

// Close tears the connection down and rejects pending calls.
func (c *WSClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	done := c.done
	c.conn = nil
	c.healthy = false
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.corr.failAll(ErrStopped)
	if done != nil {
		<-done
	}
	return err
}

// Compile-time check that WSClient implements BackendClient.
var _ outbound.BackendClient = (*WSClient)(nil)
