package mcp

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/toolgate-proxy/toolgate/internal/port/outbound"
	"github.com/toolgate-proxy/toolgate/pkg/mcp"
)

// maxResponseBodySize caps response bodies from a backend to prevent OOM
// from a misbehaving upstream.
const maxResponseBodySize = 10 * 1024 * 1024 // 10MB

// HTTPClient talks to a backend MCP server over HTTP: one POST per
// message, JSON body. Notifications expect 204 (or any 2xx with an empty
// body).
type HTTPClient struct {
	endpoint   string
	httpClient *http.Client

	mu        sync.Mutex
	sessionID string // Mcp-Session-Id from the backend
	nextID    int64
	started   atomic.Bool
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPTimeout sets the per-request timeout.
func WithHTTPTimeout(d time.Duration) HTTPOption {
	return func(c *HTTPClient) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPTransport sets a custom underlying http.Client.
func WithHTTPTransport(client *http.Client) HTTPOption {
	return func(c *HTTPClient) {
		c.httpClient = client
	}
}

// NewHTTPClient creates a client for the backend's HTTP endpoint.
func NewHTTPClient(endpoint string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: DefaultRequestTimeout * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start marks the client usable. HTTP needs no persistent connection.
func (c *HTTPClient) Start(_ context.Context) error {
	c.started.Store(true)
	return nil
}

// Call POSTs a request and parses the correlated response from the body.
func (c *HTTPClient) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if !c.started.Load() {
		return nil, errors.New("client not started")
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.mu.Unlock()

	body, err := c.post(ctx, mcp.NewRequest(id, method, params))
	if err != nil {
		return nil, err
	}

	var resp wireResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse backend response: %w", err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// Notify POSTs a notification; a 204 (or empty 2xx) acknowledges it.
func (c *HTTPClient) Notify(ctx context.Context, method string, params interface{}) error {
	if !c.started.Load() {
		return errors.New("client not started")
	}
	_, err := c.post(ctx, mcp.NewNotification(method, params))
	return err
}

// post sends one JSON-RPC message and returns the response body.
func (c *HTTPClient) post(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.mu.Lock()
	if c.sessionID != "" {
		req.Header.Set("Mcp-Session-Id", c.sessionID)
	}
	c.mu.Unlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isClientTimeout(err) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// isClientTimeout matches net/http's client-side timeout error.
func isClientTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	var t timeout
	return errors.As(err, &t) && t.Timeout()
}

// Healthy reports whether the client has been started.
func (c *HTTPClient) Healthy() bool {
	return c.started.Load()
}

// Close marks the client stopped and drops idle connections.
func (c *HTTPClient) Close() error {
	c.started.Store(false)
	c.httpClient.CloseIdleConnections()
	return nil
}

// Compile-time check that HTTPClient implements BackendClient.
var _ outbound.BackendClient = (*HTTPClient)(nil)
