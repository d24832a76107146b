// Package stdio provides the stdio inbound transport: newline-delimited
// JSON-RPC over standard input/output, one message per line.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/toolgate-proxy/toolgate/internal/port/inbound"
)

const (
	scannerInitialBufSize = 256 * 1024  // 256KB
	scannerMaxBufSize     = 1024 * 1024 // 1MB
)

// connID is the fixed connection id: stdio carries exactly one client.
const connID = "stdio"

// Transport reads requests from in and writes responses and notifications
// to out. Writes are serialized so notifications never interleave with
// responses mid-line.
type Transport struct {
	dispatcher inbound.Dispatcher
	hub        inbound.NotificationHub
	in         io.Reader
	out        io.Writer
	logger     *slog.Logger

	writeMu sync.Mutex
	mu      sync.Mutex
	healthy bool
	cancel  context.CancelFunc
}

// NewTransport creates a stdio transport over the given streams
// (typically os.Stdin and os.Stdout).
func NewTransport(dispatcher inbound.Dispatcher, hub inbound.NotificationHub, in io.Reader, out io.Writer, logger *slog.Logger) *Transport {
	return &Transport{
		dispatcher: dispatcher,
		hub:        hub,
		in:         in,
		out:        out,
		logger:     logger,
	}
}

// Start reads messages until EOF or ctx cancellation. Blocks.
func (t *Transport) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	t.healthy = true
	t.cancel = cancel
	t.mu.Unlock()

	t.hub.Attach(connID, func(payload []byte) {
		if err := t.writeLine(payload); err != nil {
			t.logger.Debug("notification write failed", "error", err)
		}
	})
	defer func() {
		t.hub.Detach(connID)
		t.mu.Lock()
		t.healthy = false
		t.mu.Unlock()
	}()

	scanner := bufio.NewScanner(t.in)
	buf := make([]byte, 0, scannerInitialBufSize)
	scanner.Buffer(buf, scannerMaxBufSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		resp := t.dispatcher.Dispatch(ctx, t.Name(), connID, raw)
		if resp == nil {
			continue
		}
		if err := t.writeLine(resp); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return err
	}
	return nil
}

// writeLine writes one message followed by a newline.
func (t *Transport) writeLine(payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.out.Write(payload); err != nil {
		return err
	}
	_, err := t.out.Write([]byte("\n"))
	return err
}

// Stop cancels the read loop.
func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.healthy = false
	return nil
}

// SendNotification writes a notification line to the client.
func (t *Transport) SendNotification(_ string, payload []byte) error {
	return t.writeLine(payload)
}

// SendRequest is unsupported: bare stdio has no response correlation. An
// implementer that needs server-to-client requests over stdio must supply
// a correlation layer.
func (t *Transport) SendRequest(context.Context, string, string, interface{}) (json.RawMessage, error) {
	return nil, inbound.ErrCorrelationRequired
}

// Healthy reports whether the read loop is running.
func (t *Transport) Healthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.healthy
}

// Name identifies the transport.
func (t *Transport) Name() string { return "stdio" }

// Compile-time check that Transport satisfies the inbound port.
var _ inbound.Transport = (*Transport)(nil)
