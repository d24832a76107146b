package mcp

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestCorrelator_DispatchResolvesWaiter(t *testing.T) {
	t.Parallel()

	corr := newCorrelator()
	id, ch, err := corr.register()
	if err != nil {
		t.Fatalf("register() error: %v", err)
	}

	raw := []byte(`{"jsonrpc":"2.0","id":` + jsonInt(id) + `,"result":{"ok":true}}`)
	if !corr.dispatch(raw) {
		t.Fatal("dispatch() = false for a valid response")
	}

	res := <-ch
	if res.err != nil {
		t.Fatalf("waiter error: %v", res.err)
	}
	var body map[string]bool
	if err := json.Unmarshal(res.result, &body); err != nil || !body["ok"] {
		t.Errorf("result = %s", res.result)
	}
}

func TestCorrelator_ErrorResponse(t *testing.T) {
	t.Parallel()

	corr := newCorrelator()
	id, ch, _ := corr.register()

	raw := []byte(`{"jsonrpc":"2.0","id":` + jsonInt(id) + `,"error":{"code":-32000,"message":"boom"}}`)
	corr.dispatch(raw)

	res := <-ch
	var rpcErr *RPCError
	if !errors.As(res.err, &rpcErr) {
		t.Fatalf("waiter error = %v, want *RPCError", res.err)
	}
	if rpcErr.Code != -32000 || rpcErr.Message != "boom" {
		t.Errorf("RPCError = %+v", rpcErr)
	}
}

func TestCorrelator_LateResponseDiscarded(t *testing.T) {
	t.Parallel()

	corr := newCorrelator()
	id, ch, _ := corr.register()
	corr.drop(id)

	raw := []byte(`{"jsonrpc":"2.0","id":` + jsonInt(id) + `,"result":null}`)
	if !corr.dispatch(raw) {
		t.Error("late response should be consumed silently, not treated as unmatched")
	}

	select {
	case res := <-ch:
		t.Errorf("dropped waiter received %v", res)
	default:
	}
}

func TestCorrelator_BackendRequestNotConsumed(t *testing.T) {
	t.Parallel()

	corr := newCorrelator()
	raw := []byte(`{"jsonrpc":"2.0","id":5,"method":"roots/list"}`)
	if corr.dispatch(raw) {
		t.Error("backend-initiated request was treated as a response")
	}

	notif := []byte(`{"jsonrpc":"2.0","method":"notifications/tools.listChanged"}`)
	if corr.dispatch(notif) {
		t.Error("notification was treated as a response")
	}
}

func TestCorrelator_FailAllRejectsPendingAndFuture(t *testing.T) {
	t.Parallel()

	corr := newCorrelator()
	_, ch, _ := corr.register()

	corr.failAll(ErrStopped)

	res := <-ch
	if !errors.Is(res.err, ErrStopped) {
		t.Errorf("pending waiter error = %v, want ErrStopped", res.err)
	}
	if _, _, err := corr.register(); !errors.Is(err, ErrStopped) {
		t.Errorf("register() after stop error = %v, want ErrStopped", err)
	}

	corr.reset()
	if _, _, err := corr.register(); err != nil {
		t.Errorf("register() after reset error = %v, want nil", err)
	}
}

func TestCorrelator_StringIDTolerated(t *testing.T) {
	t.Parallel()

	corr := newCorrelator()
	id, ch, _ := corr.register()

	raw := []byte(`{"jsonrpc":"2.0","id":"` + jsonInt(id) + `","result":1}`)
	if !corr.dispatch(raw) {
		t.Fatal("string-encoded integer id was not matched")
	}
	if res := <-ch; res.err != nil {
		t.Errorf("waiter error: %v", res.err)
	}
}

func jsonInt(id int64) string {
	out, _ := json.Marshal(id)
	return string(out)
}
