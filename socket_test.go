package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TangGee/go-mcphost"
)

type socketSuite struct {
	provider *testProvider
	server   *mcp.SocketServer
	endpoint mcp.Endpoint
	served   chan error
}

func newSocketSuite(t *testing.T, serverOptions ...mcp.SocketServerOption) *socketSuite {
	t.Helper()

	provider := newTestProvider(t, mcp.Info{Name: "socket-provider", Version: "1.0"},
		[]mcp.ServerOption{mcp.WithToolServer(echoTools("echo", "reverse"))})

	path := filepath.Join(t.TempDir(), "p.sock")
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	s := &socketSuite{
		provider: provider,
		server:   mcp.NewSocketServer(provider.channel, serverOptions...),
		endpoint: mcp.Endpoint{ProviderID: "socket-provider", Network: "unix", Address: path},
		served:   make(chan error, 1),
	}
	go func() {
		s.served <- s.server.Serve(l)
	}()

	t.Cleanup(func() {
		s.shutdown(t)
	})

	return s
}

func (s *socketSuite) shutdown(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		t.Errorf("failed to shut down socket server: %v", err)
	}
}

func TestSocketBindAndCall(t *testing.T) {
	s := newSocketSuite(t)

	binder := mcp.NewSocketBinder(mcp.WithSocketPingInterval(-1))
	binding, err := binder.Bind(context.Background(), s.endpoint)
	if err != nil {
		t.Fatalf("failed to bind: %v", err)
	}
	defer binding.Unbind()

	for _, id := range []string{"1", "2"} {
		req := `{"jsonrpc":"2.0","id":"` + id + `","method":"tools/list"}`
		resBs, err := binding.Call(context.Background(), []byte(req))
		if err != nil {
			t.Fatalf("failed to call: %v", err)
		}

		var res mcp.JSONRPCMessage
		if err := json.Unmarshal(resBs, &res); err != nil {
			t.Fatalf("failed to unmarshal response: %v", err)
		}
		if res.ID != mcp.MustString(id) {
			t.Errorf("expected response %s, got %s", id, res.ID)
		}

		var result mcp.ListToolsResult
		if err := json.Unmarshal(res.Result, &result); err != nil {
			t.Fatalf("failed to unmarshal result: %v", err)
		}
		if len(result.Tools) != 2 {
			t.Errorf("expected 2 tools, got %d", len(result.Tools))
		}
	}
}

func TestSocketBindFailure(t *testing.T) {
	binder := mcp.NewSocketBinder(mcp.WithSocketDialTimeout(time.Second))

	_, err := binder.Bind(context.Background(), mcp.Endpoint{
		ProviderID: "missing",
		Network:    "unix",
		Address:    filepath.Join(t.TempDir(), "missing.sock"),
	})
	if err == nil {
		t.Fatal("expected bind to a missing socket to fail")
	}
}

func TestSocketBindingNoticesProviderExit(t *testing.T) {
	s := newSocketSuite(t)

	binder := mcp.NewSocketBinder(
		mcp.WithSocketPingInterval(20*time.Millisecond),
		mcp.WithSocketPingTimeout(100*time.Millisecond),
		mcp.WithSocketPingTimeoutThreshold(1),
	)
	binding, err := binder.Bind(context.Background(), s.endpoint)
	if err != nil {
		t.Fatalf("failed to bind: %v", err)
	}
	defer binding.Unbind()

	// Pings succeed while the provider is up.
	select {
	case <-binding.Done():
		t.Fatal("binding closed while the provider is up")
	case <-time.After(100 * time.Millisecond):
	}

	s.shutdown(t)

	select {
	case <-binding.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("binding did not notice the provider exit")
	}

	select {
	case err := <-s.served:
		if !errors.Is(err, net.ErrClosed) {
			t.Errorf("expected Serve to return net.ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Error("Serve did not return after Shutdown")
	}

	if _, err := binding.Call(context.Background(), []byte(`{"jsonrpc":"2.0","id":"1","method":"ping"}`)); err == nil {
		t.Error("expected call on a dead binding to fail")
	}
}

func TestSocketRejectsOversizedRequest(t *testing.T) {
	s := newSocketSuite(t, mcp.WithSocketServerMaxLineSize(64))

	binder := mcp.NewSocketBinder(mcp.WithSocketPingInterval(-1))
	binding, err := binder.Bind(context.Background(), s.endpoint)
	if err != nil {
		t.Fatalf("failed to bind: %v", err)
	}
	defer binding.Unbind()

	req := `{"jsonrpc":"2.0","id":"1","method":"tools/call","params":{"name":"echo","arguments":{"text":"` +
		strings.Repeat("x", 256) + `"}}}`

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := binding.Call(ctx, []byte(req)); err == nil {
		t.Fatal("expected oversized request to fail")
	}

	select {
	case <-binding.Done():
	default:
		t.Error("expected binding to be released after a failed read")
	}
}

func TestSocketCallHonoursContext(t *testing.T) {
	slow := callHandlerFunc(func(ctx context.Context, _ []byte) []byte {
		<-ctx.Done()
		return []byte(`{"jsonrpc":"2.0","id":"1","result":{}}`)
	})
	ep := serveSocket(t, "slow", slow)

	binder := mcp.NewSocketBinder(mcp.WithSocketPingInterval(-1))
	binding, err := binder.Bind(context.Background(), ep)
	if err != nil {
		t.Fatalf("failed to bind: %v", err)
	}
	defer binding.Unbind()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = binding.Call(ctx, []byte(`{"jsonrpc":"2.0","id":"1","method":"ping"}`))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("call took %v, expected it to stop at the deadline", elapsed)
	}
}

func TestSocketPingSkipsBusyBinding(t *testing.T) {
	ep := serveSocket(t, "busy", respondAfter(func(method string) time.Duration {
		if method == "ping" {
			return 0
		}
		return 400 * time.Millisecond
	}))

	binder := mcp.NewSocketBinder(
		mcp.WithSocketPingInterval(50*time.Millisecond),
		mcp.WithSocketPingTimeout(100*time.Millisecond),
		mcp.WithSocketPingTimeoutThreshold(3),
	)
	binding, err := binder.Bind(context.Background(), ep)
	if err != nil {
		t.Fatalf("failed to bind: %v", err)
	}
	defer binding.Unbind()

	for _, id := range []string{"1", "2"} {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		res, err := binding.Call(ctx, []byte(`{"jsonrpc":"2.0","id":"`+id+`","method":"tools/list"}`))
		cancel()
		if err != nil {
			t.Fatalf("slow call %s failed: %v", id, err)
		}
		if got := decodeID(t, res); got != mcp.MustString(id) {
			t.Errorf("expected response %s, got %s", id, got)
		}
	}

	select {
	case <-binding.Done():
		t.Error("expected the binding to survive slow calls")
	default:
	}
}

func TestSocketSkipsLatePingResponses(t *testing.T) {
	var pings atomic.Int32
	ep := serveSocket(t, "sluggish", respondAfter(func(method string) time.Duration {
		if method == "ping" && pings.Add(1) == 1 {
			return 200 * time.Millisecond
		}
		return 0
	}))

	binder := mcp.NewSocketBinder(
		mcp.WithSocketPingInterval(30*time.Millisecond),
		mcp.WithSocketPingTimeout(50*time.Millisecond),
		mcp.WithSocketPingTimeoutThreshold(10),
	)
	binding, err := binder.Bind(context.Background(), ep)
	if err != nil {
		t.Fatalf("failed to bind: %v", err)
	}
	defer binding.Unbind()

	// The first ping times out and its response arrives while later exchanges run.
	time.Sleep(500 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := binding.Call(ctx, []byte(`{"jsonrpc":"2.0","id":"real","method":"tools/list"}`))
	if err != nil {
		t.Fatalf("failed to call: %v", err)
	}
	if got := decodeID(t, res); got != "real" {
		t.Errorf("expected the response to the call, got id %s", got)
	}

	select {
	case <-binding.Done():
		t.Error("expected a single slow ping not to release the binding")
	default:
	}
}

// serveSocket serves handler on a unix socket until the test ends.
func serveSocket(t *testing.T, providerID string, handler mcp.CallHandler) mcp.Endpoint {
	t.Helper()

	path := filepath.Join(t.TempDir(), providerID+".sock")
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := mcp.NewSocketServer(handler)
	go func() {
		_ = server.Serve(l)
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})

	return mcp.Endpoint{ProviderID: providerID, Network: "unix", Address: path}
}

// respondAfter answers every request with an empty result after the delay chosen for its
// method.
func respondAfter(delay func(method string) time.Duration) callHandlerFunc {
	return func(ctx context.Context, request []byte) []byte {
		var msg mcp.JSONRPCMessage
		_ = json.Unmarshal(request, &msg)

		select {
		case <-time.After(delay(msg.Method)):
		case <-ctx.Done():
		}

		res, _ := json.Marshal(mcp.JSONRPCMessage{
			JSONRPC: mcp.JSONRPCVersion,
			ID:      msg.ID,
			Result:  json.RawMessage(`{}`),
		})
		return res
	}
}

func decodeID(t *testing.T, res []byte) mcp.MustString {
	t.Helper()

	var msg mcp.JSONRPCMessage
	if err := json.Unmarshal(res, &msg); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	return msg.ID
}
