package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/TangGee/go-mcphost"
)

type mockBinder struct {
	mu        sync.Mutex
	handlers  map[string]mcp.CallHandler
	failing   map[string]error
	bindDelay time.Duration
	bindings  []*mockBinding

	binds atomic.Int32
}

type mockBinding struct {
	handler mcp.CallHandler

	mu        sync.Mutex
	requests  []mcp.JSONRPCMessage
	done      chan struct{}
	closeOnce sync.Once
}

type mockLocator struct {
	mu        sync.Mutex
	endpoints []mcp.Endpoint
	err       error

	queries atomic.Int32
}

type mockWatcher struct {
	events chan mcp.ProviderEvent
}

type mockHandler struct {
	messages chan mcp.JSONRPCMessage
	errs     chan error
	closes   atomic.Int32
	closed   chan struct{}
	once     sync.Once
}

type mockToolServer struct {
	tools []mcp.Tool
	call  func(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error)
}

type mockPromptServer struct {
	prompts []mcp.Prompt
}

type callHandlerFunc func(ctx context.Context, request []byte) []byte

// testProvider is a provider running in the test process: a Server behind a ServerChannel.
type testProvider struct {
	server  *mcp.Server
	channel *mcp.ServerChannel
}

func newMockBinder() *mockBinder {
	return &mockBinder{
		handlers: make(map[string]mcp.CallHandler),
		failing:  make(map[string]error),
	}
}

func (b *mockBinder) register(address string, handler mcp.CallHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[address] = handler
}

func (b *mockBinder) fail(address string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failing[address] = err
}

func (b *mockBinder) Bind(ctx context.Context, endpoint mcp.Endpoint) (mcp.Binding, error) {
	b.binds.Add(1)

	if b.bindDelay > 0 {
		select {
		case <-time.After(b.bindDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err, ok := b.failing[endpoint.Address]; ok {
		return nil, err
	}
	handler, ok := b.handlers[endpoint.Address]
	if !ok {
		return nil, fmt.Errorf("no provider at %s", endpoint.Address)
	}

	binding := &mockBinding{
		handler: handler,
		done:    make(chan struct{}),
	}
	b.bindings = append(b.bindings, binding)
	return binding, nil
}

func (b *mockBinder) lastBinding() *mockBinding {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.bindings) == 0 {
		return nil
	}
	return b.bindings[len(b.bindings)-1]
}

func (b *mockBinder) liveBindings() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	live := 0
	for _, binding := range b.bindings {
		if !binding.isUnbound() {
			live++
		}
	}
	return live
}

func (b *mockBinding) Call(ctx context.Context, request []byte) ([]byte, error) {
	select {
	case <-b.done:
		return nil, net.ErrClosed
	default:
	}

	var msg mcp.JSONRPCMessage
	if err := json.Unmarshal(request, &msg); err == nil {
		b.mu.Lock()
		b.requests = append(b.requests, msg)
		b.mu.Unlock()
	}

	return b.handler.Call(ctx, request), nil
}

func (b *mockBinding) Done() <-chan struct{} {
	return b.done
}

func (b *mockBinding) Unbind() error {
	b.closeOnce.Do(func() {
		close(b.done)
	})
	return nil
}

func (b *mockBinding) methods() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	methods := make([]string, 0, len(b.requests))
	for _, req := range b.requests {
		methods = append(methods, req.Method)
	}
	return methods
}

func (b *mockBinding) isUnbound() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (l *mockLocator) Query(context.Context) ([]mcp.Endpoint, error) {
	l.queries.Add(1)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.err != nil {
		return nil, l.err
	}
	endpoints := make([]mcp.Endpoint, len(l.endpoints))
	copy(endpoints, l.endpoints)
	return endpoints, nil
}

func (l *mockLocator) set(endpoints ...mcp.Endpoint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.endpoints = endpoints
}

func newMockWatcher() *mockWatcher {
	return &mockWatcher{events: make(chan mcp.ProviderEvent)}
}

func (w *mockWatcher) Watch(ctx context.Context) iter.Seq[mcp.ProviderEvent] {
	return func(yield func(mcp.ProviderEvent) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-w.events:
				if !yield(event) {
					return
				}
			}
		}
	}
}

func newMockHandler() *mockHandler {
	return &mockHandler{
		messages: make(chan mcp.JSONRPCMessage, 100),
		errs:     make(chan error, 100),
		closed:   make(chan struct{}),
	}
}

func (h *mockHandler) HandleMessage(msg mcp.JSONRPCMessage) {
	h.messages <- msg
}

func (h *mockHandler) HandleError(err error) {
	h.errs <- err
}

func (h *mockHandler) HandleClose() {
	h.closes.Add(1)
	h.once.Do(func() {
		close(h.closed)
	})
}

func (m *mockToolServer) ListTools(context.Context) (mcp.ListToolsResult, error) {
	return mcp.ListToolsResult{Tools: m.tools}, nil
}

func (m *mockToolServer) CallTool(ctx context.Context, params mcp.CallToolParams) (mcp.CallToolResult, error) {
	if m.call != nil {
		return m.call(ctx, params)
	}
	for _, tool := range m.tools {
		if tool.Name == params.Name {
			return mcp.TextResult(string(params.Arguments)), nil
		}
	}
	return mcp.CallToolResult{}, &mcp.ToolNotFoundError{Name: params.Name}
}

func (m *mockPromptServer) ListPrompts(context.Context) (mcp.ListPromptsResult, error) {
	return mcp.ListPromptsResult{Prompts: m.prompts}, nil
}

func (m *mockPromptServer) GetPrompt(_ context.Context, params mcp.GetPromptParams) (mcp.GetPromptResult, error) {
	for _, prompt := range m.prompts {
		if prompt.Name == params.Name {
			return mcp.GetPromptResult{
				Description: prompt.Description,
				Messages: []mcp.PromptMessage{
					{Role: mcp.RoleUser, Content: mcp.Content{Type: mcp.ContentTypeText, Text: prompt.Description}},
				},
			}, nil
		}
	}
	return mcp.GetPromptResult{}, errors.New("prompt not found")
}

func (f callHandlerFunc) Call(ctx context.Context, request []byte) []byte {
	return f(ctx, request)
}

// newTestProvider starts a provider serving the given servers. It is shut down when the test
// ends.
func newTestProvider(t *testing.T, info mcp.Info, serverOptions []mcp.ServerOption, channelOptions ...mcp.ServerChannelOption) *testProvider {
	t.Helper()

	server := mcp.NewServer(info, serverOptions...)
	channel := mcp.NewServerChannel(channelOptions...)
	if err := server.Serve(context.Background(), channel); err != nil {
		t.Fatalf("failed to serve provider: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			t.Errorf("failed to shut down provider: %v", err)
		}
	})

	return &testProvider{server: server, channel: channel}
}

func echoTools(names ...string) *mockToolServer {
	tools := make([]mcp.Tool, 0, len(names))
	for _, name := range names {
		tools = append(tools, mcp.Tool{Name: name, Description: "echoes its arguments"})
	}
	return &mockToolServer{tools: tools}
}

func endpoint(providerID string) mcp.Endpoint {
	return mcp.Endpoint{
		ProviderID: providerID,
		Network:    "mock",
		Address:    providerID + ".sock",
	}
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	bs, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	return bs
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}
