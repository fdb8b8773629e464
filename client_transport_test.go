package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/TangGee/go-mcphost"
)

func TestClientChannelStart(t *testing.T) {
	binder := newMockBinder()
	binder.register("echo.sock", echoCallHandler())

	channel := mcp.NewClientChannel(binder, endpoint("echo"))
	handler := newMockHandler()

	if err := channel.Start(context.Background(), handler); err != nil {
		t.Fatalf("failed to start channel: %v", err)
	}
	defer channel.Close()

	if err := channel.Start(context.Background(), handler); !errors.Is(err, mcp.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on second start, got %v", err)
	}
	if got := binder.binds.Load(); got != 1 {
		t.Errorf("expected 1 bind, got %d", got)
	}
}

func TestClientChannelSendInvalidState(t *testing.T) {
	binder := newMockBinder()
	binder.register("echo.sock", echoCallHandler())

	msg := mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: "1", Method: mcp.MethodToolsList}

	t.Run("before start", func(t *testing.T) {
		channel := mcp.NewClientChannel(binder, endpoint("echo"))
		if err := channel.Send(context.Background(), msg); !errors.Is(err, mcp.ErrInvalidState) {
			t.Errorf("expected ErrInvalidState, got %v", err)
		}
	})

	t.Run("after close", func(t *testing.T) {
		channel := mcp.NewClientChannel(binder, endpoint("echo"))
		handler := newMockHandler()
		if err := channel.Start(context.Background(), handler); err != nil {
			t.Fatalf("failed to start channel: %v", err)
		}
		if err := channel.Close(); err != nil {
			t.Fatalf("failed to close channel: %v", err)
		}
		if err := channel.Send(context.Background(), msg); !errors.Is(err, mcp.ErrInvalidState) {
			t.Errorf("expected ErrInvalidState, got %v", err)
		}
		if err := channel.Start(context.Background(), handler); !errors.Is(err, mcp.ErrInvalidState) {
			t.Errorf("expected ErrInvalidState on restart, got %v", err)
		}
	})
}

func TestClientChannelPreservesOrder(t *testing.T) {
	binder := newMockBinder()
	binder.register("echo.sock", echoCallHandler())

	channel := mcp.NewClientChannel(binder, endpoint("echo"))
	handler := newMockHandler()
	if err := channel.Start(context.Background(), handler); err != nil {
		t.Fatalf("failed to start channel: %v", err)
	}
	defer channel.Close()

	const count = 50
	for i := range count {
		msg := mcp.JSONRPCMessage{
			JSONRPC: mcp.JSONRPCVersion,
			ID:      mcp.MustString(fmt.Sprintf("%d", i)),
			Method:  mcp.MethodToolsList,
		}
		if err := channel.Send(context.Background(), msg); err != nil {
			t.Fatalf("failed to send message %d: %v", i, err)
		}
	}

	for i := range count {
		select {
		case msg := <-handler.messages:
			if want := mcp.MustString(fmt.Sprintf("%d", i)); msg.ID != want {
				t.Fatalf("expected response %s, got %s", want, msg.ID)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for response %d", i)
		}
	}
}

func TestClientChannelBindFailure(t *testing.T) {
	binder := newMockBinder()
	binder.fail("down.sock", errors.New("connection refused"))

	channel := mcp.NewClientChannel(binder, endpoint("down"))
	handler := newMockHandler()

	err := channel.Start(context.Background(), handler)
	if !errors.Is(err, mcp.ErrServiceCommunicationFailed) {
		t.Fatalf("expected ErrServiceCommunicationFailed, got %v", err)
	}

	select {
	case <-handler.closed:
	case <-time.After(time.Second):
		t.Fatal("expected HandleClose after failed start")
	}

	msg := mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: "1", Method: mcp.MethodToolsList}
	if err := channel.Send(context.Background(), msg); !errors.Is(err, mcp.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState after failed start, got %v", err)
	}
}

func TestClientChannelBindingDeath(t *testing.T) {
	binder := newMockBinder()
	binder.register("echo.sock", echoCallHandler())

	channel := mcp.NewClientChannel(binder, endpoint("echo"))
	handler := newMockHandler()
	if err := channel.Start(context.Background(), handler); err != nil {
		t.Fatalf("failed to start channel: %v", err)
	}

	binding := binder.lastBinding()
	if err := binding.Unbind(); err != nil {
		t.Fatalf("failed to unbind: %v", err)
	}

	select {
	case <-handler.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for HandleClose")
	}

	// Closing again must not notify the handler twice.
	if err := channel.Close(); err != nil {
		t.Errorf("unexpected error closing twice: %v", err)
	}
	if got := handler.closes.Load(); got != 1 {
		t.Errorf("expected HandleClose once, got %d", got)
	}

	msg := mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: "1", Method: mcp.MethodToolsList}
	if err := channel.Send(context.Background(), msg); !errors.Is(err, mcp.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestClientChannelCallFailure(t *testing.T) {
	binder := newMockBinder()
	binder.register("bad.sock", callHandlerFunc(func(context.Context, []byte) []byte {
		return []byte("not json")
	}))

	channel := mcp.NewClientChannel(binder, endpoint("bad"))
	handler := newMockHandler()
	if err := channel.Start(context.Background(), handler); err != nil {
		t.Fatalf("failed to start channel: %v", err)
	}
	defer channel.Close()

	msg := mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: "42", Method: mcp.MethodToolsList}
	if err := channel.Send(context.Background(), msg); err != nil {
		t.Fatalf("failed to send: %v", err)
	}

	select {
	case err := <-handler.errs:
		var msgErr *mcp.MessageError
		if !errors.As(err, &msgErr) {
			t.Fatalf("expected *MessageError, got %T", err)
		}
		if msgErr.ID != "42" {
			t.Errorf("expected error for message 42, got %s", msgErr.ID)
		}
		if !errors.Is(err, mcp.ErrServiceCommunicationFailed) {
			t.Errorf("expected ErrServiceCommunicationFailed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for HandleError")
	}
}

// echoCallHandler answers every request with a result echoing its id.
func echoCallHandler() mcp.CallHandler {
	return callHandlerFunc(func(_ context.Context, request []byte) []byte {
		var msg mcp.JSONRPCMessage
		if err := json.Unmarshal(request, &msg); err != nil {
			return []byte(`{"jsonrpc":"2.0","error":{"code":-32700,"message":"invalid json"}}`)
		}
		res, _ := json.Marshal(mcp.JSONRPCMessage{
			JSONRPC: mcp.JSONRPCVersion,
			ID:      msg.ID,
			Result:  json.RawMessage(`{"id":"` + string(msg.ID) + `"}`),
		})
		return res
	})
}
