package mcp

import (
	"context"
	"iter"
	"log/slog"
)

// LevelTrace is the slog level, below slog.LevelDebug, at which the channels log the raw
// JSON-RPC payloads they exchange.
const LevelTrace = slog.Level(-8)

// ChannelTransport is the lowest-level channel between a host and a provider. Both the
// client-side ClientChannel and the provider-side ServerChannel implement it.
type ChannelTransport interface {
	// Start prepares the channel and registers the handler that receives inbound messages.
	// The implementation must fail with ErrInvalidState if Start was already called.
	// Start returns only after the underlying channel is usable or definitively failed.
	Start(ctx context.Context, handler MessageHandler) error

	// Send transmits a message to the other party. The implementation must fail with
	// ErrInvalidState if the channel was never started or is already closed.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Close releases the channel and calls MessageHandler.HandleClose once. Calling Close
	// more than once is a no-op.
	Close() error
}

// MessageHandler receives the inbound side of a ChannelTransport.
type MessageHandler interface {
	// HandleMessage is called for every message received from the other party.
	HandleMessage(msg JSONRPCMessage)
	// HandleError is called for transport failures. When the failure belongs to a specific
	// outbound request the error is a *MessageError carrying its id.
	HandleError(err error)
	// HandleClose is called once when the transport is closed, for any reason.
	HandleClose()
}

// Binder opens channels to provider endpoints. It is the host's view of the OS
// process-addressing primitive.
type Binder interface {
	// Bind connects to the endpoint and returns once the binding is established or has
	// definitively failed.
	Bind(ctx context.Context, endpoint Endpoint) (Binding, error)
}

// Binding is an established connection to a provider offering a single synchronous
// call primitive.
type Binding interface {
	// Call sends the request bytes and blocks until the provider returns the response bytes.
	Call(ctx context.Context, request []byte) ([]byte, error)
	// Done is closed when the binding is no longer usable, including when the provider
	// disappeared without Unbind being called.
	Done() <-chan struct{}
	// Unbind releases the binding. It is safe to call more than once.
	Unbind() error
}

// CallHandler is the provider-side counterpart of Binding.Call: it turns one request
// payload into exactly one response payload and must always return.
type CallHandler interface {
	Call(ctx context.Context, request []byte) []byte
}

// ServiceLocator lists the endpoints of every provider advertising ProviderContract.
type ServiceLocator interface {
	Query(ctx context.Context) ([]Endpoint, error)
}

// ProviderWatcher streams provider availability changes.
type ProviderWatcher interface {
	// Watch returns an iterator over availability changes. The implementation should exit
	// the iteration when ctx is cancelled.
	Watch(ctx context.Context) iter.Seq[ProviderEvent]
}

// ProviderListener reacts to provider availability changes. Registry implements it.
type ProviderListener interface {
	OnProviderAdded(providerID string)
	OnProviderRemoved(providerID string)
	OnProviderUpdated(providerID string)
}

// ToolServer defines the interface for the tools a provider exposes.
type ToolServer interface {
	// ListTools returns the tools available on the provider.
	ListTools(ctx context.Context) (ListToolsResult, error)

	// CallTool executes the named tool. The implementation should return an error wrapping
	// ErrToolNotFound for unknown tools and ErrInvalidParameters for bad arguments.
	CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error)
}

// PromptServer defines the interface for the prompts a provider exposes.
type PromptServer interface {
	ListPrompts(ctx context.Context) (ListPromptsResult, error)
	GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error)
}

// ResourceServer defines the interface for the resources a provider exposes.
type ResourceServer interface {
	ListResources(ctx context.Context) (ListResourcesResult, error)
	ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error)
}

// Authorizer decides whether an inbound request may be dispatched. Returning an error
// makes the provider answer with a permission denied error instead.
type Authorizer func(ctx context.Context, msg JSONRPCMessage) error
