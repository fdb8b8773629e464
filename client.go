package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client implements the host side of the Model Context Protocol session with one provider.
// It runs on top of a ChannelTransport, correlating every response to its request by id,
// so any number of goroutines may issue requests concurrently.
//
// A Client must be created using NewClient() and requires Connect() to be called before
// any operations can be performed. The client should be closed using Close() when it's no
// longer needed.
type Client struct {
	info      Info
	transport ChannelTransport
	logger    *slog.Logger

	callTimeout time.Duration
	onClose     func()

	mu                 sync.RWMutex
	initialized        bool
	serverInfo         Info
	serverCapabilities ServerCapabilities

	pendingRequests sync.Map // MustString -> chan clientResult

	closed    chan struct{}
	closeOnce sync.Once
}

type clientResult struct {
	msg JSONRPCMessage
	err error
}

var errClientClosed = errors.New("client closed")

// NewClient creates a new Model Context Protocol (MCP) client with the specified configuration.
//
// The info parameter provides client identification and version information. The transport
// parameter defines how the client communicates with the provider.
//
// The client will not be connected until Connect() is called.
func NewClient(info Info, transport ChannelTransport, options ...ClientOption) *Client {
	c := &Client{
		info:      info,
		transport: transport,
		logger:    slog.Default(),
		closed:    make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithClientCallTimeout sets the maximum time a request waits for its response. Zero, the
// default, leaves the deadline to the caller's context.
func WithClientCallTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.callTimeout = timeout
	}
}

// WithClientOnClose sets a function called once when the underlying transport closes.
func WithClientOnClose(onClose func()) ClientOption {
	return func(c *Client) {
		c.onClose = onClose
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(
			slog.String("package", "go-mcphost"),
			slog.String("component", "client"),
		)
	}
}

// Connect starts the transport and performs the initialization handshake. It returns an
// error if the transport cannot be started or if the provider rejects the handshake.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Start(ctx, c); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}

	paramsBs, err := json.Marshal(initializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo:      c.info,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal initialize params: %w", err)
	}

	res, err := c.sendRequest(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodInitialize,
		Params:  paramsBs,
	})
	if err != nil {
		return fmt.Errorf("failed to send initialize request: %w", err)
	}
	if res.Error != nil {
		return fmt.Errorf("initialize error: %w", res.Error)
	}

	var result initializeResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}
	if result.ProtocolVersion != protocolVersion {
		return fmt.Errorf("protocol version mismatch: %s != %s", result.ProtocolVersion, protocolVersion)
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.initialized = true
	c.mu.Unlock()

	return nil
}

// ListTools retrieves the tools the provider exposes.
func (c *Client) ListTools(ctx context.Context) (ListToolsResult, error) {
	var result ListToolsResult
	if err := c.call(ctx, MethodToolsList, nil, &result); err != nil {
		return ListToolsResult{}, err
	}
	return result, nil
}

// CallTool executes a specific tool and returns its result. An error response from the
// provider is returned as a wrapped *JSONRPCError.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	var result CallToolResult
	if err := c.call(ctx, MethodToolsCall, params, &result); err != nil {
		return CallToolResult{}, err
	}
	return result, nil
}

// ListPrompts retrieves the prompts the provider exposes.
func (c *Client) ListPrompts(ctx context.Context) (ListPromptsResult, error) {
	var result ListPromptsResult
	if err := c.call(ctx, MethodPromptsList, nil, &result); err != nil {
		return ListPromptsResult{}, err
	}
	return result, nil
}

// ListResources retrieves the resources the provider exposes.
func (c *Client) ListResources(ctx context.Context) (ListResourcesResult, error) {
	var result ListResourcesResult
	if err := c.call(ctx, MethodResourcesList, nil, &result); err != nil {
		return ListResourcesResult{}, err
	}
	return result, nil
}

// Ping checks that the provider still answers requests.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.sendRequest(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodPing,
	})
	if err != nil {
		return err
	}
	if res.Error != nil {
		return fmt.Errorf("result error: %w", res.Error)
	}
	return nil
}

// ServerInfo returns the provider information received during initialization.
func (c *Client) ServerInfo() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// ServerCapabilities returns the capabilities received during initialization.
func (c *Client) ServerCapabilities() ServerCapabilities {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverCapabilities
}

// Close closes the underlying transport. Pending requests fail with
// ErrServiceCommunicationFailed.
func (c *Client) Close() error {
	if err := c.transport.Close(); err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}
	// Transports that never started do not call HandleClose.
	c.HandleClose()
	return nil
}

// HandleMessage implements MessageHandler by routing responses to their waiting request.
func (c *Client) HandleMessage(msg JSONRPCMessage) {
	if !msg.IsResponse() {
		c.logger.Debug("ignoring request from provider", slog.String("method", msg.Method))
		return
	}
	if msg.ID == "" {
		if msg.Error != nil {
			c.logger.Warn("provider returned an error without id", slog.String("err", msg.Error.Error()))
		}
		return
	}

	v, ok := c.pendingRequests.LoadAndDelete(msg.ID)
	if !ok {
		c.logger.Debug("dropping response for unknown request", slog.String("id", string(msg.ID)))
		return
	}
	results, _ := v.(chan clientResult)
	results <- clientResult{msg: msg}
}

// HandleError implements MessageHandler. Errors tied to a request fail that request only.
func (c *Client) HandleError(err error) {
	var msgErr *MessageError
	if !errors.As(err, &msgErr) {
		c.logger.Error("transport error", slog.String("err", err.Error()))
		return
	}

	v, ok := c.pendingRequests.LoadAndDelete(msgErr.ID)
	if !ok {
		c.logger.Warn("transport error for unknown request",
			slog.String("id", string(msgErr.ID)),
			slog.String("err", err.Error()))
		return
	}
	results, _ := v.(chan clientResult)
	results <- clientResult{err: msgErr.Err}
}

// HandleClose implements MessageHandler.
func (c *Client) HandleClose() {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.mu.Lock()
		c.initialized = false
		c.mu.Unlock()

		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	c.mu.RLock()
	initialized := c.initialized
	c.mu.RUnlock()
	if !initialized {
		return fmt.Errorf("%w: client not initialized", ErrInvalidState)
	}

	var paramsBs json.RawMessage
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsBs = bs
	}

	res, err := c.sendRequest(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	})
	if err != nil {
		return err
	}

	if res.Error != nil {
		return fmt.Errorf("result error: %w", res.Error)
	}
	if len(res.Result) == 0 || string(res.Result) == "null" {
		return fmt.Errorf("%w: empty result", ErrServiceCommunicationFailed)
	}

	if err := json.Unmarshal(res.Result, result); err != nil {
		return fmt.Errorf("%w: failed to unmarshal result: %w", ErrServiceCommunicationFailed, err)
	}

	return nil
}

func (c *Client) sendRequest(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, error) {
	msgID := MustString(uuid.New().String())
	msg.ID = msgID

	results := make(chan clientResult, 1)
	c.pendingRequests.Store(msgID, results)
	defer c.pendingRequests.Delete(msgID)

	select {
	case <-c.closed:
		return JSONRPCMessage{}, fmt.Errorf("%w: %w", ErrServiceCommunicationFailed, errClientClosed)
	default:
	}

	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	if err := c.transport.Send(ctx, msg); err != nil {
		return JSONRPCMessage{}, fmt.Errorf("%w: failed to send request: %w", ErrServiceCommunicationFailed, err)
	}

	select {
	case res := <-results:
		if res.err != nil {
			return JSONRPCMessage{}, res.err
		}
		return res.msg, nil
	case <-ctx.Done():
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			return JSONRPCMessage{}, fmt.Errorf("%w: request timeout: %w", ErrTimeout, err)
		}
		return JSONRPCMessage{}, err
	case <-c.closed:
		return JSONRPCMessage{}, fmt.Errorf("%w: %w", ErrServiceCommunicationFailed, errClientClosed)
	}
}
