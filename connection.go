package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ConnectionOption represents the options for the Connection.
type ConnectionOption func(*Connection)

// ConnectionState is the lifecycle state of a Connection.
type ConnectionState int

// Connection is the host's stub for one provider. It owns at most one ClientChannel and
// one Client at a time and establishes them lazily on the first request.
//
// Connecting is single-flight: while one goroutine connects, concurrent callers wait for
// that attempt and share its outcome instead of opening a second channel. When the channel
// closes unexpectedly the Connection falls back to StateDisconnected and the next request
// reconnects.
//
// A Connection dropped by its Registry is retired: it stays disconnected for good and its
// requests fail with ErrServiceCommunicationFailed.
type Connection struct {
	endpoint   Endpoint
	binder     Binder
	clientInfo Info
	logger     *slog.Logger

	callTimeout    time.Duration
	channelOptions []ClientChannelOption
	clientOptions  []ClientOption

	mu        sync.Mutex
	state     ConnectionState
	retired   bool
	attempt   *connectAttempt
	transport *ClientChannel
	client    *Client
}

type connectAttempt struct {
	done chan struct{}
	err  error
}

// ConnectionState values.
const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

var (
	defaultHostInfo = Info{Name: "go-mcphost", Version: "1.0.0"}

	errConnectionRetired = errors.New("connection retired")
)

// NewConnection creates a Connection to the endpoint. No channel is opened until the first
// request.
func NewConnection(endpoint Endpoint, binder Binder, options ...ConnectionOption) *Connection {
	c := &Connection{
		endpoint:   endpoint,
		binder:     binder,
		clientInfo: defaultHostInfo,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithConnectionClientInfo sets the host information sent during initialization.
func WithConnectionClientInfo(info Info) ConnectionOption {
	return func(c *Connection) {
		c.clientInfo = info
	}
}

// WithConnectionCallTimeout bounds every request sent through the Connection. Zero, the
// default, leaves the deadline to the caller's context.
func WithConnectionCallTimeout(timeout time.Duration) ConnectionOption {
	return func(c *Connection) {
		c.callTimeout = timeout
	}
}

// WithConnectionChannelOptions sets the options used for every ClientChannel the
// Connection opens.
func WithConnectionChannelOptions(options ...ClientChannelOption) ConnectionOption {
	return func(c *Connection) {
		c.channelOptions = append(c.channelOptions, options...)
	}
}

// WithConnectionClientOptions sets the options used for every Client the Connection creates.
func WithConnectionClientOptions(options ...ClientOption) ConnectionOption {
	return func(c *Connection) {
		c.clientOptions = append(c.clientOptions, options...)
	}
}

// WithConnectionLogger sets the logger for the Connection.
func WithConnectionLogger(logger *slog.Logger) ConnectionOption {
	return func(c *Connection) {
		c.logger = logger.With(
			slog.String("package", "go-mcphost"),
			slog.String("component", "connection"),
		)
	}
}

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ProviderID returns the id of the provider this Connection talks to.
func (c *Connection) ProviderID() string {
	return c.endpoint.ProviderID
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CallTool calls the named tool with args, connecting first if needed.
//
// A provider that does not know the tool yields a *ToolNotFoundError. Handler failures
// yield ErrExecutionFailed or ErrInvalidParameters; every other failure, including an
// empty result, yields ErrServiceCommunicationFailed.
func (c *Connection) CallTool(ctx context.Context, name string, args map[string]any) (CallToolResult, error) {
	client, err := c.ensureConnected(ctx)
	if err != nil {
		return CallToolResult{}, err
	}

	var argsBs json.RawMessage
	if args != nil {
		argsBs, err = json.Marshal(args)
		if err != nil {
			return CallToolResult{}, fmt.Errorf("%w: failed to marshal arguments: %w", ErrInvalidParameters, err)
		}
	}

	ctx, cancel := c.withCallTimeout(ctx)
	defer cancel()

	result, err := client.CallTool(ctx, CallToolParams{
		Name:      name,
		Arguments: argsBs,
	})
	if err != nil {
		return CallToolResult{}, c.mapError(name, name, err)
	}
	return result, nil
}

// ListTools retrieves the provider's tools, connecting first if needed.
func (c *Connection) ListTools(ctx context.Context) ([]Tool, error) {
	client, err := c.ensureConnected(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.withCallTimeout(ctx)
	defer cancel()

	result, err := client.ListTools(ctx)
	if err != nil {
		return nil, c.mapError(MethodToolsList, "", err)
	}
	return result.Tools, nil
}

// Disconnect closes the channel and returns to StateDisconnected. It waits for an
// in-flight connect to finish first. Calling Disconnect on a disconnected Connection is a
// no-op.
func (c *Connection) Disconnect() error {
	return c.release(false)
}

// retire disconnects and keeps the Connection from ever connecting again.
func (c *Connection) retire() error {
	return c.release(true)
}

func (c *Connection) release(retire bool) error {
	for {
		c.mu.Lock()
		if c.state != StateConnecting {
			break
		}
		attempt := c.attempt
		c.mu.Unlock()
		<-attempt.done
	}

	client := c.client
	c.client = nil
	c.transport = nil
	c.state = StateDisconnected
	if retire {
		c.retired = true
	}
	c.mu.Unlock()

	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil {
		return fmt.Errorf("failed to disconnect from %s: %w", c.endpoint.ProviderID, err)
	}
	return nil
}

// ensureConnected returns a connected client, connecting if needed. Concurrent callers
// share a single connect attempt.
func (c *Connection) ensureConnected(ctx context.Context) (*Client, error) {
	c.mu.Lock()
	if c.retired {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s: %w", ErrServiceCommunicationFailed, c.endpoint.ProviderID, errConnectionRetired)
	}
	switch c.state {
	case StateConnected:
		client := c.client
		c.mu.Unlock()
		return client, nil
	case StateConnecting:
		attempt := c.attempt
		c.mu.Unlock()
		select {
		case <-attempt.done:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: waiting for connection to %s: %w",
				ErrServiceCommunicationFailed, c.endpoint.ProviderID, ctx.Err())
		}
		if attempt.err != nil {
			return nil, attempt.err
		}
		c.mu.Lock()
		client := c.client
		c.mu.Unlock()
		if client == nil {
			return nil, fmt.Errorf("%w: connection to %s closed", ErrServiceCommunicationFailed, c.endpoint.ProviderID)
		}
		return client, nil
	}

	attempt := &connectAttempt{done: make(chan struct{})}
	c.attempt = attempt
	c.state = StateConnecting
	c.mu.Unlock()

	transport, client, err := c.connect(ctx)

	c.mu.Lock()
	if err == nil && client.isClosed() {
		// The channel closed before the state was published, so handleClosed missed it.
		err = errClientClosed
	}
	if err != nil {
		c.state = StateDisconnected
		attempt.err = fmt.Errorf("%w: failed to connect to %s: %w", ErrServiceCommunicationFailed, c.endpoint.ProviderID, err)
	} else {
		c.state = StateConnected
		c.transport = transport
		c.client = client
	}
	c.attempt = nil
	close(attempt.done)
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("failed to connect",
			slog.String("provider", c.endpoint.ProviderID),
			slog.String("err", err.Error()))
		return nil, attempt.err
	}
	c.logger.Debug("connected", slog.String("provider", c.endpoint.ProviderID))
	return client, nil
}

func (c *Connection) connect(ctx context.Context) (*ClientChannel, *Client, error) {
	transport := NewClientChannel(c.binder, c.endpoint, c.channelOptions...)

	var client *Client
	onClose := func() {
		c.handleClosed(client)
	}
	opts := append([]ClientOption{WithClientOnClose(onClose)}, c.clientOptions...)
	client = NewClient(c.clientInfo, transport, opts...)

	if err := client.Connect(ctx); err != nil {
		if cErr := client.Close(); cErr != nil {
			c.logger.Warn("failed to release channel", slog.String("err", cErr.Error()))
		}
		return nil, nil, err
	}
	return transport, client, nil
}

// handleClosed resets the state when the current client's channel closes underneath it.
func (c *Connection) handleClosed(client *Client) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != client || client == nil {
		return
	}
	c.logger.Info("channel closed, connection reset", slog.String("provider", c.endpoint.ProviderID))
	c.client = nil
	c.transport = nil
	c.state = StateDisconnected
}

func (c *Connection) withCallTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.callTimeout)
}

// mapError translates a failed request. tool is the called tool's name, or empty when the
// request was not a tool call.
func (c *Connection) mapError(name, tool string, err error) error {
	var jErr *JSONRPCError
	if errors.As(err, &jErr) {
		return errorFromResponse(c.endpoint.ProviderID, tool, jErr)
	}

	switch {
	case errors.Is(err, ErrServiceCommunicationFailed):
		return err
	case errors.Is(err, ErrTimeout):
		return fmt.Errorf("%w: %w", ErrServiceCommunicationFailed, err)
	default:
		return fmt.Errorf("%w: %s on %s: %w", ErrServiceCommunicationFailed, name, c.endpoint.ProviderID, err)
	}
}
