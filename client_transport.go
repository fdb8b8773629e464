package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// ClientChannelOption represents the options for the ClientChannel.
type ClientChannelOption func(*ClientChannel)

// ClientChannel implements the host side of a ChannelTransport. It binds to one provider
// endpoint and turns queued outbound messages into a sequence of synchronous calls, feeding
// every response back to the MessageHandler.
//
// Messages are sent strictly in the order Send accepted them, one call at a time. The
// outbound queue is unbounded, so Send never blocks on a slow provider.
//
// A ClientChannel is single-use: it can be started once and closed once. Instances must be
// created with NewClientChannel.
type ClientChannel struct {
	binder   Binder
	endpoint Endpoint
	logger   *slog.Logger

	mu      sync.Mutex
	state   channelState
	binding Binding
	handler MessageHandler

	queue *messageQueue

	done       chan struct{}
	sendClosed chan struct{}
	closeOnce  sync.Once
}

type channelState int

const (
	channelNew channelState = iota
	channelStarted
	channelClosed
)

// NewClientChannel creates a ClientChannel for the given endpoint. Nothing is dialled until
// Start is called.
func NewClientChannel(binder Binder, endpoint Endpoint, options ...ClientChannelOption) *ClientChannel {
	c := &ClientChannel{
		binder:     binder,
		endpoint:   endpoint,
		logger:     slog.Default(),
		queue:      newMessageQueue(),
		done:       make(chan struct{}),
		sendClosed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithClientChannelLogger sets the logger for the ClientChannel.
func WithClientChannelLogger(logger *slog.Logger) ClientChannelOption {
	return func(c *ClientChannel) {
		c.logger = logger.With(
			slog.String("package", "go-mcphost"),
			slog.String("component", "client-channel"),
		)
	}
}

// Start implements ChannelTransport. It binds to the endpoint and starts the sending loop.
// Start blocks until the bind completes; on failure the channel is closed and the sending
// loop never runs.
func (c *ClientChannel) Start(ctx context.Context, handler MessageHandler) error {
	c.mu.Lock()
	if c.state != channelNew {
		c.mu.Unlock()
		return fmt.Errorf("%w: channel to %s already started", ErrInvalidState, c.endpoint.ProviderID)
	}
	c.state = channelStarted
	c.handler = handler
	c.mu.Unlock()

	binding, err := c.binder.Bind(ctx, c.endpoint)
	if err != nil {
		close(c.sendClosed)
		c.Close()
		return fmt.Errorf("%w: failed to bind to %s: %w", ErrServiceCommunicationFailed, c.endpoint.ProviderID, err)
	}

	c.mu.Lock()
	if c.state == channelClosed {
		// Closed while binding.
		c.mu.Unlock()
		close(c.sendClosed)
		if err := binding.Unbind(); err != nil {
			c.logger.Warn("failed to unbind", slog.String("err", err.Error()))
		}
		return fmt.Errorf("%w: channel to %s closed while binding", ErrInvalidState, c.endpoint.ProviderID)
	}
	c.binding = binding
	c.mu.Unlock()

	go c.processSendMessages(binding)
	go c.watchBinding(binding)

	return nil
}

// Send implements ChannelTransport by queueing the message for the sending loop.
func (c *ClientChannel) Send(_ context.Context, msg JSONRPCMessage) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case channelNew:
		return fmt.Errorf("%w: channel to %s not started", ErrInvalidState, c.endpoint.ProviderID)
	case channelClosed:
		return fmt.Errorf("%w: channel to %s closed", ErrInvalidState, c.endpoint.ProviderID)
	}

	if !c.queue.push(msg) {
		return fmt.Errorf("%w: channel to %s closed", ErrInvalidState, c.endpoint.ProviderID)
	}
	return nil
}

// Close implements ChannelTransport. It stops the sending loop, unbinds from the provider
// and notifies the handler. Queued messages that were not sent yet are dropped.
func (c *ClientChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		started := c.state == channelStarted
		c.state = channelClosed
		binding := c.binding
		handler := c.handler
		c.mu.Unlock()

		close(c.done)
		c.queue.close()

		if started && binding != nil {
			<-c.sendClosed
			if uErr := binding.Unbind(); uErr != nil {
				err = fmt.Errorf("failed to unbind from %s: %w", c.endpoint.ProviderID, uErr)
			}
		}

		if handler != nil {
			handler.HandleClose()
		}
	})
	return err
}

func (c *ClientChannel) processSendMessages(binding Binding) {
	defer close(c.sendClosed)

	// Calls in flight are aborted when the channel closes.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		msg, ok := c.queue.pop(c.done)
		if !ok {
			return
		}

		msgBs, err := json.Marshal(msg)
		if err != nil {
			c.handler.HandleError(&MessageError{
				ID:  msg.ID,
				Err: fmt.Errorf("%w: failed to marshal message: %w", ErrServiceCommunicationFailed, err),
			})
			continue
		}

		c.logger.Log(ctx, LevelTrace, "request sent",
			slog.String("provider", c.endpoint.ProviderID),
			slog.Any("payload", json.RawMessage(msgBs)))

		resBs, err := binding.Call(ctx, msgBs)
		if err != nil {
			c.logger.Warn("failed to call provider",
				slog.String("provider", c.endpoint.ProviderID),
				slog.String("method", msg.Method),
				slog.String("err", err.Error()))
			c.handler.HandleError(&MessageError{
				ID:  msg.ID,
				Err: fmt.Errorf("%w: failed to call %s: %w", ErrServiceCommunicationFailed, c.endpoint.ProviderID, err),
			})
			continue
		}

		c.logger.Log(ctx, LevelTrace, "response received",
			slog.String("provider", c.endpoint.ProviderID),
			slog.Any("payload", json.RawMessage(resBs)))

		var res JSONRPCMessage
		if err := json.Unmarshal(resBs, &res); err != nil {
			c.handler.HandleError(&MessageError{
				ID:  msg.ID,
				Err: fmt.Errorf("%w: failed to unmarshal response: %w", ErrServiceCommunicationFailed, err),
			})
			continue
		}

		c.handler.HandleMessage(res)
	}
}

func (c *ClientChannel) watchBinding(binding Binding) {
	select {
	case <-c.done:
	case <-binding.Done():
		c.logger.Info("provider disconnected, closing channel", slog.String("provider", c.endpoint.ProviderID))
		if err := c.Close(); err != nil {
			c.logger.Warn("failed to close channel", slog.String("err", err.Error()))
		}
	}
}
