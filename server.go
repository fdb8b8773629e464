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

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server implements the provider side of the Model Context Protocol. It receives requests
// from a ChannelTransport, dispatches them to the configured ToolServer, PromptServer and
// ResourceServer and sends the responses back through the same transport.
//
// Every request is handled in its own goroutine, so a slow tool never delays other
// requests. Requests may arrive before or without an initialize handshake: the channel is
// stateless and the host probes providers with a bare tools/list.
type Server struct {
	info         Info
	instructions string
	capabilities ServerCapabilities

	toolServer     ToolServer
	promptServer   PromptServer
	resourceServer ResourceServer

	sendTimeout time.Duration
	logger      *slog.Logger

	mu        sync.Mutex
	transport ChannelTransport
	baseCtx   context.Context
	cancel    context.CancelFunc
	handlers  sync.WaitGroup
	closed    chan struct{}
}

var defaultServerSendTimeout = 30 * time.Second

// NewServer creates a new provider-side server with the specified configuration.
func NewServer(info Info, options ...ServerOption) *Server {
	s := &Server{
		info:   info,
		logger: slog.Default(),
		closed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}

	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}

	if s.toolServer != nil {
		s.capabilities.Tools = &ToolsCapability{}
	}
	if s.promptServer != nil {
		s.capabilities.Prompts = &PromptsCapability{}
	}
	if s.resourceServer != nil {
		s.capabilities.Resources = &ResourcesCapability{}
	}

	return s
}

// WithToolServer sets the tool server for the server.
func WithToolServer(srv ToolServer) ServerOption {
	return func(s *Server) {
		s.toolServer = srv
	}
}

// WithPromptServer sets the prompt server for the server.
func WithPromptServer(srv PromptServer) ServerOption {
	return func(s *Server) {
		s.promptServer = srv
	}
}

// WithResourceServer sets the resource server for the server.
func WithResourceServer(srv ResourceServer) ServerOption {
	return func(s *Server) {
		s.resourceServer = srv
	}
}

// WithInstructions sets the instructions returned during initialization.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerSendTimeout sets the timeout for handing a response to the transport.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "go-mcphost"),
			slog.String("component", "server"),
		)
	}
}

// Serve starts the transport with the server as its message handler. It returns as soon as
// the transport is started; requests are handled until Shutdown is called or the transport
// closes.
func (s *Server) Serve(ctx context.Context, transport ChannelTransport) error {
	s.mu.Lock()
	if s.transport != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: server already serving", ErrInvalidState)
	}
	s.transport = transport
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	if err := transport.Start(ctx, s); err != nil {
		s.cancel()
		return fmt.Errorf("failed to start transport: %w", err)
	}
	return nil
}

// Shutdown closes the transport, cancels running handlers and waits for them to return.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	transport := s.transport
	cancel := s.cancel
	s.mu.Unlock()

	if transport == nil {
		return nil
	}

	cancel()
	if err := transport.Close(); err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}

	handlersDone := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(handlersDone)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for handlers: %w", ctx.Err())
	case <-handlersDone:
	}
	return nil
}

// HandleMessage implements MessageHandler.
func (s *Server) HandleMessage(msg JSONRPCMessage) {
	if msg.JSONRPC != JSONRPCVersion {
		s.logger.Info("failed to handle message",
			slog.Any("message", msg),
			slog.String("err", errMsgInvalidJSON))
		s.respond(msg.ID, nil, JSONRPCError{Code: jsonRPCInvalidRequestCode, Message: errMsgInvalidJSON})
		return
	}
	if msg.IsResponse() || msg.IsNotification() {
		return
	}

	select {
	case <-s.closed:
		return
	default:
	}

	s.handlers.Add(1)
	go func() {
		defer s.handlers.Done()
		s.handleRequest(msg)
	}()
}

// HandleError implements MessageHandler.
func (s *Server) HandleError(err error) {
	s.logger.Error("transport error", slog.String("err", err.Error()))
}

// HandleClose implements MessageHandler.
func (s *Server) HandleClose() {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
	default:
		close(s.closed)
		if s.cancel != nil {
			s.cancel()
		}
	}
}

func (s *Server) handleRequest(msg JSONRPCMessage) {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	var result any
	var err error

	switch msg.Method {
	case methodPing:
		result = struct{}{}
	case methodInitialize:
		result, err = s.initialize(msg)
	case MethodToolsList:
		result, err = s.callListTools(ctx)
	case MethodToolsCall:
		var params CallToolParams
		if uErr := json.Unmarshal(msg.Params, &params); uErr != nil {
			err = JSONRPCError{
				Code:    jsonRPCInvalidParamsCode,
				Message: fmt.Errorf("failed to unmarshal params: %w", uErr).Error(),
			}
			break
		}
		result, err = s.callCallTool(ctx, params)
	case MethodPromptsList:
		result, err = s.callListPrompts(ctx)
	case MethodPromptsGet:
		result, err = s.callGetPrompt(ctx, msg)
	case MethodResourcesList:
		result, err = s.callListResources(ctx)
	case MethodResourcesRead:
		result, err = s.callReadResource(ctx, msg)
	default:
		// A method naming a tool is a direct call with params as its arguments.
		if s.toolServer == nil {
			err = JSONRPCError{Code: jsonRPCMethodNotFoundCode, Message: errMsgUnsupportedMethod}
			break
		}
		result, err = s.callCallTool(ctx, CallToolParams{
			Name:      msg.Method,
			Arguments: msg.Params,
		})
	}

	if err != nil {
		jErr := jsonRPCErrorFrom(err)
		s.logger.Error("failed to handle request",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
		s.respond(msg.ID, nil, jErr)
		return
	}
	s.respond(msg.ID, result, JSONRPCError{})
}

func (s *Server) respond(id MustString, result any, jErr JSONRPCError) {
	if id == "" {
		return
	}

	resMsg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
	}
	if jErr.Code != 0 {
		resMsg.Error = &jErr
	} else {
		bs, err := json.Marshal(result)
		if err != nil {
			resMsg.Error = &JSONRPCError{
				Code:    jsonRPCInternalErrorCode,
				Message: fmt.Errorf("failed to marshal result: %w", err).Error(),
			}
		} else {
			resMsg.Result = bs
		}
	}

	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := transport.Send(ctx, resMsg); err != nil {
		s.logger.Error("failed to send result", slog.String("err", err.Error()))
	}
}

func (s *Server) initialize(msg JSONRPCMessage) (initializeResult, error) {
	var params initializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return initializeResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err.Error()),
		}
	}

	if params.ProtocolVersion != protocolVersion {
		return initializeResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("protocol version mismatch: %s != %s", params.ProtocolVersion, protocolVersion),
		}
	}

	s.logger.Debug("host initialized session",
		slog.String("host", params.ClientInfo.Name),
		slog.String("version", params.ClientInfo.Version))

	return initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    s.capabilities,
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	}, nil
}

func (s *Server) callListTools(ctx context.Context) (ListToolsResult, error) {
	if s.toolServer == nil {
		return ListToolsResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "tools not supported by server",
		}
	}

	ts, err := s.toolServer.ListTools(ctx)
	if err != nil {
		return ListToolsResult{}, fmt.Errorf("failed to list tools: %w", err)
	}
	if ts.Tools == nil {
		ts.Tools = []Tool{}
	}
	return ts, nil
}

func (s *Server) callCallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	if s.toolServer == nil {
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "tools not supported by server",
		}
	}

	result, err := s.toolServer.CallTool(ctx, params)
	if err != nil {
		if errors.Is(err, ErrToolNotFound) || errors.Is(err, ErrInvalidParameters) {
			return CallToolResult{}, err
		}
		return CallToolResult{}, fmt.Errorf("%w: tool %s: %w", ErrExecutionFailed, params.Name, err)
	}
	return result, nil
}

func (s *Server) callListPrompts(ctx context.Context) (ListPromptsResult, error) {
	if s.promptServer == nil {
		return ListPromptsResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "prompts not supported by server",
		}
	}

	ps, err := s.promptServer.ListPrompts(ctx)
	if err != nil {
		return ListPromptsResult{}, fmt.Errorf("failed to list prompts: %w", err)
	}
	if ps.Prompts == nil {
		ps.Prompts = []Prompt{}
	}
	return ps, nil
}

func (s *Server) callGetPrompt(ctx context.Context, msg JSONRPCMessage) (GetPromptResult, error) {
	if s.promptServer == nil {
		return GetPromptResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "prompts not supported by server",
		}
	}

	var params GetPromptParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return GetPromptResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}

	return s.promptServer.GetPrompt(ctx, params)
}

func (s *Server) callListResources(ctx context.Context) (ListResourcesResult, error) {
	if s.resourceServer == nil {
		return ListResourcesResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "resources not supported by server",
		}
	}

	rs, err := s.resourceServer.ListResources(ctx)
	if err != nil {
		return ListResourcesResult{}, fmt.Errorf("failed to list resources: %w", err)
	}
	if rs.Resources == nil {
		rs.Resources = []Resource{}
	}
	return rs, nil
}

func (s *Server) callReadResource(ctx context.Context, msg JSONRPCMessage) (ReadResourceResult, error) {
	if s.resourceServer == nil {
		return ReadResourceResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "resources not supported by server",
		}
	}

	var params ReadResourceParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return ReadResourceResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}

	return s.resourceServer.ReadResource(ctx, params)
}
