package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ServerChannelOption represents the options for the ServerChannel.
type ServerChannelOption func(*ServerChannel)

// ServerChannel implements the provider side of a ChannelTransport. It receives requests
// through Call, a synchronous primitive invoked on the caller's dispatch goroutine, and
// answers them with the responses the protocol session later hands to Send.
//
// Each Call is handed to a bounded pool of workers. The worker registers a pending call
// keyed by the request id, publishes the request to the MessageHandler and waits for the
// matching response up to the call timeout. Responses are matched strictly by id, so
// concurrent calls on different dispatch goroutines never see each other's responses.
//
// Instances must be created with NewServerChannel, started with Start and released with
// Close.
type ServerChannel struct {
	logger      *slog.Logger
	workers     int
	callTimeout time.Duration
	authorizer  Authorizer

	mu      sync.Mutex
	state   channelState
	handler MessageHandler

	pendingCalls sync.Map // MustString -> *pendingCall
	jobs         chan serverJob
	outbound     *messageQueue

	done       chan struct{}
	sendClosed chan struct{}
	workersWG  sync.WaitGroup
	closeOnce  sync.Once
}

type pendingCall struct {
	response chan []byte
	deadline time.Time
}

type serverJob struct {
	ctx    context.Context
	msg    JSONRPCMessage
	result chan []byte
}

var (
	defaultServerChannelWorkers     = 4
	defaultServerChannelCallTimeout = 10 * time.Second
)

// NewServerChannel creates a ServerChannel. Calls are rejected until Start is called.
func NewServerChannel(options ...ServerChannelOption) *ServerChannel {
	s := &ServerChannel{
		logger:     slog.Default(),
		outbound:   newMessageQueue(),
		done:       make(chan struct{}),
		sendClosed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}

	if s.workers <= 0 {
		s.workers = defaultServerChannelWorkers
	}
	if s.callTimeout <= 0 {
		s.callTimeout = defaultServerChannelCallTimeout
	}
	s.jobs = make(chan serverJob)

	return s
}

// WithServerChannelWorkers sets how many requests may be dispatched concurrently.
func WithServerChannelWorkers(workers int) ServerChannelOption {
	return func(s *ServerChannel) {
		s.workers = workers
	}
}

// WithServerChannelCallTimeout sets how long a call waits for its response before a
// timeout error is returned to the caller.
func WithServerChannelCallTimeout(timeout time.Duration) ServerChannelOption {
	return func(s *ServerChannel) {
		s.callTimeout = timeout
	}
}

// WithServerChannelAuthorizer sets the Authorizer consulted before dispatching a request.
func WithServerChannelAuthorizer(authorizer Authorizer) ServerChannelOption {
	return func(s *ServerChannel) {
		s.authorizer = authorizer
	}
}

// WithServerChannelLogger sets the logger for the ServerChannel.
func WithServerChannelLogger(logger *slog.Logger) ServerChannelOption {
	return func(s *ServerChannel) {
		s.logger = logger.With(
			slog.String("package", "go-mcphost"),
			slog.String("component", "server-channel"),
		)
	}
}

// Start implements ChannelTransport. It spawns the worker pool and the sending loop.
func (s *ServerChannel) Start(_ context.Context, handler MessageHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != channelNew {
		return fmt.Errorf("%w: server channel already started", ErrInvalidState)
	}
	s.state = channelStarted
	s.handler = handler

	for range s.workers {
		s.workersWG.Add(1)
		go s.work()
	}
	go s.processSendMessages()

	return nil
}

// Call implements CallHandler. It always returns a response payload: either the response
// produced by the protocol session or an error object describing why there is none.
// Call never blocks longer than the configured call timeout.
func (s *ServerChannel) Call(ctx context.Context, request []byte) []byte {
	s.logger.Log(ctx, LevelTrace, "request received", slog.Any("payload", json.RawMessage(request)))
	res := s.call(ctx, request)
	s.logger.Log(ctx, LevelTrace, "response sent", slog.Any("payload", json.RawMessage(res)))
	return res
}

func (s *ServerChannel) call(ctx context.Context, request []byte) []byte {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != channelStarted {
		return errorPayload("", jsonRPCInvalidStateCode, errMsgTransportClosed)
	}

	var msg JSONRPCMessage
	if err := json.Unmarshal(request, &msg); err != nil {
		s.logger.Warn("failed to unmarshal request", slog.String("err", err.Error()))
		return errorPayload("", jsonRPCParseErrorCode, errMsgInvalidJSON)
	}
	if msg.ID == "" {
		return errorPayload("", jsonRPCInvalidRequestCode, errMsgMissingRequestID)
	}

	if s.authorizer != nil {
		if err := s.authorizer(ctx, msg); err != nil {
			s.logger.Warn("request rejected",
				slog.String("method", msg.Method),
				slog.String("err", err.Error()))
			return errorPayload(msg.ID, jsonRPCPermissionDeniedCode, errMsgPermissionDenied)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	job := serverJob{
		ctx:    callCtx,
		msg:    msg,
		result: make(chan []byte, 1),
	}

	select {
	case s.jobs <- job:
	case <-callCtx.Done():
		s.logger.Warn("no worker available before deadline", slog.String("id", string(msg.ID)))
		return errorPayload(msg.ID, jsonRPCTimeoutCode, errMsgRequestTimeout)
	case <-s.done:
		return errorPayload(msg.ID, jsonRPCInvalidStateCode, errMsgTransportClosed)
	}

	select {
	case res := <-job.result:
		return res
	case <-callCtx.Done():
		return errorPayload(msg.ID, jsonRPCTimeoutCode, errMsgRequestTimeout)
	case <-s.done:
		return errorPayload(msg.ID, jsonRPCInvalidStateCode, errMsgTransportClosed)
	}
}

// Send implements ChannelTransport. The response is queued for the sending loop, which
// completes the pending call registered under the same id. Responses without a pending
// call are dropped.
func (s *ServerChannel) Send(_ context.Context, msg JSONRPCMessage) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case channelNew:
		return fmt.Errorf("%w: server channel not started", ErrInvalidState)
	case channelClosed:
		return fmt.Errorf("%w: server channel closed", ErrInvalidState)
	}

	if !s.outbound.push(msg) {
		return fmt.Errorf("%w: server channel closed", ErrInvalidState)
	}
	return nil
}

// Close implements ChannelTransport. Pending calls are discarded without being completed;
// the dispatch goroutines waiting on them are released with a transport closed error.
func (s *ServerChannel) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		started := s.state == channelStarted
		s.state = channelClosed
		handler := s.handler
		s.mu.Unlock()

		close(s.done)
		s.outbound.close()

		if started {
			<-s.sendClosed
			s.workersWG.Wait()
		}

		s.pendingCalls.Range(func(key, _ any) bool {
			s.pendingCalls.Delete(key)
			return true
		})

		if handler != nil {
			handler.HandleClose()
		}
	})
	return nil
}

func (s *ServerChannel) work() {
	defer s.workersWG.Done()

	for {
		select {
		case <-s.done:
			return
		case job := <-s.jobs:
			s.dispatch(job)
		}
	}
}

func (s *ServerChannel) dispatch(job serverJob) {
	// The dispatch goroutine gave up while the job was queued.
	if job.ctx.Err() != nil {
		return
	}

	deadline, _ := job.ctx.Deadline()
	pc := &pendingCall{
		response: make(chan []byte, 1),
		deadline: deadline,
	}
	if _, loaded := s.pendingCalls.LoadOrStore(job.msg.ID, pc); loaded {
		job.result <- errorPayload(job.msg.ID, jsonRPCInvalidRequestCode, errMsgDuplicateRequest)
		return
	}

	s.handler.HandleMessage(job.msg)

	select {
	case res := <-pc.response:
		job.result <- res
	case <-job.ctx.Done():
		// A late response finds nothing to complete and is dropped.
		s.pendingCalls.CompareAndDelete(job.msg.ID, pc)
		s.logger.Warn("request timed out",
			slog.String("id", string(job.msg.ID)),
			slog.String("method", job.msg.Method))
		job.result <- errorPayload(job.msg.ID, jsonRPCTimeoutCode, errMsgRequestTimeout)
	case <-s.done:
	}
}

func (s *ServerChannel) processSendMessages() {
	defer close(s.sendClosed)

	for {
		msg, ok := s.outbound.pop(s.done)
		if !ok {
			return
		}

		if msg.ID == "" {
			s.logger.Debug("dropping notification, the channel only carries responses",
				slog.String("method", msg.Method))
			continue
		}

		v, ok := s.pendingCalls.LoadAndDelete(msg.ID)
		if !ok {
			s.logger.Debug("dropping response without pending call", slog.String("id", string(msg.ID)))
			continue
		}
		pc, _ := v.(*pendingCall)

		msgBs, err := json.Marshal(msg)
		if err != nil {
			s.logger.Error("failed to marshal response", slog.String("err", err.Error()))
			msgBs = errorPayload(msg.ID, jsonRPCInternalErrorCode, err.Error())
		}

		// The response channel is buffered and only this loop writes to it.
		pc.response <- msgBs
	}
}
