package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SocketBinderOption represents the options for the SocketBinder.
type SocketBinderOption func(*SocketBinder)

// SocketServerOption represents the options for the SocketServer.
type SocketServerOption func(*SocketServer)

// SocketBinder implements Binder over stream sockets ("unix" or "tcp"). Each call is one
// newline-terminated JSON payload written to the socket, answered by exactly one line.
//
// An idle binding pings the provider periodically, so a provider that went away is noticed
// even when the host is not calling it.
type SocketBinder struct {
	dialTimeout          time.Duration
	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int
	maxLineSize          int
	logger               *slog.Logger
}

// SocketServer serves a CallHandler on one or more listeners. Every accepted connection is
// handled by its own goroutine which reads one request, calls the handler and writes the
// response before reading the next one.
//
// Instances must be created with NewSocketServer and stopped with Shutdown.
type SocketServer struct {
	handler     CallHandler
	maxLineSize int
	logger      *slog.Logger

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	closed    bool

	connsWG sync.WaitGroup
	done    chan struct{}
}

type socketBinding struct {
	conn     net.Conn
	reader   *bufio.Reader
	endpoint Endpoint
	logger   *slog.Logger

	maxLineSize          int
	pingInterval         time.Duration
	pingTimeout          time.Duration
	pingTimeoutThreshold int

	// callMu serializes exchanges. partial and stalePings are only touched while it is held.
	callMu     sync.Mutex
	partial    []byte
	stalePings map[MustString]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

var (
	defaultSocketDialTimeout          = 10 * time.Second
	defaultSocketPingInterval         = 30 * time.Second
	defaultSocketPingTimeout          = 10 * time.Second
	defaultSocketPingTimeoutThreshold = 3
	defaultSocketMaxLineSize          = 4 << 20

	errLineTooLong = errors.New("message exceeds maximum line size")
)

// NewSocketBinder creates a SocketBinder.
func NewSocketBinder(options ...SocketBinderOption) *SocketBinder {
	b := &SocketBinder{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(b)
	}

	if b.dialTimeout == 0 {
		b.dialTimeout = defaultSocketDialTimeout
	}
	if b.pingInterval == 0 {
		b.pingInterval = defaultSocketPingInterval
	}
	if b.pingTimeout == 0 {
		b.pingTimeout = defaultSocketPingTimeout
	}
	if b.pingTimeoutThreshold == 0 {
		b.pingTimeoutThreshold = defaultSocketPingTimeoutThreshold
	}
	if b.maxLineSize == 0 {
		b.maxLineSize = defaultSocketMaxLineSize
	}

	return b
}

// WithSocketDialTimeout sets the timeout for establishing the connection.
func WithSocketDialTimeout(timeout time.Duration) SocketBinderOption {
	return func(b *SocketBinder) {
		b.dialTimeout = timeout
	}
}

// WithSocketPingInterval sets the interval between liveness pings on an idle binding.
// A negative interval disables pings.
func WithSocketPingInterval(interval time.Duration) SocketBinderOption {
	return func(b *SocketBinder) {
		b.pingInterval = interval
	}
}

// WithSocketPingTimeout sets how long a single ping may take.
func WithSocketPingTimeout(timeout time.Duration) SocketBinderOption {
	return func(b *SocketBinder) {
		b.pingTimeout = timeout
	}
}

// WithSocketPingTimeoutThreshold sets how many consecutive failed pings mark the binding dead.
func WithSocketPingTimeoutThreshold(threshold int) SocketBinderOption {
	return func(b *SocketBinder) {
		b.pingTimeoutThreshold = threshold
	}
}

// WithSocketBinderMaxLineSize sets the largest response the binding accepts.
func WithSocketBinderMaxLineSize(size int) SocketBinderOption {
	return func(b *SocketBinder) {
		b.maxLineSize = size
	}
}

// WithSocketBinderLogger sets the logger for the SocketBinder.
func WithSocketBinderLogger(logger *slog.Logger) SocketBinderOption {
	return func(b *SocketBinder) {
		b.logger = logger.With(
			slog.String("package", "go-mcphost"),
			slog.String("component", "socket-binder"),
		)
	}
}

// Bind implements Binder by dialling the endpoint.
func (b *SocketBinder) Bind(ctx context.Context, endpoint Endpoint) (Binding, error) {
	dialer := net.Dialer{Timeout: b.dialTimeout}
	conn, err := dialer.DialContext(ctx, endpoint.Network, endpoint.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s %s: %w", endpoint.Network, endpoint.Address, err)
	}

	sb := &socketBinding{
		conn:                 conn,
		reader:               bufio.NewReader(conn),
		endpoint:             endpoint,
		logger:               b.logger.With(slog.String("provider", endpoint.ProviderID)),
		maxLineSize:          b.maxLineSize,
		pingInterval:         b.pingInterval,
		pingTimeout:          b.pingTimeout,
		pingTimeoutThreshold: b.pingTimeoutThreshold,
		stalePings:           make(map[MustString]struct{}),
		done:                 make(chan struct{}),
	}
	if sb.pingInterval > 0 {
		go sb.ping()
	}

	return sb, nil
}

func (s *socketBinding) Call(ctx context.Context, request []byte) ([]byte, error) {
	s.callMu.Lock()
	defer s.callMu.Unlock()

	return s.exchange(ctx, request, "")
}

// exchange writes one request and reads its response. callMu must be held.
//
// pingID is set for liveness pings. A ping that times out before its response arrives
// leaves the binding usable: the late response is skipped by the next exchange. Any other
// failure leaves the stream in an unknown position and releases the binding.
func (s *socketBinding) exchange(ctx context.Context, request []byte, pingID MustString) ([]byte, error) {
	select {
	case <-s.done:
		return nil, net.ErrClosed
	default:
	}

	// Unblock the socket as soon as ctx is done, not only when its deadline passes.
	interrupted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetDeadline(time.Now())
		close(interrupted)
	})
	defer func() {
		if !stop() {
			<-interrupted
		}
	}()

	deadline, _ := ctx.Deadline()
	if err := s.conn.SetDeadline(deadline); err != nil {
		s.markDead()
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}

	line := make([]byte, 0, len(request)+1)
	line = append(line, request...)
	line = append(line, '\n')
	if n, err := s.conn.Write(line); err != nil {
		if pingID != "" && n == 0 && isTimeout(err) {
			return nil, fmt.Errorf("failed to write ping: %w", err)
		}
		s.markDead()
		return nil, fmt.Errorf("failed to write request: %w", err)
	}

	for {
		res, err := readLine(s.reader, s.maxLineSize, s.partial)
		if err != nil {
			if pingID != "" && isTimeout(err) {
				s.partial = res
				s.stalePings[pingID] = struct{}{}
				return nil, fmt.Errorf("failed to read ping response: %w", err)
			}
			s.markDead()
			if ctx.Err() != nil {
				return nil, fmt.Errorf("failed to read response: %w", ctx.Err())
			}
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		s.partial = nil

		if s.isStalePing(res) {
			continue
		}
		return res, nil
	}
}

// isStalePing reports whether res answers a ping that already timed out, forgetting the
// ping if so.
func (s *socketBinding) isStalePing(res []byte) bool {
	if len(s.stalePings) == 0 {
		return false
	}

	var msg struct {
		ID MustString `json:"id"`
	}
	if err := json.Unmarshal(res, &msg); err != nil {
		return false
	}
	if _, ok := s.stalePings[msg.ID]; !ok {
		return false
	}
	delete(s.stalePings, msg.ID)
	return true
}

func (s *socketBinding) Done() <-chan struct{} {
	return s.done
}

func (s *socketBinding) Unbind() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *socketBinding) markDead() {
	if err := s.Unbind(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("failed to close connection", slog.String("err", err.Error()))
	}
}

func (s *socketBinding) ping() {
	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	failedPings := 0

	for {
		select {
		case <-s.done:
			return
		case <-pingTicker.C:
		}

		// A busy binding is not pinged. The call in flight notices a broken stream itself.
		if !s.callMu.TryLock() {
			continue
		}

		id := MustString("ping-" + uuid.New().String())
		msgBs, _ := json.Marshal(JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      id,
			Method:  methodPing,
		})

		ctx, cancel := context.WithTimeout(context.Background(), s.pingTimeout)
		_, err := s.exchange(ctx, msgBs, id)
		cancel()
		s.callMu.Unlock()

		if err == nil {
			failedPings = 0
			continue
		}

		select {
		case <-s.done:
			s.logger.Info("provider went away", slog.String("err", err.Error()))
			return
		default:
		}

		failedPings++
		s.logger.Warn("failed to ping provider",
			slog.Int("failed", failedPings),
			slog.String("err", err.Error()))
		if failedPings >= s.pingTimeoutThreshold {
			s.logger.Warn("too many pings failed, releasing binding")
			s.markDead()
			return
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// NewSocketServer creates a SocketServer dispatching every request to handler.
func NewSocketServer(handler CallHandler, options ...SocketServerOption) *SocketServer {
	s := &SocketServer{
		handler:   handler,
		logger:    slog.Default(),
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}

	if s.maxLineSize == 0 {
		s.maxLineSize = defaultSocketMaxLineSize
	}

	return s
}

// WithSocketServerMaxLineSize sets the largest request the server accepts. Connections
// sending larger requests are closed.
func WithSocketServerMaxLineSize(size int) SocketServerOption {
	return func(s *SocketServer) {
		s.maxLineSize = size
	}
}

// WithSocketServerLogger sets the logger for the SocketServer.
func WithSocketServerLogger(logger *slog.Logger) SocketServerOption {
	return func(s *SocketServer) {
		s.logger = logger.With(
			slog.String("package", "go-mcphost"),
			slog.String("component", "socket-server"),
		)
	}
}

// Serve accepts connections on l until Shutdown is called. It always returns a non-nil
// error; after Shutdown the error is net.ErrClosed.
func (s *SocketServer) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return net.ErrClosed
	}
	s.listeners[l] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.listeners, l)
		s.mu.Unlock()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.done:
				return net.ErrClosed
			default:
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return net.ErrClosed
		}
		s.conns[conn] = struct{}{}
		s.connsWG.Add(1)
		s.mu.Unlock()

		go s.serveConn(conn)
	}
}

// Shutdown stops every listener, closes open connections and waits for in-flight calls to
// return.
func (s *SocketServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
		for l := range s.listeners {
			if err := l.Close(); err != nil {
				s.logger.Warn("failed to close listener", slog.String("err", err.Error()))
			}
		}
		for conn := range s.conns {
			conn.Close()
		}
	}
	s.mu.Unlock()

	connsClosed := make(chan struct{})
	go func() {
		s.connsWG.Wait()
		close(connsClosed)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to shutdown socket server: %w", ctx.Err())
	case <-connsClosed:
	}
	return nil
}

func (s *SocketServer) serveConn(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.connsWG.Done()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	reader := bufio.NewReader(conn)
	for {
		req, err := readLine(reader, s.maxLineSize, nil)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("failed to read request", slog.String("err", err.Error()))
			}
			return
		}
		if len(req) == 0 {
			continue
		}

		res := s.handler.Call(ctx, req)

		line := make([]byte, 0, len(res)+1)
		line = append(line, res...)
		line = append(line, '\n')
		if _, err := conn.Write(line); err != nil {
			s.logger.Warn("failed to write response", slog.String("err", err.Error()))
			return
		}
	}
}

// readLine reads one newline-terminated message without the trailing newline, appending
// to partial, the bytes of the same message read by an earlier interrupted call. Unlike
// bufio.Scanner it has no fixed token limit other than maxSize.
//
// On error the bytes read so far are returned along with it, so a caller that can resume
// after a timeout passes them back in.
func readLine(reader *bufio.Reader, maxSize int, partial []byte) ([]byte, error) {
	buf := partial
	for {
		chunk, err := reader.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > maxSize+1 {
			return nil, errLineTooLong
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return buf, err
	}
	return bytes.TrimRight(buf, "\r\n"), nil
}
