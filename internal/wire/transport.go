package wire

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

// DefaultTimeout bounds dialing and each request/response exchange.
const DefaultTimeout = 2 * time.Second

// ErrServerClosed is returned by Server.Serve after Shutdown or Close.
var ErrServerClosed = errors.New("wire: server closed")

// Call sends req to addr on a fresh connection and waits for one response.
// Dial failures, broken connections and deadline expiry are all reported as
// ErrUnreachable; a response that cannot be decoded is ErrProtocol.
func Call(ctx context.Context, addr string, req Message, timeout time.Duration) (Message, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Message{}, fmt.Errorf("%w: dial %s: %w", ErrUnreachable, addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	// unblock IO as soon as ctx is canceled
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if err := WriteMessage(conn, req); err != nil {
		return Message{}, transportError(addr, "send", err)
	}
	resp, err := ReadMessage(conn)
	if err != nil {
		return Message{}, transportError(addr, "receive", err)
	}
	return resp, nil
}

func transportError(addr, op string, err error) error {
	if errors.Is(err, ErrProtocol) {
		return fmt.Errorf("%s %s: %w", op, addr, err)
	}
	return fmt.Errorf("%w: %s %s: %w", ErrUnreachable, op, addr, err)
}

// Handler answers one decoded request.
type Handler interface {
	ServeWire(ctx context.Context, req Message) Message
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Message) Message

// ServeWire calls f(ctx, req).
func (f HandlerFunc) ServeWire(ctx context.Context, req Message) Message { return f(ctx, req) }

// Server accepts connections and serves request/response pairs on each one
// until the peer closes it. Each connection runs in its own goroutine.
type Server struct {
	Handler Handler

	// Name prefixes log lines, e.g. "master" or "shard[2]".
	Name string

	// IdleTimeout closes connections that send nothing for this long.
	// Zero means no limit.
	IdleTimeout time.Duration

	// WriteTimeout bounds writing each response. Zero means DefaultTimeout.
	WriteTimeout time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	closed    bool
}

func (s *Server) init() {
	if s.listeners == nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.listeners = make(map[net.Listener]struct{})
		s.conns = make(map[net.Conn]struct{})
	}
}

// Serve accepts connections on ln until the server is shut down. It always
// returns a non-nil error; after Shutdown or Close it is ErrServerClosed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.init()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.listeners, ln)
		s.mu.Unlock()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			return err
		}
		if !s.track(conn) {
			conn.Close()
			return ErrServerClosed
		}
		go s.serveConn(conn)
	}
}

// Shutdown stops accepting, closes every open connection and waits for the
// connection goroutines to exit or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeAll()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close is Shutdown without waiting.
func (s *Server) Close() error {
	s.closeAll()
	return nil
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	for ln := range s.listeners {
		ln.Close()
	}
	for c := range s.conns {
		c.Close()
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	writeTimeout := s.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = DefaultTimeout
	}

	for {
		if s.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.IdleTimeout))
		}
		req, err := ReadMessage(conn)
		var resp Message
		switch {
		case err == nil:
			_ = conn.SetReadDeadline(time.Time{})
			resp = s.handle(req)
		case errors.Is(err, ErrProtocol):
			log.Printf("%s: malformed request from %s: %v", s.Name, conn.RemoteAddr(), err)
			resp = ErrorReply(ErrProtocol)
		default:
			return
		}

		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if werr := WriteMessage(conn, resp); werr != nil {
			log.Printf("%s: write to %s: %v", s.Name, conn.RemoteAddr(), werr)
			return
		}
		if errors.Is(err, ErrFrameTooLarge) {
			return
		}
	}
}

// handle runs the handler, turning a panic into an ERROR reply so one bad
// request never takes the process down.
func (s *Server) handle(req Message) (resp Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("%s: handler panic on %v: %v", s.Name, req, r)
			resp = ErrorReply(ErrInternal)
		}
	}()
	return s.Handler.ServeWire(s.ctx, req)
}
