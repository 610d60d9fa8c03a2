// Package server accepts instance connections over TCP and WebSocket and
// hands each one to a ConnHandler, and serves the health, readiness and
// admin HTTP endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/logging"
)

// ErrServerClosed is returned when operations are attempted on a closed server.
var ErrServerClosed = errors.New("server closed")

// ConnHandler runs one connection until it ends. broker.Acceptor implements it.
type ConnHandler interface {
	Serve(ctx context.Context, conn net.Conn) error
}

// Config configures the TCP server.
type Config struct {
	ListenAddr string
	TLS        TLSConfig
	// CertCheckInterval is how often certificate files are checked for
	// rotation. Zero means DefaultCertCheckInterval.
	CertCheckInterval time.Duration
}

// conns tracks live connections so shutdown can wait for or close them.
type conns struct {
	mu     sync.Mutex
	active map[net.Conn]struct{}
	nextID atomic.Int64
}

func (c *conns) add(conn net.Conn) int64 {
	c.mu.Lock()
	if c.active == nil {
		c.active = make(map[net.Conn]struct{})
	}
	c.active[conn] = struct{}{}
	c.mu.Unlock()
	return c.nextID.Add(1)
}

func (c *conns) remove(conn net.Conn) {
	c.mu.Lock()
	delete(c.active, conn)
	c.mu.Unlock()
}

func (c *conns) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

func (c *conns) closeAll() {
	c.mu.Lock()
	for conn := range c.active {
		conn.Close()
	}
	c.mu.Unlock()
}

// drain waits for connections to end on their own until ctx ends, then
// closes the rest and waits for their handlers to return.
func (c *conns) drain(ctx context.Context) error {
	if err := c.wait(ctx); err == nil {
		return nil
	}
	c.closeAll()
	_ = c.wait(context.Background())
	return ctx.Err()
}

func (c *conns) wait(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for c.count() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// serveConn runs handler on conn with a context that ends with ctx. The
// caller has added conn to c.
func serveConn(ctx context.Context, c *conns, id int64, handler ConnHandler, conn net.Conn, transport string, logger *logging.Logger) {
	defer c.remove(conn)
	defer conn.Close()

	connLogger := logger.With(map[string]any{
		"connId":     id,
		"remoteAddr": conn.RemoteAddr().String(),
		"transport":  transport,
	})
	connCtx := logging.WithLoggerCtx(WithConn(ctx, id, transport), connLogger)
	if err := handler.Serve(connCtx, conn); err != nil {
		connLogger.Debugf("connection ended before setup", map[string]any{"error": err.Error()})
	}
}

// Server is the TCP listener.
type Server struct {
	cfg     Config
	handler ConnHandler
	logger  *logging.Logger

	mu       sync.Mutex
	listener net.Listener
	reloader *CertReloader
	ctx      context.Context
	cancel   context.CancelFunc
	conns    conns
	stopping atomic.Bool
	closed   atomic.Bool
}

// New creates a TCP server.
func New(cfg Config, handler ConnHandler, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With(map[string]any{"component": "tcp"}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Listen binds the configured address, with TLS when enabled. Serve must
// follow.
func (s *Server) Listen() (net.Listener, error) {
	if !s.cfg.TLS.Enabled {
		ln, err := net.Listen("tcp", s.cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
		}
		return ln, nil
	}
	ln, reloader, err := ListenTLS(s.cfg.ListenAddr, s.cfg.TLS, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS listener: %w", err)
	}
	reloader.StartWatcher(s.cfg.CertCheckInterval)
	s.mu.Lock()
	s.reloader = reloader
	s.mu.Unlock()
	return ln, nil
}

// ListenAndServe listens and serves until the server stops.
func (s *Server) ListenAndServe() error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until the server stops, then returns
// ErrServerClosed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.stopping.Load() {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	s.logger.Infof("server listening", map[string]any{"addr": ln.Addr().String()})

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.stopping.Load() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warnf("temporary accept error", map[string]any{"error": err.Error()})
				time.Sleep(5 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept error: %w", err)
		}
		id := s.conns.add(conn)
		go serveConn(s.ctx, &s.conns, id, s.handler, conn, "tcp", s.logger)
	}
}

// Addr returns the listener's address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Connections returns the number of live connections.
func (s *Server) Connections() int {
	return s.conns.count()
}

// StopAccepting closes the listener. Live connections keep running.
func (s *Server) StopAccepting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping.Swap(true) {
		return
	}
	if s.listener != nil {
		s.listener.Close()
	}
	if s.reloader != nil {
		s.reloader.Stop()
	}
}

// Shutdown stops accepting, waits for connections to end until ctx ends,
// then cancels and closes the remaining ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.closed.Swap(true) {
		return ErrServerClosed
	}
	s.StopAccepting()
	err := s.conns.drain(ctx)
	s.cancel()
	return err
}

// Close stops the server and closes every connection immediately.
func (s *Server) Close() error {
	if s.closed.Swap(true) {
		return ErrServerClosed
	}
	s.StopAccepting()
	s.cancel()
	s.conns.closeAll()
	return s.conns.wait(context.Background())
}

// ReloadCertificate reloads the TLS pair now.
func (s *Server) ReloadCertificate() error {
	s.mu.Lock()
	r := s.reloader
	s.mu.Unlock()
	if r == nil {
		return errors.New("TLS is not enabled")
	}
	return r.Reload()
}
