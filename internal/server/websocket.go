package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/logging"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/transport"
)

// WSConfig configures the WebSocket listener.
type WSConfig struct {
	ListenAddr string
	// Path is the upgrade endpoint. Default "/".
	Path string
	TLS  TLSConfig
}

// WSServer accepts instance connections over WebSocket. Each upgraded
// connection carries the same multiplexed session as a TCP connection.
type WSServer struct {
	cfg     WSConfig
	handler ConnHandler
	logger  *logging.Logger

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
	reloader *CertReloader
	ctx      context.Context
	cancel   context.CancelFunc
	conns    conns
}

// NewWS creates a WebSocket server.
func NewWS(cfg WSConfig, handler ConnHandler, logger *logging.Logger) *WSServer {
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &WSServer{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With(map[string]any{"component": "websocket"}),
		ctx:     ctx,
		cancel:  cancel,
	}
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.upgrade)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return s
}

func (s *WSServer) upgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := transport.Upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debugf("websocket upgrade failed", map[string]any{"error": err.Error()})
		return
	}
	// The handler owns the connection from here; r's context ends when
	// this function returns.
	conn := transport.NewWSConn(ws)
	id := s.conns.add(conn)
	go serveConn(s.ctx, &s.conns, id, s.handler, conn, "ws", s.logger)
}

// Listen binds the configured address, with TLS when enabled.
func (s *WSServer) Listen() (net.Listener, error) {
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
	reloader.StartWatcher(0)
	s.mu.Lock()
	s.reloader = reloader
	s.mu.Unlock()
	return ln, nil
}

// ListenAndServe listens and serves until the server stops.
func (s *WSServer) ListenAndServe() error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves upgrades on ln until the server stops, then returns
// ErrServerClosed.
func (s *WSServer) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Infof("server listening", map[string]any{"addr": ln.Addr().String(), "path": s.cfg.Path})

	err := s.http.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return ErrServerClosed
	}
	return err
}

// Addr returns the listener's address, or nil before Serve.
func (s *WSServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Connections returns the number of live connections.
func (s *WSServer) Connections() int {
	return s.conns.count()
}

// Shutdown stops accepting upgrades, waits for connections to end until
// ctx ends, then closes the remaining ones.
func (s *WSServer) Shutdown(ctx context.Context) error {
	// Hijacked connections are not tracked by http.Server.
	err := s.http.Shutdown(ctx)
	s.mu.Lock()
	if s.reloader != nil {
		s.reloader.Stop()
	}
	s.mu.Unlock()
	if derr := s.conns.drain(ctx); err == nil {
		err = derr
	}
	s.cancel()
	return err
}

// Close stops the server and closes every connection immediately.
func (s *WSServer) Close() error {
	err := s.http.Close()
	s.mu.Lock()
	if s.reloader != nil {
		s.reloader.Stop()
	}
	s.mu.Unlock()
	s.cancel()
	s.conns.closeAll()
	_ = s.conns.wait(context.Background())
	return err
}
