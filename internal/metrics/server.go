package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/logging"
)

// ScrapePath is where the exposition is served.
const ScrapePath = "/metrics"

// Server exposes a gatherer over HTTP for Prometheus to scrape.
type Server struct {
	addr     string
	gatherer prometheus.Gatherer
	logger   *logging.Logger

	mu     sync.Mutex
	ln     net.Listener
	server *http.Server
}

// NewServer serves gatherer on addr. A nil gatherer means the default
// registry; a nil logger means the global one.
func NewServer(addr string, gatherer prometheus.Gatherer, logger *logging.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = logging.Global()
	}
	return &Server{
		addr:     addr,
		gatherer: gatherer,
		logger:   logger.With(map[string]any{"component": "metrics"}),
	}
}

// Start binds the listener and serves in the background. Bind errors are
// returned; later serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle(ScrapePath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	s.mu.Lock()
	s.ln, s.server = ln, srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warnf("metrics server stopped", map[string]any{
				"addr":  ln.Addr().String(),
				"error": err.Error(),
			})
		}
	}()
	return nil
}

// Addr is the bound address once started, else the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Close stops the server, waiting up to five seconds for scrapes in flight.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
