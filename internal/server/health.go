package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/logging"
)

// Report states, as served in the status field.
const (
	StatusOK           = "ok"
	StatusDegraded     = "degraded"
	StatusNotReady     = "not_ready"
	StatusShuttingDown = "shutting_down"
)

// DefaultReadyTimeout bounds each readiness check.
const DefaultReadyTimeout = 5 * time.Second

// Report is the JSON body of /healthz and /readyz. Checks maps each
// readiness check to "ok" or its error.
type Report struct {
	Status string            `json:"status"`
	Loops  map[string]bool   `json:"loops,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

// HealthServer is the broker's operator endpoint: /healthz reports the
// serving loops, /readyz runs the readiness checks, and pprof plus any
// handler mounted before Start share the same listener.
type HealthServer struct {
	addr   string
	logger *logging.Logger

	mu       sync.RWMutex
	ln       net.Listener
	server   *http.Server
	loops    map[string]bool
	checks   map[string]ReadyFunc
	handlers map[string]http.Handler

	shuttingDown atomic.Bool
}

func NewHealthServer(addr string, logger *logging.Logger) *HealthServer {
	if logger == nil {
		logger = logging.Global()
	}
	return &HealthServer{
		addr:     addr,
		logger:   logger.With(map[string]any{"component": "health"}),
		loops:    make(map[string]bool),
		checks:   make(map[string]ReadyFunc),
		handlers: make(map[string]http.Handler),
	}
}

// RegisterHandler mounts handler at pattern. It has no effect after Start.
func (h *HealthServer) RegisterHandler(pattern string, handler http.Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[pattern] = handler
}

// AddReadyCheck makes /readyz depend on fn. A later check with the same
// name replaces the earlier one.
func (h *HealthServer) AddReadyCheck(name string, fn ReadyFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = fn
}

// LoopStarted records a serving loop. /healthz is degraded while any
// recorded loop is stopped.
func (h *HealthServer) LoopStarted(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loops[name] = true
}

func (h *HealthServer) LoopStopped(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.loops[name]; ok {
		h.loops[name] = false
	}
}

// SetShuttingDown fails /healthz and /readyz from now on.
func (h *HealthServer) SetShuttingDown() {
	h.shuttingDown.Store(true)
}

// Handler builds the mux Start serves.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		serveReport(w, r, h.Liveness())
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		serveReport(w, r, h.Readiness(r.Context()))
	})
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for pattern, handler := range h.handlers {
		mux.Handle(pattern, handler)
	}
	return mux
}

// Start binds addr and serves in the background.
func (h *HealthServer) Start() error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	h.mu.Lock()
	h.ln, h.server = ln, srv
	h.mu.Unlock()

	h.logger.Infof("health server listening", map[string]any{"addr": ln.Addr().String()})
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Errorf("health server stopped", map[string]any{"error": err.Error()})
		}
	}()
	return nil
}

// Addr is the bound address once started, else the configured one.
func (h *HealthServer) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.ln != nil {
		return h.ln.Addr().String()
	}
	return h.addr
}

func (h *HealthServer) Close() error {
	h.mu.RLock()
	srv := h.server
	h.mu.RUnlock()
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

var shutdownReport = Report{Status: StatusShuttingDown}

// Liveness reports the recorded serving loops.
func (h *HealthServer) Liveness() Report {
	if h.shuttingDown.Load() {
		return shutdownReport
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	rep := Report{Status: StatusOK, Loops: make(map[string]bool, len(h.loops))}
	for name, running := range h.loops {
		rep.Loops[name] = running
		if !running {
			rep.Status = StatusDegraded
		}
	}
	return rep
}

// Readiness runs every check concurrently, each under DefaultReadyTimeout.
func (h *HealthServer) Readiness(ctx context.Context) Report {
	if h.shuttingDown.Load() {
		return shutdownReport
	}
	h.mu.RLock()
	checks := make(map[string]ReadyFunc, len(h.checks))
	for name, fn := range h.checks {
		checks[name] = fn
	}
	h.mu.RUnlock()

	var (
		mu  sync.Mutex
		g   errgroup.Group
		rep = Report{Status: StatusOK, Checks: make(map[string]string, len(checks))}
	)
	for name, fn := range checks {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, DefaultReadyTimeout)
			defer cancel()
			result := StatusOK
			if err := fn(cctx); err != nil {
				result = err.Error()
			}
			mu.Lock()
			defer mu.Unlock()
			rep.Checks[name] = result
			if result != StatusOK {
				rep.Status = StatusNotReady
			}
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

func serveReport(w http.ResponseWriter, r *http.Request, rep Report) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	code := http.StatusOK
	if rep.Status != StatusOK {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if r.Method == http.MethodGet {
		_ = json.NewEncoder(w).Encode(rep)
	}
}
