package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fsnotify/fsnotify"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/logging"
)

// DefaultCertCheckInterval is how often the watcher stats the certificate
// files in case a filesystem event was missed.
const DefaultCertCheckInterval = 30 * time.Second

// secretDataLink is the symlink a mounted Kubernetes secret swaps on update.
const secretDataLink = "..data"

// TLSConfig enables TLS on a listener.
type TLSConfig struct {
	Enabled  bool
	CertFile string
	KeyFile  string
}

// CertReloader serves the certificate pair on disk and swaps it in when the
// files change, so certificates rotate without dropping the listener.
type CertReloader struct {
	certFile string
	keyFile  string
	cert     atomic.Pointer[tls.Certificate]
	clock    clock.Clock
	logger   *logging.Logger

	mu      sync.Mutex
	lastMod time.Time
	stop    chan struct{}
	done    chan struct{}
}

// NewCertReloader loads the pair once and fails if it cannot.
func NewCertReloader(certFile, keyFile string, logger *logging.Logger) (*CertReloader, error) {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	r := &CertReloader{
		certFile: certFile,
		keyFile:  keyFile,
		clock:    clock.New(),
		logger:   logger.With(map[string]any{"certFile": certFile}),
	}
	if err := r.load(); err != nil {
		return nil, fmt.Errorf("failed to load initial certificate: %w", err)
	}
	r.lastMod = r.modTime()
	return r, nil
}

func (r *CertReloader) load() error {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return fmt.Errorf("failed to load certificate pair: %w", err)
	}
	r.cert.Store(&cert)
	return nil
}

// GetCertificate is the tls.Config callback.
func (r *CertReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert := r.cert.Load()
	if cert == nil {
		return nil, errors.New("no certificate loaded")
	}
	return cert, nil
}

// Config returns a server tls.Config backed by the reloader.
func (r *CertReloader) Config() *tls.Config {
	return &tls.Config{
		GetCertificate: r.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}
}

// Reload reads the pair from disk. On failure the previous certificate
// stays in use.
func (r *CertReloader) Reload() error {
	if err := r.load(); err != nil {
		r.logger.Errorf("failed to reload certificate", map[string]any{"error": err.Error()})
		return err
	}
	r.logger.Infof("TLS certificate reloaded", nil)
	return nil
}

// StartWatcher reloads the pair when fsnotify reports a write to either file
// or a swapped secret mount, and on every interval tick where either file's
// modification time advanced. Stop ends it.
func (r *CertReloader) StartWatcher(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCertCheckInterval
	}
	r.mu.Lock()
	if r.stop != nil {
		r.mu.Unlock()
		return
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	stop, done := r.stop, r.done
	r.mu.Unlock()

	var events <-chan fsnotify.Event
	var errs <-chan error
	fsw, err := r.watchDirs()
	if err != nil {
		r.logger.Warnf("certificate file events unavailable, polling only", map[string]any{"error": err.Error()})
	} else {
		events, errs = fsw.Events, fsw.Errors
	}

	ticker := r.clock.Ticker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		if fsw != nil {
			defer fsw.Close()
		}
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				if r.affects(ev) {
					r.changed()
					_ = r.Reload()
				}
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				r.logger.Warnf("certificate watch error", map[string]any{"error": err.Error()})
			case <-ticker.C:
				if r.changed() {
					_ = r.Reload()
				}
			}
		}
	}()
}

// watchDirs watches the directories holding the pair, so rotations that
// replace the files are seen too.
func (r *CertReloader) watchDirs() (*fsnotify.Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{filepath.Dir(r.certFile), filepath.Dir(r.keyFile)} {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	return fsw, nil
}

func (r *CertReloader) affects(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return false
	}
	name := filepath.Clean(ev.Name)
	return name == filepath.Clean(r.certFile) ||
		name == filepath.Clean(r.keyFile) ||
		filepath.Base(name) == secretDataLink
}

func (r *CertReloader) modTime() time.Time {
	var latest time.Time
	for _, f := range []string{r.certFile, r.keyFile} {
		info, err := os.Stat(f)
		if err != nil {
			continue
		}
		if info.ModTime().After(latest) {
			latest = info.ModTime()
		}
	}
	return latest
}

func (r *CertReloader) changed() bool {
	mod := r.modTime()
	r.mu.Lock()
	defer r.mu.Unlock()
	if mod.After(r.lastMod) {
		r.lastMod = mod
		return true
	}
	return false
}

// Stop ends the watcher. It is safe to call without StartWatcher.
func (r *CertReloader) Stop() {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop = nil
	r.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// ListenTLS listens on addr and wraps the listener with TLS from a new
// reloader.
func ListenTLS(addr string, cfg TLSConfig, logger *logging.Logger) (net.Listener, *CertReloader, error) {
	if !cfg.Enabled {
		return nil, nil, errors.New("TLS is not enabled")
	}
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, nil, errors.New("certificate and key files are required")
	}
	reloader, err := NewCertReloader(cfg.CertFile, cfg.KeyFile, logger)
	if err != nil {
		return nil, nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return tls.NewListener(ln, reloader.Config()), reloader, nil
}
