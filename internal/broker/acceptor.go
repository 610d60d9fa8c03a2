// Package broker terminates instance connections: it validates the setup
// handshake, keeps the registry in sync with the connection's lifetime,
// forwards calls between instances and pushes topology changes to them.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/auth"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/dispatch"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/logging"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/metrics"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/protocol"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/registry"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/transport"
)

// Setup result label values.
const (
	setupAccepted           = "accepted"
	setupInvalid            = "invalid_setup"
	setupInvalidCredentials = "invalid_credentials"
	setupDuplicate          = "duplicate"
)

var (
	ErrSetupTimeout = errors.New("broker: no setup received in time")
	ErrUUIDTooShort = fmt.Errorf("broker: uuid shorter than %d characters", registry.MinUUIDLength)
)

// UpstreamOpener opens streams to upstream brokers.
type UpstreamOpener interface {
	OpenStream(ctx context.Context, addr string) (net.Conn, error)
}

// Config configures an Acceptor. Registry and Dispatcher are required.
type Config struct {
	BrokerID   string
	Registry   *registry.Registry
	Dispatcher *dispatch.Dispatcher

	// Validator checks setup credentials. Nil accepts everyone.
	Validator auth.Validator
	Extractor protocol.Extractor
	Upstream  UpstreamOpener

	Broadcaster *Broadcaster
	// Brokers returns the current cluster peers announced at setup.
	Brokers func() []string

	MaxFrameSize   int
	SetupTimeout   time.Duration
	RequestTimeout time.Duration

	Metrics *metrics.ConnectionMetrics
	Logger  *logging.Logger
}

// Acceptor runs the lifecycle of every instance connection.
type Acceptor struct {
	cfg       Config
	validator auth.Validator
	extractor protocol.Extractor
	logger    *logging.Logger
}

// NewAcceptor creates an acceptor.
func NewAcceptor(cfg Config) *Acceptor {
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = 10 * time.Second
	}
	if cfg.Brokers == nil {
		cfg.Brokers = func() []string { return nil }
	}
	a := &Acceptor{
		cfg:       cfg,
		validator: cfg.Validator,
		extractor: cfg.Extractor,
		logger:    cfg.Logger,
	}
	if a.validator == nil {
		a.validator = auth.AnonymousValidator{}
	}
	if a.extractor == nil {
		a.extractor = protocol.JSONExtractor{}
	}
	if a.logger == nil {
		a.logger = logging.DefaultLogger()
	}
	return a
}

// Serve runs one connection until it terminates. It returns an error only
// when the connection never got past setup.
func (a *Acceptor) Serve(ctx context.Context, conn net.Conn) error {
	logger := a.logger.With(map[string]any{"remoteAddr": conn.RemoteAddr().String()})

	session, err := transport.Server(conn, logger)
	if err != nil {
		conn.Close()
		return err
	}

	r, err := a.handshake(session, logger)
	if err != nil {
		session.Close()
		logger.Warnf("setup rejected", map[string]any{"error": err.Error()})
		return err
	}

	connCtx, cancel := context.WithCancel(logging.WithLoggerCtx(ctx, r.logger))
	defer cancel()
	a.run(connCtx, r)
	return nil
}

func (a *Acceptor) handshake(session *yamux.Session, logger *logging.Logger) (*Responder, error) {
	// AcceptStream has no timeout of its own.
	timer := time.AfterFunc(a.cfg.SetupTimeout, func() { session.Close() })
	defer timer.Stop()

	ctrl, err := session.AcceptStream()
	if err != nil {
		a.recordSetup(setupInvalid)
		if session.IsClosed() {
			return nil, ErrSetupTimeout
		}
		return nil, fmt.Errorf("accept control stream: %w", err)
	}
	_ = ctrl.SetReadDeadline(time.Now().Add(a.cfg.SetupTimeout))
	f, err := protocol.ReadFrame(ctrl, a.cfg.MaxFrameSize)
	if err != nil {
		a.recordSetup(setupInvalid)
		return nil, fmt.Errorf("read setup: %w", err)
	}
	_ = ctrl.SetReadDeadline(time.Time{})

	setup, err := protocol.ParseSetup(f)
	if err != nil {
		return nil, a.reject(ctrl, protocol.CodeInvalidSetup, setupInvalid, err)
	}
	if len(setup.UUID) < registry.MinUUIDLength {
		return nil, a.reject(ctrl, protocol.CodeInvalidSetup, setupInvalid, ErrUUIDTooShort)
	}
	principal, err := a.validator.Validate(setup.Credential)
	if err != nil {
		return nil, a.reject(ctrl, protocol.CodeRejectedSetup, setupInvalidCredentials, err)
	}

	ip := setup.IP
	if ip == "" {
		ip = hostOf(session.RemoteAddr())
	}
	r := newResponder(session, ctrl, logger)
	r.inst = registry.NewInstance(registry.InstanceConfig{
		ID:        registry.InstanceID(setup.Credential, setup.UUID),
		UUID:      setup.UUID,
		IP:        ip,
		Name:      setup.Name,
		Weight:    setup.Weight,
		Principal: principal,
		Metadata:  setup.Metadata,
		Conn:      r,
	})
	r.logger = logger.With(map[string]any{
		"instanceId": r.inst.ID,
		"appName":    r.inst.Name,
	})

	if err := a.cfg.Registry.AddInstance(r.inst); err != nil {
		return nil, a.reject(ctrl, protocol.CodeDuplicateInstance, setupDuplicate, err)
	}
	if locs := protocol.Locators(setup.Services); len(locs) > 0 {
		r.publisher.Store(true)
		if !a.cfg.Registry.RegisterConnected(r.inst, locs...) {
			return nil, errors.New("connection removed during setup")
		}
	}

	reply, err := protocol.NewSetupAcceptedFrame(&protocol.SetupAccepted{
		InstanceID: r.inst.ID,
		BrokerID:   a.cfg.BrokerID,
		Brokers:    a.cfg.Brokers(),
	})
	if err == nil {
		err = protocol.WriteFrame(ctrl, reply)
	}
	if err != nil {
		a.cfg.Registry.RemoveInstance(r.inst.ID)
		return nil, fmt.Errorf("send setup reply: %w", err)
	}

	a.recordSetup(setupAccepted)
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.ConnectionOpened()
	}
	r.logger.Infof("instance connected", map[string]any{
		"uuid":     r.inst.UUID,
		"subject":  principal.Subject,
		"services": len(setup.Services),
	})
	return r, nil
}

func (a *Acceptor) reject(ctrl net.Conn, code protocol.Code, result string, cause error) error {
	a.recordSetup(result)
	_ = protocol.WriteFrame(ctrl, protocol.NewCodedErrorFrame(code, cause.Error()))
	return cause
}

func (a *Acceptor) recordSetup(result string) {
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.RecordSetup(result)
	}
}

// run serves r until the session closes or the control stream ends,
// whichever happens first, then cleans up exactly once.
func (a *Acceptor) run(ctx context.Context, r *Responder) {
	go r.writeLoop()
	go func() {
		a.controlLoop(ctx, r)
		a.terminate(r)
	}()
	go func() {
		select {
		case <-r.session.CloseChan():
			a.terminate(r)
		case <-ctx.Done():
			a.terminate(r)
		case <-r.done:
		}
	}()

	for {
		stream, err := r.session.AcceptStream()
		if err != nil {
			break
		}
		go a.handleStream(logging.WithStreamIDCtx(ctx, stream.StreamID()), r, stream)
	}
	a.terminate(r)
}

func (a *Acceptor) terminate(r *Responder) {
	r.closeOnce.Do(func() {
		close(r.done)
		_ = r.session.Close()

		a.cfg.Registry.Unsubscribe(r.inst.ID)
		inst, ok := a.cfg.Registry.RemoveInstance(r.inst.ID)
		if !ok {
			inst = r.inst
		}
		if a.cfg.Broadcaster != nil {
			a.cfg.Broadcaster.InstanceStatus(inst)
		}
		if a.cfg.Metrics != nil {
			a.cfg.Metrics.ConnectionClosed()
		}
		r.logger.Infof("instance disconnected", map[string]any{"status": inst.Status().String()})
	})
}

func hostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
