package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/yamux"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/auth"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/dispatch"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/logging"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/protocol"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/registry"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/transport"
)

const outboxSize = 256

var (
	ErrOutboxFull       = errors.New("broker: control outbox full")
	ErrConnectionClosed = errors.New("broker: connection closed")
)

// Responder is the broker's side of one instance connection. It owns the
// connection's sticky bindings and is the registry.Conn of its instance.
type Responder struct {
	dispatch.Session

	inst    *registry.Instance
	session *yamux.Session
	ctrl    net.Conn
	logger  *logging.Logger

	publisher atomic.Bool
	outbox    chan *protocol.ControlMessage

	done      chan struct{}
	closeOnce sync.Once
}

func newResponder(session *yamux.Session, ctrl net.Conn, logger *logging.Logger) *Responder {
	return &Responder{
		session: session,
		ctrl:    ctrl,
		logger:  logger,
		outbox:  make(chan *protocol.ControlMessage, outboxSize),
		done:    make(chan struct{}),
	}
}

// ID returns the instance id.
func (r *Responder) ID() uint32 { return r.inst.ID }

// Instance returns the registry entry of this connection.
func (r *Responder) Instance() *registry.Instance { return r.inst }

// Principal returns the validated identity of the connection.
func (r *Responder) Principal() *auth.Principal { return r.inst.Principal }

func (r *Responder) RemoteAddr() net.Addr { return r.session.RemoteAddr() }

// Close tears down the session. Cleanup runs once, from the serving goroutine.
func (r *Responder) Close() error {
	return r.session.Close()
}

// Done is closed when the connection terminated.
func (r *Responder) Done() <-chan struct{} { return r.done }

// IsPublisher reports whether the instance ever exposed a service.
func (r *Responder) IsPublisher() bool { return r.publisher.Load() }

// Open starts an outbound stream to the instance.
func (r *Responder) Open(ctx context.Context) (net.Conn, error) {
	s, err := transport.OpenStream(ctx, r.session)
	if err != nil {
		return nil, fmt.Errorf("open stream to instance %d: %w", r.inst.ID, err)
	}
	return s, nil
}

// Push queues a control message without blocking.
func (r *Responder) Push(m *protocol.ControlMessage) error {
	select {
	case <-r.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case r.outbox <- m:
		return nil
	default:
		return ErrOutboxFull
	}
}

func (r *Responder) writeLoop() {
	for {
		select {
		case <-r.done:
			return
		case m := <-r.outbox:
			f, err := protocol.NewControlFrame(m)
			if err != nil {
				r.logger.Errorf("encode control message", map[string]any{"kind": m.Kind, "error": err.Error()})
				continue
			}
			if err := protocol.WriteFrame(r.ctrl, f); err != nil {
				r.logger.Debugf("control stream write failed", map[string]any{"error": err.Error()})
				_ = r.Close()
				return
			}
		}
	}
}
