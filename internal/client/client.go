// Package client connects an instance to a broker. An instance can expose
// services, call services of other instances and follow topology changes
// pushed by the broker.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/yamux"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/logging"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/protocol"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/registry"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/transport"
)

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("client: closed")

const eventBuffer = 64

// Config configures a client connection.
type Config struct {
	// Setup is sent as is, except that an empty UUID is generated and the
	// services of Handlers are appended.
	Setup protocol.SetupPayload

	// Handlers serve the services declared at setup.
	Handlers map[registry.ServiceLocator]Handler

	TLS          *tls.Config
	MaxFrameSize int
	SetupTimeout time.Duration
	Logger       *logging.Logger
}

// Client is one instance connection to a broker.
type Client struct {
	session  *yamux.Session
	ctrl     net.Conn
	ctrlMu   sync.Mutex
	accepted *protocol.SetupAccepted
	uuid     string
	maxFrame int
	logger   *logging.Logger

	handlersMu sync.RWMutex
	handlers   map[uint32]Handler

	events chan *protocol.ControlMessage

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewUUID returns an instance uuid long enough for the broker.
func NewUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Dial connects to the broker at addr (see transport.Dial for the forms).
func Dial(ctx context.Context, addr string, cfg Config) (*Client, error) {
	conn, err := transport.Dial(ctx, addr, cfg.TLS)
	if err != nil {
		return nil, err
	}
	c, err := Connect(ctx, conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Connect performs the setup handshake over an established connection.
func Connect(ctx context.Context, conn net.Conn, cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	maxFrame := cfg.MaxFrameSize
	if maxFrame <= 0 {
		maxFrame = protocol.DefaultMaxFrameSize
	}
	timeout := cfg.SetupTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	setup := cfg.Setup
	if setup.UUID == "" {
		setup.UUID = NewUUID()
	}
	handlers := make(map[uint32]Handler, len(cfg.Handlers))
	for loc, h := range cfg.Handlers {
		handlers[loc.ID()] = h
		setup.Services = append(setup.Services, protocol.Descriptor(loc))
	}

	session, err := transport.Client(conn, logger)
	if err != nil {
		return nil, err
	}
	ctrl, err := transport.OpenStream(ctx, session)
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("open control stream: %w", err)
	}

	accepted, err := handshake(ctrl, &setup, maxFrame, timeout)
	if err != nil {
		session.Close()
		return nil, err
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		session:  session,
		ctrl:     ctrl,
		accepted: accepted,
		uuid:     setup.UUID,
		maxFrame: maxFrame,
		logger:   logger.With(map[string]any{"instanceId": accepted.InstanceID}),
		handlers: handlers,
		events:   make(chan *protocol.ControlMessage, eventBuffer),
		ctx:      cctx,
		cancel:   cancel,
	}
	go c.controlLoop()
	go c.acceptLoop()
	go func() {
		select {
		case <-session.CloseChan():
			c.Close()
		case <-cctx.Done():
		}
	}()
	return c, nil
}

func handshake(ctrl net.Conn, setup *protocol.SetupPayload, maxFrame int, timeout time.Duration) (*protocol.SetupAccepted, error) {
	f, err := protocol.NewSetupFrame(setup)
	if err != nil {
		return nil, err
	}
	if err := protocol.WriteFrame(ctrl, f); err != nil {
		return nil, err
	}
	_ = ctrl.SetReadDeadline(time.Now().Add(timeout))
	reply, err := protocol.ReadFrame(ctrl, maxFrame)
	if err != nil {
		return nil, fmt.Errorf("read setup reply: %w", err)
	}
	_ = ctrl.SetReadDeadline(time.Time{})
	return protocol.ParseSetupReply(reply)
}

// InstanceID returns the id the broker assigned.
func (c *Client) InstanceID() uint32 { return c.accepted.InstanceID }

// UUID returns the uuid declared at setup.
func (c *Client) UUID() string { return c.uuid }

// BrokerID returns the id of the broker this client is connected to.
func (c *Client) BrokerID() string { return c.accepted.BrokerID }

// Brokers returns the cluster peers announced at setup.
func (c *Client) Brokers() []string { return c.accepted.Brokers }

// Events delivers control messages pushed by the broker. Messages are
// dropped when nobody reads.
func (c *Client) Events() <-chan *protocol.ControlMessage { return c.events }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.ctx.Done() }

// Close ends the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.session.Close()
	})
	return err
}

// OpenStream opens a raw stream to the broker.
func (c *Client) OpenStream(ctx context.Context) (net.Conn, error) {
	if c.ctx.Err() != nil {
		return nil, ErrClosed
	}
	return transport.OpenStream(ctx, c.session)
}

func (c *Client) controlLoop() {
	defer c.Close()
	for {
		f, err := protocol.ReadFrame(c.ctrl, c.maxFrame)
		if err != nil {
			return
		}
		msg, err := protocol.ParseControl(f)
		if err != nil {
			c.logger.Warnf("bad control message", map[string]any{"error": err.Error()})
			continue
		}
		select {
		case c.events <- msg:
		default:
			c.logger.Debugf("control message dropped", map[string]any{"kind": msg.Kind})
		}
	}
}

func (c *Client) push(msg *protocol.ControlMessage) error {
	f, err := protocol.NewControlFrame(msg)
	if err != nil {
		return err
	}
	c.ctrlMu.Lock()
	defer c.ctrlMu.Unlock()
	return protocol.WriteFrame(c.ctrl, f)
}

func descriptors(locs []registry.ServiceLocator) []protocol.ServiceDescriptor {
	out := make([]protocol.ServiceDescriptor, len(locs))
	for i, l := range locs {
		out[i] = protocol.Descriptor(l)
	}
	return out
}

// Expose serves loc with h and announces it to the broker.
func (c *Client) Expose(loc registry.ServiceLocator, h Handler) error {
	c.handlersMu.Lock()
	c.handlers[loc.ID()] = h
	c.handlersMu.Unlock()
	return c.push(&protocol.ControlMessage{
		Kind:     protocol.KindServicesExposed,
		Services: descriptors([]registry.ServiceLocator{loc}),
	})
}

// Hide withdraws services from the broker. Calls already routed here are
// still served.
func (c *Client) Hide(locs ...registry.ServiceLocator) error {
	return c.push(&protocol.ControlMessage{
		Kind:     protocol.KindServicesHidden,
		Services: descriptors(locs),
	})
}

// Stop tells the broker this instance stopped serving. The connection stays
// open for outgoing calls.
func (c *Client) Stop() error {
	return c.push(&protocol.ControlMessage{Kind: protocol.KindAppStatus, Status: protocol.StatusStopped})
}

// Subscribe asks for services_changed events about locs.
func (c *Client) Subscribe(locs ...registry.ServiceLocator) error {
	return c.push(&protocol.ControlMessage{
		Kind:     protocol.KindSubscribe,
		Services: descriptors(locs),
	})
}
