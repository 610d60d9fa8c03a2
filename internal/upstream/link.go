// Package upstream forwards calls no local provider can serve to upstream
// brokers. The broker connects to each upstream as an ordinary instance and
// relays the call over that connection.
package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/singleflight"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/client"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/logging"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/protocol"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/routing"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/transport"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("upstream: link closed")

// DefaultDialTimeout bounds one dial plus setup exchange.
const DefaultDialTimeout = 10 * time.Second

// DialFunc opens a raw connection to addr.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

// Config configures a Link.
type Config struct {
	Addrs []string

	// Credential is presented in the setup sent to upstream brokers.
	Credential string
	// BrokerID names this broker in the setup.
	BrokerID string

	TLS  *tls.Config
	Dial DialFunc
	// DialTimeout bounds a shared dial. It is independent of the callers
	// waiting on it; zero means DefaultDialTimeout.
	DialTimeout time.Duration
	Logger      *logging.Logger
}

// Link keeps one client connection per upstream broker, dialed on first
// use and redialed after it drops. Concurrent callers share one dial per
// address. Each service id sticks to one upstream chosen by rendezvous
// hashing.
type Link struct {
	cfg    Config
	mapper *routing.AffinityMapper
	logger *logging.Logger
	group  singleflight.Group

	mu      sync.Mutex
	clients map[string]*client.Client
	closed  bool
}

// New creates a link over cfg.Addrs.
func New(cfg Config) *Link {
	if cfg.Dial == nil {
		tlsCfg := cfg.TLS
		cfg.Dial = func(ctx context.Context, addr string) (net.Conn, error) {
			return transport.Dial(ctx, addr, tlsCfg)
		}
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	return &Link{
		cfg:     cfg,
		mapper:  routing.NewAffinityMapper(cfg.Addrs),
		logger:  logger.With(map[string]any{"component": "upstream"}),
		clients: make(map[string]*client.Client),
	}
}

// Select returns the upstream owning serviceID.
func (l *Link) Select(serviceID uint32) (string, bool) {
	return l.mapper.Select(serviceID)
}

// Addrs returns the configured upstream addresses.
func (l *Link) Addrs() []string {
	return l.mapper.Nodes()
}

// SetAddrs replaces the upstream set. Connections to removed upstreams are
// closed.
func (l *Link) SetAddrs(addrs []string) {
	l.mapper.SetNodes(addrs)

	keep := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		keep[a] = struct{}{}
	}
	l.mu.Lock()
	var stale []*client.Client
	for addr, c := range l.clients {
		if _, ok := keep[addr]; !ok {
			stale = append(stale, c)
			delete(l.clients, addr)
		}
	}
	l.mu.Unlock()
	for _, c := range stale {
		_ = c.Close()
	}
}

// OpenStream opens a stream on the connection to addr.
func (l *Link) OpenStream(ctx context.Context, addr string) (net.Conn, error) {
	c, err := l.conn(ctx, addr)
	if err != nil {
		return nil, err
	}
	s, err := c.OpenStream(ctx)
	if err != nil {
		l.forget(addr, c)
		return nil, fmt.Errorf("open stream to upstream %s: %w", addr, err)
	}
	return s, nil
}

// conn returns the live client for addr, dialing it if needed. The dial
// runs on its own deadline so a waiter giving up never fails the others.
func (l *Link) conn(ctx context.Context, addr string) (*client.Client, error) {
	if c, err := l.cached(addr); c != nil || err != nil {
		return c, err
	}

	ch := l.group.DoChan(addr, func() (any, error) {
		if c, err := l.cached(addr); c != nil || err != nil {
			return c, err
		}
		dctx, cancel := context.WithTimeout(context.Background(), l.cfg.DialTimeout)
		defer cancel()
		c, err := l.dial(dctx, addr)
		if err != nil {
			return nil, err
		}

		l.mu.Lock()
		defer l.mu.Unlock()
		if l.closed {
			_ = c.Close()
			return nil, ErrClosed
		}
		l.clients[addr] = c
		return c, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*client.Client), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// cached returns the live client for addr, dropping a finished one.
func (l *Link) cached(addr string) (*client.Client, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	c, ok := l.clients[addr]
	if !ok {
		return nil, nil
	}
	select {
	case <-c.Done():
		delete(l.clients, addr)
		return nil, nil
	default:
		return c, nil
	}
}

func (l *Link) dial(ctx context.Context, addr string) (*client.Client, error) {
	conn, err := l.cfg.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("dial upstream %s: %w", addr, err)
	}
	c, err := client.Connect(ctx, conn, client.Config{
		Setup: protocol.SetupPayload{
			Credential: l.cfg.Credential,
			Name:       "broker:" + l.cfg.BrokerID,
			Metadata:   map[string]string{"role": "downstream-broker"},
		},
		Logger: l.logger,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect upstream %s: %w", addr, err)
	}
	l.logger.Infof("upstream connected", map[string]any{
		"addr":       addr,
		"brokerId":   c.BrokerID(),
		"instanceId": c.InstanceID(),
	})
	return c, nil
}

func (l *Link) forget(addr string, c *client.Client) {
	l.mu.Lock()
	if l.clients[addr] == c {
		delete(l.clients, addr)
	}
	l.mu.Unlock()
	_ = c.Close()
}

// Close closes every upstream connection.
func (l *Link) Close() error {
	l.mu.Lock()
	l.closed = true
	clients := l.clients
	l.clients = make(map[string]*client.Client)
	l.mu.Unlock()

	var err error
	for _, c := range clients {
		err = multierr.Append(err, c.Close())
	}
	return err
}
