package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"
)

// DialTimeout bounds connection establishment when ctx has no deadline.
const DialTimeout = 10 * time.Second

// Dial connects to a broker address. Accepted forms are host:port and
// tcp://host:port for TCP, tls://host:port for TLS, and ws:// or wss:// URLs
// for WebSocket.
func Dial(ctx context.Context, addr string, tlsCfg *tls.Config) (net.Conn, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DialTimeout)
		defer cancel()
	}

	switch {
	case strings.HasPrefix(addr, "ws://"), strings.HasPrefix(addr, "wss://"):
		return DialWebSocket(ctx, addr, tlsCfg)
	case strings.HasPrefix(addr, "tls://"):
		if tlsCfg == nil {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		d := tls.Dialer{Config: tlsCfg}
		conn, err := d.DialContext(ctx, "tcp", strings.TrimPrefix(addr, "tls://"))
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return conn, nil
	default:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", strings.TrimPrefix(addr, "tcp://"))
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return conn, nil
	}
}
