// Package transport turns raw connections into multiplexed sessions. TCP,
// TLS and WebSocket connections all end up as a yamux session.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/hashicorp/yamux"
	"go.uber.org/zap"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/logging"
)

// SessionConfig returns the yamux settings shared by brokers and instances.
// Library output is routed to logger at warn level.
func SessionConfig(logger *logging.Logger) *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.AcceptBacklog = 256
	cfg.EnableKeepAlive = true
	cfg.KeepAliveInterval = 30 * time.Second
	cfg.ConnectionWriteTimeout = 10 * time.Second
	cfg.MaxStreamWindowSize = 256 * 1024
	cfg.StreamOpenTimeout = 75 * time.Second
	cfg.StreamCloseTimeout = 5 * time.Minute
	cfg.LogOutput = io.Discard
	if logger != nil {
		if std, err := zap.NewStdLogAt(logger.Zap().With(zap.String("component", "yamux")), zap.WarnLevel); err == nil {
			cfg.LogOutput = std.Writer()
		}
	}
	return cfg
}

// Server starts the broker side of a session on conn.
func Server(conn net.Conn, logger *logging.Logger) (*yamux.Session, error) {
	s, err := yamux.Server(conn, SessionConfig(logger))
	if err != nil {
		return nil, fmt.Errorf("yamux server: %w", err)
	}
	return s, nil
}

// Client starts the instance side of a session on conn.
func Client(conn net.Conn, logger *logging.Logger) (*yamux.Session, error) {
	s, err := yamux.Client(conn, SessionConfig(logger))
	if err != nil {
		return nil, fmt.Errorf("yamux client: %w", err)
	}
	return s, nil
}

// OpenStream opens a stream on s, giving up when ctx ends. yamux only bounds
// the open by StreamOpenTimeout; a stream opened after ctx ended is closed.
func OpenStream(ctx context.Context, s *yamux.Session) (net.Conn, error) {
	type result struct {
		stream *yamux.Stream
		err    error
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan result, 1)
	go func() {
		st, err := s.OpenStream()
		ch <- result{st, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.stream != nil {
				_ = res.stream.Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.stream, nil
	}
}
