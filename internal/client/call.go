package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/protocol"
)

func (c *Client) request(ctx context.Context, t protocol.FrameType, info *protocol.RoutingInfo, data []byte) (net.Conn, error) {
	md, err := protocol.EncodeRouting(info)
	if err != nil {
		return nil, err
	}
	s, err := c.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	if err := protocol.WriteFrame(s, protocol.NewRequestFrame(t, md, data)); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// cancelOnDone sends CANCEL and unblocks reads on s once ctx ends.
func cancelOnDone(ctx context.Context, s net.Conn) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		_ = protocol.WriteFrame(s, &protocol.Frame{Type: protocol.FrameCancel})
		_ = s.SetReadDeadline(time.Now())
	})
}

// Call issues a request-response call. A reply carried by an ERROR frame is
// returned as *protocol.Error.
func (c *Client) Call(ctx context.Context, info *protocol.RoutingInfo, data []byte) ([]byte, error) {
	s, err := c.request(ctx, protocol.FrameRequestResponse, info, data)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	stop := cancelOnDone(ctx, s)
	defer stop()

	f, err := protocol.ReadFrame(s, c.maxFrame)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read reply: %w", err)
	}
	switch f.Type {
	case protocol.FrameError:
		return nil, protocol.ParseError(f)
	case protocol.FramePayload:
		return f.Data, nil
	default:
		return nil, fmt.Errorf("unexpected %s frame in reply", f.Type)
	}
}

// FireAndForget sends a call that gets no reply.
func (c *Client) FireAndForget(ctx context.Context, info *protocol.RoutingInfo, data []byte) error {
	s, err := c.request(ctx, protocol.FrameFireAndForget, info, data)
	if err != nil {
		return err
	}
	return s.Close()
}

// Stream is the reply side of a request-stream call.
type Stream struct {
	conn     net.Conn
	maxFrame int
	stop     func() bool

	mu       sync.Mutex
	finished bool
	err      error
}

// RequestStream issues a request-stream call. Close the stream to cancel it.
func (c *Client) RequestStream(ctx context.Context, info *protocol.RoutingInfo, data []byte) (*Stream, error) {
	s, err := c.request(ctx, protocol.FrameRequestStream, info, data)
	if err != nil {
		return nil, err
	}
	return &Stream{conn: s, maxFrame: c.maxFrame, stop: cancelOnDone(ctx, s)}, nil
}

// Next returns the next item, io.EOF after the last one, or the error that
// ended the stream.
func (s *Stream) Next() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return nil, s.err
	}
	for {
		f, err := protocol.ReadFrame(s.conn, s.maxFrame)
		if err != nil {
			return nil, s.finish(fmt.Errorf("read stream: %w", err))
		}
		switch f.Type {
		case protocol.FrameError:
			return nil, s.finish(protocol.ParseError(f))
		case protocol.FramePayload:
			if f.Has(protocol.FlagComplete) {
				s.finish(io.EOF)
				if f.Has(protocol.FlagNext) {
					return f.Data, nil
				}
				return nil, io.EOF
			}
			return f.Data, nil
		}
	}
}

func (s *Stream) finish(err error) error {
	s.finished = true
	s.err = err
	return err
}

// Close cancels the stream if it has not completed.
func (s *Stream) Close() error {
	s.stop()
	s.mu.Lock()
	done := s.finished
	s.mu.Unlock()
	if !done {
		_ = protocol.WriteFrame(s.conn, &protocol.Frame{Type: protocol.FrameCancel})
	}
	err := s.conn.Close()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
