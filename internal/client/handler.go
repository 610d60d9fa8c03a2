package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/protocol"
)

// ErrReplied is returned by Sender.Send when a request-response call was
// already answered.
var ErrReplied = errors.New("client: reply already sent")

// Request is an inbound call.
type Request struct {
	Type    protocol.FrameType
	Routing *protocol.RoutingInfo
	Data    []byte
}

// Sender emits replies. A request-response handler sends at most once; a
// request-stream handler sends each item. Fire-and-forget replies are
// discarded.
type Sender interface {
	Send(data []byte) error
}

// Handler serves calls to one service. The context ends when the caller
// cancels. A returned error is sent back as an ERROR frame; use
// *protocol.Error to choose the code.
type Handler func(ctx context.Context, req *Request, out Sender) error

// HandlerFunc adapts a plain request-response function.
func HandlerFunc(fn func(ctx context.Context, data []byte) ([]byte, error)) Handler {
	return func(ctx context.Context, req *Request, out Sender) error {
		resp, err := fn(ctx, req.Data)
		if err != nil {
			return err
		}
		return out.Send(resp)
	}
}

type sender struct {
	conn    net.Conn
	t       protocol.FrameType
	mu      sync.Mutex
	replied bool
}

func (s *sender) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.t {
	case protocol.FrameFireAndForget:
		return nil
	case protocol.FrameRequestResponse:
		if s.replied {
			return ErrReplied
		}
		s.replied = true
		return protocol.WriteFrame(s.conn, protocol.NewPayloadFrame(data, protocol.FlagNext|protocol.FlagComplete))
	default:
		return protocol.WriteFrame(s.conn, protocol.NewPayloadFrame(data, protocol.FlagNext))
	}
}

// finish writes the terminal frame for a handler that returned err.
func (s *sender) finish(err error) {
	if s.t == protocol.FrameFireAndForget {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case err != nil:
		_ = protocol.WriteFrame(s.conn, protocol.NewErrorFrame(err))
	case s.t == protocol.FrameRequestResponse && s.replied:
	default:
		_ = protocol.WriteFrame(s.conn, protocol.NewPayloadFrame(nil, protocol.FlagComplete))
	}
}

func (c *Client) handler(sid uint32) (Handler, bool) {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	h, ok := c.handlers[sid]
	return h, ok
}

func (c *Client) acceptLoop() {
	for {
		s, err := c.session.AcceptStream()
		if err != nil {
			return
		}
		go c.serve(s)
	}
}

func (c *Client) serve(s net.Conn) {
	defer s.Close()

	f, err := protocol.ReadFrame(s, c.maxFrame)
	if err != nil {
		return
	}
	if !f.Type.IsRequest() {
		_ = protocol.WriteFrame(s, protocol.NewCodedErrorFrame(protocol.CodeInvalid,
			fmt.Sprintf("unexpected %s frame opening a stream", f.Type)))
		return
	}
	out := &sender{conn: s, t: f.Type}

	info, err := protocol.JSONExtractor{}.Extract(f.Metadata)
	if err != nil {
		out.finish(&protocol.Error{Code: protocol.CodeRoutingMissing, Message: err.Error()})
		return
	}
	h, ok := c.handler(info.ServiceID)
	if !ok {
		out.finish(&protocol.Error{Code: protocol.CodeServiceNotFound, Message: "service not served here: " + info.GSV()})
		return
	}

	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	if f.Type != protocol.FrameFireAndForget {
		// A CANCEL frame or a closed stream both end the call.
		go func() {
			_, _ = protocol.ReadFrame(s, c.maxFrame)
			cancel()
		}()
	}

	err = h(ctx, &Request{Type: f.Type, Routing: info, Data: f.Data}, out)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		c.logger.Debugf("handler failed", map[string]any{"gsv": info.GSV(), "error": err.Error()})
	}
	out.finish(err)
}
