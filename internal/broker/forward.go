package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/dispatch"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/logging"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/protocol"
)

var (
	errCanceled       = errors.New("broker: call canceled")
	errNoUpstream     = errors.New("broker: no upstream link")
	errNotRoutable    = errors.New("broker: destination has no connection")
	errProviderClosed = errors.New("broker: provider closed the stream")
)

// streamOpener is implemented by connections the broker can call into.
type streamOpener interface {
	Open(ctx context.Context) (net.Conn, error)
}

// handleStream serves one inbound call: resolve, open the outbound stream,
// relay until the interaction completes.
func (a *Acceptor) handleStream(ctx context.Context, r *Responder, in net.Conn) {
	defer in.Close()

	req, err := protocol.ReadFrame(in, a.cfg.MaxFrameSize)
	if err != nil {
		return
	}
	if !req.Type.IsRequest() {
		_ = protocol.WriteFrame(in, protocol.NewCodedErrorFrame(protocol.CodeInvalid,
			fmt.Sprintf("unexpected %s frame opening a stream", req.Type)))
		return
	}
	interaction := req.Type.String()

	info, err := a.extractor.Extract(req.Metadata)
	if err != nil {
		info = nil
	}
	dest, err := a.cfg.Dispatcher.Resolve(ctx, r, info, req.Data)
	if err != nil {
		a.fail(in, req.Type, err)
		return
	}

	logger := logging.FromCtx(ctx).With(map[string]any{
		"serviceId":   dest.ServiceID,
		"gsv":         dest.GSV,
		"interaction": interaction,
	})

	out, err := a.open(ctx, dest)
	if err != nil {
		logger.Warnf("open outbound stream failed", map[string]any{"error": err.Error()})
		a.fail(in, req.Type, err)
		return
	}

	call := a.cfg.Dispatcher.Begin(dest)
	err = a.relay(ctx, req, in, out)
	call.End(err)

	if a.cfg.Metrics != nil {
		a.cfg.Metrics.RecordRequest(interaction, err == nil)
	}
	if err != nil && !errors.Is(err, errCanceled) {
		logger.Debugf("call failed", map[string]any{"error": err.Error()})
	}
}

func (a *Acceptor) open(ctx context.Context, dest dispatch.Destination) (net.Conn, error) {
	if dest.IsUpstream() {
		if a.cfg.Upstream == nil {
			return nil, errNoUpstream
		}
		return a.cfg.Upstream.OpenStream(ctx, dest.UpstreamAddr)
	}
	opener, ok := dest.Instance.Conn.(streamOpener)
	if !ok {
		return nil, errNotRoutable
	}
	return opener.Open(ctx)
}

func (a *Acceptor) fail(in net.Conn, t protocol.FrameType, err error) {
	code := protocol.CodeOf(err)
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.RecordRequest(t.String(), false)
		a.cfg.Metrics.RecordError(t.String(), code.String())
	}
	if t == protocol.FrameFireAndForget {
		return
	}
	_ = protocol.WriteFrame(in, protocol.NewCodedErrorFrame(code, err.Error()))
}

// relay forwards req on out and copies replies back to in. A CANCEL frame
// or a closed inbound stream closes out; registry and sticky state are never
// touched here.
func (a *Acceptor) relay(ctx context.Context, req *protocol.Frame, in, out net.Conn) error {
	defer out.Close()

	if err := protocol.WriteFrame(out, req); err != nil {
		_ = protocol.WriteFrame(in, protocol.NewCodedErrorFrame(protocol.CodeConnectionError, err.Error()))
		return err
	}
	if req.Type == protocol.FrameFireAndForget {
		return nil
	}

	var canceled atomic.Bool
	cancelOut := func() {
		if canceled.CompareAndSwap(false, true) {
			_ = protocol.WriteFrame(out, &protocol.Frame{Type: protocol.FrameCancel})
			_ = out.SetReadDeadline(time.Now())
		}
	}

	done := make(chan struct{})
	defer func() {
		close(done)
		_ = in.SetReadDeadline(time.Now())
	}()
	go func() {
		// requesters only ever send CANCEL after the request
		_, _ = protocol.ReadFrame(in, a.cfg.MaxFrameSize)
		select {
		case <-done:
		default:
			cancelOut()
		}
	}()

	if req.Type == protocol.FrameRequestResponse && a.cfg.RequestTimeout > 0 {
		timer := time.AfterFunc(a.cfg.RequestTimeout, cancelOut)
		defer timer.Stop()
	}
	stop := context.AfterFunc(ctx, cancelOut)
	defer stop()

	for {
		resp, err := protocol.ReadFrame(out, a.cfg.MaxFrameSize)
		if err != nil {
			if canceled.Load() {
				_ = protocol.WriteFrame(in, protocol.NewCodedErrorFrame(protocol.CodeCanceled, errCanceled.Error()))
				return errCanceled
			}
			_ = protocol.WriteFrame(in, protocol.NewCodedErrorFrame(protocol.CodeConnectionError, errProviderClosed.Error()))
			return errProviderClosed
		}
		if err := protocol.WriteFrame(in, resp); err != nil {
			cancelOut()
			return errCanceled
		}
		switch {
		case resp.Type == protocol.FrameError:
			return protocol.ParseError(resp)
		case resp.Type != protocol.FramePayload:
			continue
		case req.Type == protocol.FrameRequestResponse, resp.Has(protocol.FlagComplete):
			return nil
		}
	}
}
