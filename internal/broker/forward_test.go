package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/client"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/dispatch"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/logging"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/metrics"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/protocol"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/registry"
)

var echoHandler = client.HandlerFunc(func(_ context.Context, data []byte) ([]byte, error) {
	return append([]byte("echo:"), data...), nil
})

func echoRouting() *protocol.RoutingInfo {
	return &protocol.RoutingInfo{Service: echo.Service, Version: echo.Version, Method: "Say"}
}

func callCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestForward_RequestResponse(t *testing.T) {
	h := newHarness(t)
	provider := h.mustConnect(t, client.Config{
		Setup:    protocol.SetupPayload{UUID: uuidOf(1)},
		Handlers: map[registry.ServiceLocator]client.Handler{echo: echoHandler},
	})
	consumer := h.mustConnect(t, client.Config{Setup: protocol.SetupPayload{UUID: uuidOf(2)}})

	resp, err := consumer.Call(callCtx(t), echoRouting(), []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(resp))

	inst, _ := h.reg.Instance(consumer.InstanceID())
	assert.True(t, inst.Conn.(*Responder).Consumed())
	prov, _ := h.reg.Instance(provider.InstanceID())
	assert.False(t, prov.Conn.(*Responder).Consumed())

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.RequestsTotal.WithLabelValues("request_response", metrics.StatusSuccess)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestForward_RequestStream(t *testing.T) {
	h := newHarness(t)
	ticks := func(ctx context.Context, req *client.Request, out client.Sender) error {
		for i := 0; i < 5; i++ {
			if err := out.Send([]byte(fmt.Sprintf("tick-%d", i))); err != nil {
				return err
			}
		}
		return nil
	}
	h.mustConnect(t, client.Config{
		Setup:    protocol.SetupPayload{UUID: uuidOf(1)},
		Handlers: map[registry.ServiceLocator]client.Handler{echo: ticks},
	})
	consumer := h.mustConnect(t, client.Config{Setup: protocol.SetupPayload{UUID: uuidOf(2)}})

	st, err := consumer.RequestStream(callCtx(t), echoRouting(), nil)
	require.NoError(t, err)
	defer st.Close()

	var got []string
	for {
		item, err := st.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, string(item))
	}
	assert.Equal(t, []string{"tick-0", "tick-1", "tick-2", "tick-3", "tick-4"}, got)
}

func TestForward_FireAndForget(t *testing.T) {
	h := newHarness(t)
	received := make(chan string, 1)
	sink := func(_ context.Context, req *client.Request, _ client.Sender) error {
		received <- string(req.Data)
		return nil
	}
	h.mustConnect(t, client.Config{
		Setup:    protocol.SetupPayload{UUID: uuidOf(1)},
		Handlers: map[registry.ServiceLocator]client.Handler{echo: sink},
	})
	consumer := h.mustConnect(t, client.Config{Setup: protocol.SetupPayload{UUID: uuidOf(2)}})

	require.NoError(t, consumer.FireAndForget(callCtx(t), echoRouting(), []byte("event")))
	select {
	case got := <-received:
		assert.Equal(t, "event", got)
	case <-time.After(2 * time.Second):
		t.Fatal("fire-and-forget not delivered")
	}
}

func TestForward_Errors(t *testing.T) {
	h := newHarness(t)
	consumer := h.mustConnect(t, client.Config{Setup: protocol.SetupPayload{UUID: uuidOf(2)}})

	_, err := consumer.Call(callCtx(t), echoRouting(), nil)
	var perr *protocol.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, protocol.CodeServiceNotFound, perr.Code)
	assert.Contains(t, perr.Message, echo.GSV())

	_, err = consumer.Call(callCtx(t), &protocol.RoutingInfo{Service: echo.Service, Version: echo.Version, Endpoint: "id:" + uuidOf(9)}, nil)
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, protocol.CodeEndpointNotFound, perr.Code)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.ErrorsTotal.WithLabelValues("request_response", protocol.CodeServiceNotFound.String())) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestForward_ProviderErrorPassesThrough(t *testing.T) {
	h := newHarness(t)
	failing := client.HandlerFunc(func(context.Context, []byte) ([]byte, error) {
		return nil, &protocol.Error{Code: protocol.CodeRejected, Message: "overloaded"}
	})
	h.mustConnect(t, client.Config{
		Setup:    protocol.SetupPayload{UUID: uuidOf(1)},
		Handlers: map[registry.ServiceLocator]client.Handler{echo: failing},
	})
	consumer := h.mustConnect(t, client.Config{Setup: protocol.SetupPayload{UUID: uuidOf(2)}})

	_, err := consumer.Call(callCtx(t), echoRouting(), nil)
	var perr *protocol.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, protocol.CodeRejected, perr.Code)
	assert.Equal(t, "overloaded", perr.Message)
}

func TestForward_EndpointAndSticky(t *testing.T) {
	h := newHarness(t)
	whoami := func(id int) client.Handler {
		return client.HandlerFunc(func(context.Context, []byte) ([]byte, error) {
			return []byte(fmt.Sprint(id)), nil
		})
	}
	for i := 1; i <= 3; i++ {
		h.mustConnect(t, client.Config{
			Setup: protocol.SetupPayload{
				UUID:     uuidOf(i),
				Metadata: map[string]string{"zone": fmt.Sprintf("z%d", i)},
			},
			Handlers: map[registry.ServiceLocator]client.Handler{echo: whoami(i)},
		})
	}
	consumer := h.mustConnect(t, client.Config{Setup: protocol.SetupPayload{UUID: uuidOf(10)}})

	info := echoRouting()
	info.Endpoint = "id:" + uuidOf(2)
	resp, err := consumer.Call(callCtx(t), info, nil)
	require.NoError(t, err)
	assert.Equal(t, "2", string(resp))

	info.Endpoint = "zone:z3"
	resp, err = consumer.Call(callCtx(t), info, nil)
	require.NoError(t, err)
	assert.Equal(t, "3", string(resp))

	sticky := echoRouting()
	sticky.Sticky = true
	first, err := consumer.Call(callCtx(t), sticky, nil)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		resp, err := consumer.Call(callCtx(t), sticky, nil)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(resp))
	}
}

func TestForward_CancelReachesProvider(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	canceled := make(chan struct{})
	slow := func(ctx context.Context, _ *client.Request, _ client.Sender) error {
		close(started)
		<-ctx.Done()
		close(canceled)
		return ctx.Err()
	}
	h.mustConnect(t, client.Config{
		Setup:    protocol.SetupPayload{UUID: uuidOf(1)},
		Handlers: map[registry.ServiceLocator]client.Handler{echo: slow},
	})
	consumer := h.mustConnect(t, client.Config{Setup: protocol.SetupPayload{UUID: uuidOf(2)}})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := consumer.Call(ctx, echoRouting(), nil)
		errc <- err
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("call never reached the provider")
	}
	cancel()

	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("provider not canceled")
	}
	assert.ErrorIs(t, <-errc, context.Canceled)

	// The provider stays registered after a canceled call.
	assert.True(t, h.reg.ContainsServiceID(echo.ID()))
}

func TestForward_RequestTimeout(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RequestTimeout = 50 * time.Millisecond })
	hang := func(ctx context.Context, _ *client.Request, _ client.Sender) error {
		<-ctx.Done()
		return ctx.Err()
	}
	h.mustConnect(t, client.Config{
		Setup:    protocol.SetupPayload{UUID: uuidOf(1)},
		Handlers: map[registry.ServiceLocator]client.Handler{echo: hang},
	})
	consumer := h.mustConnect(t, client.Config{Setup: protocol.SetupPayload{UUID: uuidOf(2)}})

	_, err := consumer.Call(callCtx(t), echoRouting(), nil)
	var perr *protocol.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, protocol.CodeCanceled, perr.Code)
}

type fakeUpstream struct {
	addrs chan string
}

func (f *fakeUpstream) Select(uint32) (string, bool) { return "10.9.9.9:9999", true }

func (f *fakeUpstream) OpenStream(_ context.Context, addr string) (net.Conn, error) {
	f.addrs <- addr
	return nil, errors.New("upstream unreachable")
}

func TestForward_UpstreamFallback(t *testing.T) {
	up := &fakeUpstream{addrs: make(chan string, 1)}
	h := newHarness(t, func(c *Config) {
		c.Upstream = up
		c.Dispatcher = dispatch.New(dispatch.Config{
			Registry: c.Registry,
			Upstream: up,
			Logger:   logging.NewNop(),
		})
	})
	consumer := h.mustConnect(t, client.Config{Setup: protocol.SetupPayload{UUID: uuidOf(2)}})

	_, err := consumer.Call(callCtx(t), echoRouting(), nil)
	require.Error(t, err)
	assert.Equal(t, "10.9.9.9:9999", <-up.addrs)
}
