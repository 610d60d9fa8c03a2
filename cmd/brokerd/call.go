package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/client"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/logging"
	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/protocol"
)

type callFlags struct {
	broker     string
	credential string
	name       string
	timeout    time.Duration
	stream     bool
	data       string
	info       protocol.RoutingInfo
}

func newCallCmd() *cobra.Command {
	var f callFlags
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Issue one request through a running broker",
		Long: `Connect to a broker as a consumer, send one request and print the
response. With --stream every item of a request-stream is printed on its own
line.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
			defer cancel()
			return runCall(ctx, cmd.OutOrStdout(), f)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&f.broker, "broker", "127.0.0.1:9999", "broker address (host:port, tls://, ws:// or wss://)")
	fs.StringVar(&f.credential, "credential", "", "credential presented at setup")
	fs.StringVar(&f.name, "name", "brokerd-call", "app name presented at setup")
	fs.DurationVar(&f.timeout, "timeout", 10*time.Second, "overall timeout")
	fs.BoolVar(&f.stream, "stream", false, "issue a request-stream instead of request-response")
	fs.StringVar(&f.data, "data", "", "request payload")
	fs.StringVar(&f.info.Group, "group", "", "service group")
	fs.StringVar(&f.info.Service, "service", "", "service name")
	fs.StringVar(&f.info.Version, "version", "", "service version")
	fs.StringVar(&f.info.Method, "method", "", "method name")
	fs.StringVar(&f.info.Endpoint, "endpoint", "", "pin the call to an instance (id:<uuid> or a tag like ip:10.0.0.1)")
	fs.BoolVar(&f.info.Sticky, "sticky", false, "request a sticky binding")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}

func runCall(ctx context.Context, out io.Writer, f callFlags) error {
	c, err := client.Dial(ctx, f.broker, client.Config{
		Setup: protocol.SetupPayload{
			Credential: f.credential,
			Name:       f.name,
		},
		Logger: logging.NewNop(),
	})
	if err != nil {
		return err
	}
	defer c.Close()

	info := f.info
	if !f.stream {
		resp, err := c.Call(ctx, &info, []byte(f.data))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(resp))
		return err
	}

	s, err := c.RequestStream(ctx, &info, []byte(f.data))
	if err != nil {
		return err
	}
	defer s.Close()
	for {
		item, err := s.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(out, string(item)); err != nil {
			return err
		}
	}
}
