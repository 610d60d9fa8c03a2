package server

import (
	"context"
	"errors"
	"net"

	"github.com/huangjianqin/kin-rsocket-broker-sub000/internal/metadata"
)

// ReadyFunc returns nil when a dependency can serve.
type ReadyFunc func(ctx context.Context) error

// ListenerReady passes once addr reports a bound listener, as Server.Addr
// and WSServer.Addr do after Listen.
func ListenerReady(addr func() net.Addr) ReadyFunc {
	return func(context.Context) error {
		if addr() == nil {
			return errors.New("not listening")
		}
		return nil
	}
}

// StoreReady passes when store answers a read. The key read need not
// exist.
func StoreReady(store metadata.Store) ReadyFunc {
	return func(ctx context.Context) error {
		if store == nil {
			return errors.New("metadata store not configured")
		}
		_, err := store.Get(ctx, "/broker/v1/readyz")
		return err
	}
}
