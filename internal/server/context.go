package server

import "context"

type contextKey int

const (
	connIDKey contextKey = iota
	transportKey
)

// WithConn records the connection id and transport ("tcp" or "ws") on ctx.
func WithConn(ctx context.Context, connID int64, transport string) context.Context {
	ctx = context.WithValue(ctx, connIDKey, connID)
	return context.WithValue(ctx, transportKey, transport)
}

// ConnIDFromContext returns the connection id, or 0.
func ConnIDFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(connIDKey).(int64)
	return id
}

// TransportFromContext returns the transport name, or "".
func TransportFromContext(ctx context.Context) string {
	t, _ := ctx.Value(transportKey).(string)
	return t
}
