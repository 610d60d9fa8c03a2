package logging

import "context"

type ctxKey uint8

const (
	loggerKey ctxKey = iota
	streamKey
)

// WithLoggerCtx attaches l to ctx.
func WithLoggerCtx(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// LoggerFromCtx returns the attached logger or nil.
func LoggerFromCtx(ctx context.Context) *Logger {
	l, _ := ctx.Value(loggerKey).(*Logger)
	return l
}

// WithStreamIDCtx tags ctx with the multiplexed stream a call arrived on.
func WithStreamIDCtx(ctx context.Context, id uint32) context.Context {
	return context.WithValue(ctx, streamKey, id)
}

func StreamIDFromCtx(ctx context.Context) (uint32, bool) {
	id, ok := ctx.Value(streamKey).(uint32)
	return id, ok
}

// FromCtx is ContextLogger without a fallback.
func FromCtx(ctx context.Context) *Logger {
	return ContextLogger(ctx, nil)
}

// ContextLogger returns the logger attached to ctx, else base, else the
// global logger. A stream id on ctx is added as the streamId field.
func ContextLogger(ctx context.Context, base *Logger) *Logger {
	l := LoggerFromCtx(ctx)
	if l == nil {
		l = base
	}
	if l == nil {
		l = Global()
	}
	if id, ok := StreamIDFromCtx(ctx); ok {
		l = l.With(map[string]any{"streamId": id})
	}
	return l
}
