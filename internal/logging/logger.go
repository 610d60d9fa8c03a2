// Package logging is the broker's structured logger. Each entry has a
// message and a "fields" object; loggers derived with With carry the fields
// of a component, connection or call. Encoding is done by zap.
package logging

import (
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents the severity of a log message.
type Level int8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = [...]string{"debug", "info", "warn", "error"}

func (l Level) String() string {
	if l >= 0 && int(l) < len(levelNames) {
		return levelNames[l]
	}
	return "unknown"
}

// zap numbers its levels from debug = -1.
func (l Level) zap() zapcore.Level {
	return zapcore.Level(l - 1)
}

// ParseLevel converts a string to a Level. Unknown names mean info.
func ParseLevel(s string) Level {
	if strings.EqualFold(s, "warning") {
		return LevelWarn
	}
	for i, name := range levelNames {
		if strings.EqualFold(s, name) {
			return Level(i)
		}
	}
	return LevelInfo
}

// Format is the encoding of log entries.
type Format int

const (
	FormatJSON Format = iota
	// FormatText is zap's console encoding.
	FormatText
)

// ParseFormat converts a string to a Format. Unknown names mean JSON.
func ParseFormat(s string) Format {
	switch strings.ToLower(s) {
	case "text", "console":
		return FormatText
	default:
		return FormatJSON
	}
}

// Config holds configuration for a Logger.
type Config struct {
	Level  Level
	Format Format
	// Output defaults to stderr.
	Output     io.Writer
	AddCaller  bool
	CallerSkip int
}

// Logger writes structured entries. Loggers derived with With share the
// level of their root.
type Logger struct {
	z      *zap.Logger
	level  zap.AtomicLevel
	fields map[string]any // read-only once built
}

// New creates a Logger.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		MessageKey:     "message",
		CallerKey:      "caller",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	enc := zapcore.NewJSONEncoder(encCfg)
	if cfg.Format == FormatText {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	level := zap.NewAtomicLevelAt(cfg.Level.zap())
	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(out)), level)

	var opts []zap.Option
	if cfg.AddCaller {
		// log and the exported method sit between the caller and zap.
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(2+cfg.CallerSkip))
	}
	return &Logger{z: zap.New(core, opts...), level: level}
}

// DefaultLogger logs info and above as JSON to stderr.
func DefaultLogger() *Logger {
	return New(Config{Level: LevelInfo})
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{z: zap.NewNop(), level: zap.NewAtomicLevelAt(zapcore.FatalLevel)}
}

// SetLevel changes the minimum level of l and every logger derived from it.
func (l *Logger) SetLevel(level Level) {
	l.level.SetLevel(level.zap())
}

func (l *Logger) GetLevel() Level {
	return Level(l.level.Level() + 1)
}

// Zap exposes the underlying zap logger for libraries that want one.
func (l *Logger) Zap() *zap.Logger {
	return l.z
}

func (l *Logger) Sync() error {
	return l.z.Sync()
}

// With returns a logger that adds fields to every entry. l is unchanged.
func (l *Logger) With(fields map[string]any) *Logger {
	return &Logger{z: l.z, level: l.level, fields: merge(l.fields, fields)}
}

func merge(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func (l *Logger) Debug(msg string)                          { l.log(LevelDebug, msg, nil) }
func (l *Logger) Debugf(msg string, fields map[string]any) { l.log(LevelDebug, msg, fields) }
func (l *Logger) Info(msg string)                           { l.log(LevelInfo, msg, nil) }
func (l *Logger) Infof(msg string, fields map[string]any)  { l.log(LevelInfo, msg, fields) }
func (l *Logger) Warn(msg string)                           { l.log(LevelWarn, msg, nil) }
func (l *Logger) Warnf(msg string, fields map[string]any)  { l.log(LevelWarn, msg, fields) }
func (l *Logger) Error(msg string)                          { l.log(LevelError, msg, nil) }
func (l *Logger) Errorf(msg string, fields map[string]any) { l.log(LevelError, msg, fields) }

func (l *Logger) log(level Level, msg string, extra map[string]any) {
	ce := l.z.Check(level.zap(), msg)
	if ce == nil {
		return
	}
	switch {
	case len(extra) > 0:
		ce.Write(zap.Any("fields", merge(l.fields, extra)))
	case len(l.fields) > 0:
		ce.Write(zap.Any("fields", l.fields))
	default:
		ce.Write()
	}
}
