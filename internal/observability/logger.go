// Package observability provides structured logging, metrics, and
// tracing for the orchestrator, the fleet, the router, the search
// index, project memory, and the audit ledger.
package observability

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// ctxKey is a local type for context value keys so this package never
// collides with values set by callers using plain strings.
type ctxKey string

const (
	CtxRequestID ctxKey = "request_id"
	CtxTaskID    ctxKey = "task_id"
	CtxSubtaskID ctxKey = "subtask_id"
	CtxSlotID    ctxKey = "slot_id"
)

// WithRequestID, WithTaskID, WithSubtaskID, WithSlotID attach the
// corresponding identifier to ctx so a Logger.WithContext call later
// picks it up automatically.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CtxRequestID, id)
}

func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CtxTaskID, id)
}

func WithSubtaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CtxSubtaskID, id)
}

func WithSlotID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, CtxSlotID, id)
}

// Logger is the structured logging interface used throughout the
// module. Every package takes a Logger rather than reaching for a
// package-level global.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
	WithContext(ctx context.Context) Logger
}

// Field is a single structured log field.
type Field struct {
	Key   string
	Value interface{}
}

type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

type LoggerConfig struct {
	Level      LogLevel
	JSONOutput bool
	Output     io.Writer
	WithCaller bool
}

func DefaultLoggerConfig() *LoggerConfig {
	return &LoggerConfig{
		Level:      LogLevelInfo,
		JSONOutput: true,
		Output:     os.Stdout,
		WithCaller: true,
	}
}

// ZerologLogger implements Logger on top of rs/zerolog.
type ZerologLogger struct {
	logger zerolog.Logger
}

func NewLogger(config *LoggerConfig) Logger {
	if config == nil {
		config = DefaultLoggerConfig()
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	var output io.Writer = config.Output
	if !config.JSONOutput {
		output = zerolog.ConsoleWriter{
			Out:        config.Output,
			TimeFormat: time.RFC3339,
		}
	}

	var level zerolog.Level
	switch config.Level {
	case LogLevelDebug:
		level = zerolog.DebugLevel
	case LogLevelInfo:
		level = zerolog.InfoLevel
	case LogLevelWarn:
		level = zerolog.WarnLevel
	case LogLevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(output).
		Level(level).
		With().
		Timestamp()

	if config.WithCaller {
		logger = logger.Caller()
	}

	return &ZerologLogger{logger: logger.Logger()}
}

func (l *ZerologLogger) Debug(msg string, fields ...Field) { l.log(l.logger.Debug(), msg, fields) }
func (l *ZerologLogger) Info(msg string, fields ...Field)  { l.log(l.logger.Info(), msg, fields) }
func (l *ZerologLogger) Warn(msg string, fields ...Field)  { l.log(l.logger.Warn(), msg, fields) }
func (l *ZerologLogger) Error(msg string, fields ...Field) { l.log(l.logger.Error(), msg, fields) }

func (l *ZerologLogger) log(event *zerolog.Event, msg string, fields []Field) {
	for _, f := range fields {
		event = event.Interface(f.Key, f.Value)
	}
	event.Msg(msg)
}

func (l *ZerologLogger) With(fields ...Field) Logger {
	ctx := l.logger.With()
	for _, f := range fields {
		ctx = ctx.Interface(f.Key, f.Value)
	}
	return &ZerologLogger{logger: ctx.Logger()}
}

func (l *ZerologLogger) WithContext(ctx context.Context) Logger {
	newLogger := l.logger
	if v := ctx.Value(CtxRequestID); v != nil {
		newLogger = newLogger.With().Str("request_id", v.(string)).Logger()
	}
	if v := ctx.Value(CtxTaskID); v != nil {
		newLogger = newLogger.With().Str("task_id", v.(string)).Logger()
	}
	if v := ctx.Value(CtxSubtaskID); v != nil {
		newLogger = newLogger.With().Str("subtask_id", v.(string)).Logger()
	}
	if v := ctx.Value(CtxSlotID); v != nil {
		newLogger = newLogger.With().Str("slot_id", v.(string)).Logger()
	}
	return &ZerologLogger{logger: newLogger}
}

func String(key, value string) Field          { return Field{Key: key, Value: value} }
func Int(key string, value int) Field         { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field     { return Field{Key: key, Value: value} }
func Float64(key string, value float64) Field { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field       { return Field{Key: key, Value: value} }
func Err(err error) Field                     { return Field{Key: "error", Value: err.Error()} }
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}
func Any(key string, value interface{}) Field { return Field{Key: key, Value: value} }

// NoOpLogger discards everything; used in tests that don't assert on
// log output.
type NoOpLogger struct{}

func NewNoOpLogger() Logger { return &NoOpLogger{} }

func (l *NoOpLogger) Debug(msg string, fields ...Field)      {}
func (l *NoOpLogger) Info(msg string, fields ...Field)       {}
func (l *NoOpLogger) Warn(msg string, fields ...Field)       {}
func (l *NoOpLogger) Error(msg string, fields ...Field)      {}
func (l *NoOpLogger) With(fields ...Field) Logger            { return l }
func (l *NoOpLogger) WithContext(ctx context.Context) Logger { return l }
