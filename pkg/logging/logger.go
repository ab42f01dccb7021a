// Package logging provides structured logging for the transcript service.
// It wraps zerolog to provide a consistent logging interface with support for
// JSON output (production) and human-readable output (development).
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// ContextKey type for context values to avoid collisions.
type ContextKey string

// Context keys for correlation information.
const (
	RequestIDKey      ContextKey = "request_id"
	NotificationIDKey ContextKey = "notification_id"
	MeetingIDKey      ContextKey = "meeting_id"
)

// Level represents logging severity levels.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ParseLevel converts a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn:
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

// Config holds logger configuration.
type Config struct {
	// Level sets the minimum log level (debug, info, warn, error).
	Level Level

	// ServiceName is included in all log entries.
	ServiceName string

	// Environment is included in all log entries (e.g., "development", "production").
	Environment string

	// JSONFormat enables JSON output when true, human-readable when false.
	JSONFormat bool

	// Output sets the writer for logs (defaults to os.Stderr).
	Output io.Writer

	// Sinks receive a copy of every entry for async persistence.
	Sinks []Sink
}

// DefaultConfig returns a Config with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Level:       LevelInfo,
		ServiceName: "penf-transcripts",
		Environment: "development",
		JSONFormat:  false,
		Output:      os.Stderr,
	}
}

// Logger is the interface for structured logging.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With returns a new Logger with the given fields attached to all subsequent logs.
	With(fields ...Field) Logger

	// WithContext returns a new Logger carrying the correlation IDs and
	// trace ID found in ctx.
	WithContext(ctx context.Context) Logger

	// Zerolog returns the underlying zerolog.Logger.
	Zerolog() zerolog.Logger
}

// Field represents a key-value pair for structured logging.
type Field struct {
	Key   string
	Value interface{}
}

// F creates a new Field with the given key and value.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Err creates a Field for an error.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// logger implements the Logger interface using zerolog.
type logger struct {
	zl          zerolog.Logger
	serviceName string
	sinks       []Sink
	// bound holds fields attached via With/WithContext so sinks see them too.
	bound []Field
}

// NewLogger creates a new Logger with the given configuration.
func NewLogger(cfg *Config) Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if !cfg.JSONFormat {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	zl := zerolog.New(output).
		Level(parseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("service_name", cfg.ServiceName).
		Str("environment", cfg.Environment).
		Logger()

	return &logger{
		zl:          zl,
		serviceName: cfg.ServiceName,
		sinks:       cfg.Sinks,
	}
}

func (l *logger) Zerolog() zerolog.Logger {
	return l.zl
}

// parseLevel converts Level to zerolog.Level.
func parseLevel(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (l *logger) Debug(msg string, fields ...Field) {
	l.log(l.zl.Debug(), zerolog.DebugLevel, msg, fields)
}

func (l *logger) Info(msg string, fields ...Field) {
	l.log(l.zl.Info(), zerolog.InfoLevel, msg, fields)
}

func (l *logger) Warn(msg string, fields ...Field) {
	l.log(l.zl.Warn(), zerolog.WarnLevel, msg, fields)
}

func (l *logger) Error(msg string, fields ...Field) {
	l.log(l.zl.Error(), zerolog.ErrorLevel, msg, fields)
}

func (l *logger) log(event *zerolog.Event, level zerolog.Level, msg string, fields []Field) {
	// A nil event means the level is disabled; sinks follow the same threshold.
	if event == nil {
		return
	}
	addFields(event, fields).Msg(msg)
	l.sendToSinks(level.String(), msg, fields)
}

// With returns a new logger with additional fields.
func (l *logger) With(fields ...Field) Logger {
	ctx := l.zl.With()
	for _, f := range fields {
		ctx = addFieldToContext(ctx, f)
	}
	return l.derive(ctx.Logger(), fields)
}

// WithContext returns a new logger that includes correlation IDs from ctx.
func (l *logger) WithContext(ctx context.Context) Logger {
	var fields []Field
	for _, key := range []ContextKey{RequestIDKey, NotificationIDKey, MeetingIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields = append(fields, F(string(key), v))
		}
	}

	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields = append(fields, F("trace_id", sc.TraceID().String()))
	}

	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}

func (l *logger) derive(zl zerolog.Logger, fields []Field) *logger {
	bound := make([]Field, 0, len(l.bound)+len(fields))
	bound = append(bound, l.bound...)
	bound = append(bound, fields...)
	return &logger{
		zl:          zl,
		serviceName: l.serviceName,
		sinks:       l.sinks,
		bound:       bound,
	}
}

// addFields adds multiple fields to a zerolog event.
func addFields(event *zerolog.Event, fields []Field) *zerolog.Event {
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			event = event.Str(f.Key, v)
		case int:
			event = event.Int(f.Key, v)
		case int64:
			event = event.Int64(f.Key, v)
		case float64:
			event = event.Float64(f.Key, v)
		case bool:
			event = event.Bool(f.Key, v)
		case error:
			event = event.AnErr(f.Key, v)
		case time.Duration:
			event = event.Dur(f.Key, v)
		case time.Time:
			event = event.Time(f.Key, v)
		default:
			event = event.Interface(f.Key, v)
		}
	}
	return event
}

// addFieldToContext adds a field to a zerolog context.
func addFieldToContext(ctx zerolog.Context, f Field) zerolog.Context {
	switch v := f.Value.(type) {
	case string:
		return ctx.Str(f.Key, v)
	case int:
		return ctx.Int(f.Key, v)
	case int64:
		return ctx.Int64(f.Key, v)
	case float64:
		return ctx.Float64(f.Key, v)
	case bool:
		return ctx.Bool(f.Key, v)
	case error:
		return ctx.AnErr(f.Key, v)
	case time.Duration:
		return ctx.Dur(f.Key, v)
	case time.Time:
		return ctx.Time(f.Key, v)
	default:
		return ctx.Interface(f.Key, v)
	}
}

// sendToSinks sends a log entry to all configured sinks.
func (l *logger) sendToSinks(level, msg string, fields []Field) {
	if len(l.sinks) == 0 {
		return
	}

	fieldMap := make(map[string]string, len(l.bound)+len(fields))
	for _, f := range l.bound {
		fieldMap[f.Key] = fmt.Sprint(f.Value)
	}
	for _, f := range fields {
		fieldMap[f.Key] = fmt.Sprint(f.Value)
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Service:   l.serviceName,
		Message:   msg,
		Fields:    fieldMap,
		TraceID:   fieldMap["trace_id"],
		MeetingID: fieldMap[string(MeetingIDKey)],
		Caller:    getCaller(4), // getCaller, sendToSinks, log, Debug/Info/Warn/Error
	}

	for _, sink := range l.sinks {
		sink.Write(entry)
	}
}

// nopLogger is a logger that discards all output.
type nopLogger struct{}

func (n *nopLogger) Debug(msg string, fields ...Field)      {}
func (n *nopLogger) Info(msg string, fields ...Field)       {}
func (n *nopLogger) Warn(msg string, fields ...Field)       {}
func (n *nopLogger) Error(msg string, fields ...Field)      {}
func (n *nopLogger) With(fields ...Field) Logger            { return n }
func (n *nopLogger) WithContext(ctx context.Context) Logger { return n }
func (n *nopLogger) Zerolog() zerolog.Logger                { return zerolog.Nop() }

// NewNopLogger returns a logger that discards all output.
func NewNopLogger() Logger {
	return &nopLogger{}
}
