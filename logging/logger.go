// Package logging provides structured logging for the changeset engine on top
// of log/slog.
package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"

	cserrors "github.com/c0deZ3R0/go-changeset-kit/errors"
)

// Logger is our wrapper around slog.Logger with additional convenience methods
type Logger struct {
	*slog.Logger
}

// Config holds logger configuration
type Config struct {
	Level       string    `json:"level" mapstructure:"level"`             // trace, debug, info, warn, error
	Format      string    `json:"format" mapstructure:"format"`           // text, json
	AddSource   bool      `json:"add_source" mapstructure:"add_source"`   // whether to add source code information
	Environment string    `json:"environment" mapstructure:"environment"` // development, production, test
	Output      io.Writer `json:"-" mapstructure:"-"`                     // defaults to os.Stderr
}

// DefaultConfig is used when nothing else was configured.
var DefaultConfig = Config{
	Level:       "info",
	Format:      "text",
	AddSource:   false,
	Environment: EnvDevelopment,
}

// Operation names the engine operation a log line belongs to.
type Operation string

func (o Operation) LogValue() slog.Value {
	return slog.StringValue(string(o))
}

// Component names the engine component a log line belongs to.
type Component string

func (c Component) LogValue() slog.Value {
	return slog.StringValue(string(c))
}

// ErrorValuer renders an engine error as a structured group.
type ErrorValuer struct {
	*cserrors.Error
}

func (e ErrorValuer) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("code", string(e.Code)),
		slog.String("operation", string(e.Op)),
		slog.String("component", e.Component),
		slog.Bool("retryable", e.Retryable),
	}
	if e.Table != "" {
		attrs = append(attrs, slog.String("table", e.Table))
	}
	if e.Opcode != "" {
		attrs = append(attrs, slog.String("opcode", e.Opcode))
	}
	if e.Cause != "" {
		attrs = append(attrs, slog.String("cause", e.Cause))
	}
	if e.Key != "" {
		attrs = append(attrs, slog.String("key", e.Key))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
	}
	if len(e.Metadata) > 0 {
		md := make([]slog.Attr, 0, len(e.Metadata))
		for k, v := range e.Metadata {
			md = append(md, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Any("metadata", slog.GroupValue(md...)))
	}
	return slog.GroupValue(attrs...)
}

// ParseLevel maps a level name to a slog level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "trace":
		return slog.Level(LevelTrace)
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newHandler(config Config, level slog.Leveler) slog.Handler {
	out := config.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.AddSource,
	}
	format := config.Format
	if format == "" && config.Environment == EnvProduction {
		format = "json"
	}
	if format == "json" {
		return slog.NewJSONHandler(out, opts)
	}
	return slog.NewTextHandler(out, opts)
}

// Discard returns a logger that drops everything. Used as the zero value by
// components that were not given a logger.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// WithOperation creates a child logger with operation context
func (l *Logger) WithOperation(op Operation) *Logger {
	return &Logger{Logger: l.With(slog.Any("operation", op))}
}

// WithComponent creates a child logger with component context
func (l *Logger) WithComponent(component Component) *Logger {
	return &Logger{Logger: l.With(slog.Any("component", component))}
}

// WithAttrs creates a child logger carrying attrs on every record.
func (l *Logger) WithAttrs(attrs ...slog.Attr) *Logger {
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return &Logger{Logger: l.With(args...)}
}

// LogError logs an error with caller information and structured attributes
func (l *Logger) LogError(ctx context.Context, err error, msg string, attrs ...slog.Attr) {
	all := make([]any, 0, len(attrs)+2)

	var engineErr *cserrors.Error
	if errors.As(err, &engineErr) {
		all = append(all, slog.Any("engine_error", ErrorValuer{Error: engineErr}))
	} else if err != nil {
		all = append(all, slog.String("error", err.Error()))
	}

	if pc, file, line, ok := runtime.Caller(1); ok {
		name := ""
		if fn := runtime.FuncForPC(pc); fn != nil {
			name = fn.Name()
		}
		all = append(all, slog.Group("caller",
			slog.String("file", file),
			slog.Int("line", line),
			slog.String("function", name),
		))
	}

	for _, a := range attrs {
		all = append(all, a)
	}
	l.ErrorContext(ctx, msg, all...)
}

// LogOperation logs the start and end of an operation with duration tracking
func (l *Logger) LogOperation(ctx context.Context, op Operation, component Component, fn func() error) error {
	start := time.Now()
	opLogger := l.WithOperation(op).WithComponent(component)
	opLogger.DebugContext(ctx, "operation started")

	err := fn()
	duration := time.Since(start)
	if err != nil {
		opLogger.LogError(ctx, err, "operation failed",
			slog.Duration("duration", duration),
		)
		return err
	}

	opLogger.DebugContext(ctx, "operation completed",
		slog.Duration("duration", duration),
	)
	return nil
}
