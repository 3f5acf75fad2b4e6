package logging

import (
	"context"
	"log/slog"
	"strings"
)

// Environment types. Production logs JSON unless a format is set.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// CustomLevel defines a custom log level between existing ones
type CustomLevel slog.Level

// LevelTrace is used for per-row apply tracing.
const LevelTrace CustomLevel = CustomLevel(slog.LevelDebug - 4)

// String returns the string representation of the custom level
func (l CustomLevel) String() string {
	if l == LevelTrace {
		return "TRACE"
	}
	return slog.Level(l).String()
}

// Trace logs at trace level.
func (l *Logger) Trace(ctx context.Context, msg string, args ...any) {
	l.Log(ctx, slog.Level(LevelTrace), msg, args...)
}

// DynamicLevelVar allows changing log level at runtime
type DynamicLevelVar struct {
	*slog.LevelVar
}

// SetFromString sets the level from a string representation
func (d *DynamicLevelVar) SetFromString(level string) bool {
	switch strings.ToLower(level) {
	case "trace", "debug", "info", "warn", "warning", "error":
		d.Set(ParseLevel(strings.ToLower(level)))
		return true
	default:
		return false
	}
}

// NewLoggerWithDynamicLevel creates a logger whose level can be changed at runtime.
func NewLoggerWithDynamicLevel(config Config) (*Logger, *DynamicLevelVar) {
	lv := &DynamicLevelVar{LevelVar: &slog.LevelVar{}}
	lv.Set(ParseLevel(config.Level))
	return &Logger{Logger: slog.New(newHandler(config, lv.LevelVar))}, lv
}
