// Package logging builds the structured loggers used by the relay.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Attribute keys shared by every component so log lines can be correlated.
const (
	KeyComponent     = "component"
	KeyHostID        = "host_id"
	KeyGroupID       = "group_id"
	KeyPeerHostID    = "peer_host_id"
	KeyCorrelationID = "correlation_id"
	KeyMessageType   = "message_type"
	KeyRemoteAddr    = "remote_addr"
	KeyLocalAddr     = "local_addr"
	KeyError         = "error"
	KeyCount         = "count"
	KeySize          = "size"
	KeyDuration      = "duration"
)

// NewLogger creates a logger writing to stderr.
// Levels: debug, info, warn, error. Formats: text, json.
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a logger writing to w.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Component returns logger tagged with the component name, or a nop logger
// tagged the same way when logger is nil.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = NopLogger()
	}
	return logger.With(slog.String(KeyComponent, name))
}

// ValidLevel reports whether level is understood by NewLogger.
func ValidLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	default:
		return false
	}
}

// ValidFormat reports whether format is understood by NewLogger.
func ValidFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	default:
		return false
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
