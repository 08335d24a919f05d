// Package logging provides structured logging for s2p.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
)

// levels maps configuration level names to slog levels.
var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// NewLogger creates a logger writing to stderr. Unknown levels fall back to
// info and unknown formats to text; config validation rejects both earlier.
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter is NewLogger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	lvl, ok := levels[strings.ToLower(level)]
	if !ok {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ValidLevel reports whether level is a recognized level name.
func ValidLevel(level string) bool {
	_, ok := levels[strings.ToLower(level)]
	return ok
}

// ValidFormat reports whether format is a recognized handler format.
func ValidFormat(format string) bool {
	return strings.EqualFold(format, "text") || strings.EqualFold(format, "json")
}

// Component returns logger tagged with the emitting component.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = NopLogger()
	}
	return logger.With(slog.String(KeyComponent, name))
}

// Bytes returns an attribute with a byte count in IEC units ("1.5 MiB").
func Bytes(key string, n uint64) slog.Attr {
	return slog.String(key, humanize.IBytes(n))
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Attribute keys shared by every component.
const (
	KeyComponent  = "component"
	KeyPeerID     = "peer_id"
	KeySessionID  = "session_id"
	KeyStreamID   = "stream_id"
	KeyCommand    = "command"
	KeyMode       = "mode"
	KeyTarget     = "target"
	KeyStatus     = "status"
	KeyAddress    = "address"
	KeyRemoteAddr = "remote_addr"
	KeyLocalAddr  = "local_addr"
	KeyBytesUp    = "bytes_up"
	KeyBytesDown  = "bytes_down"
	KeyDuration   = "duration"
	KeyCount      = "count"
	KeyError      = "error"
)
