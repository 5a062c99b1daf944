package orchestrator

import (
	"log/slog"
	"os"
)

// SlogLogger adapts log/slog to Logger. The interface's (msg, args...) shape
// mirrors slog's own, so this is a thin pass-through rather than a
// translation layer.
type SlogLogger struct {
	l *slog.Logger
}

// NewSlogLogger builds a text-handler logger writing to stderr at level.
// level accepts "debug", "info", "warn"/"warning", or "error"; anything else
// falls back to info.
func NewSlogLogger(level string) *SlogLogger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return &SlogLogger{l: slog.New(handler)}
}

func (s *SlogLogger) Debug(msg string, args ...interface{}) { s.l.Debug(msg, args...) }
func (s *SlogLogger) Info(msg string, args ...interface{})  { s.l.Info(msg, args...) }
func (s *SlogLogger) Warn(msg string, args ...interface{})  { s.l.Warn(msg, args...) }
func (s *SlogLogger) Error(msg string, args ...interface{}) { s.l.Error(msg, args...) }

var _ Logger = (*SlogLogger)(nil)
