// Package logging provides the structured logger shared by the daemon and
// client binaries, wrapping log/slog the way hupe1980-vecgo's Logger wraps
// it: a thin type with domain-specific helper methods layered over the
// stdlib handler.
package logging

import (
	"log/slog"
	"os"
)

// Logger wraps *slog.Logger with les-specific helper methods.
type Logger struct {
	*slog.Logger
}

// Config controls handler format and minimum level.
type Config struct {
	Format string // "text" or "json"
	Level  slog.Level
}

// New builds a Logger writing to stderr per Config.
func New(cfg Config) *Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return &Logger{Logger: slog.New(handler)}
}

// Noop discards all log output; used in tests.
func Noop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000),
	}))}
}

// WithComponent returns a Logger tagging every line with component=name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.Logger.With("component", name)}
}

// LogScanStart logs the beginning of a recursive scan.
func (l *Logger) LogScanStart(roots []string) {
	l.Info("scan started", "roots", roots)
}

// LogScanDone logs scan completion counts.
func (l *Logger) LogScanDone(count int, skipped int, err error) {
	if err != nil {
		l.Error("scan failed", "indexed", count, "skipped", skipped, "error", err)
		return
	}
	l.Info("scan completed", "indexed", count, "skipped", skipped)
}

// LogWatchEvent logs a single applied watcher mutation.
func (l *Logger) LogWatchEvent(op string, path string, err error) {
	if err != nil {
		l.Warn("watch event failed", "op", op, "path", path, "error", err)
		return
	}
	l.Debug("watch event applied", "op", op, "path", path)
}

// LogQuery logs one served query request.
func (l *Logger) LogQuery(requestID string, matched int, truncated bool, dur string, err error) {
	if err != nil {
		l.Warn("query failed", "request_id", requestID, "error", err)
		return
	}
	l.Info("query served", "request_id", requestID, "matched", matched, "truncated", truncated, "duration", dur)
}
