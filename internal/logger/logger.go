// Package logger builds the service-wide slog.Logger: a colored console
// handler for operators fanned out with an optional JSON file handler for
// ingestion. Components receive the logger by injection.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ANSI color codes
const (
	Reset  = "\033[0m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Gray   = "\033[37m"
)

// Options controls logger construction.
type Options struct {
	Level   string // debug | info | warn | error
	File    string // JSON log file path; empty disables the file handler
	NoColor bool
}

// ConsoleHandler renders "LEVE [15:04:05] message key=value ..." lines.
type ConsoleHandler struct {
	mu       sync.Mutex
	out      io.Writer
	minLevel slog.Level
	noColor  bool
	attrs    []slog.Attr
}

func NewConsoleHandler(out io.Writer, min slog.Level, noColor bool) *ConsoleHandler {
	return &ConsoleHandler{out: out, minLevel: min, noColor: noColor}
}

func (h *ConsoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.minLevel
}

func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	levelColor := Reset
	switch r.Level {
	case slog.LevelDebug:
		levelColor = Gray
	case slog.LevelInfo:
		levelColor = Green
	case slog.LevelWarn:
		levelColor = Yellow
	case slog.LevelError:
		levelColor = Red
	}

	var b strings.Builder
	if h.noColor {
		fmt.Fprintf(&b, "%s [%s] %s", r.Level.String()[:4], r.Time.Format(time.TimeOnly), r.Message)
	} else {
		fmt.Fprintf(&b, "%s%s%s [%s] %s", levelColor, r.Level.String()[:4], Reset, r.Time.Format(time.TimeOnly), r.Message)
	}
	for _, a := range h.attrs {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value.Any())
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value.Any())
		return true
	})
	b.WriteByte('\n')

	_, err := io.WriteString(h.out, b.String())
	return err
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &ConsoleHandler{out: h.out, minLevel: h.minLevel, noColor: h.noColor, attrs: merged}
}

func (h *ConsoleHandler) WithGroup(string) slog.Handler {
	return h
}

// New builds the fanout logger. The returned closer flushes the file handler;
// callers invoke it on shutdown.
func New(consoleOutput io.Writer, opts Options) (*slog.Logger, func() error, error) {
	level := parseLevel(opts.Level)
	handlers := []slog.Handler{NewConsoleHandler(consoleOutput, level, opts.NoColor)}
	closer := func() error { return nil }

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		closer = f.Close
	}

	return slog.New(&FanoutHandler{handlers: handlers}), closer, nil
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// FanoutHandler forwards each record to every child handler.
type FanoutHandler struct {
	handlers []slog.Handler
}

func (h *FanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *FanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			_ = handler.Handle(ctx, r)
		}
	}
	return nil
}

func (h *FanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newHandlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		newHandlers[i] = handler.WithAttrs(attrs)
	}
	return &FanoutHandler{handlers: newHandlers}
}

func (h *FanoutHandler) WithGroup(name string) slog.Handler {
	newHandlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		newHandlers[i] = handler.WithGroup(name)
	}
	return &FanoutHandler{handlers: newHandlers}
}
