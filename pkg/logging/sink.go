// Package logging provides the log sink used by sessions and peers.
//
// A Sink takes a message plus slog-style key/value pairs. Nop discards
// everything, NewSlog forwards to a *slog.Logger, and NewConsole prints
// colored one-line status messages for interactive tools.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// Sink receives log lines from the transport layer.
type Sink interface {
	Info(msg string, args ...any)
	Success(msg string, args ...any)
	Warning(msg string, args ...any)
	Error(msg string, args ...any)
}

// Nop is a Sink that discards everything.
var Nop Sink = nopSink{}

type nopSink struct{}

func (nopSink) Info(string, ...any)    {}
func (nopSink) Success(string, ...any) {}
func (nopSink) Warning(string, ...any) {}
func (nopSink) Error(string, ...any)   {}

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop
	}
	return s
}

// SlogSink forwards to a structured logger. Success is logged at Info level
// with outcome=success.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlog wraps logger. A nil logger uses slog.Default().
func NewSlog(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

// With returns a sink that adds args to every line.
func (s *SlogSink) With(args ...any) *SlogSink {
	return &SlogSink{logger: s.logger.With(args...)}
}

func (s *SlogSink) Info(msg string, args ...any) { s.logger.Info(msg, args...) }

func (s *SlogSink) Success(msg string, args ...any) {
	s.logger.Info(msg, append([]any{"outcome", "success"}, args...)...)
}

func (s *SlogSink) Warning(msg string, args ...any) { s.logger.Warn(msg, args...) }

func (s *SlogSink) Error(msg string, args ...any) { s.logger.Error(msg, args...) }

// ConsoleSink prints human-readable lines with ✓/⚠/✗ markers.
type ConsoleSink struct {
	mu    sync.Mutex
	w     io.Writer
	color bool
}

// NewConsole writes to w. Color escapes are emitted when color is true.
func NewConsole(w io.Writer, color bool) *ConsoleSink {
	return &ConsoleSink{w: w, color: color}
}

func (c *ConsoleSink) Info(msg string, args ...any) { c.line("", "  ", msg, args) }

func (c *ConsoleSink) Success(msg string, args ...any) { c.line("\033[32m", "✓ ", msg, args) }

func (c *ConsoleSink) Warning(msg string, args ...any) { c.line("\033[33m", "⚠ ", msg, args) }

func (c *ConsoleSink) Error(msg string, args ...any) { c.line("\033[31m", "✗ ", msg, args) }

func (c *ConsoleSink) line(color, mark, msg string, args []any) {
	var b strings.Builder
	if c.color && color != "" {
		b.WriteString(color + strings.TrimSpace(mark) + "\033[0m ")
	} else {
		b.WriteString(mark)
	}
	b.WriteString(msg)
	b.WriteString(formatArgs(args))
	b.WriteByte('\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	io.WriteString(c.w, b.String())
}

// formatArgs renders key/value pairs as " k=v k=v". A trailing key without a
// value is printed under !BADKEY, as slog does.
func formatArgs(args []any) string {
	if len(args) == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			fmt.Fprintf(&b, " !BADKEY=%v", args[i])
			break
		}
		fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
	}
	return b.String()
}
