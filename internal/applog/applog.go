// Package applog sets up the process-wide slog logger: third-party noise is
// suppressed below DEBUG, terminal output gets colored level tags, and
// non-terminal output gets a flatter single-line format. This is the ambient
// logging stack every package in this module logs through.
package applog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// modulePrefix identifies frames that belong to this engine, as opposed to
// a third-party dependency also using slog. Only frames matching this
// prefix are let through below DEBUG.
const modulePrefix = "github.com/relayforge/reasonflow"

// ParseLevel converts a CLI/env log-level string to a slog.Level, defaulting
// to Warn for anything unrecognized rather than erroring — operators should
// never lose their run over a typo'd --log-level flag.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}

// Init installs the default logger. Every format prints level, message and
// attrs; format "verbose" also prefixes a timestamp, and any other value
// (including "simple") leaves it out.
func Init(level slog.Level, out *os.File, format string) {
	colorize := isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd())
	verbose := format == "verbose"

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey && a.Value.String() == "WARNING" {
				return slog.String(slog.LevelKey, "WARN")
			}
			return a
		},
	}

	base := slog.NewTextHandler(out, opts)

	var handler slog.Handler = base
	switch {
	case colorize:
		handler = &lineHandler{fallback: base, out: out, color: true, verbose: verbose}
	default:
		handler = &lineHandler{fallback: base, out: out, color: false, verbose: verbose}
	}

	slog.SetDefault(slog.New(&moduleFilter{next: handler, minLevel: level}))
}

// moduleFilter drops log records originating outside this module's own
// packages unless the configured level is DEBUG or below — the same
// behavior the teacher's logger applies to its own package prefix.
type moduleFilter struct {
	next     slog.Handler
	minLevel slog.Level
}

func (h *moduleFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.minLevel && h.next.Enabled(ctx, level)
}

func (h *moduleFilter) Handle(ctx context.Context, r slog.Record) error {
	if h.minLevel <= slog.LevelDebug || fromThisModule(r.PC) {
		return h.next.Handle(ctx, r)
	}
	return nil
}

func (h *moduleFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &moduleFilter{next: h.next.WithAttrs(attrs), minLevel: h.minLevel}
}

func (h *moduleFilter) WithGroup(name string) slog.Handler {
	return &moduleFilter{next: h.next.WithGroup(name), minLevel: h.minLevel}
}

func fromThisModule(pc uintptr) bool {
	if pc == 0 {
		return false
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return false
	}
	return strings.Contains(fn.Name(), modulePrefix)
}

// lineHandler renders one line per record: LEVEL message k=v k=v, optionally
// colored by severity and optionally prefixed with a timestamp.
type lineHandler struct {
	fallback slog.Handler
	out      io.Writer
	color    bool
	verbose  bool
}

func (h *lineHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.fallback.Enabled(ctx, level)
}

func (h *lineHandler) Handle(ctx context.Context, r slog.Record) error {
	var b strings.Builder
	if h.verbose && !r.Time.IsZero() {
		b.WriteString(r.Time.Format("2006/01/02 15:04:05 "))
	}

	levelStr := strings.ToUpper(r.Level.String())
	if levelStr == "WARNING" {
		levelStr = "WARN"
	}
	if h.color {
		b.WriteString(levelColor(r.Level).Sprint(levelStr))
	} else {
		b.WriteString(levelStr)
	}
	b.WriteString(" ")
	b.WriteString(r.Message)

	r.Attrs(func(a slog.Attr) bool {
		b.WriteString(" ")
		b.WriteString(a.Key)
		b.WriteString("=")
		b.WriteString(a.Value.String())
		return true
	})
	b.WriteString("\n")

	_, err := io.WriteString(h.out, b.String())
	return err
}

func (h *lineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &lineHandler{fallback: h.fallback.WithAttrs(attrs), out: h.out, color: h.color, verbose: h.verbose}
}

func (h *lineHandler) WithGroup(name string) slog.Handler {
	return &lineHandler{fallback: h.fallback.WithGroup(name), out: h.out, color: h.color, verbose: h.verbose}
}

func levelColor(level slog.Level) *color.Color {
	switch {
	case level >= slog.LevelError:
		return color.New(color.FgRed)
	case level >= slog.LevelWarn:
		return color.New(color.FgYellow)
	case level >= slog.LevelInfo:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgHiBlack)
	}
}

// OpenLogFile opens (creating if needed) a log file for append, returning a
// cleanup func to close it.
func OpenLogFile(path string) (*os.File, func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}
