package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/mgutz/ansi"
)

// consoleHandler is a slog.Handler for terminal output. Info messages are
// printed bare; in debug mode every record carries a "[L]" level tag,
// colored when the output is a terminal.
type consoleHandler struct {
	mu    *sync.Mutex
	out   io.Writer
	level slog.Level
	color bool
	tags  bool
	attrs []slog.Attr
}

func (h *consoleHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	if h.tags {
		tag := "[" + levelTag(r.Level) + "]"
		if h.color {
			tag = ansi.Color(tag, levelStyle(r.Level))
		}
		b.WriteString(tag)
		b.WriteByte(' ')
	}
	b.WriteString(r.Message)
	for _, a := range h.attrs {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &h2
}

func (h *consoleHandler) WithGroup(string) slog.Handler {
	return h
}

func levelTag(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "E"
	case l >= slog.LevelWarn:
		return "W"
	case l >= slog.LevelInfo:
		return "I"
	}
	return "D"
}

func levelStyle(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "red"
	case l >= slog.LevelWarn:
		return "yellow"
	case l >= slog.LevelInfo:
		return "green"
	}
	return "cyan"
}

// newLogger builds the process logger. debug lowers the level and enables
// the tagged format.
func newLogger(debug bool, out io.Writer) *slog.Logger {
	color := false
	if f, ok := out.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		out = colorable.NewColorable(f)
		color = true
	}
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(&consoleHandler{
		mu:    &sync.Mutex{},
		out:   out,
		level: level,
		color: color,
		tags:  debug,
	})
}

var _ slog.Handler = (*consoleHandler)(nil)
