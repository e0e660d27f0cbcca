package logger

import (
	"context"
	"io"
	"log/slog"
)

const (
	ansiReset  = "\033[0m"
	ansiCyan   = "\033[36m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiRed    = "\033[31m"
)

// ColorTextHandler decorates slog.TextHandler records with an ANSI
// colored level prefix so watchdog warnings stand out on a terminal.
type ColorTextHandler struct {
	*slog.TextHandler
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions) *ColorTextHandler {
	return &ColorTextHandler{TextHandler: slog.NewTextHandler(w, opts)}
}

func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	color := ansiReset
	switch {
	case r.Level >= slog.LevelError:
		color = ansiRed
	case r.Level >= slog.LevelWarn:
		color = ansiYellow
	case r.Level >= slog.LevelInfo:
		color = ansiGreen
	default:
		color = ansiCyan
	}
	r.Message = color + r.Level.String() + ansiReset + "  " + r.Message
	return h.TextHandler.Handle(ctx, r)
}
