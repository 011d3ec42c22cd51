package logger

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

var levelColors = map[slog.Level]string{
	slog.LevelDebug: "\033[36m",
	slog.LevelInfo:  "\033[32m",
	slog.LevelWarn:  "\033[33m",
	slog.LevelError: "\033[31m",
}

const colorReset = "\033[0m"

// ColorTextHandler writes an ANSI-colored level tag (and the time when
// showTime is set) straight to the writer, then the message and attributes
// in slog text format.
type ColorTextHandler struct {
	w        io.Writer
	mu       *sync.Mutex
	inner    slog.Handler
	showTime bool
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	inner := slog.HandlerOptions{}
	if opts != nil {
		inner = *opts
	}
	user := inner.ReplaceAttr
	inner.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		// time and level are already in the colored prefix
		if len(groups) == 0 && (a.Key == slog.TimeKey || a.Key == slog.LevelKey) {
			return slog.Attr{}
		}
		if user != nil {
			return user(groups, a)
		}
		return a
	}
	return &ColorTextHandler{
		w:        w,
		mu:       &sync.Mutex{},
		inner:    slog.NewTextHandler(w, &inner),
		showTime: showTime,
	}
}

func (h *ColorTextHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	code, ok := levelColors[r.Level]
	if !ok {
		code = colorReset
	}
	prefix := make([]byte, 0, 64)
	if h.showTime && !r.Time.IsZero() {
		prefix = r.Time.AppendFormat(prefix, time.RFC3339)
		prefix = append(prefix, ' ')
	}
	prefix = append(prefix, code...)
	prefix = append(prefix, r.Level.String()...)
	prefix = append(prefix, colorReset+" "...)

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.w.Write(prefix); err != nil {
		return err
	}
	return h.inner.Handle(ctx, r)
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{w: h.w, mu: h.mu, inner: h.inner.WithAttrs(attrs), showTime: h.showTime}
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{w: h.w, mu: h.mu, inner: h.inner.WithGroup(name), showTime: h.showTime}
}
