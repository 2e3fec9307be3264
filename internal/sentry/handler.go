package sentry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	gosentry "github.com/getsentry/sentry-go"
)

// Handler is a slog.Handler that tees records to an inner handler and to
// Sentry: errors become events, lower levels become breadcrumbs.
type Handler struct {
	inner slog.Handler
	attrs []slog.Attr
}

// NewHandler wraps inner.
func NewHandler(inner slog.Handler) *Handler {
	return &Handler{inner: inner}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	// Always write to the original destination first.
	err := h.inner.Handle(ctx, r)
	if !enabled {
		return err
	}

	msg := formatRecord(r, h.attrs)
	if r.Level >= slog.LevelError {
		gosentry.CaptureMessage(msg)
		return err
	}

	level := gosentry.LevelInfo
	if r.Level >= slog.LevelWarn {
		level = gosentry.LevelWarning
	} else if r.Level < slog.LevelInfo {
		level = gosentry.LevelDebug
	}
	gosentry.AddBreadcrumb(&gosentry.Breadcrumb{
		Level:    level,
		Category: "log",
		Message:  msg,
	})
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{
		inner: h.inner.WithAttrs(attrs),
		attrs: append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name), attrs: h.attrs}
}

func formatRecord(r slog.Record, extra []slog.Attr) string {
	var b strings.Builder
	b.WriteString(r.Message)
	write := func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value.Any())
		return true
	}
	for _, a := range extra {
		write(a)
	}
	r.Attrs(write)
	return b.String()
}
