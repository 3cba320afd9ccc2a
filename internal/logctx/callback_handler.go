package logctx

import (
	"context"
	"log/slog"
)

// LogFunc is the shape of the embedder-supplied log callback (see the
// root Engine's Subscribe method). It receives each record's level,
// message, and attributes as a plain key-to-value map, so the embedder
// never has to understand slog's attribute encoding.
type LogFunc func(level slog.Level, msg string, attrs map[string]any)

// CallbackHandler is an slog.Handler that fans every record out to an
// embedder-supplied LogFunc in addition to delegating to an inner
// handler. It never blocks the caller: if cb is nil, records only reach
// the inner handler.
type CallbackHandler struct {
	inner slog.Handler
	cb    LogFunc
	attrs []slog.Attr
}

// NewCallbackHandler wraps h, additionally invoking cb for every record
// handled. Panics if h is nil.
func NewCallbackHandler(h slog.Handler, cb LogFunc) *CallbackHandler {
	if h == nil {
		panic("logctx: NewCallbackHandler called with nil handler")
	}

	return &CallbackHandler{inner: h, cb: cb}
}

func (h *CallbackHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CallbackHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.cb != nil {
		fields := make(map[string]any, r.NumAttrs()+len(h.attrs))

		for _, a := range h.attrs {
			fields[a.Key] = a.Value.Any()
		}

		r.Attrs(func(a slog.Attr) bool {
			fields[a.Key] = a.Value.Any()

			return true
		})

		h.cb(r.Level, r.Message, fields)
	}

	return h.inner.Handle(ctx, r)
}

func (h *CallbackHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)

	return &CallbackHandler{inner: h.inner.WithAttrs(attrs), cb: h.cb, attrs: merged}
}

func (h *CallbackHandler) WithGroup(name string) slog.Handler {
	return &CallbackHandler{inner: h.inner.WithGroup(name), cb: h.cb, attrs: h.attrs}
}
