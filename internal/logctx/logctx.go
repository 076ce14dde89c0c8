// Package logctx carries per-connection and per-request log fields in a
// context and attaches them to every record logged with that context.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps an slog.Handler and adds the fields stored in the record's
// context.
type Handler struct {
	inner slog.Handler
}

// NewHandler wraps inner.
func NewHandler(inner slog.Handler) *Handler {
	return &Handler{inner: inner}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if cd, ok := ctx.Value(connDataKey{}).(*ConnData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("session_id", cd.SessionID),
			slog.String("user_id", cd.UserID),
			slog.String("ip", cd.IPAddress),
		))
	}
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("event_type", rd.EventType),
			slog.String("correlation_id", rd.CorrelationID),
			slog.String("client_trace_id", rd.ClientTraceID),
		))
	}
	return h.inner.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{inner: h.inner.WithAttrs(attrs)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name)}
}

type connDataKey struct{}

// ConnData identifies the client connection a log line belongs to.
type ConnData struct {
	SessionID string
	UserID    string
	IPAddress string
}

// WithConnData returns a context carrying data.
func WithConnData(ctx context.Context, data *ConnData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}

type requestDataKey struct{}

// RequestData identifies the client request a log line belongs to.
type RequestData struct {
	EventType     string
	CorrelationID string
	ClientTraceID string
}

// WithRequestData returns a context carrying data.
func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}
