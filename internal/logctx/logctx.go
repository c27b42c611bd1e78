package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with negotiation and request attributes found on
// the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("method", rd.Method),
			slog.String("url", rd.URL),
		))
	}

	if nd, ok := ctx.Value(negotiationDataKey{}).(*NegotiationData); ok {
		attrs := []any{
			slog.String("run_id", nd.RunID),
			slog.String("mode", nd.Mode),
			slog.String("token_endpoint", nd.TokenEndpoint),
		}
		if nd.ParentRunID != "" {
			attrs = append(attrs, slog.String("parent_run_id", nd.ParentRunID))
		}
		r.AddAttrs(slog.Group("uma", attrs...))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

// Wrap returns a logger whose handler is decorated with Handler. A nil logger
// yields one that discards everything.
func Wrap(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.New(slog.DiscardHandler)
	}
	if _, ok := l.Handler().(Handler); ok {
		return l
	}
	return slog.New(Handler{Handler: l.Handler()})
}

type requestDataKey struct{}

type RequestData struct {
	Method string
	URL    string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type negotiationDataKey struct{}

type NegotiationData struct {
	RunID         string
	Mode          string
	TokenEndpoint string

	// ParentRunID links a nested negotiation to the one that started it.
	ParentRunID string
}

func WithNegotiationData(ctx context.Context, data *NegotiationData) context.Context {
	return context.WithValue(ctx, negotiationDataKey{}, data)
}

// NegotiationFrom returns the negotiation data on ctx, if any.
func NegotiationFrom(ctx context.Context) (*NegotiationData, bool) {
	nd, ok := ctx.Value(negotiationDataKey{}).(*NegotiationData)
	return nd, ok
}
