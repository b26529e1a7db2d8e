// Package logctx enriches slog records with request, authorization-flow and
// actor data carried on the context.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps another slog.Handler and appends contextual groups.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if fd, ok := ctx.Value(flowDataKey{}).(*FlowData); ok {
		r.AddAttrs(slog.Group("flow",
			slog.String("id", fd.FlowID),
			slog.String("client_id", fd.ClientID),
			slog.String("state", fd.State),
		))
	}

	if ad, ok := ctx.Value(actorDataKey{}).(*ActorData); ok {
		r.AddAttrs(slog.Group("actor",
			slog.String("key", ad.Key),
			slog.String("auth", ad.AuthClass),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type flowDataKey struct{}

// FlowData identifies one pass through the authorization broker's state
// machine. State is the broker's own state label, not the OAuth state param.
type FlowData struct {
	FlowID   string
	ClientID string
	State    string
}

func WithFlowData(ctx context.Context, data *FlowData) context.Context {
	return context.WithValue(ctx, flowDataKey{}, data)
}

type actorDataKey struct{}

type ActorData struct {
	Key       string
	AuthClass string
}

func WithActorData(ctx context.Context, data *ActorData) context.Context {
	return context.WithValue(ctx, actorDataKey{}, data)
}
