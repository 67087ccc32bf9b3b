package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with the session and cache attributes carried
// by the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("name", sd.Name),
			slog.String("scope", sd.Scope),
		))
	}

	if cd, ok := ctx.Value(cacheDataKey{}).(*CacheData); ok {
		r.AddAttrs(slog.Group("cache",
			slog.String("name", cd.Name),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

// Wrap returns a logger whose handler is decorated by Handler. Loggers that
// are already wrapped are returned as is.
func Wrap(log *slog.Logger) *slog.Logger {
	if log == nil {
		log = slog.Default()
	}
	if _, ok := log.Handler().(Handler); ok {
		return log
	}
	return slog.New(Handler{Handler: log.Handler()})
}

type sessionDataKey struct{}

type SessionData struct {
	Name  string
	Scope string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type cacheDataKey struct{}

type CacheData struct {
	Name string
}

func WithCacheData(ctx context.Context, data *CacheData) context.Context {
	return context.WithValue(ctx, cacheDataKey{}, data)
}
