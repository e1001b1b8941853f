// Package logctx carries the slog logger and per-request log attributes in a context.
package logctx

import (
	"context"
	"log/slog"
	"time"
)

type contextKey int

const (
	loggerKey contextKey = iota
	attrsKey
)

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}

	return slog.Default()
}

// With attaches attributes to ctx. A ContextHandler adds them to every record logged with
// that context, so ids such as download_id follow the work without rebuilding loggers.
func With(ctx context.Context, args ...any) context.Context {
	if len(args) == 0 {
		return ctx
	}

	r := slog.NewRecord(time.Time{}, 0, "", 0)
	r.Add(args...)

	prev := attrsFromContext(ctx)
	attrs := make([]slog.Attr, 0, len(prev)+r.NumAttrs())
	attrs = append(attrs, prev...)

	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)

		return true
	})

	return context.WithValue(ctx, attrsKey, attrs)
}

func attrsFromContext(ctx context.Context) []slog.Attr {
	attrs, _ := ctx.Value(attrsKey).([]slog.Attr)

	return attrs
}
