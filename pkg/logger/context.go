package logger

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

// With attaches fields to the request-scoped logger carried in ctx. Downstream
// code that logs through From gets them for free, which is how trace IDs
// follow a payment intent through the service layer.
func With(ctx context.Context, fields ...any) context.Context {
	return context.WithValue(ctx, ctxKey{}, From(ctx).With(fields...))
}

// From returns the request-scoped logger, falling back to the process logger
// when ctx carries none.
func From(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return LoggerWrapper()
}
