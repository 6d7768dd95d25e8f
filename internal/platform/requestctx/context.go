// Package requestctx stores request-scoped values shared by middleware and handlers.
package requestctx

import (
	"context"

	"go.uber.org/zap"
)

type contextKey[T any] struct{ name string }

var (
	loggerKey = contextKey[*zap.Logger]{name: "logger"}
	traceKey  = contextKey[TraceInfo]{name: "trace"}

	noopLogger = zap.NewNop()
)

// TraceInfo is the subset of span metadata surfaced in logs and error payloads.
type TraceInfo struct {
	TraceID string
	SpanID  string
	Sampled bool
}

func with[T any](ctx context.Context, key contextKey[T], value T) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, key, value)
}

func value[T any](ctx context.Context, key contextKey[T]) (T, bool) {
	var zero T
	if ctx == nil {
		return zero, false
	}
	v, ok := ctx.Value(key).(T)
	return v, ok
}

// WithLogger stores the logger in context for downstream consumers.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		logger = noopLogger
	}
	return with(ctx, loggerKey, logger)
}

// Logger returns the request logger, or a no-op logger when none was stored.
func Logger(ctx context.Context) *zap.Logger {
	if logger, ok := value(ctx, loggerKey); ok && logger != nil {
		return logger
	}
	return noopLogger
}

// HasLogger reports whether a logger other than the no-op one was stored.
func HasLogger(ctx context.Context) bool {
	logger, ok := value(ctx, loggerKey)
	return ok && logger != nil && logger != noopLogger
}

func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return with(ctx, traceKey, info)
}

func Trace(ctx context.Context) (TraceInfo, bool) {
	return value(ctx, traceKey)
}

// TraceID extracts the trace identifier from context when present.
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}
