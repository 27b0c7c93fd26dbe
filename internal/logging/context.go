// Package logging carries a zap logger through a context.Context so the CLI
// layer and request handlers share one wiring convention.
package logging

import (
	"context"

	"go.uber.org/zap"
)

type loggerCtxKeyType struct{}

var loggerCtxKey = loggerCtxKeyType{}

// WithLogger returns a context carrying the given logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey, logger)
}

// TryLogger returns the logger carried by ctx, or nil if none was attached.
func TryLogger(ctx context.Context) *zap.Logger {
	logger, ok := ctx.Value(loggerCtxKey).(*zap.Logger)
	if !ok {
		return nil
	}
	return logger
}

// Logger returns the logger carried by ctx and panics if none was attached.
// Use it where a missing logger is a wiring bug, not a runtime condition.
func Logger(ctx context.Context) *zap.Logger {
	logger, ok := ctx.Value(loggerCtxKey).(*zap.Logger)
	if !ok {
		panic("logger not found in context")
	}
	return logger
}
