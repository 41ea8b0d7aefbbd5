package logutil

import (
	"context"

	"go.uber.org/zap"
)

type ctxKeyType int

const ctxLogKey ctxKeyType = iota

var (
	_defaultLogger = newDefaultStdLogger()
	_globalLogger  = _defaultLogger
)

func SetLogger(l *zap.Logger) {
	_globalLogger = l
}

// Logger returns the logger bound to ctx, falling back to the global one.
func Logger(ctx context.Context) *zap.Logger {
	if ctxlogger, ok := ctx.Value(ctxLogKey).(*zap.Logger); ok {
		return ctxlogger
	}
	return _globalLogger
}

// WithLogger binds a request-scoped logger to the context, typically carrying
// an operation id field.
func WithLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxLogKey, l)
}

func Sync() error {
	return _globalLogger.Sync()
}

func newDefaultStdLogger() *zap.Logger {
	lg, _ := zap.NewProduction()
	return lg
}
