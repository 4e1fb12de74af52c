package logging

import "context"

type contextKey int

const (
	correlationIDKey contextKey = iota
	traceIDKey
	loggerKey
)

// WithCorrelationIDCtx stores a correlation id, typically one per API request.
func WithCorrelationIDCtx(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

func CorrelationIDFromCtx(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

func WithTraceIDCtx(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

func TraceIDFromCtx(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}

// WithLoggerCtx attaches a logger to ctx.
func WithLoggerCtx(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// LoggerFromCtx returns the attached logger or nil.
func LoggerFromCtx(ctx context.Context) *Logger {
	l, _ := ctx.Value(loggerKey).(*Logger)
	return l
}

// FromCtx returns the logger for ctx: the attached one, else base, else the
// global logger, tagged with any ids found in ctx.
func FromCtx(ctx context.Context, base *Logger) *Logger {
	l := LoggerFromCtx(ctx)
	if l == nil {
		l = base
	}
	if l == nil {
		l = Global()
	}
	if id := CorrelationIDFromCtx(ctx); id != "" {
		l = l.WithCorrelationID(id)
	}
	if id := TraceIDFromCtx(ctx); id != "" {
		l = l.WithTraceID(id)
	}
	return l
}

// PropagateIDs copies the logger's correlation and trace ids into ctx.
func PropagateIDs(ctx context.Context, l *Logger) context.Context {
	if l == nil {
		return ctx
	}
	if l.correlationID != "" {
		ctx = WithCorrelationIDCtx(ctx, l.correlationID)
	}
	if l.traceID != "" {
		ctx = WithTraceIDCtx(ctx, l.traceID)
	}
	return ctx
}
