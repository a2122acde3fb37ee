package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 4)

	// OTEL span correlation
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("otel.trace_id", sc.TraceID().String()),
			zap.String("otel.span_id", sc.SpanID().String()),
		)
	}

	// Pipeline trace correlation
	if traceID := PipelineTraceFromContext(ctx); traceID != "" {
		fields = append(fields, zap.String("trace_id", traceID))
	}

	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}

	return fields
}

type pipelineTraceCtxKey struct{}
type requestCtxKey struct{}
type loggerCtxKey struct{}

// WithPipelineTrace tags the context with the pipeline trace being operated
// on, so every log line for that trace carries its ID.
func WithPipelineTrace(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, pipelineTraceCtxKey{}, traceID)
}

// PipelineTraceFromContext extracts the pipeline trace ID from context.
func PipelineTraceFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(pipelineTraceCtxKey{}).(string); ok {
		return id
	}
	return ""
}

// WithRequestID adds an HTTP request ID to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}
