package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 5)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if repo := RepoFromContext(ctx); repo != "" {
		fields = append(fields, zap.String("review.repo", repo))
	}
	if id := ChangeIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("review.change_id", id))
	}
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}

	return fields
}

type repoCtxKey struct{}
type changeCtxKey struct{}
type requestCtxKey struct{}
type loggerCtxKey struct{}

// WithRepo tags ctx with the repository under review ("owner/name").
func WithRepo(ctx context.Context, repo string) context.Context {
	return context.WithValue(ctx, repoCtxKey{}, repo)
}

// RepoFromContext returns the repository tag, if any.
func RepoFromContext(ctx context.Context) string {
	s, _ := ctx.Value(repoCtxKey{}).(string)
	return s
}

// WithChangeID tags ctx with the ChangeRecord identifier.
func WithChangeID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, changeCtxKey{}, id)
}

// ChangeIDFromContext returns the ChangeRecord tag, if any.
func ChangeIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(changeCtxKey{}).(string)
	return s
}

// WithRequestID adds request ID to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext extracts request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(requestCtxKey{}).(string)
	return s
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
