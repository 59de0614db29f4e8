package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyTraceID       contextKey = "trace_id"
	keyUserID        contextKey = "user_id"
	keyTaskID        contextKey = "task_id"
	keyCorrelationID contextKey = "correlation_id"
)

// WithTraceID adds trace ID to context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, keyTraceID, traceID)
}

// TraceID extracts trace ID from context.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTraceID).(string)
	return v, ok && v != ""
}

// WithUserID adds user ID to context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, keyUserID, userID)
}

// UserID extracts user ID from context.
func UserID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyUserID).(string)
	return v, ok && v != ""
}

// WithTaskID adds task ID to context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, keyTaskID, taskID)
}

// TaskID extracts task ID from context.
func TaskID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTaskID).(string)
	return v, ok && v != ""
}

// WithCorrelationID adds the causal-chain correlation ID to context.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, keyCorrelationID, correlationID)
}

// CorrelationID extracts correlation ID from context.
func CorrelationID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyCorrelationID).(string)
	return v, ok && v != ""
}
