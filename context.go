package vtracer

import "context"

// traceKeyType is a private type for context keys to avoid collisions.
type traceKeyType string

const (
	traceKey traceKeyType = "vtracer"
)

// ContextWithTrace returns a copy of ctx carrying traceID.
func ContextWithTrace(ctx context.Context, traceID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, traceKey, traceID)
}

// TraceIDFromContext returns the trace id carried by ctx, or "".
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(traceKey).(string); ok {
		return id
	}
	return ""
}

// StartTraceContext starts a trace and returns a context carrying its id.
// If ctx already carries a trace, the new one records it as parent_trace.
func (t *Tracer) StartTraceContext(ctx context.Context, operation string, fields Fields) (context.Context, string) {
	var traceID string
	if parent := TraceIDFromContext(ctx); parent != "" {
		traceID = t.StartChildTrace(parent, operation, fields)
	} else {
		traceID = t.StartTrace(operation, fields)
	}
	return ContextWithTrace(ctx, traceID), traceID
}
