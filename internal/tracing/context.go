package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey identifies one inbound request end to end
	TraceIDKey ContextKey = "trace_id"
	// TurnIDKey identifies one chat turn within a session
	TurnIDKey ContextKey = "turn_id"
	// SessionIDKey carries the session the work belongs to
	SessionIDKey ContextKey = "session_id"
	// ClientIDKey carries the gateway client that issued the request
	ClientIDKey ContextKey = "client_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID   string
	TurnID    string
	SessionID string
	ClientID  string
}

// NewID returns a random identifier for traces and turns.
func NewID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithTurnID adds a turn ID to the context
func WithTurnID(ctx context.Context, turnID string) context.Context {
	return context.WithValue(ctx, TurnIDKey, turnID)
}

// WithSessionID adds a session ID to the context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// WithClientID adds a gateway client ID to the context
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, ClientIDKey, clientID)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string { return stringValue(ctx, TraceIDKey) }

// GetTurnID retrieves the turn ID from the context
func GetTurnID(ctx context.Context) string { return stringValue(ctx, TurnIDKey) }

// GetSessionID retrieves the session ID from the context
func GetSessionID(ctx context.Context) string { return stringValue(ctx, SessionIDKey) }

// GetClientID retrieves the client ID from the context
func GetClientID(ctx context.Context) string { return stringValue(ctx, ClientIDKey) }

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) TraceContext {
	return TraceContext{
		TraceID:   GetTraceID(ctx),
		TurnID:    GetTurnID(ctx),
		SessionID: GetSessionID(ctx),
		ClientID:  GetClientID(ctx),
	}
}

// NewRequestContext returns ctx with a trace ID, keeping one already present.
func NewRequestContext(ctx context.Context) context.Context {
	if GetTraceID(ctx) != "" {
		return ctx
	}
	return WithTraceID(ctx, NewID())
}

// NewTurnContext tags ctx for one chat turn in sessionID.
func NewTurnContext(ctx context.Context, sessionID string) context.Context {
	ctx = NewRequestContext(ctx)
	ctx = WithTurnID(ctx, NewID())
	return WithSessionID(ctx, sessionID)
}
