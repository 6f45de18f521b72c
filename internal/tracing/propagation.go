package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext returns base enriched with the IDs carried by ctx.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	lc := base.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.TurnID != "" {
		lc = lc.Str("turn_id", tc.TurnID)
	}
	if tc.SessionID != "" {
		lc = lc.Str("session_id", tc.SessionID)
	}
	if tc.ClientID != "" {
		lc = lc.Str("client_id", tc.ClientID)
	}
	return lc.Logger()
}

// Detach copies the tracing IDs of ctx onto a fresh background context, for
// work that must outlive the caller's cancellation.
func Detach(ctx context.Context) context.Context {
	tc := FromContext(ctx)
	out := context.Background()
	if tc.TraceID != "" {
		out = WithTraceID(out, tc.TraceID)
	}
	if tc.TurnID != "" {
		out = WithTurnID(out, tc.TurnID)
	}
	if tc.SessionID != "" {
		out = WithSessionID(out, tc.SessionID)
	}
	if tc.ClientID != "" {
		out = WithClientID(out, tc.ClientID)
	}
	return out
}
