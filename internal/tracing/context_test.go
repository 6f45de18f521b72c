package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextIDs(t *testing.T) {
	t.Run("should return empty strings when unset", func(t *testing.T) {
		tc := FromContext(context.Background())
		assert.Equal(t, TraceContext{}, tc)
	})

	t.Run("should round trip every id", func(t *testing.T) {
		ctx := WithTraceID(context.Background(), "trace-1")
		ctx = WithTurnID(ctx, "turn-1")
		ctx = WithSessionID(ctx, "session-1")
		ctx = WithClientID(ctx, "client-1")

		assert.Equal(t, TraceContext{
			TraceID:   "trace-1",
			TurnID:    "turn-1",
			SessionID: "session-1",
			ClientID:  "client-1",
		}, FromContext(ctx))
	})
}

func TestNewTurnContext(t *testing.T) {
	t.Run("should keep an existing trace id", func(t *testing.T) {
		ctx := WithTraceID(context.Background(), "trace-keep")

		ctx = NewTurnContext(ctx, "s1")

		assert.Equal(t, "trace-keep", GetTraceID(ctx))
		assert.Equal(t, "s1", GetSessionID(ctx))
		assert.NotEmpty(t, GetTurnID(ctx))
	})

	t.Run("should mint a fresh turn id every time", func(t *testing.T) {
		a := NewTurnContext(context.Background(), "s1")
		b := NewTurnContext(context.Background(), "s1")

		assert.NotEqual(t, GetTurnID(a), GetTurnID(b))
		assert.NotEqual(t, GetTraceID(a), GetTraceID(b))
	})
}

func TestStartSpan(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "devmind.test", "test.span")
	defer span.End()

	assert.NotNil(t, ctx)
	assert.NotNil(t, span)
}
