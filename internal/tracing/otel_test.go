package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func TestNewResource(t *testing.T) {
	res, err := newResource(context.Background(), ServiceInfo{
		Name:           "devmind",
		Version:        "0.3.0",
		SandboxRuntime: "docker",
		Model:          "qwen2.5-coder",
	})
	require.NoError(t, err)

	set := res.Set()
	for key, want := range map[attribute.Key]string{
		semconv.ServiceNameKey:      "devmind",
		semconv.ServiceNamespaceKey: "devmind",
		semconv.ServiceVersionKey:   "0.3.0",
		"devmind.sandbox.runtime":   "docker",
		"devmind.llm.model":         "qwen2.5-coder",
	} {
		got, ok := set.Value(key)
		require.True(t, ok, key)
		assert.Equal(t, want, got.AsString(), key)
	}
	_, ok := set.Value(semconv.ProcessRuntimeNameKey)
	assert.True(t, ok)
}

func TestNewResource_OmitsEmptyFields(t *testing.T) {
	res, err := newResource(context.Background(), ServiceInfo{Name: "devmind"})
	require.NoError(t, err)

	_, ok := res.Set().Value(semconv.ServiceVersionKey)
	assert.False(t, ok)
	_, ok = res.Set().Value("devmind.sandbox.runtime")
	assert.False(t, ok)
}
