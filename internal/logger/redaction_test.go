package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedact(t *testing.T) {
	r := NewRedactor()

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "anthropic key",
			input:    "key sk-ant-REDACTED",
			expected: "key [REDACTED]",
		},
		{
			name:     "openai key",
			input:    "key sk-test123456789abcdefghijklmnopqrstuvwxyz",
			expected: "key [REDACTED]",
		},
		{
			name:     "bearer token",
			input:    "Authorization: Bearer abc123.def456",
			expected: "Authorization: [REDACTED]",
		},
		{
			name:     "gateway secret header",
			input:    "X-Devmind-Secret: hunter2",
			expected: "[REDACTED]",
		},
		{
			name:     "plain message",
			input:    "submitted snippet (python, 42 bytes)",
			expected: "submitted snippet (python, 42 bytes)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, r.Redact(tt.input))
		})
	}
}

func TestRedactorAddPattern(t *testing.T) {
	r := NewRedactor()

	require.NoError(t, r.AddPattern(`task-\d+`))
	assert.Equal(t, "closing [REDACTED]", r.Redact("closing task-991"))

	assert.Error(t, r.AddPattern(`(`))
}

func TestRedactorWrap(t *testing.T) {
	var buf bytes.Buffer
	w := NewRedactor().Wrap(&buf)

	in := []byte("token Bearer abc.def")
	n, err := w.Write(in)
	require.NoError(t, err)
	assert.Equal(t, len(in), n)
	assert.Equal(t, "token [REDACTED]", buf.String())
}
