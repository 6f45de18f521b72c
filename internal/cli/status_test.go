package cli

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusCommand(t *testing.T) {
	isolateHome(t)

	_, err := execute(t, "session", "set-plan", "alpha", "# Plan\n\n- [ ] Look around\n")
	require.NoError(t, err)

	output, err := execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, output, "Gateway: stopped")
	assert.Contains(t, output, "Address: 127.0.0.1:8787")
	assert.Contains(t, output, "Sessions: 1")
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := formatDuration(tt.duration)
			assert.Equal(t, tt.expected, result)
		})
	}
}
