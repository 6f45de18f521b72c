package agent

import (
	"strings"
	"testing"

	"github.com/harun/devmind/pkg/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistory_AppendAndCopy(t *testing.T) {
	h := NewHistory(0, 0, nil)
	h.Append("q1", "a1")

	msgs := h.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "q1"}, msgs[0])
	assert.Equal(t, llm.Message{Role: llm.RoleAssistant, Content: "a1"}, msgs[1])

	msgs[0].Content = "mutated"
	assert.Equal(t, "q1", h.Messages()[0].Content)
}

func TestHistory_MessageLimit(t *testing.T) {
	h := NewHistory(4, 0, nil)
	for _, q := range []string{"q1", "q2", "q3"} {
		h.Append(q, "a")
	}

	msgs := h.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "q2", msgs[0].Content)
	assert.Equal(t, "q3", msgs[2].Content)
	assert.Equal(t, 2, h.Dropped())
}

func TestHistory_TokenBudget(t *testing.T) {
	counter := llm.NewTokenCounter()
	long := strings.Repeat("lorem ipsum dolor sit amet ", 40)

	h := NewHistory(0, 150, counter)
	h.Append("first "+long, "a")
	h.Append("second", "b")

	msgs := h.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "second", msgs[0].Content)
	assert.LessOrEqual(t, h.Tokens(), 150)
}

func TestHistory_KeepsLatestExchange(t *testing.T) {
	h := NewHistory(1, 1, nil)
	h.Append(strings.Repeat("x", 100), "y")

	assert.Equal(t, 2, h.Len())
	assert.Equal(t, 0, h.Dropped())
}
