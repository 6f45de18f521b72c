package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenCounter_Count(t *testing.T) {
	tc := NewTokenCounter()

	assert.Equal(t, 0, tc.Count(""))
	short := tc.Count("hello world")
	long := tc.Count(strings.Repeat("hello world ", 50))
	assert.Positive(t, short)
	assert.Greater(t, long, short)
}

func TestTokenCounter_CountMessages(t *testing.T) {
	tc := NewTokenCounter()
	msgs := []Message{{Role: RoleUser, Content: "hi"}, {Role: RoleAssistant, Content: "hello"}}

	assert.Equal(t, tc.Count("hi")+tc.Count("hello")+2*perMessageOverhead, tc.CountMessages(msgs))
}

func TestTokenCounter_NilFallsBack(t *testing.T) {
	var tc *TokenCounter
	assert.Equal(t, 2, tc.Count("abcdefgh"))
}
