package llm

import (
	"github.com/tiktoken-go/tokenizer"
)

// perMessageOverhead approximates role and separator tokens.
const perMessageOverhead = 4

// TokenCounter counts tokens with the GPT-4 encoding, which is close
// enough for budgeting across providers.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter returns a counter. If the codec cannot be loaded it
// falls back to a 4-characters-per-token estimate.
func NewTokenCounter() *TokenCounter {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return &TokenCounter{}
	}
	return &TokenCounter{codec: codec}
}

// Count returns the number of tokens in text.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.codec == nil {
		return (len(text) + 3) / 4
	}
	n, err := tc.codec.Count(text)
	if err != nil {
		return (len(text) + 3) / 4
	}
	return n
}

// CountMessages returns the token total for messages.
func (tc *TokenCounter) CountMessages(messages []Message) int {
	total := 0
	for _, msg := range messages {
		total += tc.Count(msg.Content) + perMessageOverhead
	}
	return total
}
