package agent

import (
	"sync"

	"github.com/harun/devmind/pkg/llm"
)

// History is the running conversation sent with each routing call. It is
// bounded by message count and by an approximate token budget; the oldest
// exchanges are dropped first.
type History struct {
	mu        sync.Mutex
	messages  []llm.Message
	limit     int
	maxTokens int
	counter   *llm.TokenCounter
	dropped   int
}

// NewHistory creates a history. limit <= 0 or maxTokens <= 0 disables the
// corresponding bound.
func NewHistory(limit, maxTokens int, counter *llm.TokenCounter) *History {
	return &History{limit: limit, maxTokens: maxTokens, counter: counter}
}

// Append records one exchange.
func (h *History) Append(query, reply string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages,
		llm.Message{Role: llm.RoleUser, Content: query},
		llm.Message{Role: llm.RoleAssistant, Content: reply},
	)
	h.compact()
}

// Messages returns a copy of the retained messages.
func (h *History) Messages() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]llm.Message(nil), h.messages...)
}

// Len returns the number of retained messages.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

// Dropped returns how many messages compaction has removed.
func (h *History) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Tokens returns the token estimate of the retained messages.
func (h *History) Tokens() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counter.CountMessages(h.messages)
}

// compact drops whole exchanges from the front. The latest exchange is
// always kept so the model sees the previous answer.
func (h *History) compact() {
	for len(h.messages) > 2 {
		overCount := h.limit > 0 && len(h.messages) > h.limit
		overTokens := h.maxTokens > 0 && h.counter.CountMessages(h.messages) > h.maxTokens
		if !overCount && !overTokens {
			return
		}
		h.messages = h.messages[2:]
		h.dropped += 2
	}
}
