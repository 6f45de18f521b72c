package llm

// Roles used in Message.Role.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one conversation turn sent to a model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tool describes a function the model may call. Parameters is a JSON
// schema object.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is a function invocation emitted by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Request is a single completion request.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []Tool
	Temperature  float64
	MaxTokens    int
}

// Response is the model's reply.
type Response struct {
	Content   string      `json:"content"`
	ToolCalls []ToolCall  `json:"tool_calls,omitempty"`
	Usage     *TokenUsage `json:"usage,omitempty"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Profile is one configured backend. Lower Priority is tried first.
type Profile struct {
	ID       string `json:"id"`
	Provider string `json:"provider"` // anthropic, openai, gemini, ollama
	APIKey   string `json:"api_key"`
	BaseURL  string `json:"base_url,omitempty"`
	Model    string `json:"model,omitempty"`
	Priority int    `json:"priority"`
}

func (p Profile) label() string {
	if p.ID != "" {
		return p.ID
	}
	return p.Provider
}
