package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
)

// DefaultOllamaURL is used when a profile has no base URL.
const DefaultOllamaURL = "http://localhost:11434"

// OllamaProvider implements Provider for a local Ollama server
type OllamaProvider struct {
	client  *api.Client
	hostURL string
}

// NewOllamaProvider creates a provider talking to hostURL.
func NewOllamaProvider(hostURL string) (*OllamaProvider, error) {
	if hostURL == "" {
		hostURL = DefaultOllamaURL
	}
	parsed, err := url.Parse(hostURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama url %q: %w", hostURL, err)
	}
	return &OllamaProvider{
		client:  api.NewClient(parsed, http.DefaultClient),
		hostURL: hostURL,
	}, nil
}

// Name returns the provider name
func (p *OllamaProvider) Name() string {
	return "ollama"
}

// Call makes a non-streaming chat call to Ollama
func (p *OllamaProvider) Call(ctx context.Context, request Request) (*Response, error) {
	messages := make([]api.Message, 0, len(request.Messages)+1)
	if request.SystemPrompt != "" {
		messages = append(messages, api.Message{Role: "system", Content: request.SystemPrompt})
	}
	for _, msg := range request.Messages {
		messages = append(messages, api.Message{Role: msg.Role, Content: msg.Content})
	}

	stream := false
	req := &api.ChatRequest{
		Model:    request.Model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": request.Temperature,
			"num_predict": request.MaxTokens,
		},
	}
	if len(request.Tools) > 0 {
		req.Tools = ollamaTools(request.Tools)
	}

	var response api.ChatResponse
	err := p.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama chat at %s: %w", p.hostURL, err)
	}

	result := &Response{
		Content: response.Message.Content,
		Usage: &TokenUsage{
			InputTokens:  response.PromptEvalCount,
			OutputTokens: response.EvalCount,
		},
	}
	for i := range response.Message.ToolCalls {
		call := &response.Message.ToolCalls[i]
		id := call.ID
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        id,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments.ToMap(),
		})
	}
	return result, nil
}

func ollamaTools(tools []Tool) api.Tools {
	out := make(api.Tools, 0, len(tools))
	for _, tool := range tools {
		properties := api.NewToolPropertiesMap()
		if props, ok := tool.Parameters["properties"].(map[string]any); ok {
			for name, raw := range props {
				prop, _ := raw.(map[string]any)
				typ, _ := prop["type"].(string)
				desc, _ := prop["description"].(string)
				p := api.ToolProperty{
					Type:        api.PropertyType{typ},
					Description: desc,
				}
				if enum, ok := prop["enum"].([]any); ok {
					p.Enum = enum
				}
				properties.Set(name, p)
			}
		}
		out = append(out, api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters: api.ToolFunctionParameters{
					Type:       "object",
					Properties: properties,
					Required:   requiredFields(tool.Parameters),
				},
			},
		})
	}
	return out
}
