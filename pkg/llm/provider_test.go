package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

var runCodeSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"code":     map[string]any{"type": "string", "description": "snippet"},
		"language": map[string]any{"type": "string", "enum": []any{"python"}},
	},
	"required": []any{"code"},
}

func TestDefaultFactory(t *testing.T) {
	f := DefaultFactory{}
	for _, name := range []string{"anthropic", "openai", "gemini", "ollama"} {
		p, err := f.NewProvider(Profile{Provider: name, APIKey: "k"})
		require.NoError(t, err)
		assert.Equal(t, name, p.Name())
	}

	_, err := f.NewProvider(Profile{Provider: "mistral"})
	assert.EqualError(t, err, "unsupported provider: mistral")
}

func TestRequiredFields(t *testing.T) {
	assert.Equal(t, []string{"code"}, requiredFields(runCodeSchema))
	assert.Equal(t, []string{"a"}, requiredFields(map[string]any{"required": []string{"a"}}))
	assert.Nil(t, requiredFields(map[string]any{}))
}

func TestGeminiSchema(t *testing.T) {
	s := geminiSchema(runCodeSchema)

	assert.Equal(t, genai.TypeObject, s.Type)
	require.Contains(t, s.Properties, "code")
	assert.Equal(t, genai.TypeString, s.Properties["code"].Type)
	assert.Equal(t, "snippet", s.Properties["code"].Description)
	assert.Equal(t, []string{"code"}, s.Required)
	assert.Nil(t, geminiSchema(nil))
}

func TestOllamaTools(t *testing.T) {
	tools := ollamaTools([]Tool{{Name: "run_code", Description: "run", Parameters: runCodeSchema}})

	require.Len(t, tools, 1)
	assert.Equal(t, "function", tools[0].Type)
	assert.Equal(t, "run_code", tools[0].Function.Name)
	assert.Equal(t, []string{"code"}, tools[0].Function.Parameters.Required)
	code, ok := tools[0].Function.Parameters.Properties.Get("code")
	require.True(t, ok)
	assert.Equal(t, "snippet", code.Description)
	lang, ok := tools[0].Function.Parameters.Properties.Get("language")
	require.True(t, ok)
	assert.Equal(t, []any{"python"}, lang.Enum)
}

func TestOllamaProvider_CallParsesToolCalls(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"model":"qwen","message":{"role":"assistant","content":"Counting.",`+
			`"tool_calls":[{"function":{"name":"run_code","arguments":{"code":"print(2)","language":"python"}}}]},`+
			`"done":true,"prompt_eval_count":12,"eval_count":5}`+"\n")
	}))
	defer srv.Close()

	p, err := NewOllamaProvider(srv.URL)
	require.NoError(t, err)

	resp, err := p.Call(context.Background(), Request{
		Model:        "qwen",
		SystemPrompt: "be brief",
		Messages:     []Message{{Role: RoleUser, Content: "how many?"}},
		Tools:        []Tool{{Name: "run_code", Parameters: runCodeSchema}},
	})
	require.NoError(t, err)

	assert.Equal(t, "Counting.", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_0", resp.ToolCalls[0].ID)
	assert.Equal(t, "run_code", resp.ToolCalls[0].Name)
	assert.Equal(t, "print(2)", resp.ToolCalls[0].Arguments["code"])
	assert.Equal(t, 12, resp.Usage.InputTokens)
	assert.Equal(t, "qwen", got["model"])
}

func TestNewOllamaProvider_DefaultURL(t *testing.T) {
	p, err := NewOllamaProvider("")
	require.NoError(t, err)
	assert.Equal(t, DefaultOllamaURL, p.hostURL)

	_, err = NewOllamaProvider("http://bad host")
	assert.Error(t, err)
}
