package llm

import (
	"context"
	"fmt"
)

// Provider is one model backend.
type Provider interface {
	// Call makes a single model API call.
	Call(ctx context.Context, request Request) (*Response, error)

	// Name returns the provider name.
	Name() string
}

// ProviderFactory creates providers from profiles.
type ProviderFactory interface {
	NewProvider(profile Profile) (Provider, error)
}

// DefaultFactory builds the SDK-backed providers.
type DefaultFactory struct{}

// NewProvider creates a new provider for profile.
func (DefaultFactory) NewProvider(profile Profile) (Provider, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey, profile.BaseURL), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey, profile.BaseURL), nil
	case "gemini":
		return NewGeminiProvider(profile.APIKey), nil
	case "ollama":
		return NewOllamaProvider(profile.BaseURL)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

// FactoryFunc adapts a function to ProviderFactory.
type FactoryFunc func(profile Profile) (Provider, error)

// NewProvider implements ProviderFactory.
func (f FactoryFunc) NewProvider(profile Profile) (Provider, error) {
	return f(profile)
}
