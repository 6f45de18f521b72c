package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validator performs field-level checks that are too strict for Validate,
// reporting every problem instead of stopping at the first.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey checks the key shape for providers with a known prefix.
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if provider == "ollama" {
		return nil
	}
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	case "gemini":
		if !strings.HasPrefix(key, "AIza") {
			return fmt.Errorf("invalid Gemini API key format (should start with AIza)")
		}
	}

	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %g", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	for _, valid := range []string{"debug", "info", "warn", "error"} {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: debug, info, warn, error)", level)
}

// ValidateURL checks that raw is an absolute http(s) URL.
func (v *Validator) ValidateURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s: scheme must be http or https, got %q", field, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%s: host is required", field)
	}
	return nil
}

// ValidatePort validates a TCP port.
func (v *Validator) ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	for i, profile := range cfg.LLM.Profiles {
		if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
			errs = append(errs, fmt.Errorf("llm profile %d (%s): %w", i, profile.ID, err))
		}
		if profile.BaseURL != "" {
			if err := v.ValidateURL("base_url", profile.BaseURL); err != nil {
				errs = append(errs, fmt.Errorf("llm profile %d (%s): %w", i, profile.ID, err))
			}
		}
	}

	if err := v.ValidateTemperature(cfg.LLM.Temperature); err != nil {
		errs = append(errs, fmt.Errorf("llm: %w", err))
	}
	if err := v.ValidateMaxTokens(cfg.LLM.MaxTokens); err != nil {
		errs = append(errs, fmt.Errorf("llm: %w", err))
	}

	if cfg.Sandbox.MaxOutputBytes < 0 {
		errs = append(errs, fmt.Errorf("sandbox.max_output_bytes must be >= 0"))
	}
	if cfg.Sandbox.Runtime == "host" && cfg.Sandbox.Interpreter == "" {
		errs = append(errs, fmt.Errorf("sandbox.interpreter is required for the host runtime"))
	}
	if cfg.Sandbox.Runtime == "docker" && cfg.Sandbox.Docker.Image == "" {
		errs = append(errs, fmt.Errorf("sandbox.docker.image is required for the docker runtime"))
	}

	if cfg.Chat.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("chat.history_limit must be >= 0"))
	}
	if cfg.Chat.MaxContextTokens < 0 {
		errs = append(errs, fmt.Errorf("chat.max_context_tokens must be >= 0"))
	}

	if err := v.ValidatePort(cfg.Gateway.Port); err != nil {
		errs = append(errs, fmt.Errorf("gateway: %w", err))
	}

	if cfg.Tracker.Enabled {
		if err := v.ValidateURL("tracker.base_url", cfg.Tracker.BaseURL); err != nil {
			errs = append(errs, err)
		}
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	return errs
}
