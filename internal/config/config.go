package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config is the devmind process configuration. It is built once at startup
// and passed by value or pointer into every component constructor.
type Config struct {
	// Root for sessions, logs and the catalog database
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Base directory holding one sub-directory per session
	SessionsDir string `json:"sessions_dir" mapstructure:"sessions_dir"`

	// Repository the sandbox runs snippets against
	RepoPath string `json:"repo_path" mapstructure:"repo_path"`

	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	LLM     LLMConfig     `json:"llm" mapstructure:"llm"`
	Sandbox SandboxConfig `json:"sandbox" mapstructure:"sandbox"`
	Chat    ChatConfig    `json:"chat" mapstructure:"chat"`
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`
	Tracker TrackerConfig `json:"tracker" mapstructure:"tracker"`
	Catalog CatalogConfig `json:"catalog" mapstructure:"catalog"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// LLMConfig configures model calls.
type LLMConfig struct {
	Model                 string      `json:"model" mapstructure:"model"`
	Temperature           float64     `json:"temperature" mapstructure:"temperature"`
	MaxTokens             int         `json:"max_tokens" mapstructure:"max_tokens"`
	RequestTimeoutSeconds int         `json:"request_timeout_seconds" mapstructure:"request_timeout_seconds"`
	MaxRetries            int         `json:"max_retries" mapstructure:"max_retries"`
	Profiles              []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// RequestTimeout returns the per-call network timeout.
func (c LLMConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// AIProfile is one set of credentials for a model backend.
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai, gemini, ollama
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url" mapstructure:"base_url"`
	Model    string `json:"model" mapstructure:"model"` // overrides LLMConfig.Model
	Priority int    `json:"priority" mapstructure:"priority"`
}

// SandboxConfig selects and bounds the snippet runtime.
type SandboxConfig struct {
	Runtime        string       `json:"runtime" mapstructure:"runtime"` // host, docker, go
	Interpreter    string       `json:"interpreter" mapstructure:"interpreter"`
	TimeoutSeconds int          `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	MaxOutputBytes int          `json:"max_output_bytes" mapstructure:"max_output_bytes"`
	Docker         DockerConfig `json:"docker" mapstructure:"docker"`
	GoImports      []string     `json:"go_imports" mapstructure:"go_imports"`
}

// DockerConfig holds container settings for the docker runtime.
type DockerConfig struct {
	Image  string `json:"image" mapstructure:"image"`
	User   string `json:"user" mapstructure:"user"`
	CPUs   string `json:"cpus" mapstructure:"cpus"`
	Memory string `json:"memory" mapstructure:"memory"`
}

// ChatConfig tunes the per-turn agent loop.
type ChatConfig struct {
	ExecTimeoutSeconds int    `json:"exec_timeout_seconds" mapstructure:"exec_timeout_seconds"`
	HistoryLimit       int    `json:"history_limit" mapstructure:"history_limit"`
	MaxContextTokens   int    `json:"max_context_tokens" mapstructure:"max_context_tokens"`
	InterpretResults   bool   `json:"interpret_results" mapstructure:"interpret_results"`
	SystemPrompt       string `json:"system_prompt" mapstructure:"system_prompt"`
}

// ExecTimeout returns the sandbox bound applied to every snippet.
func (c ChatConfig) ExecTimeout() time.Duration {
	return time.Duration(c.ExecTimeoutSeconds) * time.Second
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port         int    `json:"port" mapstructure:"port"`
	Host         string `json:"host" mapstructure:"host"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// Addr returns host:port.
func (c GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TrackerConfig points at the optional task-tracking API.
type TrackerConfig struct {
	Enabled        bool   `json:"enabled" mapstructure:"enabled"`
	BaseURL        string `json:"base_url" mapstructure:"base_url"`
	APIKey         string `json:"api_key" mapstructure:"api_key"`
	Author         string `json:"author" mapstructure:"author"`
	TaskID         string `json:"task_id" mapstructure:"task_id"`
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// CatalogConfig controls the SQLite session index.
type CatalogConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Path    string `json:"path" mapstructure:"path"`
}

// TracingConfig controls OpenTelemetry span export.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			MaxSize:   50,
			MaxAge:    14,
			Compress:  true,
			Redaction: true,
		},
		LLM: LLMConfig{
			Model:                 "claude-sonnet-4-5",
			Temperature:           0.2,
			MaxTokens:             4096,
			RequestTimeoutSeconds: 60,
			MaxRetries:            1,
			Profiles:              []AIProfile{},
		},
		Sandbox: SandboxConfig{
			Runtime:        "host",
			Interpreter:    "python3",
			TimeoutSeconds: 30,
			MaxOutputBytes: 64 * 1024,
			Docker: DockerConfig{
				Image:  "python:3.12-slim",
				User:   "65534:65534",
				CPUs:   "1",
				Memory: "512m",
			},
			GoImports: []string{"fmt", "path/filepath", "strings", "sort", "io/fs", "bufio", "regexp"},
		},
		Chat: ChatConfig{
			ExecTimeoutSeconds: 30,
			HistoryLimit:       20,
			MaxContextTokens:   8000,
			InterpretResults:   false,
		},
		Gateway: GatewayConfig{
			Port: 8787,
			Host: "127.0.0.1",
		},
		Tracker: TrackerConfig{
			Author:         "devmind",
			TimeoutSeconds: 10,
		},
		Catalog: CatalogConfig{
			Enabled: true,
		},
		Tracing: TracingConfig{
			ServiceName: "devmind",
		},
	}
}

// String returns a JSON representation of the config with secrets masked.
func (c *Config) String() string {
	masked := *c
	masked.LLM.Profiles = make([]AIProfile, len(c.LLM.Profiles))
	for i, p := range c.LLM.Profiles {
		if p.APIKey != "" {
			p.APIKey = "***"
		}
		masked.LLM.Profiles[i] = p
	}
	if masked.Gateway.SharedSecret != "" {
		masked.Gateway.SharedSecret = "***"
	}
	if masked.Tracker.APIKey != "" {
		masked.Tracker.APIKey = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

var validProviders = []string{"anthropic", "openai", "gemini", "ollama"}

var validRuntimes = []string{"host", "docker", "go"}

// Validate checks the fields every command depends on.
func (c *Config) Validate() error {
	if len(c.LLM.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: at least one llm profile is required")
	}

	for i, profile := range c.LLM.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("llm profile %d: id is required", i)
		}
		if !contains(validProviders, profile.Provider) {
			return fmt.Errorf("llm profile %s: invalid provider %q (must be one of: anthropic, openai, gemini, ollama)", profile.ID, profile.Provider)
		}
		if profile.APIKey == "" && profile.Provider != "ollama" {
			return fmt.Errorf("llm profile %s: api_key is required", profile.ID)
		}
	}

	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if c.LLM.MaxRetries < 0 || c.LLM.MaxRetries > 1 {
		return fmt.Errorf("llm.max_retries must be 0 or 1, got %d", c.LLM.MaxRetries)
	}
	if c.LLM.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("llm.request_timeout_seconds must be positive")
	}

	if !contains(validRuntimes, c.Sandbox.Runtime) {
		return fmt.Errorf("invalid sandbox runtime %q (must be one of: host, docker, go)", c.Sandbox.Runtime)
	}
	if c.Chat.ExecTimeoutSeconds <= 0 {
		return fmt.Errorf("chat.exec_timeout_seconds must be positive")
	}

	if c.Tracker.Enabled && c.Tracker.BaseURL == "" {
		return fmt.Errorf("tracker.base_url is required when the tracker is enabled")
	}

	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
