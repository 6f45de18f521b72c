package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Wizard walks a user through the minimum settings needed to chat.
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading answers from in and prompting on out.
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{reader: bufio.NewReader(in), out: out}
}

// Run asks for one model profile, the repository path and the sandbox
// runtime, starting from base (or defaults when base is nil).
func (w *Wizard) Run(base *Config) (*Config, error) {
	cfg := base
	if cfg == nil {
		cfg = DefaultConfig()
	}
	validator := NewValidator()

	fmt.Fprintln(w.out, "=== devmind configuration ===")
	fmt.Fprintln(w.out)

	var provider string
	for {
		answer, err := w.ask("Provider (anthropic, openai, gemini, ollama)", "anthropic")
		if err != nil {
			return nil, err
		}
		if contains(validProviders, answer) {
			provider = answer
			break
		}
		fmt.Fprintf(w.out, "Error: unknown provider %q\n", answer)
	}

	profile := AIProfile{ID: provider + "-default", Provider: provider, Priority: 1}
	if provider == "ollama" {
		baseURL, err := w.ask("Ollama URL", "http://localhost:11434")
		if err != nil {
			return nil, err
		}
		profile.BaseURL = baseURL
	} else {
		for {
			key, err := w.ask(fmt.Sprintf("%s API key", provider), "")
			if err != nil {
				return nil, err
			}
			if err := validator.ValidateAPIKey(key, provider); err != nil {
				fmt.Fprintf(w.out, "Error: %v\n", err)
				continue
			}
			profile.APIKey = key
			break
		}
	}

	model, err := w.ask("Model", defaultModelFor(provider, cfg.LLM.Model))
	if err != nil {
		return nil, err
	}
	cfg.LLM.Model = model
	cfg.LLM.Profiles = append([]AIProfile{profile}, cfg.LLM.Profiles...)

	repo, err := w.ask("Repository path", cfg.RepoPath)
	if err != nil {
		return nil, err
	}
	cfg.RepoPath = repo

	for {
		runtime, err := w.ask("Sandbox runtime (host, docker, go)", cfg.Sandbox.Runtime)
		if err != nil {
			return nil, err
		}
		if contains(validRuntimes, runtime) {
			cfg.Sandbox.Runtime = runtime
			break
		}
		fmt.Fprintf(w.out, "Error: unknown runtime %q\n", runtime)
	}

	timeout, err := w.ask("Execution timeout in seconds", strconv.Itoa(cfg.Chat.ExecTimeoutSeconds))
	if err != nil {
		return nil, err
	}
	if n, convErr := strconv.Atoi(timeout); convErr == nil && n > 0 {
		cfg.Chat.ExecTimeoutSeconds = n
	}

	return cfg, nil
}

func defaultModelFor(provider, current string) string {
	switch provider {
	case "openai":
		return "gpt-4o"
	case "gemini":
		return "gemini-2.5-flash"
	case "ollama":
		return "qwen2.5-coder"
	}
	return current
}

func (w *Wizard) ask(prompt, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(w.out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(w.out, "%s: ", prompt)
	}
	line, err := w.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		if err == io.EOF && def != "" {
			return def, nil
		}
		return "", fmt.Errorf("failed to read answer: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return def, nil
	}
	return line, nil
}
