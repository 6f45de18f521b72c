package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	appDirName     = ".devmind"
	configFileName = "devmind.json"
	envPrefix      = "DEVMIND"
)

// Loader reads and writes the JSON config file.
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load reads the config file, falling back to defaults when it does not
// exist, then fills derived paths and environment credentials.
func (l *Loader) Load() (*Config, error) {
	configPath, err := l.path()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindCredentialEnv(v)

	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	if len(cfg.LLM.Profiles) == 0 {
		cfg.LLM.Profiles = profilesFromEnv(v)
	}

	if err := fillPaths(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindCredentialEnv maps the conventional provider variables onto viper keys.
func bindCredentialEnv(v *viper.Viper) {
	_ = v.BindEnv("env.anthropic_api_key", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("env.openai_api_key", "OPENAI_API_KEY")
	_ = v.BindEnv("env.gemini_api_key", "GEMINI_API_KEY", "GOOGLE_API_KEY")
	_ = v.BindEnv("env.ollama_host", "OLLAMA_HOST")
}

func profilesFromEnv(v *viper.Viper) []AIProfile {
	var profiles []AIProfile
	if key := v.GetString("env.anthropic_api_key"); key != "" {
		profiles = append(profiles, AIProfile{ID: "anthropic-env", Provider: "anthropic", APIKey: key, Priority: 1})
	}
	if key := v.GetString("env.openai_api_key"); key != "" {
		profiles = append(profiles, AIProfile{ID: "openai-env", Provider: "openai", APIKey: key, Priority: 2})
	}
	if key := v.GetString("env.gemini_api_key"); key != "" {
		profiles = append(profiles, AIProfile{ID: "gemini-env", Provider: "gemini", APIKey: key, Priority: 3})
	}
	if host := v.GetString("env.ollama_host"); host != "" {
		if !strings.Contains(host, "://") {
			host = "http://" + host
		}
		profiles = append(profiles, AIProfile{ID: "ollama-env", Provider: "ollama", BaseURL: host, Priority: 4})
	}
	return profiles
}

func fillPaths(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, appDirName)
	}
	if cfg.SessionsDir == "" {
		cfg.SessionsDir = filepath.Join(cfg.DataDir, "sessions")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "devmind.log")
	}
	if cfg.Catalog.Path == "" {
		cfg.Catalog.Path = filepath.Join(cfg.DataDir, "catalog.db")
	}
	if cfg.RepoPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
		cfg.RepoPath = wd
	}
	return nil
}

// Save writes cfg to the config file, creating its directory.
func (l *Loader) Save(cfg *Config) error {
	configPath, err := l.path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("data_dir", cfg.DataDir)
	v.Set("sessions_dir", cfg.SessionsDir)
	v.Set("repo_path", cfg.RepoPath)
	v.Set("logging", cfg.Logging)
	v.Set("llm", cfg.LLM)
	v.Set("sandbox", cfg.Sandbox)
	v.Set("chat", cfg.Chat)
	v.Set("gateway", cfg.Gateway)
	v.Set("tracker", cfg.Tracker)
	v.Set("catalog", cfg.Catalog)
	v.Set("tracing", cfg.Tracing)

	if err := v.WriteConfig(); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to write config file: %w", err)
		}
		if err := v.SafeWriteConfig(); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}
	return os.Chmod(configPath, 0o600)
}

// ConfigPath returns the resolved config file path.
func (l *Loader) ConfigPath() string {
	p, _ := l.path()
	return p
}

func (l *Loader) path() (string, error) {
	if l.configPath != "" {
		return l.configPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, appDirName, configFileName), nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
