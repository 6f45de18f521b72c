package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/devmind/internal/config"
	"github.com/harun/devmind/internal/logger"
	"github.com/harun/devmind/internal/observability"
	"github.com/harun/devmind/internal/tracing"
	"github.com/harun/devmind/pkg/agent"
	"github.com/harun/devmind/pkg/catalog"
	"github.com/harun/devmind/pkg/commandqueue"
	"github.com/harun/devmind/pkg/llm"
	"github.com/harun/devmind/pkg/router"
	"github.com/harun/devmind/pkg/sandbox"
	"github.com/harun/devmind/pkg/sessionstore"
	"github.com/harun/devmind/pkg/tracker"
	"github.com/rs/zerolog"
)

// app holds the components a command needs, wired from one config.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	logger  zerolog.Logger
	store   *sessionstore.Store
	queue   *commandqueue.CommandQueue
	catalog *catalog.Catalog
	tracker *tracker.Client
	manager *agent.Manager
}

type appOptions struct {
	// withAgent wires the model client, router and sandbox. Artifact-only
	// commands leave it off so they work without credentials.
	withAgent bool
	// console mirrors logs to stderr; the REPL keeps them in the log file.
	console bool
}

func newApp(cfg *config.Config, opts appOptions) (*app, error) {
	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   opts.console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}
	a := &app{cfg: cfg, log: log, logger: log.Zerolog()}

	if err := a.init(opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(opts appOptions) error {
	cfg := a.cfg
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	if cfg.Tracing.Enabled {
		info := tracing.ServiceInfo{
			Name:           cfg.Tracing.ServiceName,
			Version:        GetVersion(),
			SandboxRuntime: cfg.Sandbox.Runtime,
			Model:          cfg.LLM.Model,
		}
		if err := tracing.InitOpenTelemetry(info); err != nil {
			a.logger.Warn().Err(err).Msg("Tracing disabled")
		}
	}
	if err := observability.InitAuditLogger(filepath.Join(cfg.DataDir, "audit.log")); err != nil {
		a.logger.Warn().Err(err).Msg("Audit log disabled")
	}

	store, err := sessionstore.New(cfg.SessionsDir)
	if err != nil {
		return err
	}
	a.store = store

	if cfg.Catalog.Enabled {
		cat, err := catalog.Open(catalog.Config{Path: cfg.Catalog.Path, Logger: a.logger})
		if err != nil {
			a.logger.Warn().Err(err).Msg("Session catalog unavailable")
		} else {
			a.catalog = cat
		}
	}

	if cfg.Tracker.Enabled {
		a.tracker = tracker.New(tracker.Config{
			BaseURL: cfg.Tracker.BaseURL,
			APIKey:  cfg.Tracker.APIKey,
			Author:  cfg.Tracker.Author,
			Timeout: time.Duration(cfg.Tracker.TimeoutSeconds) * time.Second,
			Logger:  a.logger,
		})
	}

	if !opts.withAgent {
		return nil
	}
	return a.initAgent()
}

func (a *app) initAgent() error {
	cfg := a.cfg

	client, err := llm.NewClient(llm.ClientConfig{
		Profiles:       profilesFrom(cfg.LLM.Profiles),
		Model:          cfg.LLM.Model,
		Temperature:    cfg.LLM.Temperature,
		MaxTokens:      cfg.LLM.MaxTokens,
		RequestTimeout: cfg.LLM.RequestTimeout(),
		MaxRetries:     cfg.LLM.MaxRetries,
		RetryDelay:     time.Second,
		Logger:         a.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create model client (run 'devmind configure'): %w", err)
	}

	sbCfg := sandbox.DefaultConfig()
	sbCfg.Runtime = sandbox.Runtime(cfg.Sandbox.Runtime)
	sbCfg.Interpreter = cfg.Sandbox.Interpreter
	sbCfg.WorkDir = cfg.RepoPath
	sbCfg.DefaultTimeout = time.Duration(cfg.Sandbox.TimeoutSeconds) * time.Second
	sbCfg.MaxOutputBytes = cfg.Sandbox.MaxOutputBytes
	sbCfg.Docker.Image = cfg.Sandbox.Docker.Image
	sbCfg.Docker.User = cfg.Sandbox.Docker.User
	sbCfg.Docker.CPUs = cfg.Sandbox.Docker.CPUs
	sbCfg.Docker.Memory = cfg.Sandbox.Docker.Memory
	if len(cfg.Sandbox.GoImports) > 0 {
		sbCfg.GoImports = cfg.Sandbox.GoImports
	}
	sbCfg.Logger = a.logger
	executor, err := sandbox.New(sbCfg)
	if err != nil {
		return fmt.Errorf("failed to create sandbox: %w", err)
	}

	rt := router.New(client, router.Config{
		Model:        cfg.LLM.Model,
		SystemPrompt: cfg.Chat.SystemPrompt,
		Temperature:  cfg.LLM.Temperature,
		MaxTokens:    cfg.LLM.MaxTokens,
		Language:     snippetLanguage(sbCfg),
		Logger:       a.logger,
	})

	sessCfg := agent.Config{
		Router:           rt,
		Sandbox:          executor,
		Provider:         client,
		InterpretResults: cfg.Chat.InterpretResults,
		Model:            cfg.LLM.Model,
		ExecTimeout:      cfg.Chat.ExecTimeout(),
		HistoryLimit:     cfg.Chat.HistoryLimit,
		MaxContextTokens: cfg.Chat.MaxContextTokens,
		Counter:          llm.NewTokenCounter(),
		TaskID:           cfg.Tracker.TaskID,
		Logger:           a.logger,
	}
	if a.tracker != nil {
		sessCfg.Tracker = a.tracker
	}
	if a.catalog != nil {
		sessCfg.Recorder = a.catalog
	}

	a.queue = commandqueue.New()
	manager, err := agent.NewManager(agent.ManagerConfig{
		Store:   a.store,
		Queue:   a.queue,
		Session: sessCfg,
		Logger:  a.logger,
	})
	if err != nil {
		return err
	}
	a.manager = manager
	return nil
}

// Close releases everything newApp opened, in reverse order.
func (a *app) Close() {
	if a.manager != nil {
		a.manager.Close()
	}
	if a.queue != nil {
		_ = a.queue.Close()
	}
	if a.catalog != nil {
		_ = a.catalog.Close()
	}
	if a.cfg.Tracing.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = tracing.ShutdownOpenTelemetry(ctx)
		cancel()
	}
	_ = observability.GetAuditLogger().Close()
	observability.SetAuditLogger(observability.NewAuditLogger(os.Stderr))
	_ = a.log.Close()
}

func profilesFrom(in []config.AIProfile) []llm.Profile {
	out := make([]llm.Profile, 0, len(in))
	for _, p := range in {
		out = append(out, llm.Profile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			BaseURL:  p.BaseURL,
			Model:    p.Model,
			Priority: p.Priority,
		})
	}
	return out
}

// snippetLanguage names the language the configured runtime executes. The
// router accepts snippets in this language only.
func snippetLanguage(cfg sandbox.Config) string {
	if cfg.Runtime == sandbox.RuntimeGo {
		return "go"
	}
	base := filepath.Base(cfg.Interpreter)
	switch {
	case strings.HasPrefix(base, "python"):
		return "python"
	case base == "sh" || base == "bash" || base == "zsh":
		return "sh"
	case strings.HasPrefix(base, "node"):
		return "javascript"
	case base == "":
		return "python"
	default:
		return base
	}
}
