package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// waitDelay bounds how long Wait blocks on pipes held open by orphaned
// grandchildren after the process group was killed.
const waitDelay = 500 * time.Millisecond

// HostSandbox runs snippets with an interpreter process on the host. Each
// run gets its own process group that is killed when the budget expires.
type HostSandbox struct {
	config Config
	argv   []string
	logger zerolog.Logger
}

// NewHostSandbox creates a host sandbox.
func NewHostSandbox(config Config) (*HostSandbox, error) {
	if config.Runtime == "" {
		config.Runtime = RuntimeHost
	}
	if err := ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	h := &HostSandbox{
		config: config,
		argv:   strings.Fields(config.Interpreter),
		logger: config.Logger.With().Str("component", "sandbox").Str("runtime", string(RuntimeHost)).Logger(),
	}
	h.logger.Warn().
		Str("interpreter", config.Interpreter).
		Str("work_dir", config.WorkDir).
		Msg("Host runtime is not isolated: snippets run with this user's privileges. Use the docker runtime for untrusted repositories")
	return h, nil
}

// Runtime implements Executor.
func (h *HostSandbox) Runtime() Runtime { return RuntimeHost }

// GetConfig returns sandbox configuration.
func (h *HostSandbox) GetConfig() Config { return h.config }

// Execute writes snippet to a temp file and runs the interpreter on it in
// the configured work directory.
func (h *HostSandbox) Execute(ctx context.Context, snippet string, timeout time.Duration) ExecutionResult {
	return observe(ctx, RuntimeHost, h.logger, snippet, func(ctx context.Context) ExecutionResult {
		script, cleanup, err := writeSnippet(snippet, scriptExt(h.argv[0]))
		if err != nil {
			return failed(fmt.Sprintf("prepare snippet: %v", err), -1)
		}
		defer cleanup()

		execCtx, cancel := context.WithTimeout(ctx, resolveTimeout(timeout, h.config.DefaultTimeout))
		defer cancel()

		args := append(append([]string{}, h.argv[1:]...), script)
		cmd := exec.CommandContext(execCtx, h.argv[0], args...)
		cmd.Dir = h.config.WorkDir
		cmd.Env = minimalEnv(h.config.WorkDir)
		setProcessGroup(cmd)
		cmd.WaitDelay = waitDelay

		stdout := newBoundedBuffer(h.config.MaxOutputBytes)
		stderr := newBoundedBuffer(h.config.MaxOutputBytes)
		cmd.Stdout = stdout
		cmd.Stderr = stderr

		runErr := cmd.Run()
		return classify(execCtx, runErr, stdout, stderr, h.config.MaxOutputBytes)
	})
}

// minimalEnv is the environment handed to snippet processes.
func minimalEnv(workDir string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=/tmp",
		"LANG=C.UTF-8",
		"PYTHONDONTWRITEBYTECODE=1",
		"PYTHONUNBUFFERED=1",
	}
	if workDir != "" {
		env = append(env, "REPO_DIR="+workDir)
	}
	return env
}

func writeSnippet(snippet, ext string) (string, func(), error) {
	dir, err := os.MkdirTemp("", "devmind-snippet-")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { _ = os.RemoveAll(dir) }
	path := filepath.Join(dir, "snippet"+ext)
	if err := os.WriteFile(path, []byte(snippet), 0o644); err != nil {
		cleanup()
		return "", nil, err
	}
	return path, cleanup, nil
}

func scriptExt(interpreter string) string {
	base := filepath.Base(interpreter)
	switch {
	case strings.HasPrefix(base, "python"):
		return ".py"
	case base == "node" || base == "deno" || base == "bun":
		return ".js"
	case base == "sh" || base == "bash" || base == "zsh":
		return ".sh"
	case base == "ruby":
		return ".rb"
	default:
		return ""
	}
}
