package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	containerSnippetDir = "/snippet"
	containerRepoDir    = "/repo"
	nameAlphabet        = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// CheckDocker verifies that the Docker daemon is available and responsive.
func CheckDocker() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "docker", "ps", "-q")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker is not available or not running: %w", err)
	}
	return nil
}

// DockerSandbox runs snippets in ephemeral containers with the repository
// mounted read-only and networking disabled by default.
type DockerSandbox struct {
	config Config
	argv   []string
	logger zerolog.Logger
}

// NewDockerSandbox creates a new Docker-based sandbox.
func NewDockerSandbox(config Config) (*DockerSandbox, error) {
	if config.Runtime == "" {
		config.Runtime = RuntimeDocker
	}
	if err := ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &DockerSandbox{
		config: config,
		argv:   strings.Fields(config.Interpreter),
		logger: config.Logger.With().Str("component", "sandbox").Str("runtime", string(RuntimeDocker)).Logger(),
	}, nil
}

// Runtime implements Executor.
func (d *DockerSandbox) Runtime() Runtime { return RuntimeDocker }

// GetConfig returns sandbox configuration.
func (d *DockerSandbox) GetConfig() Config { return d.config }

// Execute runs snippet inside a fresh container. On timeout the container
// is killed by name since terminating the docker client alone leaves it
// running.
func (d *DockerSandbox) Execute(ctx context.Context, snippet string, timeout time.Duration) ExecutionResult {
	return observe(ctx, RuntimeDocker, d.logger, snippet, func(ctx context.Context) ExecutionResult {
		script, cleanup, err := writeSnippet(snippet, scriptExt(d.argv[0]))
		if err != nil {
			return failed(fmt.Sprintf("prepare snippet: %v", err), -1)
		}
		defer cleanup()
		// The container user is unprivileged.
		if err := os.Chmod(filepath.Dir(script), 0o755); err != nil {
			return failed(fmt.Sprintf("prepare snippet: %v", err), -1)
		}

		suffix, err := gonanoid.Generate(nameAlphabet, 12)
		if err != nil {
			return failed(fmt.Sprintf("container name: %v", err), -1)
		}
		name := "devmind-" + suffix

		execCtx, cancel := context.WithTimeout(ctx, resolveTimeout(timeout, d.config.DefaultTimeout))
		defer cancel()

		cmd := exec.CommandContext(execCtx, "docker", d.buildDockerRunArgs(name, script)...)
		setProcessGroup(cmd)
		cmd.WaitDelay = waitDelay
		stdout := newBoundedBuffer(d.config.MaxOutputBytes)
		stderr := newBoundedBuffer(d.config.MaxOutputBytes)
		cmd.Stdout = stdout
		cmd.Stderr = stderr

		runErr := cmd.Run()
		if execCtx.Err() != nil {
			d.killContainer(name)
		}
		return classify(execCtx, runErr, stdout, stderr, d.config.MaxOutputBytes)
	})
}

func (d *DockerSandbox) killContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, "docker", "kill", name).Run(); err != nil {
		d.logger.Debug().Err(err).Str("container", name).Msg("Container kill failed (likely already gone)")
	}
}

func (d *DockerSandbox) buildDockerRunArgs(name, script string) []string {
	cfg := d.config
	args := []string{"run", "--rm", "--init", "--name", name}

	network := strings.TrimSpace(cfg.Docker.Network)
	if network == "" {
		network = "none"
	}
	args = append(args, "--network", network)

	if cpus := strings.TrimSpace(cfg.Docker.CPUs); cpus != "" {
		args = append(args, "--cpus", cpus)
	}
	if mem := strings.TrimSpace(cfg.Docker.Memory); mem != "" {
		args = append(args, "--memory", mem)
	}
	if cfg.Docker.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(cfg.Docker.PidsLimit))
	}
	args = append(args, "--read-only", "--tmpfs", "/tmp:rw,size=64m")
	if user := strings.TrimSpace(cfg.Docker.User); user != "" {
		args = append(args, "--user", user)
	}
	args = append(args, "--security-opt", "no-new-privileges", "--cap-drop", "ALL")
	args = append(args, cfg.Docker.ExtraArgs...)

	args = append(args, "-v", fmt.Sprintf("%s:%s:ro", filepath.Dir(script), containerSnippetDir))
	workDir := "/tmp"
	if wd := strings.TrimSpace(cfg.WorkDir); wd != "" {
		args = append(args, "-v", fmt.Sprintf("%s:%s:ro", filepath.Clean(wd), containerRepoDir))
		workDir = containerRepoDir
		args = append(args, "-e", "REPO_DIR="+containerRepoDir)
	}
	args = append(args, "-w", workDir, "-e", "HOME=/tmp", "-e", "PYTHONDONTWRITEBYTECODE=1")

	args = append(args, strings.TrimSpace(cfg.Docker.Image))
	args = append(args, d.argv...)
	args = append(args, containerSnippetDir+"/"+filepath.Base(script))
	return args
}
