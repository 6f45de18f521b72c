package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/devmind/internal/observability"
	"github.com/harun/devmind/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Runtime represents the sandbox runtime backend.
type Runtime string

const (
	// RuntimeHost runs snippets through an interpreter process on the host.
	RuntimeHost Runtime = "host"
	// RuntimeDocker runs snippets inside an ephemeral Docker container.
	RuntimeDocker Runtime = "docker"
	// RuntimeGo interprets Go snippets in-process.
	RuntimeGo Runtime = "go"
)

// stderrSeparator introduces the stderr section of a result's output.
const stderrSeparator = "--- STDERR ---"

// ExecutionResult is the outcome of one snippet run.
type ExecutionResult struct {
	Success  bool
	Output   string
	Error    string
	ExitCode int
	Duration time.Duration
}

// TimedOut reports whether the run hit its wall-clock limit.
func (r ExecutionResult) TimedOut() bool {
	return r.Error == ErrorTimeout
}

// Err returns the failure as a *SandboxError, or nil on success.
func (r ExecutionResult) Err() error {
	if r.Success {
		return nil
	}
	var cause error
	if r.TimedOut() {
		cause = ErrExecutionTimeout
	}
	reason := r.Error
	if reason == "" {
		reason = "execution failed"
	}
	return &SandboxError{Reason: reason, Err: cause}
}

// Executor runs a snippet under a hard timeout. Execute never returns an
// error and never panics; every failure is reported in the result.
type Executor interface {
	Execute(ctx context.Context, snippet string, timeout time.Duration) ExecutionResult
	Runtime() Runtime
}

// DockerConfig holds container settings for the docker runtime.
type DockerConfig struct {
	Image     string
	Network   string
	User      string
	CPUs      string
	Memory    string
	PidsLimit int
	ExtraArgs []string
}

// Config configures an Executor.
type Config struct {
	Runtime        Runtime
	Interpreter    string
	WorkDir        string
	DefaultTimeout time.Duration
	MaxOutputBytes int
	Docker         DockerConfig
	GoImports      []string
	Logger         zerolog.Logger
}

// DefaultConfig returns a host runtime running python3 with a 30s budget.
func DefaultConfig() Config {
	return Config{
		Runtime:        RuntimeHost,
		Interpreter:    "python3",
		DefaultTimeout: 30 * time.Second,
		MaxOutputBytes: 64 * 1024,
		Docker: DockerConfig{
			Image:     "python:3.12-slim",
			Network:   "none",
			User:      "65534:65534",
			PidsLimit: 64,
		},
		GoImports: []string{"fmt", "path/filepath", "strings", "sort", "io/fs", "bufio", "regexp"},
		Logger:    zerolog.Nop(),
	}
}

// ValidateConfig checks cfg for the selected runtime.
func ValidateConfig(cfg Config) error {
	switch cfg.Runtime {
	case RuntimeHost, RuntimeDocker, RuntimeGo:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRuntime, cfg.Runtime)
	}
	if cfg.DefaultTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if cfg.MaxOutputBytes < 0 {
		return ErrInvalidOutputLimit
	}
	if cfg.Runtime != RuntimeGo && strings.TrimSpace(cfg.Interpreter) == "" {
		return ErrInterpreterRequired
	}
	if cfg.Runtime == RuntimeDocker && strings.TrimSpace(cfg.Docker.Image) == "" {
		return ErrDockerImageRequired
	}
	return nil
}

// New builds the Executor selected by cfg.Runtime.
func New(cfg Config) (Executor, error) {
	switch cfg.Runtime {
	case RuntimeDocker:
		return NewDockerSandbox(cfg)
	case RuntimeGo:
		return NewInterpSandbox(cfg)
	default:
		return NewHostSandbox(cfg)
	}
}

func resolveTimeout(timeout, fallback time.Duration) time.Duration {
	if timeout > 0 {
		return timeout
	}
	return fallback
}

func failed(reason string, exitCode int) ExecutionResult {
	return ExecutionResult{Success: false, Error: reason, ExitCode: exitCode}
}

// formatOutput joins stdout and stderr and applies the output limit.
// dropped counts bytes already discarded by the capture buffers.
func formatOutput(stdout, stderr string, limit, dropped int) string {
	out := stdout
	if strings.TrimSpace(stderr) != "" {
		if out != "" && !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
		out += stderrSeparator + "\n" + stderr
	}
	return truncate(out, limit, dropped)
}

func truncate(s string, limit, dropped int) string {
	if limit > 0 && len(s) > limit {
		cut := limit
		// Back off to a rune boundary.
		for cut > 0 && s[cut]&0xC0 == 0x80 {
			cut--
		}
		dropped += len(s) - cut
		s = s[:cut]
	}
	if dropped == 0 {
		return s
	}
	return s + fmt.Sprintf("\n... [output truncated: %d bytes omitted]", dropped)
}

// boundedBuffer keeps the first max bytes written to it and discards the
// rest while still reporting full writes, so a chatty child never blocks.
type boundedBuffer struct {
	mu      sync.Mutex
	buf     []byte
	max     int
	dropped int
}

func newBoundedBuffer(max int) *boundedBuffer {
	return &boundedBuffer{max: max}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max <= 0 {
		b.buf = append(b.buf, p...)
		return len(p), nil
	}
	room := b.max - len(b.buf)
	if room <= 0 {
		b.dropped += len(p)
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.dropped += len(p) - room
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// Dropped returns how many bytes were discarded.
func (b *boundedBuffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// observe wraps one execution with a span, metrics, an audit record and
// panic recovery. run must fill in everything except Duration.
func observe(ctx context.Context, rt Runtime, logger zerolog.Logger, snippet string, run func(ctx context.Context) ExecutionResult) (res ExecutionResult) {
	ctx, span := tracing.StartSpan(ctx, "devmind.sandbox", "sandbox.execute",
		attribute.String("runtime", string(rt)),
		attribute.Int("snippet_bytes", len(snippet)),
	)
	defer span.End()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			res = failed(fmt.Sprintf("sandbox panic: %v", r), -1)
		}
		res.Duration = time.Since(start)

		status := "success"
		switch {
		case res.TimedOut():
			status = "timeout"
		case !res.Success:
			status = "error"
		}
		span.SetAttributes(attribute.String("status", status), attribute.Int("exit_code", res.ExitCode))
		if !res.Success {
			span.RecordError(res.Err())
		}
		observability.RecordSandboxExecution(string(rt), status, res.Duration)
		observability.RecordSandboxAudit(ctx, tracing.GetSessionID(ctx), string(rt), status, map[string]interface{}{
			"snippet_bytes": len(snippet),
			"exit_code":     res.ExitCode,
			"duration_ms":   res.Duration.Milliseconds(),
		})
		execLogger := tracing.LoggerFromContext(ctx, logger)
		execLogger.Debug().
			Str("runtime", string(rt)).
			Str("status", status).
			Int("exit_code", res.ExitCode).
			Dur("duration", res.Duration).
			Msg("Snippet executed")
	}()

	if strings.TrimSpace(snippet) == "" {
		return failed(ErrEmptySnippet.Error(), -1)
	}
	return run(ctx)
}

// classify maps a finished process run onto a result.
func classify(execCtx context.Context, runErr error, stdout, stderr *boundedBuffer, limit int) ExecutionResult {
	output := formatOutput(stdout.String(), stderr.String(), limit, stdout.Dropped()+stderr.Dropped())
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return ExecutionResult{Success: false, Output: output, Error: ErrorTimeout, ExitCode: -1}
	}
	if errors.Is(execCtx.Err(), context.Canceled) {
		return ExecutionResult{Success: false, Output: output, Error: "canceled", ExitCode: -1}
	}
	if runErr != nil {
		var exitErr interface{ ExitCode() int }
		if errors.As(runErr, &exitErr) && exitErr.ExitCode() > 0 {
			code := exitErr.ExitCode()
			return ExecutionResult{Success: false, Output: output, Error: fmt.Sprintf("exit status %d", code), ExitCode: code}
		}
		return ExecutionResult{Success: false, Output: output, Error: runErr.Error(), ExitCode: -1}
	}
	return ExecutionResult{Success: true, Output: output}
}
