package sandbox

import (
	"errors"
	"fmt"
)

// ErrorTimeout is the ExecutionResult.Error value reported when a snippet
// exceeds its wall-clock budget.
const ErrorTimeout = "timeout"

var (
	// ErrInvalidRuntime is returned when the sandbox runtime is invalid
	ErrInvalidRuntime = errors.New("invalid sandbox runtime")

	// ErrInvalidTimeout is returned when the timeout is invalid
	ErrInvalidTimeout = errors.New("invalid timeout (must be > 0)")

	// ErrInvalidOutputLimit is returned when MaxOutputBytes is negative
	ErrInvalidOutputLimit = errors.New("invalid output limit (must be >= 0)")

	// ErrInterpreterRequired is returned when a process runtime has no interpreter
	ErrInterpreterRequired = errors.New("interpreter is required for process runtimes")

	// ErrDockerImageRequired is returned when Docker runtime is enabled without an image
	ErrDockerImageRequired = errors.New("docker image is required for docker runtime")

	// ErrEmptySnippet is returned when there is nothing to run
	ErrEmptySnippet = errors.New("empty snippet")

	// ErrExecutionTimeout is returned when execution times out
	ErrExecutionTimeout = errors.New(ErrorTimeout)

	// ErrImportNotAllowed is returned when a Go snippet imports a package outside the allowlist
	ErrImportNotAllowed = errors.New("import not allowed")

	// ErrNoEntrypoint is returned when a Go program has no main function
	ErrNoEntrypoint = errors.New("go program has no main function")
)

// SandboxError describes a failed execution. It never crosses Execute; the
// result carries its message and callers rebuild it with ExecutionResult.Err.
type SandboxError struct {
	Runtime Runtime
	Reason  string
	Err     error
}

func (e *SandboxError) Error() string {
	if e.Runtime == "" {
		return fmt.Sprintf("sandbox: %s", e.Reason)
	}
	return fmt.Sprintf("sandbox (%s): %s", e.Runtime, e.Reason)
}

func (e *SandboxError) Unwrap() error {
	return e.Err
}
