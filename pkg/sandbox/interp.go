package sandbox

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// snippetEntry is the function a prepared Go snippet exposes.
const snippetEntry = "SnippetMain"

var (
	packageClause = regexp.MustCompile(`(?m)^\s*package\s+\w+`)
	mainFunc      = regexp.MustCompile(`(?m)^func\s+main\s*\(\s*\)`)
)

// InterpSandbox interprets Go snippets in-process with yaegi. Only
// packages on the import allowlist may be used. Relative paths given to the
// os and path/filepath file functions resolve against the repository, which
// is also exposed to the snippet as the RepoDir variable.
//
// yaegi cannot preempt interpreted code, so on timeout the run is
// abandoned rather than killed. Use the host or docker runtime when a
// hard kill is required.
type InterpSandbox struct {
	config  Config
	allowed map[string]bool
	logger  zerolog.Logger
}

// NewInterpSandbox creates a Go interpreter sandbox.
func NewInterpSandbox(config Config) (*InterpSandbox, error) {
	if config.Runtime == "" {
		config.Runtime = RuntimeGo
	}
	if err := ValidateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	allowed := make(map[string]bool, len(config.GoImports))
	for _, pkg := range config.GoImports {
		if pkg = strings.TrimSpace(pkg); pkg != "" {
			allowed[pkg] = true
		}
	}
	return &InterpSandbox{
		config:  config,
		allowed: allowed,
		logger:  config.Logger.With().Str("component", "sandbox").Str("runtime", string(RuntimeGo)).Logger(),
	}, nil
}

// Runtime implements Executor.
func (s *InterpSandbox) Runtime() Runtime { return RuntimeGo }

// Execute interprets snippet. A snippet is either a full main package or a
// list of statements, optionally preceded by import declarations.
func (s *InterpSandbox) Execute(ctx context.Context, snippet string, timeout time.Duration) ExecutionResult {
	return observe(ctx, RuntimeGo, s.logger, snippet, func(ctx context.Context) ExecutionResult {
		src, err := prepareGoSnippet(snippet, s.config.WorkDir)
		if err != nil {
			return failed(err.Error(), -1)
		}
		if err := s.validateImports(src); err != nil {
			return failed(err.Error(), -1)
		}

		execCtx, cancel := context.WithTimeout(ctx, resolveTimeout(timeout, s.config.DefaultTimeout))
		defer cancel()

		stdout := newBoundedBuffer(s.config.MaxOutputBytes)
		stderr := newBoundedBuffer(s.config.MaxOutputBytes)
		done := make(chan error, 1)
		go func() {
			done <- runInterpreted(src, repoPaths{dir: s.config.WorkDir}, stdout, stderr)
		}()

		select {
		case runErr := <-done:
			output := formatOutput(stdout.String(), stderr.String(), s.config.MaxOutputBytes, stdout.Dropped()+stderr.Dropped())
			if runErr != nil {
				return ExecutionResult{Success: false, Output: output, Error: runErr.Error(), ExitCode: 1}
			}
			return ExecutionResult{Success: true, Output: output}
		case <-execCtx.Done():
			output := formatOutput(stdout.String(), stderr.String(), s.config.MaxOutputBytes, stdout.Dropped()+stderr.Dropped())
			reason := ErrorTimeout
			if ctx.Err() == context.Canceled {
				reason = "canceled"
			}
			s.logger.Warn().Str("reason", reason).Msg("Abandoning interpreted snippet")
			return ExecutionResult{Success: false, Output: output, Error: reason, ExitCode: -1}
		}
	})
}

func runInterpreted(src string, paths repoPaths, stdout, stderr *boundedBuffer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	i := interp.New(interp.Options{Stdout: stdout, Stderr: stderr})
	if err := i.Use(stdlib.Symbols); err != nil {
		return fmt.Errorf("failed to load stdlib: %w", err)
	}
	if err := i.Use(paths.symbols()); err != nil {
		return fmt.Errorf("failed to bind repository paths: %w", err)
	}
	if _, err := i.Eval(src); err != nil {
		return fmt.Errorf("compile: %w", err)
	}
	v, err := i.Eval("main." + snippetEntry)
	if err != nil {
		return fmt.Errorf("entrypoint: %w", err)
	}
	fn, ok := v.Interface().(func())
	if !ok {
		return fmt.Errorf("entrypoint has unexpected type %s", v.Type())
	}
	fn()
	return nil
}

// prepareGoSnippet turns snippet into a main package exposing
// SnippetMain and RepoDir.
func prepareGoSnippet(snippet, repoDir string) (string, error) {
	var b strings.Builder
	if packageClause.MatchString(snippet) {
		if !mainFunc.MatchString(snippet) {
			return "", ErrNoEntrypoint
		}
		b.WriteString(mainFunc.ReplaceAllString(snippet, "func "+snippetEntry+"()"))
	} else {
		imports, body := splitImports(snippet)
		b.WriteString("package main\n\n")
		for _, imp := range imports {
			b.WriteString(imp)
			b.WriteString("\n")
		}
		b.WriteString("\nfunc " + snippetEntry + "() {\n")
		b.WriteString(body)
		b.WriteString("\n}\n")
	}
	b.WriteString("\nvar RepoDir = " + strconv.Quote(repoDir) + "\n")
	return b.String(), nil
}

// splitImports separates leading import declarations from statements.
func splitImports(snippet string) (imports []string, body string) {
	lines := strings.Split(snippet, "\n")
	var rest []string
	inBlock := false
	var block []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case inBlock:
			block = append(block, line)
			if strings.HasPrefix(trimmed, ")") {
				imports = append(imports, strings.Join(block, "\n"))
				block = nil
				inBlock = false
			}
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
			block = []string{line}
		case strings.HasPrefix(trimmed, "import "):
			imports = append(imports, trimmed)
		default:
			rest = append(rest, line)
		}
	}
	if inBlock {
		imports = append(imports, strings.Join(block, "\n")+"\n)")
	}
	return imports, strings.Join(rest, "\n")
}

func (s *InterpSandbox) validateImports(src string) error {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "snippet.go", src, parser.ImportsOnly)
	if err != nil {
		return fmt.Errorf("parse imports: %w", err)
	}
	var forbidden []string
	for _, spec := range file.Imports {
		path, err := strconv.Unquote(spec.Path.Value)
		if err != nil {
			return fmt.Errorf("parse imports: %w", err)
		}
		if !s.allowed[path] {
			forbidden = append(forbidden, path)
		}
	}
	if len(forbidden) == 0 {
		return nil
	}
	sort.Strings(forbidden)
	return fmt.Errorf("%w: %s", ErrImportNotAllowed, strings.Join(forbidden, ", "))
}
