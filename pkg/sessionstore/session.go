package sessionstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harun/devmind/internal/observability"
	"github.com/harun/devmind/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Session is an open handle on one session directory.
type Session struct {
	id   string
	dir  string
	now  func() time.Time
	lock *sync.Mutex
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// Dir returns the session directory.
func (s *Session) Dir() string { return s.dir }

// Path returns the absolute path of artifact a.
func (s *Session) Path(a Artifact) string {
	return filepath.Join(s.dir, string(a))
}

func (s *Session) initialContent(a Artifact) string {
	switch a {
	case ArtifactPlan:
		return DefaultPlan.Markdown()
	case ArtifactFindings:
		return findingsHeader
	default:
		return progressHeader(s.now())
	}
}

func (s *Session) read(a Artifact) (string, error) {
	data, err := os.ReadFile(s.Path(a))
	if err != nil {
		return "", &StorageError{Op: "read", Path: s.Path(a), Err: err}
	}
	return string(data), nil
}

// ReadPlan returns the full plan text.
func (s *Session) ReadPlan() (string, error) {
	return s.read(ArtifactPlan)
}

// Plan returns the parsed plan.
func (s *Session) Plan() (Plan, error) {
	text, err := s.ReadPlan()
	if err != nil {
		return Plan{}, err
	}
	return ParsePlan(text), nil
}

// ReadFindings returns the full findings log.
func (s *Session) ReadFindings() (string, error) {
	return s.read(ArtifactFindings)
}

// Findings returns the parsed findings in the order they were logged.
func (s *Session) Findings() ([]Finding, error) {
	text, err := s.ReadFindings()
	if err != nil {
		return nil, err
	}
	return ParseFindings(text), nil
}

// ReadProgress returns the full progress log.
func (s *Session) ReadProgress() (string, error) {
	return s.read(ArtifactProgress)
}

// Progress returns the parsed progress entries in the order they were logged.
func (s *Session) Progress() ([]ProgressEntry, error) {
	text, err := s.ReadProgress()
	if err != nil {
		return nil, err
	}
	return ParseProgress(text, nil), nil
}

// UpdatePlan replaces the plan with text.
func (s *Session) UpdatePlan(text string) error {
	return s.UpdatePlanWithContext(context.Background(), text)
}

// UpdatePlanWithContext replaces the plan with text. Nothing of the previous
// plan survives.
func (s *Session) UpdatePlanWithContext(ctx context.Context, text string) error {
	return s.mutate(ctx, ArtifactPlan, func(string) string { return text })
}

// LogFinding appends a finding. An empty severity is recorded as INFO.
func (s *Session) LogFinding(title, description, severity string) error {
	return s.LogFindingWithContext(context.Background(), title, description, severity)
}

// LogFindingWithContext appends a finding.
func (s *Session) LogFindingWithContext(ctx context.Context, title, description, severity string) error {
	entry := FormatFinding(Finding{
		Severity:    severity,
		Title:       title,
		Description: description,
		At:          s.now(),
	})
	return s.mutate(ctx, ArtifactFindings, appendEntry(entry))
}

// LogProgress appends a progress entry. An empty kind is recorded as EXEC.
func (s *Session) LogProgress(message, kind string) error {
	return s.LogProgressWithContext(context.Background(), message, kind)
}

// LogProgressWithContext appends a progress entry.
func (s *Session) LogProgressWithContext(ctx context.Context, message, kind string) error {
	entry := FormatProgressEntry(ProgressEntry{Kind: kind, Message: message, At: s.now()})
	return s.mutate(ctx, ArtifactProgress, appendEntry(entry))
}

// LogError records err as an ERROR progress entry.
func (s *Session) LogError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	return s.LogProgressWithContext(ctx, err.Error(), KindError)
}

func appendEntry(entry string) func(string) string {
	return func(current string) string {
		if current != "" && current[len(current)-1] != '\n' {
			current += "\n"
		}
		return current + entry
	}
}

// mutate rewrites artifact a under the session lock. A missing file is
// rebuilt from its initial content before fn is applied.
func (s *Session) mutate(ctx context.Context, a Artifact, fn func(current string) string) (err error) {
	ctx, span := tracing.StartSpan(ctx, "devmind.sessionstore", "sessionstore.write",
		attribute.String("session_id", s.id),
		attribute.String("artifact", string(a)),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordStoreWrite(string(a), time.Since(start), err == nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger := tracing.LoggerFromContext(ctx, log.Logger)
			logger.Error().Err(err).Str("artifact", string(a)).Msg("Session write failed")
		}
	}()

	s.lock.Lock()
	defer s.lock.Unlock()

	path := s.Path(a)
	current := ""
	data, rerr := os.ReadFile(path)
	switch {
	case rerr == nil:
		current = string(data)
	case errors.Is(rerr, os.ErrNotExist):
		if a != ArtifactPlan {
			current = s.initialContent(a)
		}
	default:
		return &StorageError{Op: "read", Path: path, Err: rerr}
	}

	if werr := writeFileAtomic(path, []byte(fn(current)), 0o644); werr != nil {
		return &StorageError{Op: "write", Path: path, Err: werr}
	}
	return nil
}
