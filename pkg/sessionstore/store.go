package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/devmind/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// dirLocks serializes writers of the same session directory across every
// Store and Session value in the process.
var dirLocks sync.Map // absolute dir -> *sync.Mutex

func lockFor(dir string) *sync.Mutex {
	mu, _ := dirLocks.LoadOrStore(dir, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store maps session IDs to directories under a base directory.
type Store struct {
	baseDir string
	now     func() time.Time
}

// New creates a Store rooted at baseDir. The directory is created lazily by
// CreateOrOpen so that permission problems surface as StorageError there.
func New(baseDir string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("sessionstore: base directory is required")
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: resolve base directory: %w", err)
	}
	s := &Store{baseDir: abs, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CreateOrOpen opens sessionID under baseDir with a default Store.
func CreateOrOpen(sessionID, baseDir string) (*Session, error) {
	st, err := New(baseDir)
	if err != nil {
		return nil, err
	}
	return st.CreateOrOpen(sessionID)
}

// BaseDir returns the absolute base directory.
func (st *Store) BaseDir() string {
	return st.baseDir
}

// ValidateSessionID rejects IDs that could escape the base directory.
func ValidateSessionID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: cannot be empty", ErrInvalidSessionID)
	case strings.Contains(id, ".."):
		return fmt.Errorf("%w: cannot contain '..'", ErrInvalidSessionID)
	case strings.ContainsAny(id, `/\`):
		return fmt.Errorf("%w: cannot contain path separators", ErrInvalidSessionID)
	case strings.Contains(id, "\x00"):
		return fmt.Errorf("%w: cannot contain null bytes", ErrInvalidSessionID)
	case id == ".":
		return fmt.Errorf("%w: cannot be '.'", ErrInvalidSessionID)
	}
	return nil
}

// CreateOrOpen is CreateOrOpenWithContext with a background context.
func (st *Store) CreateOrOpen(sessionID string) (*Session, error) {
	return st.CreateOrOpenWithContext(context.Background(), sessionID)
}

// CreateOrOpenWithContext ensures the session directory and its three
// artifacts exist. Existing artifacts are left untouched.
func (st *Store) CreateOrOpenWithContext(ctx context.Context, sessionID string) (*Session, error) {
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(ctx, "devmind.sessionstore", "sessionstore.open",
		attribute.String("session_id", sessionID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if err := ValidateSessionID(sessionID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	dir := filepath.Join(st.baseDir, sessionID)
	s := &Session{id: sessionID, dir: dir, now: st.now, lock: lockFor(dir)}

	s.lock.Lock()
	defer s.lock.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		serr := &StorageError{Op: "create", Path: dir, Err: err}
		span.RecordError(serr)
		span.SetStatus(codes.Error, serr.Error())
		return nil, serr
	}

	created := 0
	for _, a := range []Artifact{ArtifactPlan, ArtifactFindings, ArtifactProgress} {
		path := s.Path(a)
		_, err := os.Stat(path)
		if err == nil {
			continue
		}
		if !errors.Is(err, os.ErrNotExist) {
			serr := &StorageError{Op: "create", Path: path, Err: err}
			span.RecordError(serr)
			span.SetStatus(codes.Error, serr.Error())
			return nil, serr
		}
		if err := writeFileAtomic(path, []byte(s.initialContent(a)), 0o644); err != nil {
			serr := &StorageError{Op: "create", Path: path, Err: err}
			span.RecordError(serr)
			span.SetStatus(codes.Error, serr.Error())
			return nil, serr
		}
		created++
	}

	if created > 0 {
		logger.Info().Str("dir", dir).Int("artifacts_created", created).Msg("Session opened")
	} else {
		logger.Debug().Str("dir", dir).Msg("Session reopened")
	}
	return s, nil
}

// Exists reports whether sessionID has a plan on disk.
func (st *Store) Exists(sessionID string) bool {
	if ValidateSessionID(sessionID) != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(st.baseDir, sessionID, string(ArtifactPlan)))
	return err == nil
}

// List returns the IDs of every session under the base directory, sorted.
func (st *Store) List() ([]string, error) {
	entries, err := os.ReadDir(st.baseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, &StorageError{Op: "read", Path: st.baseDir, Err: err}
	}

	ids := []string{}
	for _, e := range entries {
		if e.IsDir() && st.Exists(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
