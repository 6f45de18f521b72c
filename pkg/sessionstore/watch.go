package sessionstore

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ProgressWatcher reports progress entries appended after it was created.
type ProgressWatcher struct {
	session *Session
	watcher *fsnotify.Watcher
	seen    int
}

// WatchProgress starts watching the session directory. Entries already in
// progress.md are not reported.
func (s *Session) WatchProgress() (*ProgressWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Atomic writes replace the file, so watch the directory rather than the file.
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", s.dir, err)
	}
	entries, err := s.Progress()
	if err != nil {
		w.Close()
		return nil, err
	}
	return &ProgressWatcher{session: s, watcher: w, seen: len(entries)}, nil
}

// Run calls fn for each new entry until ctx is done, then closes the watcher.
func (pw *ProgressWatcher) Run(ctx context.Context, fn func(ProgressEntry)) error {
	defer pw.watcher.Close()
	target := filepath.Clean(pw.session.Path(ArtifactProgress))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-pw.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Create|fsnotify.Write) {
				continue
			}
			pw.emit(fn)
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Str("session_id", pw.session.id).Msg("Progress watcher error")
		}
	}
}

func (pw *ProgressWatcher) emit(fn func(ProgressEntry)) {
	entries, err := pw.session.Progress()
	if err != nil {
		return
	}
	if len(entries) < pw.seen {
		pw.seen = 0
	}
	for _, e := range entries[pw.seen:] {
		fn(e)
	}
	pw.seen = len(entries)
}
