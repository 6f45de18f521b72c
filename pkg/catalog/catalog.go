package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harun/devmind/internal/tracing"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Turn is one recorded chat turn.
type Turn struct {
	SessionID string
	TurnID    string
	Route     string
	Outcome   string
	Query     string
	At        time.Time
	Duration  time.Duration
}

// SessionSummary aggregates the turns of one session.
type SessionSummary struct {
	ID         string
	Turns      int
	Executions int
	Failures   int
	FirstSeen  time.Time
	LastSeen   time.Time
}

// Config configures a Catalog.
type Config struct {
	Path   string
	Logger zerolog.Logger
}

// Catalog is a SQLite-backed turn log.
type Catalog struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
	mu     sync.Mutex
	closed bool
}

// Open opens (creating if needed) the catalog database at cfg.Path.
func Open(cfg Config) (*Catalog, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("catalog path is required")
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create catalog directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	// One connection keeps ":memory:" databases coherent and serializes
	// writers without relying on SQLite locking.
	db.SetMaxOpenConns(1)

	if cfg.Path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
	}

	c := &Catalog{
		db:     db,
		path:   cfg.Path,
		logger: cfg.Logger.With().Str("component", "catalog").Logger(),
	}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			turn_id TEXT NOT NULL DEFAULT '',
			route TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			query TEXT NOT NULL DEFAULT '',
			at INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, at);
	`
	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize catalog schema: %w", err)
	}
	return nil
}

// RecordTurn appends t to the catalog.
func (c *Catalog) RecordTurn(ctx context.Context, t Turn) error {
	ctx, span := tracing.StartSpan(ctx, "devmind.catalog", "catalog.record_turn",
		attribute.String("session_id", t.SessionID),
	)
	defer span.End()

	if t.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if t.At.IsZero() {
		t.At = time.Now()
	}

	_, err := c.db.ExecContext(ctx,
		`INSERT INTO turns (session_id, turn_id, route, outcome, query, at, duration_ms) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.SessionID, t.TurnID, t.Route, t.Outcome, t.Query, t.At.UnixMilli(), t.Duration.Milliseconds(),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to record turn: %w", err)
	}
	return nil
}

// Turns returns the turns of sessionID, oldest first. limit <= 0 means all.
func (c *Catalog) Turns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	query := `SELECT session_id, turn_id, route, outcome, query, at, duration_ms FROM turns WHERE session_id = ? ORDER BY at, id`
	args := []interface{}{sessionID}
	if limit > 0 {
		query = `SELECT * FROM (SELECT session_id, turn_id, route, outcome, query, at, duration_ms, id FROM turns WHERE session_id = ? ORDER BY at DESC, id DESC LIMIT ?) ORDER BY at, id`
		args = append(args, limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var (
			t           Turn
			atMs, durMs int64
			id          int64
		)
		dest := []interface{}{&t.SessionID, &t.TurnID, &t.Route, &t.Outcome, &t.Query, &atMs, &durMs}
		if limit > 0 {
			dest = append(dest, &id)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		t.At = time.UnixMilli(atMs)
		t.Duration = time.Duration(durMs) * time.Millisecond
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Sessions lists every session with at least one turn, most recent first.
func (c *Catalog) Sessions(ctx context.Context) ([]SessionSummary, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT session_id,
			COUNT(*),
			SUM(CASE WHEN route = 'sandbox' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome != 'ok' THEN 1 ELSE 0 END),
			MIN(at),
			MAX(at)
		FROM turns
		GROUP BY session_id
		ORDER BY MAX(at) DESC, session_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var (
			s           SessionSummary
			first, last int64
		)
		if err := rows.Scan(&s.ID, &s.Turns, &s.Executions, &s.Failures, &first, &last); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.FirstSeen = time.UnixMilli(first)
		s.LastSeen = time.UnixMilli(last)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close closes the database. It is safe to call more than once.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.db.Close()
}
