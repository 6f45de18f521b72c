package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/devmind/internal/observability"
	"github.com/harun/devmind/internal/tracing"
	"github.com/harun/devmind/pkg/commandqueue"
	"github.com/harun/devmind/pkg/sessionstore"
	"github.com/rs/zerolog"
)

// ManagerConfig configures a Manager. Session is the template every
// session is created with.
type ManagerConfig struct {
	Store   *sessionstore.Store
	Queue   *commandqueue.CommandQueue
	Session Config
	Logger  zerolog.Logger
}

// Manager owns the live sessions of a process and serializes turns per
// session id. Turns of different sessions run in parallel.
type Manager struct {
	store    *sessionstore.Store
	queue    *commandqueue.CommandQueue
	template Config
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	observability.EnsureRegistered()

	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("command queue is required")
	}
	if cfg.Session.Router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if cfg.Session.Sandbox == nil {
		return nil, fmt.Errorf("sandbox is required")
	}

	return &Manager{
		store:    cfg.Store,
		queue:    cfg.Queue,
		template: cfg.Session,
		logger:   cfg.Logger.With().Str("component", "agent_manager").Logger(),
		sessions: make(map[string]*Session),
	}, nil
}

// Session returns the live session for id, opening its artifacts on first
// use.
func (m *Manager) Session(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[id]; ok {
		return sess, nil
	}
	stored, err := m.store.CreateOrOpenWithContext(ctx, id)
	if err != nil {
		return nil, err
	}
	sess, err := NewSession(stored, m.template)
	if err != nil {
		return nil, err
	}
	m.sessions[id] = sess
	observability.SetActiveSessions(len(m.sessions))
	logger := tracing.LoggerFromContext(ctx, m.logger)
	logger.Info().Str("session_id", id).Msg("Session opened")
	return sess, nil
}

// Chat runs one turn in session id. requestID, when set, makes the call
// idempotent: a repeated id returns the first result without a new turn.
func (m *Manager) Chat(ctx context.Context, id, query, requestID string) (TurnResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	sess, err := m.Session(ctx, id)
	if err != nil {
		return TurnResult{}, err
	}

	ctx = tracing.WithSessionID(ctx, id)
	value, err := m.queue.EnqueueWithContext(ctx, laneFor(id), func(taskCtx context.Context) (interface{}, error) {
		return sess.ChatTurn(taskCtx, query)
	}, &commandqueue.TaskOptions{RequestID: requestID, WarnAfter: 30 * time.Second})

	res, _ := value.(TurnResult)
	return res, err
}

// Drain waits until no session has a turn queued or running.
func (m *Manager) Drain(ctx context.Context) error {
	return m.queue.WaitIdle(ctx)
}

// Pending returns how many turns wait behind the running one in session id.
func (m *Manager) Pending(id string) int {
	return m.queue.Pending(laneFor(id))
}

// Close forgets the live sessions. Their artifacts stay on disk.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[string]*Session)
	observability.SetActiveSessions(0)
}

// Active returns the ids of the live sessions, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Store returns the session store.
func (m *Manager) Store() *sessionstore.Store { return m.store }

func laneFor(sessionID string) string {
	return "session-" + sessionID
}
