package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/devmind/pkg/commandqueue"
	"github.com/harun/devmind/pkg/router"
	"github.com/harun/devmind/pkg/sandbox"
	"github.com/harun/devmind/pkg/sessionstore"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slowRouter answers directly after a delay and tracks overlap.
type slowRouter struct {
	delay      time.Duration
	running    int32
	maxRunning int32
	calls      int32
}

func (r *slowRouter) Route(_ context.Context, query string, _ router.Context) (router.Decision, error) {
	atomic.AddInt32(&r.calls, 1)
	n := atomic.AddInt32(&r.running, 1)
	for {
		m := atomic.LoadInt32(&r.maxRunning)
		if n <= m || atomic.CompareAndSwapInt32(&r.maxRunning, m, n) {
			break
		}
	}
	time.Sleep(r.delay)
	atomic.AddInt32(&r.running, -1)
	return router.DirectAnswer("echo: "+query, ""), nil
}

func newTestManager(t *testing.T, r Router) *Manager {
	t.Helper()
	st, err := sessionstore.New(t.TempDir())
	require.NoError(t, err)
	q := commandqueue.New()
	t.Cleanup(func() { _ = q.Close() })

	m, err := NewManager(ManagerConfig{
		Store:   st,
		Queue:   q,
		Session: Config{Router: r, Sandbox: &fakeExecutor{result: sandbox.ExecutionResult{Success: true}}, Logger: zerolog.Nop()},
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	return m
}

func TestNewManager_Validation(t *testing.T) {
	st, err := sessionstore.New(t.TempDir())
	require.NoError(t, err)
	q := commandqueue.New()
	defer q.Close()
	r := &slowRouter{}

	_, err = NewManager(ManagerConfig{Queue: q, Session: Config{Router: r, Sandbox: &fakeExecutor{}}})
	assert.Error(t, err)
	_, err = NewManager(ManagerConfig{Store: st, Session: Config{Router: r, Sandbox: &fakeExecutor{}}})
	assert.Error(t, err)
	_, err = NewManager(ManagerConfig{Store: st, Queue: q, Session: Config{Sandbox: &fakeExecutor{}}})
	assert.Error(t, err)
	_, err = NewManager(ManagerConfig{Store: st, Queue: q, Session: Config{Router: r}})
	assert.Error(t, err)
}

func TestManager_ChatCreatesSession(t *testing.T) {
	m := newTestManager(t, &slowRouter{})

	res, err := m.Chat(context.Background(), "alpha", "hi", "")

	require.NoError(t, err)
	assert.Equal(t, "echo: hi", res.Reply)
	assert.Equal(t, []string{"alpha"}, m.Active())
	assert.True(t, m.Store().Exists("alpha"))

	s1, err := m.Session(context.Background(), "alpha")
	require.NoError(t, err)
	s2, err := m.Session(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Equal(t, 2, s1.History().Len())

	m.Close()
	assert.Empty(t, m.Active())
}

func TestManager_InvalidSessionID(t *testing.T) {
	m := newTestManager(t, &slowRouter{})

	_, err := m.Chat(context.Background(), "../escape", "hi", "")

	assert.ErrorIs(t, err, sessionstore.ErrInvalidSessionID)
}

func TestManager_SerializesTurnsPerSession(t *testing.T) {
	r := &slowRouter{delay: 20 * time.Millisecond}
	m := newTestManager(t, r)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Chat(context.Background(), "same", "q", "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&r.maxRunning))
	assert.Equal(t, int32(4), atomic.LoadInt32(&r.calls))
}

func TestManager_SessionsRunInParallel(t *testing.T) {
	r := &slowRouter{delay: 100 * time.Millisecond}
	m := newTestManager(t, r)

	var wg sync.WaitGroup
	for _, id := range []string{"s1", "s2", "s3"} {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Chat(context.Background(), id, "q", "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Greater(t, atomic.LoadInt32(&r.maxRunning), int32(1))
}

func TestManager_RequestIDIsIdempotent(t *testing.T) {
	r := &slowRouter{}
	m := newTestManager(t, r)

	first, err := m.Chat(context.Background(), "alpha", "hi", "req-1")
	require.NoError(t, err)
	second, err := m.Chat(context.Background(), "alpha", "hi", "req-1")
	require.NoError(t, err)

	assert.Equal(t, first.TurnID, second.TurnID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&r.calls))
}

func TestManager_DrainWaitsForQueuedTurns(t *testing.T) {
	r := &slowRouter{delay: 30 * time.Millisecond}
	m := newTestManager(t, r)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Chat(context.Background(), "busy", "q", "")
		}()
	}
	require.Eventually(t, func() bool { return m.Pending("busy") == 2 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Drain(ctx))
	assert.Equal(t, 0, m.Pending("busy"))
	assert.Equal(t, int32(3), atomic.LoadInt32(&r.calls))
	wg.Wait()
}
