package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/devmind/pkg/catalog"
	"github.com/harun/devmind/pkg/llm"
	"github.com/harun/devmind/pkg/router"
	"github.com/harun/devmind/pkg/sandbox"
	"github.com/harun/devmind/pkg/sessionstore"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedProvider returns its responses in order; the last one repeats.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*llm.Response
	errs      []error
	requests  []llm.Request
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Call(_ context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := len(p.requests)
	p.requests = append(p.requests, req)
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if len(p.responses) == 0 {
		return &llm.Response{}, nil
	}
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	return p.responses[i], nil
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// fakeRouter returns fixed decisions and records what it was sent.
type fakeRouter struct {
	decisions []router.Decision
	err       error
	panicWith interface{}
	seen      []router.Context
}

func (r *fakeRouter) Route(_ context.Context, _ string, convo router.Context) (router.Decision, error) {
	if r.panicWith != nil {
		panic(r.panicWith)
	}
	r.seen = append(r.seen, convo)
	if r.err != nil {
		return router.Decision{}, r.err
	}
	i := len(r.seen) - 1
	if i >= len(r.decisions) {
		i = len(r.decisions) - 1
	}
	return r.decisions[i], nil
}

// fakeExecutor returns a fixed result.
type fakeExecutor struct {
	result    sandbox.ExecutionResult
	panicWith interface{}
	snippets  []string
	timeouts  []time.Duration
}

func (e *fakeExecutor) Runtime() sandbox.Runtime { return sandbox.RuntimeHost }

func (e *fakeExecutor) Execute(_ context.Context, snippet string, timeout time.Duration) sandbox.ExecutionResult {
	e.snippets = append(e.snippets, snippet)
	e.timeouts = append(e.timeouts, timeout)
	if e.panicWith != nil {
		panic(e.panicWith)
	}
	return e.result
}

type fakeTracker struct {
	comments []string
}

func (t *fakeTracker) AddComment(_ context.Context, taskID, content string) {
	t.comments = append(t.comments, taskID+": "+content)
}

type fakeRecorder struct {
	turns []catalog.Turn
	err   error
}

func (r *fakeRecorder) RecordTurn(_ context.Context, t catalog.Turn) error {
	r.turns = append(r.turns, t)
	return r.err
}

func openStored(t *testing.T) *sessionstore.Session {
	t.Helper()
	st, err := sessionstore.New(t.TempDir())
	require.NoError(t, err)
	stored, err := st.CreateOrOpen("test-session")
	require.NoError(t, err)
	return stored
}

func newTestSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	sess, err := NewSession(openStored(t), cfg)
	require.NoError(t, err)
	return sess
}

func readProgress(t *testing.T, s *Session) string {
	t.Helper()
	text, err := s.Store().ReadProgress()
	require.NoError(t, err)
	return text
}

func findings(t *testing.T, s *Session) []sessionstore.Finding {
	t.Helper()
	f, err := s.Store().Findings()
	require.NoError(t, err)
	return f
}

func TestNewSession_Validation(t *testing.T) {
	stored := openStored(t)
	r := &fakeRouter{decisions: []router.Decision{router.DirectAnswer("x", "")}}
	ex := &fakeExecutor{}

	_, err := NewSession(nil, Config{Router: r, Sandbox: ex})
	assert.Error(t, err)
	_, err = NewSession(stored, Config{Sandbox: ex})
	assert.Error(t, err)
	_, err = NewSession(stored, Config{Router: r})
	assert.Error(t, err)
	_, err = NewSession(stored, Config{Router: r, Sandbox: ex, InterpretResults: true})
	assert.Error(t, err)

	sess, err := NewSession(stored, Config{Router: r, Sandbox: ex})
	require.NoError(t, err)
	assert.Equal(t, "test-session", sess.ID())
	assert.Equal(t, StateIdle, sess.State())
}

func TestChat_DirectAnswer(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.Response{{Content: "This repository is a CLI for code analysis."}}}
	ex := &fakeExecutor{}
	sess := newTestSession(t, Config{Router: router.New(p, router.Config{}), Sandbox: ex})

	res, err := sess.ChatTurn(context.Background(), "What does this repo do?")

	require.NoError(t, err)
	assert.Equal(t, "This repository is a CLI for code analysis.", res.Reply)
	assert.Equal(t, "direct", res.Route)
	assert.Equal(t, OutcomeOK, res.Outcome)
	assert.NotEmpty(t, res.TurnID)
	assert.Nil(t, res.Execution)
	assert.NotContains(t, res.Reply, ExecutionMarker)
	assert.Empty(t, ex.snippets)
	assert.Equal(t, 1, p.calls())
	assert.Equal(t, StateIdle, sess.State())

	progress := readProgress(t, sess)
	assert.Contains(t, progress, "[`CHAT`] answered directly")
	assert.NotContains(t, progress, "[`EXEC`]")
	assert.Equal(t, 2, sess.History().Len())
}

func TestChat_ScenarioA_CountsPythonFiles(t *testing.T) {
	repo := t.TempDir()
	for _, name := range []string{"a.py", "b.py", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(repo, name), []byte("x\n"), 0o644))
	}
	cfg := sandbox.DefaultConfig()
	cfg.Interpreter = "sh"
	cfg.WorkDir = repo
	sb, err := sandbox.NewHostSandbox(cfg)
	require.NoError(t, err)

	p := &scriptedProvider{responses: []*llm.Response{{
		Content: "Let me count them.",
		ToolCalls: []llm.ToolCall{{
			ID:        "call_1",
			Name:      router.RunCodeToolName,
			Arguments: map[string]any{"code": "ls *.py | wc -l", "language": "sh"},
		}},
	}}}
	sess := newTestSession(t, Config{Router: router.New(p, router.Config{}), Sandbox: sb, ExecTimeout: 10 * time.Second})

	res, err := sess.ChatTurn(context.Background(), "How many python files are in this directory?")

	require.NoError(t, err)
	assert.Equal(t, "sandbox", res.Route)
	assert.Equal(t, OutcomeOK, res.Outcome)
	require.NotNil(t, res.Execution)
	assert.True(t, res.Execution.Success)
	assert.Equal(t, "sh", res.Execution.Language)

	assert.Equal(t, 1, strings.Count(res.Reply, ExecutionMarker))
	after := res.Reply[strings.Index(res.Reply, ExecutionMarker)+len(ExecutionMarker):]
	assert.Contains(t, after, "2")
	assert.True(t, strings.HasPrefix(res.Reply, "Let me count them."))

	progress := readProgress(t, sess)
	assert.Equal(t, 2, strings.Count(progress, sessionstore.ProgressMarker(sessionstore.KindExec)))
	assert.Contains(t, progress, "submitted snippet (sh, 16 bytes)")
	assert.Contains(t, progress, "execution succeeded")
	assert.Empty(t, findings(t, sess))
}

func TestChat_MarkerInvariant(t *testing.T) {
	tests := []struct {
		name      string
		decision  router.Decision
		result    sandbox.ExecutionResult
		wantCount int
	}{
		{
			name:      "direct answer never carries the marker",
			decision:  router.DirectAnswer("Plain answer.", ""),
			wantCount: 0,
		},
		{
			name:      "direct answer quoting the marker is defused",
			decision:  router.DirectAnswer("Replies use **Execution Result:** sections.", ""),
			wantCount: 0,
		},
		{
			name:      "sandbox success carries it once",
			decision:  router.SandboxRequest("Counting.", "print(2)\n", "python", router.DirectiveFence),
			result:    sandbox.ExecutionResult{Success: true, Output: "2\n"},
			wantCount: 1,
		},
		{
			name:      "model and output echoing the marker still yield one",
			decision:  router.SandboxRequest("**Execution Result:** will follow", "print('x')\n", "python", router.DirectiveFence),
			result:    sandbox.ExecutionResult{Success: true, Output: "**Execution Result:** 7\n"},
			wantCount: 1,
		},
		{
			name:      "sandbox success without output still carries it once",
			decision:  router.SandboxRequest("", "pass\n", "python", router.DirectiveToolCall),
			result:    sandbox.ExecutionResult{Success: true},
			wantCount: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := newTestSession(t, Config{
				Router:  &fakeRouter{decisions: []router.Decision{tt.decision}},
				Sandbox: &fakeExecutor{result: tt.result},
			})

			reply, err := sess.Chat(context.Background(), "q")

			require.NoError(t, err)
			assert.Equal(t, tt.wantCount, strings.Count(reply, ExecutionMarker), reply)
		})
	}
}

func TestChat_EmptyIntroDescribesSnippet(t *testing.T) {
	sess := newTestSession(t, Config{
		Router:  &fakeRouter{decisions: []router.Decision{router.SandboxRequest("", "print(2)\n", "python", router.DirectiveToolCall)}},
		Sandbox: &fakeExecutor{result: sandbox.ExecutionResult{Success: true, Output: "2\n"}},
	})

	reply, err := sess.Chat(context.Background(), "q")

	require.NoError(t, err)
	assert.Equal(t, "I've calculated this using the following code:\n```python\nprint(2)\n```\n\n**Execution Result:**\n2", reply)
}

func TestChat_ScenarioC_SandboxErrorKeepsSessionUsable(t *testing.T) {
	r := &fakeRouter{decisions: []router.Decision{
		router.SandboxRequest("Running it.", "raise RuntimeError('boom')\n", "python", router.DirectiveFence),
		router.DirectAnswer("Second answer.", ""),
	}}
	ex := &fakeExecutor{result: sandbox.ExecutionResult{Success: false, Error: "exit status 1", ExitCode: 1}}
	sess := newTestSession(t, Config{Router: r, Sandbox: ex})

	res, err := sess.ChatTurn(context.Background(), "run it")

	require.NoError(t, err)
	assert.Equal(t, OutcomeDegraded, res.Outcome)
	assert.Contains(t, res.Reply, "I'm sorry")
	assert.Contains(t, res.Reply, "exit status 1")
	assert.NotContains(t, res.Reply, ExecutionMarker)
	assert.Equal(t, StateIdle, sess.State())

	f := findings(t, sess)
	require.Len(t, f, 1)
	assert.Equal(t, sessionstore.SeverityError, f[0].Severity)
	assert.Equal(t, "Sandbox execution failed", f[0].Title)
	assert.Contains(t, f[0].Description, "exit status 1")
	assert.Contains(t, readProgress(t, sess), "execution failed: exit status 1")

	reply, err := sess.Chat(context.Background(), "next question")
	require.NoError(t, err)
	assert.Equal(t, "Second answer.", reply)
}

func TestChat_SandboxFailureShowsPartialOutput(t *testing.T) {
	ex := &fakeExecutor{result: sandbox.ExecutionResult{
		Success:  false,
		Output:   "partial\n--- STDERR ---\nTraceback: boom\n",
		Error:    "exit status 1",
		ExitCode: 1,
	}}
	sess := newTestSession(t, Config{
		Router:  &fakeRouter{decisions: []router.Decision{router.SandboxRequest("", "x\n", "python", router.DirectiveFence)}},
		Sandbox: ex,
	})

	reply, err := sess.Chat(context.Background(), "q")

	require.NoError(t, err)
	assert.Contains(t, reply, "I'm sorry")
	assert.Equal(t, 1, strings.Count(reply, ExecutionMarker))
	assert.Contains(t, reply, "Traceback: boom")
}

func TestChat_SandboxTimeout(t *testing.T) {
	ex := &fakeExecutor{result: sandbox.ExecutionResult{Success: false, Error: sandbox.ErrorTimeout, ExitCode: -1}}
	sess := newTestSession(t, Config{
		Router:      &fakeRouter{decisions: []router.Decision{router.SandboxRequest("", "while True: pass\n", "python", router.DirectiveFence)}},
		Sandbox:     ex,
		ExecTimeout: 2 * time.Second,
	})

	reply, err := sess.Chat(context.Background(), "spin")

	require.NoError(t, err)
	assert.Contains(t, reply, "did not finish within 2s")
	require.Len(t, ex.timeouts, 1)
	assert.Equal(t, 2*time.Second, ex.timeouts[0])
	require.Len(t, findings(t, sess), 1)
}

func TestChat_SandboxPanicIsRecovered(t *testing.T) {
	r := &fakeRouter{decisions: []router.Decision{
		router.SandboxRequest("", "x\n", "python", router.DirectiveFence),
	}}
	sess := newTestSession(t, Config{Router: r, Sandbox: &fakeExecutor{panicWith: "executor bug"}})

	res, err := sess.ChatTurn(context.Background(), "q")

	require.NoError(t, err)
	assert.Equal(t, OutcomeDegraded, res.Outcome)
	assert.Contains(t, res.Reply, "sandbox panic: executor bug")
	assert.Equal(t, StateIdle, sess.State())
}

func TestChat_RoutingFallback(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.Response{{Content: "Here you go:\n```python:execute\n```"}}}
	ex := &fakeExecutor{}
	sess := newTestSession(t, Config{Router: router.New(p, router.Config{}), Sandbox: ex})

	res, err := sess.ChatTurn(context.Background(), "count things")

	require.NoError(t, err)
	assert.Equal(t, "direct", res.Route)
	assert.Contains(t, res.Reply, "Here you go:")
	assert.NotContains(t, res.Reply, ExecutionMarker)
	assert.Empty(t, ex.snippets)

	progress := readProgress(t, sess)
	assert.Contains(t, progress, "routing fallback: routing failure (fenced_block): empty code block")
	assert.Contains(t, progress, "answered directly")
}

func TestChat_ForeignLanguageSnippetIsNotExecuted(t *testing.T) {
	p := &scriptedProvider{responses: []*llm.Response{{Content: "Counting:\n```bash:execute\nfind . -name '*.py' | wc -l\n```"}}}
	ex := &fakeExecutor{}
	sess := newTestSession(t, Config{Router: router.New(p, router.Config{Language: "python"}), Sandbox: ex})

	res, err := sess.ChatTurn(context.Background(), "How many python files are in this directory?")

	require.NoError(t, err)
	assert.Equal(t, "direct", res.Route)
	assert.NotContains(t, res.Reply, ExecutionMarker)
	assert.Empty(t, ex.snippets)
	assert.Contains(t, readProgress(t, sess), `routing fallback: routing failure (fenced_block): snippet language "sh" does not match sandbox language "python"`)
}

func TestChat_UpstreamFailure(t *testing.T) {
	p := &scriptedProvider{
		errs:      []error{errors.New("connection refused")},
		responses: []*llm.Response{{Content: "unused"}, {Content: "Back online."}},
	}
	sess := newTestSession(t, Config{Router: router.New(p, router.Config{}), Sandbox: &fakeExecutor{}})

	res, err := sess.ChatTurn(context.Background(), "hello?")

	require.NoError(t, err)
	assert.Equal(t, upstreamApology, res.Reply)
	assert.Equal(t, OutcomeDegraded, res.Outcome)
	assert.Equal(t, "none", res.Route)
	assert.Equal(t, 0, sess.History().Len())

	f := findings(t, sess)
	require.Len(t, f, 1)
	assert.Equal(t, "Model call failed", f[0].Title)
	assert.Contains(t, f[0].Description, "connection refused")
	assert.Contains(t, readProgress(t, sess), "[`ERROR`]")

	reply, err := sess.Chat(context.Background(), "hello again")
	require.NoError(t, err)
	assert.Equal(t, "Back online.", reply)
}

func TestChat_RouterPanicIsRecovered(t *testing.T) {
	sess := newTestSession(t, Config{Router: &fakeRouter{panicWith: "nil map"}, Sandbox: &fakeExecutor{}})

	reply, err := sess.Chat(context.Background(), "q")

	require.NoError(t, err)
	assert.Equal(t, upstreamApology, reply)
	f := findings(t, sess)
	require.Len(t, f, 1)
	assert.Equal(t, "Routing failed", f[0].Title)
	assert.Contains(t, f[0].Description, "router panic: nil map")
}

func TestChat_EmptyReply(t *testing.T) {
	sess := newTestSession(t, Config{
		Router:  &fakeRouter{decisions: []router.Decision{router.DirectAnswer("  \n", "")}},
		Sandbox: &fakeExecutor{},
	})

	res, err := sess.ChatTurn(context.Background(), "q")

	require.NoError(t, err)
	assert.Equal(t, emptyReplyApology, res.Reply)
	assert.Equal(t, OutcomeDegraded, res.Outcome)
	assert.Contains(t, readProgress(t, sess), "empty model reply")
}

func TestChat_StorageErrorPropagates(t *testing.T) {
	sess := newTestSession(t, Config{
		Router:  &fakeRouter{decisions: []router.Decision{router.DirectAnswer("fine", "")}},
		Sandbox: &fakeExecutor{},
	})
	progress := sess.Store().Path(sessionstore.ArtifactProgress)
	require.NoError(t, os.Remove(progress))
	require.NoError(t, os.Mkdir(progress, 0o755))

	res, err := sess.ChatTurn(context.Background(), "q")

	require.Error(t, err)
	assert.True(t, sessionstore.IsStorageError(err))
	assert.Equal(t, OutcomeStorageError, res.Outcome)
	assert.Equal(t, StateIdle, sess.State())
	assert.Equal(t, 0, sess.History().Len())
}

func TestChat_SendsHistoryAndPlan(t *testing.T) {
	r := &fakeRouter{decisions: []router.Decision{
		router.DirectAnswer("first", ""),
		router.DirectAnswer("second", ""),
	}}
	sess := newTestSession(t, Config{Router: r, Sandbox: &fakeExecutor{}})
	require.NoError(t, sess.Store().UpdatePlan("# Task Plan\n\n- [ ] Count files\n"))

	_, err := sess.Chat(context.Background(), "one")
	require.NoError(t, err)
	_, err = sess.Chat(context.Background(), "two")
	require.NoError(t, err)

	require.Len(t, r.seen, 2)
	assert.Empty(t, r.seen[0].History)
	assert.Contains(t, r.seen[0].Plan, "Count files")
	assert.Equal(t, []llm.Message{
		{Role: llm.RoleUser, Content: "one"},
		{Role: llm.RoleAssistant, Content: "first"},
	}, r.seen[1].History)
}

func TestChat_Interpretation(t *testing.T) {
	interp := &scriptedProvider{responses: []*llm.Response{{Content: "There are two python files."}}}
	sess := newTestSession(t, Config{
		Router:           &fakeRouter{decisions: []router.Decision{router.SandboxRequest("Counting.", "print(2)\n", "python", router.DirectiveFence)}},
		Sandbox:          &fakeExecutor{result: sandbox.ExecutionResult{Success: true, Output: "2\n"}},
		Provider:         interp,
		InterpretResults: true,
	})

	reply, err := sess.Chat(context.Background(), "How many python files?")

	require.NoError(t, err)
	assert.Equal(t, "Counting.\n\n**Execution Result:**\n2\n\n**Analysis:**\nThere are two python files.", reply)
	require.Equal(t, 1, interp.calls())
	msgs := interp.requests[0].Messages
	require.Len(t, msgs, 3)
	assert.Contains(t, msgs[2].Content, "Execution Result:\n2\n")
}

func TestChat_InterpretationFailureDropsAnalysis(t *testing.T) {
	interp := &scriptedProvider{errs: []error{errors.New("overloaded")}}
	sess := newTestSession(t, Config{
		Router:           &fakeRouter{decisions: []router.Decision{router.SandboxRequest("Counting.", "print(2)\n", "python", router.DirectiveFence)}},
		Sandbox:          &fakeExecutor{result: sandbox.ExecutionResult{Success: true, Output: "2\n"}},
		Provider:         interp,
		InterpretResults: true,
	})

	reply, err := sess.Chat(context.Background(), "q")

	require.NoError(t, err)
	assert.NotContains(t, reply, AnalysisMarker)
	assert.Equal(t, 1, strings.Count(reply, ExecutionMarker))
}

func TestChat_TrackerAndRecorder(t *testing.T) {
	tracker := &fakeTracker{}
	recorder := &fakeRecorder{err: errors.New("disk full")}
	sess := newTestSession(t, Config{
		Router: &fakeRouter{decisions: []router.Decision{
			router.SandboxRequest("", "print(2)\n", "python", router.DirectiveFence),
			router.DirectAnswer("ok", ""),
		}},
		Sandbox:  &fakeExecutor{result: sandbox.ExecutionResult{Success: true, Output: "2\n"}},
		Tracker:  tracker,
		TaskID:   "TASK-9",
		Recorder: recorder,
	})

	_, err := sess.Chat(context.Background(), "count")
	require.NoError(t, err)
	_, err = sess.Chat(context.Background(), "thanks")
	require.NoError(t, err)

	require.Len(t, tracker.comments, 1)
	assert.True(t, strings.HasPrefix(tracker.comments[0], "TASK-9: Session test-session ran code"))

	require.Len(t, recorder.turns, 2)
	assert.Equal(t, "sandbox", recorder.turns[0].Route)
	assert.Equal(t, "direct", recorder.turns[1].Route)
	assert.Equal(t, "test-session", recorder.turns[1].SessionID)
	assert.Equal(t, "thanks", recorder.turns[1].Query)
}
