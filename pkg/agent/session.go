package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/devmind/internal/observability"
	"github.com/harun/devmind/internal/tracing"
	"github.com/harun/devmind/pkg/catalog"
	"github.com/harun/devmind/pkg/llm"
	"github.com/harun/devmind/pkg/router"
	"github.com/harun/devmind/pkg/sandbox"
	"github.com/harun/devmind/pkg/sessionstore"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Config holds the collaborators and limits of a Session.
type Config struct {
	Router  Router
	Sandbox sandbox.Executor

	// Provider is used for the follow-up call that interprets execution
	// output. It is only required when InterpretResults is set.
	Provider         llm.Provider
	InterpretResults bool
	Model            string

	// ExecTimeout bounds every snippet. Zero uses the sandbox default.
	ExecTimeout      time.Duration
	HistoryLimit     int
	MaxContextTokens int
	Counter          *llm.TokenCounter

	Tracker  Tracker
	TaskID   string
	Recorder TurnRecorder

	Logger zerolog.Logger
	// Now is the clock used for turn timing.
	Now func() time.Time
}

// Session runs chat turns for one stored session. Turns are serialized:
// Chat holds the session lock for the whole turn.
type Session struct {
	cfg     Config
	store   *sessionstore.Session
	history *History
	logger  zerolog.Logger

	turnMu  sync.Mutex
	stateMu sync.RWMutex
	state   State
}

// NewSession wraps store with the given collaborators.
func NewSession(store *sessionstore.Session, cfg Config) (*Session, error) {
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if cfg.Sandbox == nil {
		return nil, fmt.Errorf("sandbox is required")
	}
	if cfg.InterpretResults && cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required to interpret results")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Session{
		cfg:     cfg,
		store:   store,
		history: NewHistory(cfg.HistoryLimit, cfg.MaxContextTokens, cfg.Counter),
		logger:  cfg.Logger.With().Str("component", "agent").Str("session_id", store.ID()).Logger(),
		state:   StateIdle,
	}, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.store.ID() }

// Store returns the underlying session artifacts.
func (s *Session) Store() *sessionstore.Session { return s.store }

// History returns the running conversation.
func (s *Session) History() *History { return s.history }

// State returns the current turn state.
func (s *Session) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

func (s *Session) setState(ctx context.Context, next State) {
	s.stateMu.Lock()
	prev := s.state
	s.state = next
	s.stateMu.Unlock()
	if prev != next {
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Debug().
			Str("from", prev.String()).
			Str("to", next.String()).
			Msg("Turn state changed")
	}
}

// Chat answers query and returns the reply.
func (s *Session) Chat(ctx context.Context, query string) (string, error) {
	res, err := s.ChatTurn(ctx, query)
	return res.Reply, err
}

// ChatTurn answers query. The returned error is always a
// *sessionstore.StorageError; every other failure is folded into the reply.
func (s *Session) ChatTurn(ctx context.Context, query string) (TurnResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	ctx = tracing.NewTurnContext(ctx, s.store.ID())
	ctx, span := tracing.StartSpan(ctx, "devmind.agent", "agent.chat",
		attribute.String("session_id", s.store.ID()),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	start := s.cfg.Now()
	defer s.setState(ctx, StateIdle)

	res, err := s.turn(ctx, query)
	res.TurnID = tracing.GetTurnID(ctx)
	res.Duration = s.cfg.Now().Sub(start)
	if err != nil {
		res.Outcome = OutcomeStorageError
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Msg("Session storage failed")
	}
	if res.Route == "" {
		res.Route = routeNone
	}
	span.SetAttributes(attribute.String("route", res.Route), attribute.String("outcome", res.Outcome))
	observability.RecordChatTurn(res.Route, res.Outcome, res.Duration)
	s.record(ctx, query, res)

	logger.Info().
		Str("route", res.Route).
		Str("outcome", res.Outcome).
		Dur("duration", res.Duration).
		Msg("Chat turn finished")
	return res, err
}

func (s *Session) turn(ctx context.Context, query string) (TurnResult, error) {
	plan, err := s.store.ReadPlan()
	if err != nil {
		return TurnResult{}, err
	}

	s.setState(ctx, StateRouting)
	decision, err := s.route(ctx, query, router.Context{History: s.history.Messages(), Plan: plan})
	if err != nil {
		return s.upstreamFailure(ctx, err)
	}

	if decision.IsSandbox() {
		return s.execute(ctx, query, decision)
	}
	return s.direct(ctx, query, decision)
}

// route calls the router, turning a panic into an error.
func (s *Session) route(ctx context.Context, query string, convo router.Context) (decision router.Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("router panic: %v", r)
		}
	}()
	return s.cfg.Router.Route(ctx, query, convo)
}

func (s *Session) upstreamFailure(ctx context.Context, cause error) (TurnResult, error) {
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Warn().Err(cause).Msg("Routing call failed")

	title := "Model call failed"
	var ue *llm.UpstreamError
	if !errors.As(cause, &ue) {
		title = "Routing failed"
	}
	if err := s.store.LogFindingWithContext(ctx, title, cause.Error(), sessionstore.SeverityError); err != nil {
		return TurnResult{}, err
	}
	if err := s.store.LogError(ctx, cause); err != nil {
		return TurnResult{}, err
	}
	return TurnResult{Reply: upstreamApology, Route: routeNone, Outcome: OutcomeDegraded}, nil
}

func (s *Session) direct(ctx context.Context, query string, decision router.Decision) (TurnResult, error) {
	s.setState(ctx, StateDirectReply)

	if decision.Fallback && decision.Failure != nil {
		if err := s.store.LogProgressWithContext(ctx, "routing fallback: "+decision.Failure.Error(), sessionstore.KindChat); err != nil {
			return TurnResult{}, err
		}
	}

	reply := sanitize(decision.Text)
	outcome := OutcomeOK
	progress := "answered directly"
	if reply == "" {
		reply = emptyReplyApology
		outcome = OutcomeDegraded
		progress = "empty model reply"
	}
	if err := s.store.LogProgressWithContext(ctx, progress, sessionstore.KindChat); err != nil {
		return TurnResult{}, err
	}

	s.history.Append(query, reply)
	return TurnResult{Reply: reply, Route: string(router.KindDirect), Outcome: outcome}, nil
}

func (s *Session) execute(ctx context.Context, query string, decision router.Decision) (TurnResult, error) {
	s.setState(ctx, StateExecuting)
	logger := tracing.LoggerFromContext(ctx, s.logger)

	submitted := fmt.Sprintf("submitted snippet (%s, %d bytes)", decision.Language, len(decision.Snippet))
	if err := s.store.LogProgressWithContext(ctx, submitted, sessionstore.KindExec); err != nil {
		return TurnResult{}, err
	}

	result := s.runSnippet(ctx, decision.Snippet)
	summary := &ExecutionSummary{
		Language: decision.Language,
		Success:  result.Success,
		Error:    result.Error,
		Duration: result.Duration,
	}

	s.setState(ctx, StateComposing)
	if !result.Success {
		logger.Warn().Str("error", result.Error).Int("exit_code", result.ExitCode).Msg("Snippet execution failed")
		reply := composeFailureReply(result, s.cfg.ExecTimeout)

		desc := fmt.Sprintf("Query: %s\nRuntime: %s\nError: %s", singleLine(query), s.cfg.Sandbox.Runtime(), result.Error)
		if err := s.store.LogFindingWithContext(ctx, "Sandbox execution failed", desc, sessionstore.SeverityError); err != nil {
			return TurnResult{}, err
		}
		if err := s.store.LogProgressWithContext(ctx, "execution failed: "+singleLine(result.Error), sessionstore.KindExec); err != nil {
			return TurnResult{}, err
		}
		s.history.Append(query, reply)
		s.comment(ctx, query, "failed: "+singleLine(result.Error))
		return TurnResult{Reply: reply, Route: string(router.KindSandbox), Outcome: OutcomeDegraded, Execution: summary}, nil
	}

	analysis := s.interpret(ctx, query, decision, result.Output)
	reply := composeExecutionReply(decision.Text, decision.Language, decision.Snippet, result.Output, analysis)

	done := fmt.Sprintf("execution succeeded in %s (%d bytes of output)", result.Duration.Round(time.Millisecond), len(result.Output))
	if err := s.store.LogProgressWithContext(ctx, done, sessionstore.KindExec); err != nil {
		return TurnResult{}, err
	}
	s.history.Append(query, reply)
	s.comment(ctx, query, "succeeded:\n"+result.Output)
	return TurnResult{Reply: reply, Route: string(router.KindSandbox), Outcome: OutcomeOK, Execution: summary}, nil
}

// runSnippet executes snippet, turning a panic in the executor into a
// failed result.
func (s *Session) runSnippet(ctx context.Context, snippet string) (result sandbox.ExecutionResult) {
	defer func() {
		if r := recover(); r != nil {
			result = sandbox.ExecutionResult{Success: false, Error: fmt.Sprintf("sandbox panic: %v", r), ExitCode: -1}
		}
	}()
	return s.cfg.Sandbox.Execute(ctx, snippet, s.cfg.ExecTimeout)
}

// interpret asks the model to read the execution output. Failures only
// drop the analysis section.
func (s *Session) interpret(ctx context.Context, query string, decision router.Decision, output string) string {
	if !s.cfg.InterpretResults || s.cfg.Provider == nil {
		return ""
	}
	logger := tracing.LoggerFromContext(ctx, s.logger)

	prev := decision.Text
	if prev == "" {
		prev = "Exec: code generated via tool call."
	}
	messages := s.history.Messages()
	messages = append(messages,
		llm.Message{Role: llm.RoleUser, Content: query},
		llm.Message{Role: llm.RoleAssistant, Content: prev},
		llm.Message{Role: llm.RoleUser, Content: "Execution Result:\n" + output + "\n\nInterpret this result."},
	)
	resp, err := s.cfg.Provider.Call(ctx, llm.Request{Model: s.cfg.Model, Messages: messages})
	if err != nil {
		logger.Warn().Err(err).Msg("Result interpretation failed")
		return ""
	}
	return resp.Content
}

func (s *Session) comment(ctx context.Context, query, outcome string) {
	if s.cfg.Tracker == nil || s.cfg.TaskID == "" {
		return
	}
	s.cfg.Tracker.AddComment(tracing.Detach(ctx), s.cfg.TaskID, fmt.Sprintf("Session %s ran code for %q: %s", s.store.ID(), singleLine(query), outcome))
}

func (s *Session) record(ctx context.Context, query string, res TurnResult) {
	if s.cfg.Recorder == nil {
		return
	}
	// The turn happened even if the caller has gone away.
	err := s.cfg.Recorder.RecordTurn(tracing.Detach(ctx), catalog.Turn{
		SessionID: s.store.ID(),
		TurnID:    res.TurnID,
		Route:     res.Route,
		Outcome:   res.Outcome,
		Query:     query,
		At:        s.cfg.Now(),
		Duration:  res.Duration,
	})
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Warn().Err(err).Msg("Failed to record turn")
	}
}
