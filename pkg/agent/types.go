package agent

import (
	"context"
	"time"

	"github.com/harun/devmind/pkg/catalog"
	"github.com/harun/devmind/pkg/router"
)

// State is a step of the turn state machine.
type State int

const (
	StateIdle State = iota
	StateRouting
	StateDirectReply
	StateExecuting
	StateComposing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRouting:
		return "routing"
	case StateDirectReply:
		return "direct_reply"
	case StateExecuting:
		return "executing"
	case StateComposing:
		return "composing"
	default:
		return "unknown"
	}
}

// Turn outcomes, as recorded in metrics and the catalog.
const (
	OutcomeOK           = "ok"
	OutcomeDegraded     = "degraded"
	OutcomeStorageError = "storage_error"
)

// Route labels for turns that never got a decision.
const routeNone = "none"

// TurnResult describes a finished turn.
type TurnResult struct {
	Reply    string
	Route    string
	Outcome  string
	TurnID   string
	Duration time.Duration
	// Execution is set when a snippet ran.
	Execution *ExecutionSummary
}

// ExecutionSummary is the part of an execution result kept with a turn.
type ExecutionSummary struct {
	Language string
	Success  bool
	Error    string
	Duration time.Duration
}

// Router decides how a query is answered.
type Router interface {
	Route(ctx context.Context, query string, convo router.Context) (router.Decision, error)
}

// Tracker receives a comment after each sandbox turn. Implementations
// swallow their own failures.
type Tracker interface {
	AddComment(ctx context.Context, taskID, content string)
}

// TurnRecorder indexes finished turns.
type TurnRecorder interface {
	RecordTurn(ctx context.Context, t catalog.Turn) error
}
