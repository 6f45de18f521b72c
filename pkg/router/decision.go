package router

import "fmt"

// Kind tags a Decision.
type Kind string

const (
	// KindDirect means the model text is the whole answer.
	KindDirect Kind = "direct"
	// KindSandbox means a snippet must run before the answer is composed.
	KindSandbox Kind = "sandbox"
)

// Directive names the grammar rule that matched.
type Directive string

const (
	DirectiveNone     Directive = ""
	DirectiveToolCall Directive = "tool_call"
	DirectiveFence    Directive = "fenced_block"
	DirectiveRunLine  Directive = "run_line"
)

// Decision is the router's tagged result: a DirectAnswer (Kind direct,
// Text only) or a SandboxRequest (Kind sandbox, with Snippet and
// Language).
type Decision struct {
	Kind      Kind
	Text      string
	Snippet   string
	Language  string
	Directive Directive
	Rationale string
	// Fallback is set when a directive was present but unusable. Failure
	// carries the reason.
	Fallback bool
	Failure  *RoutingFailure
}

// IsSandbox reports whether the decision requests execution.
func (d Decision) IsSandbox() bool {
	return d.Kind == KindSandbox
}

// DirectAnswer builds a direct decision.
func DirectAnswer(text, rationale string) Decision {
	return Decision{Kind: KindDirect, Text: text, Rationale: rationale}
}

// SandboxRequest builds a sandbox decision.
func SandboxRequest(text, snippet, language string, directive Directive) Decision {
	return Decision{
		Kind:      KindSandbox,
		Text:      text,
		Snippet:   snippet,
		Language:  language,
		Directive: directive,
		Rationale: fmt.Sprintf("%s directive", directive),
	}
}

// RoutingFailure describes a directive whose payload could not be used.
type RoutingFailure struct {
	Directive Directive
	Reason    string
}

func (e *RoutingFailure) Error() string {
	return fmt.Sprintf("routing failure (%s): %s", e.Directive, e.Reason)
}

func fallback(text string, f *RoutingFailure) Decision {
	return Decision{
		Kind:      KindDirect,
		Text:      text,
		Directive: f.Directive,
		Rationale: f.Error(),
		Fallback:  true,
		Failure:   f,
	}
}
