package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/devmind/internal/tracing"
	"github.com/harun/devmind/pkg/llm"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultSystemPrompt explains the directive protocol to the model.
const DefaultSystemPrompt = `You are a coding assistant working inside a code repository.
Answer directly when you can. When the answer needs facts computed from the
repository (counts, searches, measurements), request execution instead:
call the run_code tool, or write a fenced block tagged with the language and
":execute". The snippet runs with the repository as its working directory and
its output is shown to the user. Request at most one execution per reply.`

// languageNote tells the model which language the sandbox runs. It is
// appended to every system prompt, including configured ones.
func languageNote(language string) string {
	return fmt.Sprintf("The sandbox only runs %[1]s. Write every snippet in %[1]s, "+
		"for example ```%[1]s:execute, and answer directly when %[1]s cannot compute the answer.", language)
}

// Context is the conversation state the router sends with a query.
type Context struct {
	History []llm.Message
	Plan    string
}

// Config configures a Router.
type Config struct {
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	// Language is the language the sandbox executes. Snippets in any
	// other language fall back to a direct answer.
	Language string
	Logger   zerolog.Logger
}

// Router turns a query into a Decision with one model call.
type Router struct {
	provider llm.Provider
	cfg      Config
	logger   zerolog.Logger
}

// New creates a router backed by provider.
func New(provider llm.Provider, cfg Config) *Router {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Language == "" {
		cfg.Language = "python"
	}
	cfg.Language = CanonicalLanguage(cfg.Language)
	return &Router{
		provider: provider,
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "router").Logger(),
	}
}

// Route performs exactly one model call and parses the reply. Model
// failures are returned as *llm.UpstreamError; the router never persists
// anything.
func (r *Router) Route(ctx context.Context, query string, convo Context) (Decision, error) {
	ctx, span := tracing.StartSpan(ctx, "devmind.router", "router.route")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	resp, err := r.provider.Call(ctx, r.buildRequest(query, convo))
	if err != nil {
		var ue *llm.UpstreamError
		if !errors.As(err, &ue) {
			err = &llm.UpstreamError{Provider: r.provider.Name(), Attempts: 1, Err: err}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Decision{}, err
	}

	decision := Parse(resp, r.cfg.Language)
	span.SetAttributes(
		attribute.String("route", string(decision.Kind)),
		attribute.String("directive", string(decision.Directive)),
		attribute.Bool("fallback", decision.Fallback),
	)
	event := logger.Debug()
	if decision.Fallback {
		event = logger.Warn().Err(decision.Failure)
	}
	event.Str("route", string(decision.Kind)).
		Str("directive", string(decision.Directive)).
		Int("snippet_bytes", len(decision.Snippet)).
		Msg("Query routed")
	return decision, nil
}

func (r *Router) buildRequest(query string, convo Context) llm.Request {
	system := r.cfg.SystemPrompt + "\n\n" + languageNote(r.cfg.Language)
	if plan := strings.TrimSpace(convo.Plan); plan != "" {
		system += "\n\n## Current plan\n" + plan
	}

	messages := make([]llm.Message, 0, len(convo.History)+1)
	messages = append(messages, convo.History...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: query})

	return llm.Request{
		Model:        r.cfg.Model,
		SystemPrompt: system,
		Messages:     messages,
		Tools:        []llm.Tool{RunCodeTool(r.cfg.Language)},
		Temperature:  r.cfg.Temperature,
		MaxTokens:    r.cfg.MaxTokens,
	}
}
