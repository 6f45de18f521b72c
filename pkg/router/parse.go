package router

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/harun/devmind/pkg/llm"
	"github.com/xeipuuv/gojsonschema"
)

// RunCodeToolName is the tool the model calls to request execution.
const RunCodeToolName = "run_code"

var (
	fenceDirective = regexp.MustCompile("(?s)```([A-Za-z0-9_+-]*):(?:execute|exec)[ \t]*\\r?\\n?(.*?)```")
	runDirective   = regexp.MustCompile(`(?m)^[ \t]*RUN:(.*)$`)
)

// payloadKeys are the argument names that may carry the snippet, in
// lookup order.
var payloadKeys = []string{"code", "command", "script"}

var runCodeSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"code":     map[string]interface{}{"type": "string", "description": "Source code to execute"},
		"command":  map[string]interface{}{"type": "string"},
		"script":   map[string]interface{}{"type": "string"},
		"language": map[string]interface{}{"type": "string", "description": "Language of the snippet"},
	},
	"anyOf": []interface{}{
		map[string]interface{}{"required": []interface{}{"code"}},
		map[string]interface{}{"required": []interface{}{"command"}},
		map[string]interface{}{"required": []interface{}{"script"}},
	},
}

var compiledRunCodeSchema = mustSchema(runCodeSchema)

func mustSchema(m map[string]interface{}) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(m))
	if err != nil {
		panic(fmt.Sprintf("router: invalid tool schema: %v", err))
	}
	return schema
}

// RunCodeTool is the tool definition offered to the model. The language
// argument is limited to the sandbox's language.
func RunCodeTool(language string) llm.Tool {
	language = CanonicalLanguage(language)
	return llm.Tool{
		Name:        RunCodeToolName,
		Description: fmt.Sprintf("Execute a short %s snippet in a sandbox rooted at the repository and return its output. Use it when the answer needs facts computed from the files.", language),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"code":     map[string]any{"type": "string", "description": language + " source code to execute"},
				"language": map[string]any{"type": "string", "description": "Language of the snippet", "enum": []any{language}},
			},
			"required": []any{"code"},
		},
	}
}

// languageAliases maps the names models use to sandbox language names.
var languageAliases = map[string]string{
	"python":     "python",
	"python3":    "python",
	"py":         "python",
	"sh":         "sh",
	"bash":       "sh",
	"shell":      "sh",
	"zsh":        "sh",
	"go":         "go",
	"golang":     "go",
	"javascript": "javascript",
	"js":         "javascript",
	"node":       "javascript",
}

// CanonicalLanguage normalizes a language name. Unknown names come back
// lower-cased.
func CanonicalLanguage(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if canon, ok := languageAliases[name]; ok {
		return canon
	}
	return name
}

// Parse classifies a model response. It is pure: no I/O, no model call.
// language is the sandbox's language. It labels snippets whose directive
// names none, and a snippet in any other language is a routing failure
// since the sandbox cannot run it.
func Parse(resp *llm.Response, language string) Decision {
	language = CanonicalLanguage(language)
	if resp == nil {
		return DirectAnswer("", "empty response")
	}
	text := resp.Content

	if call, ok := findExecToolCall(resp.ToolCalls); ok {
		return checkLanguage(parseToolCall(text, call, language), language)
	}

	if m := fenceDirective.FindStringSubmatch(text); m != nil {
		snippet := strings.TrimSpace(m[2])
		if snippet == "" {
			return fallback(text, &RoutingFailure{Directive: DirectiveFence, Reason: "empty code block"})
		}
		lang := language
		if m[1] != "" {
			lang = CanonicalLanguage(m[1])
		}
		return checkLanguage(SandboxRequest(text, snippet+"\n", lang, DirectiveFence), language)
	}

	if m := runDirective.FindStringSubmatch(text); m != nil {
		snippet := strings.TrimSpace(m[1])
		if snippet == "" {
			return fallback(text, &RoutingFailure{Directive: DirectiveRunLine, Reason: "empty RUN: line"})
		}
		return SandboxRequest(strings.TrimSpace(runDirective.ReplaceAllString(text, "")), snippet+"\n", language, DirectiveRunLine)
	}

	return DirectAnswer(text, "no directive")
}

// checkLanguage turns a sandbox request the sandbox cannot run into a
// fallback.
func checkLanguage(d Decision, want string) Decision {
	if !d.IsSandbox() || d.Language == want {
		return d
	}
	return fallback(d.Text, &RoutingFailure{
		Directive: d.Directive,
		Reason:    fmt.Sprintf("snippet language %q does not match sandbox language %q", d.Language, want),
	})
}

// findExecToolCall returns the first call that requests execution: the
// run_code tool, or any tool whose name mentions both python and exec as
// emitted by some local models.
func findExecToolCall(calls []llm.ToolCall) (llm.ToolCall, bool) {
	for _, call := range calls {
		name := strings.ToLower(call.Name)
		if name == RunCodeToolName || (strings.Contains(name, "python") && strings.Contains(name, "exec")) {
			return call, true
		}
	}
	return llm.ToolCall{}, false
}

func parseToolCall(text string, call llm.ToolCall, language string) Decision {
	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	result, err := compiledRunCodeSchema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fallback(text, &RoutingFailure{Directive: DirectiveToolCall, Reason: fmt.Sprintf("unreadable arguments: %v", err)})
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fallback(text, &RoutingFailure{Directive: DirectiveToolCall, Reason: "invalid arguments: " + strings.Join(msgs, "; ")})
	}

	snippet := ""
	for _, key := range payloadKeys {
		if s, ok := args[key].(string); ok && strings.TrimSpace(s) != "" {
			snippet = s
			break
		}
	}
	if snippet == "" {
		return fallback(text, &RoutingFailure{Directive: DirectiveToolCall, Reason: "empty snippet in " + call.Name})
	}

	lang := language
	if l, ok := args["language"].(string); ok && strings.TrimSpace(l) != "" {
		lang = CanonicalLanguage(l)
	} else if strings.Contains(strings.ToLower(call.Name), "python") {
		lang = "python"
	}
	if !strings.HasSuffix(snippet, "\n") {
		snippet += "\n"
	}
	return SandboxRequest(text, snippet, lang, DirectiveToolCall)
}
