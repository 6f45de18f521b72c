package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/harun/devmind/pkg/sandbox"
)

// ExecutionMarker precedes sandbox output in a reply.
const ExecutionMarker = "**Execution Result:**"

// AnalysisMarker precedes the model's reading of the output.
const AnalysisMarker = "**Analysis:**"

const (
	emptyReplyApology = "I apologize, but I couldn't generate a response. Please try asking again or check the system logs."
	upstreamApology   = "I'm sorry, I couldn't reach the language model to answer that. Please try again in a moment."
	noOutput          = "(no output)"
)

// sanitize defuses marker text produced by the model so the marker stays
// a reliable signal of the sandbox path.
func sanitize(text string) string {
	text = strings.ReplaceAll(text, ExecutionMarker, "Execution Result:")
	return strings.TrimSpace(text)
}

// composeExecutionReply builds the reply for a snippet that ran. intro is
// the model text; it defaults to a description of the snippet.
func composeExecutionReply(intro, language, snippet, output, analysis string) string {
	intro = sanitize(intro)
	if intro == "" {
		intro = fmt.Sprintf("I've calculated this using the following code:\n```%s\n%s```", language, ensureNewline(snippet))
	}
	output = strings.TrimRight(output, "\n")
	if strings.TrimSpace(output) == "" {
		output = noOutput
	}

	var b strings.Builder
	b.WriteString(intro)
	b.WriteString("\n\n")
	b.WriteString(ExecutionMarker)
	b.WriteString("\n")
	b.WriteString(sanitize(output))
	if analysis = sanitize(analysis); analysis != "" {
		b.WriteString("\n\n")
		b.WriteString(AnalysisMarker)
		b.WriteString("\n")
		b.WriteString(analysis)
	}
	return b.String()
}

// composeFailureReply apologizes for a failed execution. Partial output is
// shown under the marker when there is any.
func composeFailureReply(result sandbox.ExecutionResult, timeout time.Duration) string {
	var b strings.Builder
	b.WriteString("I'm sorry, I couldn't compute that: ")
	b.WriteString(describeFailure(result, timeout))
	b.WriteString(". The error has been logged to the session findings; you can rephrase the question or try again.")
	if out := strings.TrimSpace(result.Output); out != "" {
		b.WriteString("\n\n")
		b.WriteString(ExecutionMarker)
		b.WriteString("\n")
		b.WriteString(sanitize(out))
	}
	return b.String()
}

func describeFailure(result sandbox.ExecutionResult, timeout time.Duration) string {
	switch {
	case result.TimedOut():
		if timeout > 0 {
			return fmt.Sprintf("the code did not finish within %s", timeout)
		}
		return "the code timed out"
	case result.Error != "":
		return "the code failed (" + singleLine(result.Error) + ")"
	default:
		return "the code failed"
	}
}

func ensureNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

func singleLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
