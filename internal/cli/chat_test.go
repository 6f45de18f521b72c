package cli

import (
	"strings"
	"testing"

	"github.com/harun/devmind/internal/config"
	"github.com/harun/devmind/pkg/sandbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionID(t *testing.T) {
	id, err := newSessionID()
	require.NoError(t, err)
	assert.Len(t, id, 10)
	assert.Empty(t, strings.Trim(id, sessionIDAlphabet))
}

func TestSnippetLanguage(t *testing.T) {
	tests := []struct {
		runtime     sandbox.Runtime
		interpreter string
		want        string
	}{
		{sandbox.RuntimeHost, "python3", "python"},
		{sandbox.RuntimeHost, "/usr/bin/python3.12", "python"},
		{sandbox.RuntimeDocker, "bash", "sh"},
		{sandbox.RuntimeHost, "node", "javascript"},
		{sandbox.RuntimeGo, "", "go"},
		{sandbox.RuntimeHost, "ruby", "ruby"},
	}
	for _, tt := range tests {
		t.Run(tt.interpreter, func(t *testing.T) {
			assert.Equal(t, tt.want, snippetLanguage(sandbox.Config{Runtime: tt.runtime, Interpreter: tt.interpreter}))
		})
	}
}

func TestNewRenderer_Plain(t *testing.T) {
	render := newRenderer(true)
	assert.Equal(t, "**Execution Result:**\n2", render("**Execution Result:**\n2"))
}

func TestChatCommand_Flags(t *testing.T) {
	for _, name := range []string{"session", "repo", "query", "plain"} {
		assert.NotNil(t, chatCmd.Flags().Lookup(name), name)
	}
}

func TestChatCommand_RequiresCredentials(t *testing.T) {
	isolateHome(t)
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("OLLAMA_HOST", "")

	_, err := execute(t, "chat", "--query", "hello", "--session", "s1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "devmind configure")
}

func TestReplCommand(t *testing.T) {
	home := isolateHome(t)
	cfg, err := config.Load("")
	require.NoError(t, err)
	require.Contains(t, cfg.DataDir, home)

	a, err := newApp(cfg, appOptions{})
	require.NoError(t, err)
	defer a.Close()

	var out strings.Builder
	require.NoError(t, replCommand(a, "s1", "/plan", &out))
	assert.Contains(t, out.String(), "# Task Plan")

	out.Reset()
	require.NoError(t, replCommand(a, "s1", "/findings", &out))
	assert.Contains(t, out.String(), "No findings.")

	assert.Error(t, replCommand(a, "s1", "/bogus", &out))
}
