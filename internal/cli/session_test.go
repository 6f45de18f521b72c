package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harun/devmind/pkg/sessionstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionCommands(t *testing.T) {
	home := isolateHome(t)

	output, err := execute(t, "session", "set-plan", "alpha", "# Audit\n\n- [x] Read code\n- [ ] Count tests\n")
	require.NoError(t, err)
	assert.Contains(t, output, "Plan updated (1/2 items done)")

	output, err = execute(t, "session", "plan", "alpha")
	require.NoError(t, err)
	assert.Equal(t, "# Audit\n\n- [x] Read code\n- [ ] Count tests\n", output)

	store, err := sessionstore.New(filepath.Join(home, ".devmind", "sessions"))
	require.NoError(t, err)
	sess, err := store.CreateOrOpen("alpha")
	require.NoError(t, err)
	require.NoError(t, sess.LogFinding("Sandbox execution failed", "Query: count\nError: boom", sessionstore.SeverityError))
	require.NoError(t, sess.LogProgress("submitted snippet (python, 12 bytes)", sessionstore.KindExec))

	output, err = execute(t, "session", "findings", "alpha")
	require.NoError(t, err)
	assert.Contains(t, output, "[ERROR] Sandbox execution failed")
	assert.Contains(t, output, "    Error: boom")

	output, err = execute(t, "session", "progress", "alpha", "--limit", "1")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(output, "\n"))
	assert.Contains(t, output, "EXEC")
	assert.Contains(t, output, "submitted snippet (python, 12 bytes)")

	output, err = execute(t, "session", "report", "alpha")
	require.NoError(t, err)
	assert.Contains(t, output, "completed with errors")

	output, err = execute(t, "session", "list")
	require.NoError(t, err)
	assert.Contains(t, output, "alpha")
}

func TestSessionCommands_UnknownSession(t *testing.T) {
	isolateHome(t)

	_, err := execute(t, "session", "plan", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `session "missing" not found`)
}

func TestSessionSetPlan_RejectsEmptyStdin(t *testing.T) {
	isolateHome(t)

	_, err := execute(t, "session", "set-plan", "alpha")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "plan text is empty")
}

func TestPrintProgress_Limit(t *testing.T) {
	entries := []sessionstore.ProgressEntry{
		{Kind: "CHAT", Message: "one"},
		{Kind: "EXEC", Message: "two"},
		{Kind: "ERROR", Message: "three"},
	}
	var b strings.Builder
	printProgress(&b, entries, 2)
	assert.NotContains(t, b.String(), "one")
	assert.Contains(t, b.String(), "two")
	assert.Contains(t, b.String(), "three")
}

func TestSessionReport_UpdatesTrackerStatus(t *testing.T) {
	home := isolateHome(t)

	type call struct {
		method, path string
		body         map[string]string
	}
	calls := make(chan call, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		calls <- call{method: r.Method, path: r.URL.Path, body: body}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	t.Cleanup(func() { cfgFile = "" })
	cfgPath := filepath.Join(home, "devmind.json")
	raw := fmt.Sprintf(`{"tracker":{"enabled":true,"base_url":%q,"task_id":"T-7"}}`, srv.URL)
	require.NoError(t, os.WriteFile(cfgPath, []byte(raw), 0o600))

	_, err := execute(t, "--config", cfgPath, "session", "set-plan", "beta", "# Plan\n\n- [ ] Start\n")
	require.NoError(t, err)

	output, err := execute(t, "--config", cfgPath, "session", "report", "beta")
	require.NoError(t, err)
	assert.Contains(t, output, "Report appended")

	select {
	case c := <-calls:
		assert.Equal(t, http.MethodPatch, c.method)
		assert.Equal(t, "/tasks/T-7", c.path)
		assert.Equal(t, "completed", c.body["status"])
	case <-time.After(2 * time.Second):
		t.Fatal("tracker was not called")
	}
}
