package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordChatTurn(t *testing.T) {
	before := testutil.ToFloat64(getMetrics().chatTurnsTotal.WithLabelValues("sandbox", "ok"))

	RecordChatTurn("sandbox", "ok", 2*time.Second)

	after := testutil.ToFloat64(getMetrics().chatTurnsTotal.WithLabelValues("sandbox", "ok"))
	assert.Equal(t, before+1, after)
}

func TestRecordSandboxExecution(t *testing.T) {
	before := testutil.ToFloat64(getMetrics().sandboxExecTotal.WithLabelValues("host", "timeout"))

	RecordSandboxExecution("host", "timeout", time.Second)

	assert.Equal(t, before+1, testutil.ToFloat64(getMetrics().sandboxExecTotal.WithLabelValues("host", "timeout")))
}

func TestMetricsHandler(t *testing.T) {
	RecordStoreWrite("plan", time.Millisecond, true)
	RecordLLMCall("anthropic", time.Second, false)
	RecordLLMRetry("anthropic")
	RecordTrackerCall("add_comment", true)
	RecordQueueEnqueue("session-a", 1)
	RecordQueueCompletion("session-a", time.Millisecond, true, 0)
	SetActiveSessions(3)

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "devmind_store_writes_total")
	assert.Contains(t, body, "devmind_llm_retries_total")
	assert.Contains(t, body, "devmind_active_sessions 3")
}
