package tracker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method string
	path   string
	auth   string
	body   map[string]string
}

func newTrackerServer(t *testing.T, status int) (*httptest.Server, func() []recorded) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []recorded
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		reqs = append(reqs, recorded{method: r.Method, path: r.URL.Path, auth: r.Header.Get("Authorization"), body: body})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []recorded {
		mu.Lock()
		defer mu.Unlock()
		return append([]recorded(nil), reqs...)
	}
}

func TestAddComment_Posts(t *testing.T) {
	srv, requests := newTrackerServer(t, http.StatusCreated)
	c := New(Config{BaseURL: srv.URL + "/api/", APIKey: "k", Author: "bot", Logger: zerolog.Nop()})

	c.AddComment(context.Background(), "T-1", "counted 2 files")

	got := requests()
	require.Len(t, got, 1)
	assert.Equal(t, http.MethodPost, got[0].method)
	assert.Equal(t, "/api/tasks/T-1/comments", got[0].path)
	assert.Equal(t, "Bearer k", got[0].auth)
	assert.Equal(t, "counted 2 files", got[0].body["content"])
	assert.Equal(t, "bot", got[0].body["author"])
}

func TestUpdateTaskStatus_Patches(t *testing.T) {
	srv, requests := newTrackerServer(t, http.StatusOK)
	c := New(Config{BaseURL: srv.URL, Logger: zerolog.Nop()})

	c.UpdateTaskStatus(context.Background(), "T-2", "done")

	got := requests()
	require.Len(t, got, 1)
	assert.Equal(t, http.MethodPatch, got[0].method)
	assert.Equal(t, "/tasks/T-2", got[0].path)
	assert.Equal(t, "done", got[0].body["status"])
	assert.Empty(t, got[0].auth)
}

func TestFailuresAreSwallowed(t *testing.T) {
	srv, requests := newTrackerServer(t, http.StatusInternalServerError)
	c := New(Config{BaseURL: srv.URL, Logger: zerolog.Nop()})

	assert.NotPanics(t, func() {
		c.AddComment(context.Background(), "T-3", "x")
	})
	assert.Len(t, requests(), 1)

	unreachable := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond, Logger: zerolog.Nop()})
	assert.NotPanics(t, func() {
		unreachable.UpdateTaskStatus(context.Background(), "T-3", "blocked")
	})
}

func TestLogOnlyAndMissingTask(t *testing.T) {
	srv, requests := newTrackerServer(t, http.StatusOK)

	New(Config{Logger: zerolog.Nop()}).AddComment(context.Background(), "T-4", "no backend")
	New(Config{BaseURL: srv.URL, Logger: zerolog.Nop()}).AddComment(context.Background(), "", "no task")

	assert.Empty(t, requests())
}

func TestAddComment_TruncatesLongContent(t *testing.T) {
	srv, requests := newTrackerServer(t, http.StatusOK)
	c := New(Config{BaseURL: srv.URL, Logger: zerolog.Nop()})

	c.AddComment(context.Background(), "T-5", strings.Repeat("a", maxCommentBytes+100))

	got := requests()
	require.Len(t, got, 1)
	assert.True(t, strings.HasSuffix(got[0].body["content"], "\n…"))
	assert.LessOrEqual(t, len(got[0].body["content"]), maxCommentBytes+len("\n…"))
}
