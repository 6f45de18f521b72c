package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name string

	mu       sync.Mutex
	calls    int
	requests []Request
	script   []func(ctx context.Context) (*Response, error)
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Call(ctx context.Context, request Request) (*Response, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	f.requests = append(f.requests, request)
	f.mu.Unlock()
	if idx >= len(f.script) {
		return &Response{Content: "default"}, nil
	}
	return f.script[idx](ctx)
}

func (f *fakeProvider) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func reply(text string) func(context.Context) (*Response, error) {
	return func(context.Context) (*Response, error) { return &Response{Content: text}, nil }
}

func fail(err error) func(context.Context) (*Response, error) {
	return func(context.Context) (*Response, error) { return nil, err }
}

func newTestClient(t *testing.T, retries int, providers map[string]*fakeProvider, profiles ...Profile) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		Profiles:       profiles,
		Model:          "default-model",
		MaxTokens:      256,
		RequestTimeout: time.Second,
		MaxRetries:     retries,
		Factory: FactoryFunc(func(p Profile) (Provider, error) {
			fp, ok := providers[p.ID]
			if !ok {
				return nil, errors.New("unknown profile")
			}
			return fp, nil
		}),
	})
	require.NoError(t, err)
	return c
}

func TestNewClient_RequiresProfiles(t *testing.T) {
	_, err := NewClient(ClientConfig{})
	assert.ErrorIs(t, err, ErrNoProfiles)
}

func TestClient_Call_Success(t *testing.T) {
	fp := &fakeProvider{name: "anthropic", script: []func(context.Context) (*Response, error){reply("hi")}}
	c := newTestClient(t, 1, map[string]*fakeProvider{"a": fp}, Profile{ID: "a", Provider: "anthropic"})

	resp, err := c.Call(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "q"}}})

	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Content)
	assert.Equal(t, 1, fp.Calls())
	assert.Equal(t, "default-model", fp.requests[0].Model)
	assert.Equal(t, 256, fp.requests[0].MaxTokens)
}

func TestClient_Call_ProfileModelOverrides(t *testing.T) {
	fp := &fakeProvider{name: "ollama"}
	c := newTestClient(t, 0, map[string]*fakeProvider{"local": fp}, Profile{ID: "local", Provider: "ollama", Model: "qwen2.5-coder"})

	_, err := c.Call(context.Background(), Request{Model: "ignored"})

	require.NoError(t, err)
	assert.Equal(t, "qwen2.5-coder", fp.requests[0].Model)
}

func TestClient_Call_RetriesOnceOnRetryableError(t *testing.T) {
	fp := &fakeProvider{name: "openai", script: []func(context.Context) (*Response, error){
		fail(errors.New("503 service unavailable")),
		reply("recovered"),
	}}
	c := newTestClient(t, 1, map[string]*fakeProvider{"o": fp}, Profile{ID: "o", Provider: "openai"})

	resp, err := c.Call(context.Background(), Request{})

	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
	assert.Equal(t, 2, fp.Calls())
}

func TestClient_Call_RetryIsBounded(t *testing.T) {
	fp := &fakeProvider{name: "openai", script: []func(context.Context) (*Response, error){
		fail(errors.New("429 rate limit")),
		fail(errors.New("429 rate limit")),
		reply("never reached"),
	}}
	c := newTestClient(t, 5, map[string]*fakeProvider{"o": fp}, Profile{ID: "o", Provider: "openai"})

	_, err := c.Call(context.Background(), Request{})

	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, 2, ue.Attempts)
	assert.Equal(t, "openai", ue.Provider)
	assert.Equal(t, 2, fp.Calls())
}

func TestClient_Call_NoRetryOnPermanentError(t *testing.T) {
	fp := &fakeProvider{name: "anthropic", script: []func(context.Context) (*Response, error){
		fail(errors.New("invalid api key")),
	}}
	c := newTestClient(t, 1, map[string]*fakeProvider{"a": fp}, Profile{ID: "a", Provider: "anthropic"})

	_, err := c.Call(context.Background(), Request{})

	assert.True(t, IsUpstreamError(err))
	assert.Equal(t, 1, fp.Calls())
}

func TestClient_Call_NoRetryWhenDisabled(t *testing.T) {
	fp := &fakeProvider{name: "anthropic", script: []func(context.Context) (*Response, error){
		fail(errors.New("502 bad gateway")),
	}}
	c := newTestClient(t, 0, map[string]*fakeProvider{"a": fp}, Profile{ID: "a", Provider: "anthropic"})

	_, err := c.Call(context.Background(), Request{})

	assert.True(t, IsUpstreamError(err))
	assert.Equal(t, 1, fp.Calls())
}

func TestClient_Call_FailsOverToNextProfile(t *testing.T) {
	primary := &fakeProvider{name: "anthropic", script: []func(context.Context) (*Response, error){
		fail(errors.New("529 overloaded")),
	}}
	backup := &fakeProvider{name: "ollama", script: []func(context.Context) (*Response, error){reply("from backup")}}
	c := newTestClient(t, 1,
		map[string]*fakeProvider{"primary": primary, "backup": backup},
		Profile{ID: "backup", Provider: "ollama", Priority: 2},
		Profile{ID: "primary", Provider: "anthropic", Priority: 1},
	)

	resp, err := c.Call(context.Background(), Request{})

	require.NoError(t, err)
	assert.Equal(t, "from backup", resp.Content)
	assert.Equal(t, 1, primary.Calls())
	assert.Equal(t, 1, backup.Calls())

	// The failed profile cools down, so the next call goes to the backup.
	_, err = c.Call(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, 1, primary.Calls())
	assert.Equal(t, 2, backup.Calls())
}

func TestClient_Call_RequestTimeoutIsRetried(t *testing.T) {
	fp := &fakeProvider{name: "gemini", script: []func(context.Context) (*Response, error){
		func(ctx context.Context) (*Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
		reply("second try"),
	}}
	c, err := NewClient(ClientConfig{
		Profiles:       []Profile{{ID: "g", Provider: "gemini"}},
		RequestTimeout: 50 * time.Millisecond,
		MaxRetries:     1,
		Factory:        FactoryFunc(func(Profile) (Provider, error) { return fp, nil }),
	})
	require.NoError(t, err)

	start := time.Now()
	resp, err := c.Call(context.Background(), Request{})

	require.NoError(t, err)
	assert.Equal(t, "second try", resp.Content)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClient_Call_ParentCancelStopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fp := &fakeProvider{name: "openai", script: []func(context.Context) (*Response, error){
		func(context.Context) (*Response, error) {
			cancel()
			return nil, context.Canceled
		},
	}}
	c := newTestClient(t, 1, map[string]*fakeProvider{"o": fp}, Profile{ID: "o", Provider: "openai"})

	_, err := c.Call(ctx, Request{})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, fp.Calls())
}

func TestClient_Call_FactoryError(t *testing.T) {
	c := newTestClient(t, 1, map[string]*fakeProvider{}, Profile{ID: "missing", Provider: "openai"})

	_, err := c.Call(context.Background(), Request{})

	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Contains(t, ue.Error(), "unknown profile")
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.Canceled, false},
		{context.DeadlineExceeded, true},
		{errors.New("read: connection reset by peer"), true},
		{errors.New("HTTP 500 internal"), true},
		{errors.New("rate limit exceeded"), true},
		{errors.New("400 bad request"), false},
		{errors.New("model not found"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRetryableError(tt.err), "%v", tt.err)
	}
}

func TestUpstreamError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &UpstreamError{Provider: "openai", Attempts: 2, Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "upstream openai failed after 2 attempt(s): boom", err.Error())
}
