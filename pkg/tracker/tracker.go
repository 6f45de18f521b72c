// Package tracker posts agent activity to an external task-tracking API.
// Every call is fire-and-forget: failures are logged and never returned.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/harun/devmind/internal/observability"
	"github.com/harun/devmind/internal/tracing"
	"github.com/rs/zerolog"
)

// maxCommentBytes bounds comment bodies sent upstream.
const maxCommentBytes = 8 * 1024

// Config configures a Client.
type Config struct {
	// BaseURL of the tracker API. Empty means log-only mode.
	BaseURL string
	APIKey  string
	Author  string
	Timeout time.Duration
	Client  *http.Client
	Logger  zerolog.Logger
}

// Client talks to the task tracker.
type Client struct {
	cfg    Config
	http   *http.Client
	logger zerolog.Logger
}

type commentRequest struct {
	Content string `json:"content"`
	Author  string `json:"author"`
}

type statusRequest struct {
	Status string `json:"status"`
}

// New creates a tracker client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Author == "" {
		cfg.Author = "devmind"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	httpClient := cfg.Client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:    cfg,
		http:   httpClient,
		logger: cfg.Logger.With().Str("component", "tracker").Logger(),
	}
}

// AddComment attaches content to taskID.
func (c *Client) AddComment(ctx context.Context, taskID, content string) {
	if len(content) > maxCommentBytes {
		content = content[:maxCommentBytes] + "\n…"
	}
	c.send(ctx, "add_comment", http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/comments", taskID,
		commentRequest{Content: content, Author: c.cfg.Author})
}

// UpdateTaskStatus sets the status of taskID.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID, status string) {
	c.send(ctx, "update_status", http.MethodPatch, "/tasks/"+url.PathEscape(taskID), taskID,
		statusRequest{Status: status})
}

func (c *Client) send(ctx context.Context, op, method, path, taskID string, body interface{}) {
	logger := tracing.LoggerFromContext(ctx, c.logger).With().Str("op", op).Str("task_id", taskID).Logger()
	if taskID == "" {
		logger.Debug().Msg("No task id; skipping tracker call")
		return
	}
	if c.cfg.BaseURL == "" {
		logger.Info().Interface("payload", body).Msg("Tracker not configured; logging only")
		return
	}

	err := c.do(ctx, method, c.cfg.BaseURL+path, body)
	observability.RecordTrackerCall(op, err == nil)
	if err != nil {
		logger.Warn().Err(err).Msg("Tracker call failed")
		return
	}
	logger.Debug().Msg("Tracker call succeeded")
}

func (c *Client) do(ctx context.Context, method, endpoint string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("tracker returned %s", resp.Status)
	}
	return nil
}
