// Package client provides an HTTP client for the teleward daemon API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080",
		Timeout: 10 * time.Second,
	}
}

// New creates a new teleward API client
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode != http.StatusNotFound
}

// Status fetches the supervisor status.
func (c *Client) Status(ctx context.Context) (WorkerStatus, error) {
	var st WorkerStatus
	err := c.getJSON(ctx, "/status", &st)
	return st, err
}

// Start asks the daemon to start the worker in the given mode.
func (c *Client) Start(ctx context.Context, mode string, force bool) error {
	q := url.Values{"mode": {mode}}
	if force {
		q.Set("force", "1")
	}
	return c.post(ctx, "/start?"+q.Encode())
}

// Stop asks the daemon to stop the worker. The session is marked as
// manually stopped, so it will not auto resume.
func (c *Client) Stop(ctx context.Context) error {
	return c.post(ctx, "/stop")
}

// Restart asks the daemon to restart the worker. An empty mode keeps
// the mode the worker is currently running in.
func (c *Client) Restart(ctx context.Context, mode string) error {
	path := "/restart"
	if mode != "" {
		path += "?mode=" + url.QueryEscape(mode)
	}
	return c.post(ctx, path)
}

// ResetDegraded clears the supervisor degraded flag after its restart
// budget ran out, so the worker can be started again.
func (c *Client) ResetDegraded(ctx context.Context) error {
	return c.post(ctx, "/reset-degraded")
}

// Logs fetches the last n lines of the worker log.
func (c *Client) Logs(ctx context.Context, n int) (string, error) {
	path := "/logs"
	if n > 0 {
		path += "?lines=" + strconv.Itoa(n)
	}
	var out struct {
		Logs string `json:"logs"`
	}
	if err := c.getJSON(ctx, path, &out); err != nil {
		return "", err
	}
	return out.Logs, nil
}

// Sessions lists persisted sessions, most recent first.
func (c *Client) Sessions(ctx context.Context) ([]SessionSummary, error) {
	var out []SessionSummary
	err := c.getJSON(ctx, "/sessions", &out)
	return out, err
}

// CleanupSessions removes all but the keep most recent sessions.
func (c *Client) CleanupSessions(ctx context.Context, keep int) (int, error) {
	path := "/sessions/cleanup"
	if keep > 0 {
		path += "?keep=" + strconv.Itoa(keep)
	}
	var out struct {
		Removed int `json:"removed"`
	}
	if err := c.postJSON(ctx, path, &out); err != nil {
		return 0, err
	}
	return out.Removed, nil
}

// SchedulerStatus fetches the random posting scheduler status.
func (c *Client) SchedulerStatus(ctx context.Context) (SchedulerStatus, error) {
	var out SchedulerStatus
	err := c.getJSON(ctx, "/scheduler/status", &out)
	return out, err
}

// SchedulerReset clears today's posting counters.
func (c *Client) SchedulerReset(ctx context.Context) error {
	return c.post(ctx, "/scheduler/reset")
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, out)
}

func (c *Client) post(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodPost, path, nil)
}

func (c *Client) postJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodPost, path, out)
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, e.Error)
		}
		return fmt.Errorf("%s %s: http %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
