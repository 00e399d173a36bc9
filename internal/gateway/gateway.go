// Package gateway is the client for the remote time-log REST API.
//
// Calls are fire-and-await: nothing here retries. The session controller
// decides what a failure means.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"worktrack/internal/domain"
)

// Client talks to the time-log API with a bearer token.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
	UserAgent  string
}

// New creates a client with sane defaults.
func New(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		BaseURL:   baseURL,
		Token:     token,
		Timeout:   timeout,
		UserAgent: "worktrack-agent",
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Is maps statuses onto the domain error taxonomy.
func (e *APIError) Is(target error) bool {
	switch target {
	case domain.ErrConflictClosed:
		return e.StatusCode == http.StatusConflict
	case domain.ErrValidation:
		return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity
	case domain.ErrNetwork:
		return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// StartRequest opens a time log.
type StartRequest struct {
	ProjectID   string
	TaskID      string
	ClientID    string
	Description string
	StartTime   time.Time
}

type timeLogBody struct {
	ProjectID   string  `json:"project_id,omitempty"`
	TaskID      string  `json:"task_id,omitempty"`
	ClientID    string  `json:"client_id,omitempty"`
	StartTime   string  `json:"start_time,omitempty"`
	EndTime     *string `json:"end_time,omitempty"`
	Duration    *int    `json:"duration,omitempty"`
	Description *string `json:"description,omitempty"`
}

// StartLog opens a log. If the server already has one open for the user it
// returns that log; its start time is authoritative.
func (c *Client) StartLog(ctx context.Context, req StartRequest) (domain.TimeLog, error) {
	desc := req.Description
	body := timeLogBody{
		ProjectID:   req.ProjectID,
		TaskID:      req.TaskID,
		ClientID:    req.ClientID,
		StartTime:   FormatTime(req.StartTime),
		Description: &desc,
	}
	var resp domain.TimeLog
	err := c.do(ctx, http.MethodPost, "time-log", body, &resp)
	if err == nil && resp.ID == "" {
		err = fmt.Errorf("start time log: response without id")
	}
	return resp, err
}

// HeartbeatLog pushes the running duration and note. A 409 means the log
// was closed elsewhere.
func (c *Client) HeartbeatLog(ctx context.Context, id string, duration int, note string) (domain.TimeLog, error) {
	body := timeLogBody{Duration: &duration, Description: &note}
	var resp domain.TimeLog
	err := c.do(ctx, http.MethodPut, "time-log/"+url.PathEscape(id), body, &resp)
	return resp, err
}

// StopLog closes the log at end.
func (c *Client) StopLog(ctx context.Context, id string, end time.Time, duration int, note string) (domain.TimeLog, error) {
	endTime := FormatTime(end)
	body := timeLogBody{EndTime: &endTime, Duration: &duration, Description: &note}
	var resp domain.TimeLog
	err := c.do(ctx, http.MethodPut, "time-log/"+url.PathEscape(id), body, &resp)
	return resp, err
}

// ActiveProjects lists projects open for tracking.
func (c *Client) ActiveProjects(ctx context.Context) ([]domain.Project, error) {
	var resp []domain.Project
	err := c.do(ctx, http.MethodGet, "active-projects", nil, &resp)
	return resp, err
}

// AssignedProjects lists projects assigned to the current user.
func (c *Client) AssignedProjects(ctx context.Context) ([]domain.Project, error) {
	var resp []domain.Project
	err := c.do(ctx, http.MethodGet, "assigned-projects", nil, &resp)
	return resp, err
}

func (c *Client) ProjectTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	var resp []domain.Task
	err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(projectID)+"/tasks", nil, &resp)
	return resp, err
}

// FormatTime renders t in the wire format.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %s %s: %w", domain.ErrNetwork, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %w", domain.ErrNetwork, err)
	}
	return decode(data, out)
}

// decode accepts both bare payloads and Laravel style {"data": ...} envelopes.
func decode(data []byte, out any) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	if data[0] == '{' {
		var env struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &env); err == nil && len(env.Data) > 0 && (env.Data[0] == '{' || env.Data[0] == '[') {
			data = env.Data
		}
	}
	return json.Unmarshal(data, out)
}

func (c *Client) url(endpoint string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
}
