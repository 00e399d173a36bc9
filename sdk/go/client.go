package worktracksdk

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Client talks to the control API of a running worktrack agent.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. addr may omit the scheme.
func New(addr, token string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		BaseURL:     addr,
		BearerToken: token,
		Timeout:     30 * time.Second,
	}
}

// Summary describes a finished session.
type Summary struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Minutes   int       `json:"minutes"`
	Reason    string    `json:"reason"`
}

// Status is the agent's session snapshot.
type Status struct {
	State             string   `json:"state"`
	SessionID         string   `json:"session_id,omitempty"`
	ProjectID         string   `json:"project_id,omitempty"`
	TaskID            string   `json:"task_id,omitempty"`
	ClientID          string   `json:"client_id,omitempty"`
	Note              string   `json:"note,omitempty"`
	StartedAt         string   `json:"started_at,omitempty"`
	LastHeartbeatAt   string   `json:"last_heartbeat_at,omitempty"`
	ElapsedSeconds    int64    `json:"elapsed_seconds"`
	Screenshots       bool     `json:"screenshots"`
	ScreenshotsPaused bool     `json:"screenshots_paused"`
	NextFixedCapture  string   `json:"next_fixed_capture,omitempty"`
	LastUploadMinute  string   `json:"last_upload_minute,omitempty"`
	PendingClose      bool     `json:"pending_close"`
	LastSession       *Summary `json:"last_session,omitempty"`
}

type Health struct {
	Status        string `json:"status"`
	LaunchID      string `json:"launch_id"`
	SchemaVersion int    `json:"schema_version"`
	Activity      string `json:"activity_source"`
}

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ClientID    string `json:"client_id,omitempty"`
	Status      string `json:"status,omitempty"`
	Description string `json:"description,omitempty"`
}

type Task struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	Status    string `json:"status,omitempty"`
}

type Screenshot struct {
	ID         int64  `json:"id"`
	TimeLogID  string `json:"time_log_id"`
	ProjectID  string `json:"project_id"`
	CapturedAt string `json:"captured_at"`
	Kind       string `json:"kind"`
	RemoteID   string `json:"remote_id,omitempty"`
	URL        string `json:"url,omitempty"`
	Bytes      int    `json:"bytes"`
	Minutes    int    `json:"minutes"`
	UploadedAt string `json:"uploaded_at"`
}

// Event represents a journal entry.
type Event struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	TimeLogID string         `json:"time_log_id,omitempty"`
	Payload   map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Notice is a user-visible message pushed by the agent.
type Notice struct {
	Kind      string    `json:"kind"`
	Level     string    `json:"level"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	TimeLogID string    `json:"time_log_id,omitempty"`
	At        time.Time `json:"at"`
}

// StartRequest selects the work item to track.
type StartRequest struct {
	ProjectID string `json:"project_id"`
	TaskID    string `json:"task_id"`
	ClientID  string `json:"client_id,omitempty"`
	Note      string `json:"note"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s (%s, status %d)", e.Message, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	err := c.do(ctx, http.MethodGet, "v0/health", nil, &resp)
	return resp, err
}

// Status returns the current session snapshot.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "v0/session", nil, &resp)
	return resp, err
}

// Start begins tracking. Starting the running pair again is a no-op.
func (c *Client) Start(ctx context.Context, req StartRequest) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodPost, "v0/session/start", req, &resp)
	return resp, err
}

func (c *Client) Stop(ctx context.Context) (Summary, error) {
	var resp Summary
	err := c.do(ctx, http.MethodPost, "v0/session/stop", nil, &resp)
	return resp, err
}

func (c *Client) SetNote(ctx context.Context, note string) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodPut, "v0/session/note", map[string]string{"note": note}, &resp)
	return resp, err
}

// Offline tells the agent connectivity is gone.
func (c *Client) Offline(ctx context.Context, reason string) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodPost, "v0/session/offline", map[string]string{"reason": reason}, &resp)
	return resp, err
}

func (c *Client) ResumeScreenshots(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodPost, "v0/screenshots/resume", nil, &resp)
	return resp, err
}

func (c *Client) Screenshots(ctx context.Context, timeLogID string, limit int) ([]Screenshot, error) {
	q := url.Values{}
	if timeLogID != "" {
		q.Set("time_log_id", timeLogID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp []Screenshot
	err := c.do(ctx, http.MethodGet, withQuery("v0/screenshots", q), nil, &resp)
	return resp, err
}

func (c *Client) Reload(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodPost, "v0/agent/reload", nil, &resp)
	return resp, err
}

// Projects lists projects; scope is "active" or "assigned".
func (c *Client) Projects(ctx context.Context, scope string) ([]Project, error) {
	q := url.Values{}
	if scope != "" {
		q.Set("scope", scope)
	}
	var resp []Project
	err := c.do(ctx, http.MethodGet, withQuery("v0/projects", q), nil, &resp)
	return resp, err
}

func (c *Client) Tasks(ctx context.Context, projectID string) ([]Task, error) {
	var resp []Task
	err := c.do(ctx, http.MethodGet, "v0/projects/"+url.PathEscape(projectID)+"/tasks", nil, &resp)
	return resp, err
}

// EventsPage returns a page of journal events, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor, evtType, timeLogID string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if evtType != "" {
		q.Set("type", evtType)
	}
	if timeLogID != "" {
		q.Set("time_log_id", timeLogID)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("v0/events", q), nil, &resp)
	return resp, err
}

// Notices streams notices until ctx is done or the agent goes away.
func (c *Client) Notices(ctx context.Context, fn func(Notice)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+"/v0/notices", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)
	// The stream is long lived; the client timeout would cut it.
	resp, err := (&http.Client{Transport: c.transport()}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var n Notice
		if err := json.Unmarshal([]byte(data), &n); err != nil {
			continue
		}
		fn(n)
	}
	if ctx.Err() != nil {
		return nil
	}
	return sc.Err()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return readAPIError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
}

func (c *Client) transport() http.RoundTripper {
	if c.HTTPClient != nil && c.HTTPClient.Transport != nil {
		return c.HTTPClient.Transport
	}
	return http.DefaultTransport
}

func readAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	}
	return apiErr
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
