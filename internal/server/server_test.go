package server

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worktrack/internal/app"
	"worktrack/internal/config"
	"worktrack/internal/engine"
)

// fakeTimeLogAPI serves the subset of the time-log API the agent calls.
type fakeTimeLogAPI struct {
	mu    sync.Mutex
	puts  []map[string]any
	posts int
}

func (f *fakeTimeLogAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/time-log":
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.posts++
		f.mu.Unlock()
		_, _ = io.WriteString(w, `{"data":{"id":15,"project_id":7,"task_id":42,"start_time":"`+body["start_time"].(string)+`","description":"x"}}`)
	case r.Method == http.MethodPut && r.URL.Path == "/api/time-log/15":
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.puts = append(f.puts, body)
		f.mu.Unlock()
		_, _ = io.WriteString(w, `{"id":15}`)
	case r.Method == http.MethodGet && r.URL.Path == "/api/active-projects":
		_, _ = io.WriteString(w, `{"data":[{"id":7,"name":"Website","client_id":3}]}`)
	case r.Method == http.MethodGet && r.URL.Path == "/api/projects/7/tasks":
		_, _ = io.WriteString(w, `[{"id":42,"project_id":7,"title":"Landing page"}]`)
	case r.Method == http.MethodGet && r.URL.Path == "/api/assigned-projects":
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeTimeLogAPI) lastPut() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.puts) == 0 {
		return nil
	}
	return f.puts[len(f.puts)-1]
}

type testServer struct {
	URL    string
	Agent  *app.Agent
	API    *fakeTimeLogAPI
	client *http.Client
}

func newTestServer(t *testing.T, secret string) *testServer {
	t.Helper()
	api := &fakeTimeLogAPI{}
	upstream := httptest.NewServer(api)
	t.Cleanup(upstream.Close)

	cfg := config.Default()
	cfg.Server.BaseURL = upstream.URL + "/api"
	cfg.Agent.DataDir = t.TempDir()
	cfg.Agent.JWTSecret = secret
	cfg.Notify.Desktop = false
	cfg.Activity.Mode = config.ActivityHeuristic

	agent, err := app.New(context.Background(), app.Options{Config: cfg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = agent.Close() })

	handler, err := New(Config{Agent: agent, BasePath: "/v0", Auth: AuthConfig{JWTSecret: secret}})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
		_ = ln.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String(), Agent: agent, API: api, client: &http.Client{Timeout: 5 * time.Second}}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	reader := bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error.Code
}

func TestStartStopSession(t *testing.T) {
	srv := newTestServer(t, "")

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/session/start", map[string]any{
		"project_id": "7",
		"task_id":    "42",
		"note":       "landing page",
	}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var st engine.Status
	require.NoError(t, json.Unmarshal(data, &st))
	assert.Equal(t, engine.Running, st.State)
	assert.Equal(t, "15", st.SessionID)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/session", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NoError(t, json.Unmarshal(data, &st))
	assert.Equal(t, "landing page", st.Note)

	res, data = doJSON(t, srv.client, http.MethodPut, srv.URL+"/v0/session/note", map[string]any{"note": "hero section"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/session/stop", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var sum engine.Summary
	require.NoError(t, json.Unmarshal(data, &sum))
	assert.Equal(t, "15", sum.SessionID)
	assert.Equal(t, engine.ReasonUser, sum.Reason)

	put := srv.API.lastPut()
	require.NotNil(t, put)
	assert.Contains(t, put, "end_time")
	assert.Equal(t, "hero section", put["description"])

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/session/stop", nil, nil)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "not_tracking", errorCode(t, data))
}

func TestStartValidation(t *testing.T) {
	srv := newTestServer(t, "")
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/session/start", map[string]any{
		"project_id": "7",
		"task_id":    "42",
		"note":       "   ",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "validation_failed", errorCode(t, data))
	srv.API.mu.Lock()
	assert.Zero(t, srv.API.posts)
	srv.API.mu.Unlock()

	res, _ = doJSON(t, srv.client, http.MethodPut, srv.URL+"/v0/session/note", map[string]any{"note": "x"}, nil)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
}

func TestJWTRequired(t *testing.T) {
	srv := newTestServer(t, "s3cret")

	res, _ := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/session", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, data))

	bad, err := SignToken("other", "ui", time.Minute)
	require.NoError(t, err)
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/session", nil, map[string]string{"Authorization": "Bearer " + bad})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", errorCode(t, data))

	good, err := SignToken("s3cret", "ui", time.Minute)
	require.NoError(t, err)
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/session", nil, map[string]string{"Authorization": "Bearer " + good})
	assert.Equal(t, http.StatusOK, res.StatusCode)

	_, err = SignToken("", "ui", 0)
	assert.Error(t, err)
}

func TestHealthReportsLaunch(t *testing.T) {
	srv := newTestServer(t, "")
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var h HealthResponse
	require.NoError(t, json.Unmarshal(data, &h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, srv.Agent.LaunchID(), h.LaunchID)
	assert.Equal(t, config.ActivityHeuristic, h.Activity)
	assert.Positive(t, h.SchemaVersion)
}

func TestProjectLookups(t *testing.T) {
	srv := newTestServer(t, "")
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var projects []ProjectResponse
	require.NoError(t, json.Unmarshal(data, &projects))
	require.Len(t, projects, 1)
	assert.Equal(t, "7", projects[0].ID)
	assert.Equal(t, "3", projects[0].ClientID)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/projects/7/tasks", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var tasks []TaskResponse
	require.NoError(t, json.Unmarshal(data, &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "Landing page", tasks[0].Title)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/projects?scope=assigned", nil, nil)
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
	assert.Equal(t, "upstream_unreachable", errorCode(t, data))
}

func TestActivityForwarding(t *testing.T) {
	srv := newTestServer(t, "")
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/activity", map[string]any{
		"events": []map[string]any{{"kind": "keydown", "count": 3}},
	}, nil)
	assert.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "source_stopped", errorCode(t, data))
}

func TestEventsPagination(t *testing.T) {
	srv := newTestServer(t, "")
	_, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/session/start", map[string]any{
		"project_id": "7", "task_id": "42", "note": "n",
	}, nil)
	require.Contains(t, string(data), `"running"`)
	doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/session/stop", nil, nil)

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/events?limit=1", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedEvents
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "session.stopped", page.Items[0].Type)
	require.NotEmpty(t, page.NextCursor)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/events?type=session.started&cursor="+page.NextCursor, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "15", page.Items[0].TimeLogID)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/events?cursor=abc", nil, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "bad_request", errorCode(t, data))
}

func TestOpenAPIIsPublic(t *testing.T) {
	srv := newTestServer(t, "s3cret")
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "bearerAuth")
	assert.Contains(t, string(data), "/v0/session/start")
}

func TestWebhookDelivery(t *testing.T) {
	srv := newTestServer(t, "")
	var (
		mu       sync.Mutex
		received []webhookEvent
		secrets  []string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&evt))
		mu.Lock()
		received = append(received, evt)
		secrets = append(secrets, r.Header.Get("X-Worktrack-Secret"))
		mu.Unlock()
	}))
	defer hook.Close()

	d := NewWebhookDispatcher(srv.Agent.Repo(), []config.Webhook{
		{URL: hook.URL, Secret: "hush", Events: []string{"session.started", "session.stopped"}},
		{URL: " "},
	}, srv.Agent.LaunchID())
	require.NotNil(t, d)
	require.Len(t, d.webhooks, 1)

	ctx := context.Background()
	d.DispatchAll(ctx)
	mu.Lock()
	assert.Empty(t, received)
	mu.Unlock()

	_, err := srv.Agent.Controller().Start(ctx, engine.StartRequest{ProjectID: "7", TaskID: "42", Note: "n"})
	require.NoError(t, err)
	_, err = srv.Agent.Controller().Stop(ctx)
	require.NoError(t, err)
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	assert.Equal(t, "session.started", received[0].Type)
	assert.Equal(t, "session.stopped", received[1].Type)
	assert.Equal(t, srv.Agent.LaunchID(), received[0].LaunchID)
	assert.Equal(t, "hush", secrets[0])
	assert.True(t, strings.HasPrefix(string(received[1].Payload), "{"))
}

func TestNoWebhooksConfigured(t *testing.T) {
	assert.Nil(t, NewWebhookDispatcher(nil, nil, "x"))
}
