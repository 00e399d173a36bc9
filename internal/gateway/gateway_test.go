package gateway_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worktrack/internal/domain"
	"worktrack/internal/gateway"
)

func TestStartLogWireFormat(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/time-log", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"data":{"id":15,"project_id":7,"task_id":42,"start_time":"2024-03-04T08:55:00Z","description":"docs"}}`)
	}))
	defer srv.Close()

	c := gateway.New(srv.URL+"/api/", "secret", time.Second)
	log, err := c.StartLog(context.Background(), gateway.StartRequest{
		ProjectID:   "7",
		TaskID:      "42",
		Description: "docs",
		StartTime:   time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ID("15"), log.ID)
	assert.Equal(t, "2024-03-04T08:55:00Z", log.StartTime)
	assert.True(t, log.Open())
	assert.Equal(t, "2024-03-04T09:00:00Z", got["start_time"])
	assert.Equal(t, "42", got["task_id"])
	assert.NotContains(t, got, "end_time")
}

func TestHeartbeatConflictIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotContains(t, body, "end_time")
		assert.EqualValues(t, 12, body["duration"])
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"message":"time log already stopped"}`)
	}))
	defer srv.Close()

	c := gateway.New(srv.URL, "", time.Second)
	_, err := c.HeartbeatLog(context.Background(), "15", 12, "note")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConflictClosed))
	assert.False(t, errors.Is(err, domain.ErrNetwork))
	var apiErr *gateway.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
}

func TestTransportFailureIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := gateway.New(url, "", 200*time.Millisecond)
	_, err := c.StopLog(context.Background(), "1", time.Now(), 5, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNetwork))
}

func TestUploadScreenshotMultipart(t *testing.T) {
	captured := time.Date(2024, 3, 4, 9, 9, 59, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/screenshot", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("Idempotency-Key"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "7", r.FormValue("project_id"))
		assert.Equal(t, "15", r.FormValue("time_log_id"))
		assert.Equal(t, "2024-03-04T09:09:59Z", r.FormValue("captured_at"))

		var bd []gateway.MinuteActivity
		require.NoError(t, json.Unmarshal([]byte(r.FormValue("minute_breakdown")), &bd))
		require.Len(t, bd, 2)
		assert.Equal(t, 3, bd[1].KeyboardClicks)

		f, hdr, err := r.FormFile("screenshot")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, []byte{0xff, 0xd8, 0xff}, data)
		assert.Equal(t, "image/jpeg", hdr.Header.Get("Content-Type"))

		_, _ = io.WriteString(w, `{"id":"99","url":"https://cdn.example.com/s/99.jpg"}`)
	}))
	defer srv.Close()

	c := gateway.New(srv.URL, "", time.Second)
	res, err := c.UploadScreenshot(context.Background(), gateway.Screenshot{
		ProjectID:  "7",
		TimeLogID:  "15",
		Image:      []byte{0xff, 0xd8, 0xff},
		CapturedAt: captured,
		Breakdown: []gateway.MinuteActivity{
			{Minute: "2024-03-04 09:08"},
			{Minute: "2024-03-04 09:09", KeyboardClicks: 3, TotalActivity: 3},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ID("99"), res.ID)
	assert.Equal(t, "https://cdn.example.com/s/99.jpg", res.URL)
}

func TestLookups(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/active-projects", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"id":1,"name":"Site"},{"id":2,"name":"App"}]`)
	})
	mux.HandleFunc("/assigned-projects", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"data":[{"id":2,"name":"App"}]}`)
	})
	mux.HandleFunc("/projects/2/tasks", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"id":42,"project_id":2,"title":"Login"}]`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := gateway.New(srv.URL, "", time.Second)
	ctx := context.Background()
	active, err := c.ActiveProjects(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)
	assigned, err := c.AssignedProjects(ctx)
	require.NoError(t, err)
	require.Len(t, assigned, 1)
	assert.Equal(t, "App", assigned[0].Name)
	tasks, err := c.ProjectTasks(ctx, "2")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.ID("42"), tasks[0].ID)
}
