package engine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"worktrack/internal/activity"
	"worktrack/internal/capture"
	"worktrack/internal/db"
	"worktrack/internal/domain"
	"worktrack/internal/events"
	"worktrack/internal/gateway"
	"worktrack/internal/migrate"
	"worktrack/internal/notify"
	"worktrack/internal/repo"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type fakeLog struct {
	id       string
	project  string
	task     string
	note     string
	start    time.Time
	end      *time.Time
	duration int
}

// fakeGateway keeps at most one open log per user, like the real server:
// starting the same pair returns the open log, starting another pair closes
// the open one first.
type fakeGateway struct {
	mu     sync.Mutex
	clock  *fakeClock
	nextID int
	logs   map[string]*fakeLog
	order  []string

	starts     int
	heartbeats int
	stops      []stopCall
	uploads    []gateway.Screenshot
	maxOpen    int

	failStart     error
	failHeartbeat error
	failStop      error
	failUpload    error
	// startTime replaces the start_time returned by StartLog when set.
	startTime string
}

type stopCall struct {
	id       string
	end      time.Time
	duration int
}

func newFakeGateway(clock *fakeClock) *fakeGateway {
	return &fakeGateway{clock: clock, logs: map[string]*fakeLog{}}
}

func conflict() error {
	return &gateway.APIError{StatusCode: http.StatusConflict, Body: `{"message":"already stopped"}`}
}

func (g *fakeGateway) openLocked() []*fakeLog {
	var out []*fakeLog
	for _, id := range g.order {
		if l := g.logs[id]; l.end == nil {
			out = append(out, l)
		}
	}
	return out
}

func (g *fakeGateway) seed(project, task string, start time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	id := fmt.Sprint(g.nextID)
	g.logs[id] = &fakeLog{id: id, project: project, task: task, start: start}
	g.order = append(g.order, id)
	return id
}

func (g *fakeGateway) view(l *fakeLog) domain.TimeLog {
	tl := domain.TimeLog{
		ID:          domain.ID(l.id),
		ProjectID:   domain.ID(l.project),
		TaskID:      domain.ID(l.task),
		StartTime:   l.start.UTC().Format(time.RFC3339),
		Description: l.note,
	}
	if l.end != nil {
		e := l.end.UTC().Format(time.RFC3339)
		tl.EndTime = &e
		d := l.duration
		tl.Duration = &d
	}
	return tl
}

func (g *fakeGateway) StartLog(ctx context.Context, req gateway.StartRequest) (domain.TimeLog, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.starts++
	if g.failStart != nil {
		return domain.TimeLog{}, g.failStart
	}
	for _, l := range g.openLocked() {
		if l.project == req.ProjectID && l.task == req.TaskID {
			return g.view(l), nil
		}
		now := g.clock.Now()
		l.end = &now
	}
	g.nextID++
	id := fmt.Sprint(g.nextID)
	l := &fakeLog{id: id, project: req.ProjectID, task: req.TaskID, note: req.Description, start: req.StartTime}
	g.logs[id] = l
	g.order = append(g.order, id)
	if n := len(g.openLocked()); n > g.maxOpen {
		g.maxOpen = n
	}
	tl := g.view(l)
	if g.startTime != "" {
		tl.StartTime = g.startTime
	}
	return tl, nil
}

func (g *fakeGateway) HeartbeatLog(ctx context.Context, id string, duration int, note string) (domain.TimeLog, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.heartbeats++
	if g.failHeartbeat != nil {
		return domain.TimeLog{}, g.failHeartbeat
	}
	l, ok := g.logs[id]
	if !ok {
		return domain.TimeLog{}, &gateway.APIError{StatusCode: http.StatusNotFound}
	}
	if l.end != nil {
		return domain.TimeLog{}, conflict()
	}
	l.duration = duration
	l.note = note
	return g.view(l), nil
}

func (g *fakeGateway) StopLog(ctx context.Context, id string, end time.Time, duration int, note string) (domain.TimeLog, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stops = append(g.stops, stopCall{id: id, end: end, duration: duration})
	if g.failStop != nil {
		return domain.TimeLog{}, g.failStop
	}
	l, ok := g.logs[id]
	if !ok {
		return domain.TimeLog{}, &gateway.APIError{StatusCode: http.StatusNotFound}
	}
	if l.end != nil {
		return domain.TimeLog{}, conflict()
	}
	l.end = &end
	l.duration = duration
	l.note = note
	return g.view(l), nil
}

func (g *fakeGateway) UploadScreenshot(ctx context.Context, s gateway.Screenshot) (gateway.ScreenshotResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failUpload != nil {
		return gateway.ScreenshotResult{}, g.failUpload
	}
	g.uploads = append(g.uploads, s)
	return gateway.ScreenshotResult{ID: domain.ID(fmt.Sprint(len(g.uploads))), URL: "https://cdn.test/s.jpg"}, nil
}

func (g *fakeGateway) closeExternally(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	g.logs[id].end = &now
}

func (g *fakeGateway) set(fn func(g *fakeGateway)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(g)
}

func (g *fakeGateway) counts() (starts, heartbeats, stops, uploads int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.starts, g.heartbeats, len(g.stops), len(g.uploads)
}

func (g *fakeGateway) uploadList() []gateway.Screenshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]gateway.Screenshot(nil), g.uploads...)
}

func (g *fakeGateway) stopList() []stopCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]stopCall(nil), g.stops...)
}

func (g *fakeGateway) log(id string) fakeLog {
	g.mu.Lock()
	defer g.mu.Unlock()
	return *g.logs[id]
}

type fakeCapture struct {
	mu      sync.Mutex
	active  bool
	ended   bool
	denied  error
	revoke  bool
	grabs   int
	release int
}

func (f *fakeCapture) Acquire() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denied != nil {
		f.ended = true
		return f.denied
	}
	f.active, f.ended = true, false
	return nil
}

func (f *fakeCapture) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeCapture) Ended() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ended
}

func (f *fakeCapture) Capture() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active {
		return nil, capture.ErrStreamEnded
	}
	if f.revoke {
		f.active, f.ended = false, true
		return nil, fmt.Errorf("%w: track ended", capture.ErrStreamEnded)
	}
	f.grabs++
	return []byte{0xff, 0xd8, 0xff, 0xd9}, nil
}

func (f *fakeCapture) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = false
	f.release++
}

type testEnv struct {
	Ctx      context.Context
	Clock    *fakeClock
	Gateway  *fakeGateway
	Capture  *fakeCapture
	Notices  *notify.Recorder
	Repo     repo.Repo
	Settings Settings
	Launch   string
}

func clock(h, m, s int) time.Time {
	return time.Date(2024, 3, 4, h, m, s, 0, time.UTC)
}

func newTestEnv(t *testing.T, start time.Time) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	clk := &fakeClock{t: start}
	return &testEnv{
		Ctx:     context.Background(),
		Clock:   clk,
		Gateway: newFakeGateway(clk),
		Capture: &fakeCapture{},
		Notices: &notify.Recorder{},
		Repo:    repo.Repo{DB: conn},
		Settings: Settings{
			HeartbeatInterval: time.Minute,
			ResumeThreshold:   time.Minute,
			Screenshots:       true,
			RandomPerBlock:    0,
		},
		Launch: "launch-1",
	}
}

func (e *testEnv) controller() *Controller {
	return New(Options{
		Settings: e.Settings,
		LaunchID: e.Launch,
		Gateway:  e.Gateway,
		Store:    e.Repo,
		Capture:  e.Capture,
		Notifier: e.Notices,
		Events:   events.Writer{DB: e.Repo.DB, Now: e.Clock.Now},
		Recorder: activity.NewRecorder(),
		Rand:     rand.New(rand.NewPCG(7, 7)),
		Now:      e.Clock.Now,
	})
}

// advance ticks c once per second from the current time through until.
func (e *testEnv) advance(c *Controller, until time.Time) {
	for now := e.Clock.Now().Add(time.Second); !now.After(until); now = now.Add(time.Second) {
		e.Clock.Set(now)
		c.Tick(e.Ctx)
	}
}

func waitUploads(t *testing.T, g *fakeGateway, n int) []gateway.Screenshot {
	t.Helper()
	require.Eventually(t, func() bool {
		_, _, _, u := g.counts()
		return u >= n
	}, 2*time.Second, 5*time.Millisecond)
	return g.uploadList()
}

func start(t *testing.T, c *Controller, e *testEnv, project, task string) Status {
	t.Helper()
	st, err := c.Start(e.Ctx, StartRequest{ProjectID: project, TaskID: task, Note: "working"})
	require.NoError(t, err)
	require.Equal(t, Running, st.State)
	return st
}

func minuteLabel(t time.Time) string {
	return t.Local().Format(gateway.MinuteLayout)
}
