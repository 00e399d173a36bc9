package app

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worktrack/internal/activity"
	"worktrack/internal/config"
	"worktrack/internal/domain"
	"worktrack/internal/engine"
	"worktrack/internal/gateway"
	"worktrack/internal/notify"
)

type stubGateway struct {
	mu     sync.Mutex
	nextID int
	open   map[string]time.Time
	stops  map[string]time.Time
}

func newStubGateway() *stubGateway {
	return &stubGateway{open: map[string]time.Time{}, stops: map[string]time.Time{}}
}

func (g *stubGateway) StartLog(ctx context.Context, req gateway.StartRequest) (domain.TimeLog, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	id := fmt.Sprint(g.nextID)
	g.open[id] = req.StartTime
	return domain.TimeLog{ID: domain.ID(id), StartTime: gateway.FormatTime(req.StartTime)}, nil
}

func (g *stubGateway) HeartbeatLog(ctx context.Context, id string, duration int, note string) (domain.TimeLog, error) {
	return domain.TimeLog{ID: domain.ID(id)}, nil
}

func (g *stubGateway) StopLog(ctx context.Context, id string, end time.Time, duration int, note string) (domain.TimeLog, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.open, id)
	g.stops[id] = end
	return domain.TimeLog{ID: domain.ID(id)}, nil
}

func (g *stubGateway) UploadScreenshot(ctx context.Context, s gateway.Screenshot) (gateway.ScreenshotResult, error) {
	return gateway.ScreenshotResult{ID: "1"}, nil
}

func (g *stubGateway) ActiveProjects(ctx context.Context) ([]domain.Project, error) {
	return []domain.Project{{ID: "7", Name: "Website"}}, nil
}

func (g *stubGateway) AssignedProjects(ctx context.Context) ([]domain.Project, error) {
	return nil, nil
}

func (g *stubGateway) ProjectTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	return []domain.Task{{ID: "42", ProjectID: domain.ID(projectID), Title: "Landing page"}}, nil
}

func (g *stubGateway) stoppedAt(id string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.stops[id]
	return t, ok
}

type agentClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *agentClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *agentClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Agent.DataDir = t.TempDir()
	cfg.Notify.Desktop = false
	cfg.Activity.Mode = config.ActivityHeuristic
	return cfg
}

func newAgent(t *testing.T, cfg *config.Config, gw *stubGateway, clk *agentClock, rec *notify.Recorder) *Agent {
	t.Helper()
	a, err := New(context.Background(), Options{
		Config:   cfg,
		Gateway:  func(*config.Config) Gateway { return gw },
		Notifier: rec,
		Now:      clk.Now,
	})
	require.NoError(t, err)
	return a
}

func TestReloadResumesRunningSession(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	gw := newStubGateway()
	clk := &agentClock{t: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)}
	a := newAgent(t, cfg, gw, clk, &notify.Recorder{})
	defer a.Close()

	st, err := a.Controller().Start(ctx, engine.StartRequest{ProjectID: "7", TaskID: "42", Note: "landing page"})
	require.NoError(t, err)
	before := a.Controller()

	clk.Set(clk.Now().Add(3 * time.Second))
	require.NoError(t, a.Reload(ctx))
	assert.NotSame(t, before, a.Controller())
	assert.Equal(t, engine.Idle, before.State())
	assert.Equal(t, engine.Running, a.Controller().State())
	assert.Equal(t, st.SessionID, a.Controller().Status().SessionID)
	_, stopped := gw.stoppedAt(st.SessionID)
	assert.False(t, stopped)

	evts, err := a.Repo().LatestEvents(ctx, 10, 0, "agent.reloaded", "")
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestFreshLaunchClosesAtLastHeartbeat(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	gw := newStubGateway()
	start := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	clk := &agentClock{t: start}

	first := newAgent(t, cfg, gw, clk, &notify.Recorder{})
	st, err := first.Controller().Start(ctx, engine.StartRequest{ProjectID: "7", TaskID: "42", Note: "n"})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	clk.Set(start.Add(2 * time.Minute))
	rec := &notify.Recorder{}
	second := newAgent(t, cfg, gw, clk, rec)
	defer second.Close()
	assert.NotEqual(t, first.LaunchID(), second.LaunchID())

	end, ok := gw.stoppedAt(st.SessionID)
	require.True(t, ok)
	assert.True(t, end.Equal(start))
	assert.Equal(t, engine.Idle, second.Controller().State())
	assert.Contains(t, rec.Kinds(), notify.KindAutoClosed)
}

func TestForwardNeedsRunningHeuristic(t *testing.T) {
	cfg := testConfig(t)
	a := newAgent(t, cfg, newStubGateway(), &agentClock{t: time.Now()}, &notify.Recorder{})
	defer a.Close()
	assert.Equal(t, config.ActivityHeuristic, a.ActivitySource())
	assert.Error(t, a.Forward([]activity.UIEvent{{Kind: activity.EventKeyDown, Count: 1}}))

	cfg2 := testConfig(t)
	cfg2.Activity.Mode = config.ActivityNative
	cfg2.Activity.HookCommand = []string{"/nonexistent/hook"}
	b := newAgent(t, cfg2, newStubGateway(), &agentClock{t: time.Now()}, &notify.Recorder{})
	defer b.Close()
	assert.ErrorIs(t, b.Forward(nil), activity.ErrNotHeuristic)
}

func TestRunStopsWithContext(t *testing.T) {
	cfg := testConfig(t)
	a := newAgent(t, cfg, newStubGateway(), &agentClock{t: time.Now()}, &notify.Recorder{})
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	ran := make(chan struct{})
	go func() {
		done <- a.Run(ctx, func(ctx context.Context) error {
			close(ran)
			<-ctx.Done()
			return nil
		}, func(ctx context.Context) error { return nil })
	}()
	<-ran
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("agent did not stop")
	}
}
