// Package app wires the tracking core into a long running agent process.
package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"worktrack/internal/activity"
	"worktrack/internal/capture"
	"worktrack/internal/config"
	"worktrack/internal/domain"
	"worktrack/internal/engine"
	"worktrack/internal/events"
	"worktrack/internal/gateway"
	"worktrack/internal/loginctl"
	"worktrack/internal/netwatch"
	"worktrack/internal/notify"
	"worktrack/internal/repo"
	"worktrack/internal/watcher"
)

// Gateway is the remote API used by the agent: the controller's calls plus
// the lookups proxied to the UI.
type Gateway interface {
	engine.Gateway
	ActiveProjects(ctx context.Context) ([]domain.Project, error)
	AssignedProjects(ctx context.Context) ([]domain.Project, error)
	ProjectTasks(ctx context.Context, projectID string) ([]domain.Task, error)
}

// Options configure an Agent. Zero values select the production parts.
type Options struct {
	ConfigDir string
	Config    *config.Config
	Opener    capture.Opener
	Gateway   func(cfg *config.Config) Gateway
	Notifier  notify.Notifier
	Now       func() time.Time
	// Probe overrides the connectivity probe.
	Probe netwatch.Probe
	// Watch enables the config file watcher.
	Watch bool
	// SleepWatch enables logind suspend signals.
	SleepWatch bool
}

// Agent owns one process worth of tracking: a launch id, the local store,
// the capture service, the activity source and the current controller.
// Reload swaps the controller while everything else stays.
type Agent struct {
	opts     Options
	launchID string
	env      *Env
	capture  *capture.Service
	recorder *activity.Recorder
	source   activity.Source
	notices  *notify.Broadcaster
	desktop  *notify.Desktop

	reloadMu sync.Mutex
	mu       sync.RWMutex
	cfg      *config.Config
	gw       Gateway
	ctrl     *engine.Controller
}

// New builds the agent and recovers any persisted session.
func New(ctx context.Context, opts Options) (*Agent, error) {
	cfg, err := ResolveConfig(opts.ConfigDir, opts.Config)
	if err != nil {
		return nil, err
	}
	env, err := OpenEnv(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &Agent{
		opts:     opts,
		launchID: uuid.NewString(),
		env:      env,
		capture:  capture.NewService(opts.Opener, cfg.Screenshots.JPEGQuality, cfg.Screenshots.MaxWidth),
		recorder: activity.NewRecorder(),
		notices:  notify.NewBroadcaster(),
	}
	a.source = activity.Select(cfg.Activity, a.capture)
	if cfg.Notify.Desktop {
		if d, err := notify.NewDesktop("worktrack"); err != nil {
			log.Warn().Err(err).Msg("desktop notifications unavailable")
		} else {
			a.desktop = d
		}
	}
	log.Info().Str("launch_id", a.launchID).Str("data_dir", env.DataDir).Str("activity", a.source.Name()).Msg("agent starting")

	ctrl, gw := a.build(cfg)
	a.mu.Lock()
	a.cfg, a.gw, a.ctrl = cfg, gw, ctrl
	a.mu.Unlock()
	if err := ctrl.Recover(ctx); err != nil {
		log.Warn().Err(err).Msg("recover persisted session")
	}
	return a, nil
}

func (a *Agent) build(cfg *config.Config) (*engine.Controller, Gateway) {
	var gw Gateway
	if a.opts.Gateway != nil {
		gw = a.opts.Gateway(cfg)
	} else {
		gw = gateway.New(cfg.Server.BaseURL, cfg.Server.Token, cfg.Server.Timeout)
	}
	notifiers := notify.Multi{notify.Log{}, a.notices}
	if a.desktop != nil {
		notifiers = append(notifiers, a.desktop)
	}
	if a.opts.Notifier != nil {
		notifiers = append(notifiers, a.opts.Notifier)
	}
	settings := engine.SettingsFrom(cfg)
	if a.capture.Open == nil {
		settings.Screenshots = false
	}
	ctrl := engine.New(engine.Options{
		Settings: settings,
		LaunchID: a.launchID,
		Gateway:  gw,
		Store:    a.env.Repo,
		Capture:  a.capture,
		Notifier: notifiers,
		Events:   events.Writer{DB: a.env.DB, Now: a.opts.Now},
		Recorder: a.recorder,
		Rand:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), rand.Uint64())),
		Now:      a.opts.Now,
	})
	return ctrl, gw
}

// LaunchID is the liveness token of this process.
func (a *Agent) LaunchID() string { return a.launchID }

func (a *Agent) Controller() *engine.Controller {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ctrl
}

func (a *Agent) Gateway() Gateway {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.gw
}

func (a *Agent) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

func (a *Agent) Repo() repo.Repo { return a.env.Repo }

// Notices is the SSE broadcaster of user-visible notices.
func (a *Agent) Notices() *notify.Broadcaster { return a.notices }

// ActivitySource names the selected activity source.
func (a *Agent) ActivitySource() string { return a.source.Name() }

// Forward credits UI events when the heuristic source is active.
func (a *Agent) Forward(evts []activity.UIEvent) error {
	h, ok := a.source.(*activity.HeuristicSource)
	if !ok {
		return activity.ErrNotHeuristic
	}
	return h.Forward(evts)
}

// Reload re-reads the config and replaces the controller. A running session
// of this process resumes in the new controller.
func (a *Agent) Reload(ctx context.Context) error {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	cfg := a.opts.Config
	if a.opts.ConfigDir != "" || cfg == nil {
		loaded, err := config.LoadOptional(a.opts.ConfigDir)
		if err != nil {
			return fmt.Errorf("reload config: %w", err)
		}
		cfg = loaded
	}
	if cfg.Activity.Mode != a.Config().Activity.Mode {
		log.Warn().Msg("activity mode changes apply after restart")
	}

	old := a.Controller()
	old.Detach()
	ctrl, gw := a.build(cfg)
	old.HandOff(ctrl)
	a.capture.Configure(cfg.Screenshots.JPEGQuality, cfg.Screenshots.MaxWidth)

	a.mu.Lock()
	a.cfg, a.gw, a.ctrl = cfg, gw, ctrl
	a.mu.Unlock()

	err := ctrl.Recover(ctx)
	if jerr := (events.Writer{DB: a.env.DB, Now: a.opts.Now}).Append(ctx, nil, events.AgentReloaded, ctrl.Status().SessionID, events.EventPayload{
		"launch_id": a.launchID,
		"state":     string(ctrl.State()),
	}); jerr != nil {
		log.Warn().Err(jerr).Msg("journal reload")
	}
	log.Info().Str("state", string(ctrl.State())).Msg("agent reloaded")
	return err
}

// Run drives the agent until ctx is done. Extra runners, such as the control
// API server, join the same group.
func (a *Agent) Run(ctx context.Context, extra ...func(ctx context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)
	reloads := make(chan struct{}, 1)
	requestReload := func() {
		select {
		case reloads <- struct{}{}:
		default:
		}
	}

	g.Go(func() error { return a.tickLoop(ctx) })
	g.Go(func() error {
		err := a.source.Run(ctx, a.recorder)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("source", a.source.Name()).Msg("activity source stopped")
		}
		return nil
	})
	g.Go(func() error {
		w := &netwatch.Watcher{
			Probe:    a.opts.Probe,
			Interval: a.Config().Tracking.OfflineProbeInterval,
			OnOffline: func(ctx context.Context, reason string) {
				if err := a.Controller().Offline(ctx, reason); err != nil {
					log.Warn().Err(err).Msg("offline stop")
				}
			},
		}
		return w.Run(ctx)
	})
	if a.opts.SleepWatch && a.Config().Tracking.StopOnSleep {
		g.Go(func() error {
			w := &loginctl.SleepWatcher{OnSleep: func(ctx context.Context) {
				if err := a.Controller().Offline(ctx, "system sleep"); err != nil {
					log.Warn().Err(err).Msg("sleep stop")
				}
			}}
			if err := w.Run(ctx); err != nil {
				log.Warn().Err(err).Msg("sleep watch unavailable")
			}
			return nil
		})
	}
	if a.opts.Watch {
		g.Go(func() error {
			if err := watcher.New(config.Path(a.opts.ConfigDir), requestReload).Run(ctx); err != nil {
				log.Warn().Err(err).Msg("config watch unavailable")
			}
			return nil
		})
	}
	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				requestReload()
			case <-reloads:
				if err := a.Reload(ctx); err != nil {
					log.Error().Err(err).Msg("reload failed")
				}
			}
		}
	})
	for _, run := range extra {
		g.Go(func() error { return run(ctx) })
	}
	return g.Wait()
}

func (a *Agent) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.Controller().Tick(ctx)
		}
	}
}

// Close detaches the controller and releases resources. A session left
// running is closed at its last heartbeat by the next launch.
func (a *Agent) Close() error {
	if ctrl := a.Controller(); ctrl != nil {
		ctrl.Detach()
	}
	if a.desktop != nil {
		_ = a.desktop.Close()
	}
	return a.env.Close()
}
