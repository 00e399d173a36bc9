// Package engine holds the session controller: the state machine that owns
// one tracking session and reconciles it with the server's time log.
package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"worktrack/internal/activity"
	"worktrack/internal/config"
	"worktrack/internal/domain"
	"worktrack/internal/events"
	"worktrack/internal/gateway"
	"worktrack/internal/notify"
	"worktrack/internal/repo"
	"worktrack/internal/scheduler"
)

type State string

const (
	Idle     State = "idle"
	Starting State = "starting"
	Running  State = "running"
	Stopping State = "stopping"
	Stopped  State = "stopped"
)

// ErrBusy is returned while a start or stop is in flight.
var ErrBusy = errors.New("session transition in progress")

// Gateway is the slice of the time-log API the controller needs.
type Gateway interface {
	StartLog(ctx context.Context, req gateway.StartRequest) (domain.TimeLog, error)
	HeartbeatLog(ctx context.Context, id string, duration int, note string) (domain.TimeLog, error)
	StopLog(ctx context.Context, id string, end time.Time, duration int, note string) (domain.TimeLog, error)
	UploadScreenshot(ctx context.Context, s gateway.Screenshot) (gateway.ScreenshotResult, error)
}

// Store persists the tracking record.
type Store interface {
	LoadTracking(ctx context.Context) (repo.TrackingRecord, error)
	SaveTracking(ctx context.Context, rec repo.TrackingRecord) error
	TouchHeartbeat(ctx context.Context, at time.Time, note string) error
	SetNote(ctx context.Context, note string) error
	ClearTracking(ctx context.Context) error
	SavePendingClose(ctx context.Context, p repo.PendingClose) error
	PendingCloses(ctx context.Context) ([]repo.PendingClose, error)
	DeletePendingClose(ctx context.Context, timeLogID string) error
	MarkUploaded(ctx context.Context, minute int64) error
	LastUploadedMinute(ctx context.Context) (int64, error)
	InsertScreenshot(ctx context.Context, s domain.Screenshot) (int64, error)
}

// Capturer is the screen capture service.
type Capturer interface {
	Acquire() error
	Active() bool
	Ended() bool
	Capture() ([]byte, error)
	Release()
}

// Settings are the timing knobs of a controller.
type Settings struct {
	HeartbeatInterval time.Duration
	ResumeThreshold   time.Duration
	IdleTimeout       time.Duration
	Screenshots       bool
	RandomPerBlock    int
}

// SettingsFrom extracts controller settings from cfg.
func SettingsFrom(cfg *config.Config) Settings {
	return Settings{
		HeartbeatInterval: cfg.Tracking.HeartbeatInterval,
		ResumeThreshold:   cfg.Tracking.ResumeThreshold,
		IdleTimeout:       cfg.Tracking.IdleTimeout,
		Screenshots:       cfg.Screenshots.Enabled,
		RandomPerBlock:    cfg.Screenshots.RandomPerBlk,
	}
}

// Session is the client view of the active time log.
type Session struct {
	ID              string
	ProjectID       string
	TaskID          string
	ClientID        string
	Note            string
	StartedAt       time.Time
	LastHeartbeatAt time.Time
}

// Options wires a controller.
type Options struct {
	Settings Settings
	// LaunchID is the liveness token of the current process.
	LaunchID string
	Gateway  Gateway
	Store    Store
	Capture  Capturer
	Notifier notify.Notifier
	Events   events.Writer
	Recorder *activity.Recorder
	Rand     *rand.Rand
	Now      func() time.Time
}

// Controller runs at most one session. All transitions are serialized by mu;
// network calls happen outside the lock and their results are dropped when
// the session generation moved on meanwhile.
type Controller struct {
	settings Settings
	launchID string
	gw       Gateway
	store    Store
	capture  Capturer
	notifier notify.Notifier
	events   events.Writer
	recorder *activity.Recorder
	Now      func() time.Time

	mu            sync.Mutex
	state         State
	sess          Session
	gen           uint64
	sched         *scheduler.Scheduler
	nextHeartbeat time.Time
	screenshots   bool
	pending       []*pendingClose
	last          *Summary

	worker *worker

	lastUploaded atomic.Int64
	paused       atomic.Bool
	carry        []activity.Bucket
}

// pendingClose is a server log that still needs closing. Its persisted
// marker lives in the store until the close is confirmed.
type pendingClose struct {
	repo.PendingClose
	retryAt time.Time
}

// Summary describes the last finished session.
type Summary struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at" format:"date-time"`
	EndedAt   time.Time `json:"ended_at" format:"date-time"`
	Minutes   int       `json:"minutes"`
	Reason    string    `json:"reason"`
}

func New(opts Options) *Controller {
	c := &Controller{
		settings: opts.Settings,
		launchID: opts.LaunchID,
		gw:       opts.Gateway,
		store:    opts.Store,
		capture:  opts.Capture,
		notifier: opts.Notifier,
		events:   opts.Events,
		recorder: opts.Recorder,
		Now:      opts.Now,
		state:    Idle,
		sched:    scheduler.New(opts.Rand, opts.Settings.RandomPerBlock),
	}
	if c.settings.HeartbeatInterval <= 0 {
		c.settings.HeartbeatInterval = time.Minute
	}
	if c.settings.ResumeThreshold <= 0 {
		c.settings.ResumeThreshold = time.Minute
	}
	if c.recorder == nil {
		c.recorder = activity.NewRecorder()
	}
	if c.notifier == nil {
		c.notifier = notify.Log{}
	}
	return c
}

func (c *Controller) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Recorder returns the activity recorder fed by the active source.
func (c *Controller) Recorder() *activity.Recorder {
	return c.recorder
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Minutes converts a span to whole minutes for the time-log API. Positive
// spans shorter than a minute count as one.
func Minutes(from, to time.Time) int {
	d := to.Sub(from)
	if d <= 0 {
		return 0
	}
	m := int(d / time.Minute)
	if m == 0 {
		return 1
	}
	return m
}

func (c *Controller) notice(kind, level, title, msg, logID string) {
	c.notifier.Notify(notify.Notice{
		Kind:      kind,
		Level:     level,
		Title:     title,
		Message:   msg,
		TimeLogID: logID,
		At:        c.now(),
	})
}

func (c *Controller) journal(ctx context.Context, evtType, logID string, payload events.EventPayload) {
	if err := c.events.Append(context.WithoutCancel(ctx), nil, evtType, logID, payload); err != nil {
		log.Warn().Err(err).Str("type", evtType).Msg("journal append failed")
	}
}

func (c *Controller) record(sess Session) repo.TrackingRecord {
	return repo.TrackingRecord{
		IsTracking:         true,
		StartAt:            sess.StartedAt,
		ProjectID:          sess.ProjectID,
		TaskID:             sess.TaskID,
		ClientID:           sess.ClientID,
		Note:               sess.Note,
		TimeLogID:          sess.ID,
		LastHeartbeat:      sess.LastHeartbeatAt,
		LaunchID:           c.launchID,
		LastUploadedMinute: c.lastUploaded.Load(),
	}
}
