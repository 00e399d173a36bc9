package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"worktrack/internal/activity"
	"worktrack/internal/domain"
	"worktrack/internal/events"
	"worktrack/internal/gateway"
	"worktrack/internal/notify"
	"worktrack/internal/repo"
	"worktrack/internal/scheduler"
)

// Stop reasons.
const (
	ReasonUser     = "user"
	ReasonOffline  = "offline"
	ReasonIdle     = "idle"
	ReasonSwitch   = "switch"
	ReasonConflict = "conflict"
)

// StartRequest selects the work item of a new session.
type StartRequest struct {
	ProjectID string `json:"project_id"`
	TaskID    string `json:"task_id"`
	ClientID  string `json:"client_id,omitempty"`
	Note      string `json:"note"`
}

func (r StartRequest) validate() error {
	if strings.TrimSpace(r.ProjectID) == "" {
		return &domain.ValidationError{Field: "project_id", Message: "select a project"}
	}
	if strings.TrimSpace(r.TaskID) == "" {
		return &domain.ValidationError{Field: "task_id", Message: "select a task"}
	}
	if strings.TrimSpace(r.Note) == "" {
		return &domain.ValidationError{Field: "note", Message: "describe what you are working on"}
	}
	return nil
}

// Start opens a session. Starting the pair that is already running returns
// the running session unchanged; starting another pair stops the running
// session first.
func (c *Controller) Start(ctx context.Context, req StartRequest) (Status, error) {
	if err := req.validate(); err != nil {
		return c.Status(), err
	}
	req.Note = strings.TrimSpace(req.Note)

	c.mu.Lock()
	switch c.state {
	case Running:
		if c.sess.ProjectID == req.ProjectID && c.sess.TaskID == req.TaskID {
			c.mu.Unlock()
			return c.Status(), nil
		}
		c.mu.Unlock()
		if err := c.stop(ctx, ReasonSwitch, c.now()); err != nil && !errors.Is(err, domain.ErrNotTracking) {
			log.Warn().Err(err).Msg("closing previous session before switch")
		}
		c.mu.Lock()
		if c.state != Idle {
			c.mu.Unlock()
			return c.Status(), ErrBusy
		}
	case Starting, Stopping, Stopped:
		c.mu.Unlock()
		return c.Status(), ErrBusy
	}
	c.state = Starting
	pending := append([]*pendingClose(nil), c.pending...)
	c.mu.Unlock()

	// The server closes any open log when a new one starts, at its own clock.
	// A log still waiting for its close must be settled first.
	for _, p := range pending {
		if err := c.retryClose(ctx, p); err != nil {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.state = Idle
			return c.statusLocked(), fmt.Errorf("%w: time log %s is not closed yet: %w", domain.ErrStaleSession, p.TimeLogID, err)
		}
	}

	now := c.now()
	tl, err := c.gw.StartLog(ctx, gateway.StartRequest{
		ProjectID:   req.ProjectID,
		TaskID:      req.TaskID,
		ClientID:    req.ClientID,
		Description: req.Note,
		StartTime:   now,
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = Idle
		return c.statusLocked(), fmt.Errorf("start time log: %w", err)
	}
	startedAt, err := time.Parse(time.RFC3339, tl.StartTime)
	if err != nil {
		c.state = Idle
		log.Error().Str("time_log_id", tl.ID.String()).Str("start_time", tl.StartTime).Msg("server start time unparsable")
		return c.statusLocked(), fmt.Errorf("start time log %s: bad start_time %q: %w", tl.ID, tl.StartTime, err)
	}

	sess := Session{
		ID:              tl.ID.String(),
		ProjectID:       req.ProjectID,
		TaskID:          req.TaskID,
		ClientID:        req.ClientID,
		Note:            req.Note,
		StartedAt:       startedAt,
		LastHeartbeatAt: now,
	}
	if (tl.ProjectID != "" && tl.ProjectID.String() != req.ProjectID) || (tl.TaskID != "" && tl.TaskID.String() != req.TaskID) {
		log.Warn().Str("time_log_id", sess.ID).Str("task_id", tl.TaskID.String()).Msg("server returned an open log for another task; adopting it")
		sess.ProjectID = tl.ProjectID.String()
		sess.TaskID = tl.TaskID.String()
	}

	c.beginLocked(ctx, sess, now)
	c.notice(notify.KindStarted, notify.LevelInfo, "Tracking started", "Time is being recorded.", sess.ID)
	c.journal(ctx, events.SessionStarted, sess.ID, events.EventPayload{
		"project_id": sess.ProjectID,
		"task_id":    sess.TaskID,
		"started_at": sess.StartedAt.UTC().Format(time.RFC3339),
	})
	return c.statusLocked(), nil
}

// beginLocked enters Running: capture stream, schedule, heartbeat deadline,
// persisted record and capture worker.
func (c *Controller) beginLocked(ctx context.Context, sess Session, now time.Time) {
	if m, err := c.store.LastUploadedMinute(ctx); err == nil {
		if m > c.lastUploaded.Load() {
			c.lastUploaded.Store(m)
		}
	} else {
		log.Warn().Err(err).Msg("read upload watermark")
	}
	watermark := activity.KeyOf(sess.StartedAt) - 1
	if lu := activity.MinuteKey(c.lastUploaded.Load()); lu > watermark {
		watermark = lu
	}
	c.recorder.Reset(watermark, now)
	c.carry = nil

	c.gen++
	c.sess = sess
	c.state = Running
	c.screenshots = false
	c.paused.Store(false)
	if c.settings.Screenshots && c.capture != nil {
		if err := c.capture.Acquire(); err != nil {
			c.paused.Store(true)
			log.Warn().Err(err).Msg("screen capture unavailable")
			c.notice(notify.KindScreenshotsPaused, notify.LevelWarning, "Screenshots paused",
				"Screen capture permission was not granted. Resume screenshots to continue capturing.", sess.ID)
		}
		c.screenshots = true
	}

	c.sched.Plan(now)
	hb := sess.LastHeartbeatAt
	if hb.IsZero() {
		hb = now
	}
	c.nextHeartbeat = hb.Add(c.settings.HeartbeatInterval)

	if err := c.store.SaveTracking(ctx, c.record(sess)); err != nil {
		log.Error().Err(err).Msg("persist tracking record")
	}
	c.worker = c.startWorker(sess)
}

// endLocked leaves Running without touching the server: timers are cleared,
// the worker is drained (or cancelled) and the stream released.
func (c *Controller) endLocked(cancel bool) *worker {
	c.gen++
	c.sched.Clear()
	c.nextHeartbeat = time.Time{}
	w := c.worker
	c.worker = nil
	if w != nil {
		w.close(cancel)
	}
	return w
}

// Stop ends the running session.
func (c *Controller) Stop(ctx context.Context) (Summary, error) {
	err := c.stop(ctx, ReasonUser, c.now())
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Summary{}, err
	}
	return *c.last, err
}

// stop runs the stop path: drain in-flight captures, take the final
// screenshot, tear down timers, close the server log and clean up locally.
// Local cleanup happens even when the server call fails.
func (c *Controller) stop(ctx context.Context, reason string, end time.Time) error {
	c.mu.Lock()
	if c.state != Running {
		state := c.state
		c.mu.Unlock()
		if state == Idle {
			return domain.ErrNotTracking
		}
		return ErrBusy
	}
	c.state = Stopping
	sess := c.sess
	shots := c.screenshots
	w := c.endLocked(false)
	c.mu.Unlock()

	if w != nil {
		w.wait()
	}
	if shots {
		c.runCapture(ctx, sess, captureJob{target: scheduler.Attribute(end), kind: scheduler.Final})
	}
	if c.capture != nil {
		c.capture.Release()
	}

	minutes := Minutes(sess.StartedAt, end)
	_, err := c.gw.StopLog(ctx, sess.ID, end, minutes, sess.Note)
	confirmed := err == nil || errors.Is(err, domain.ErrConflictClosed)
	marker := repo.PendingClose{TimeLogID: sess.ID, StartAt: sess.StartedAt, EndAt: end, Note: sess.Note}
	if !confirmed {
		if perr := c.store.SavePendingClose(context.WithoutCancel(ctx), marker); perr != nil {
			log.Error().Err(perr).Str("time_log_id", sess.ID).Msg("persist pending close")
		}
	}
	if cerr := c.store.ClearTracking(context.WithoutCancel(ctx)); cerr != nil {
		log.Error().Err(cerr).Msg("clear tracking record")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Stopped
	c.last = &Summary{SessionID: sess.ID, StartedAt: sess.StartedAt, EndedAt: end, Minutes: minutes, Reason: reason}
	c.sess = Session{}
	c.screenshots = false
	c.journal(ctx, events.SessionStopped, sess.ID, events.EventPayload{
		"reason":   reason,
		"end_time": end.UTC().Format(time.RFC3339),
		"duration": minutes,
		"error":    errString(err),
	})
	c.state = Idle

	switch {
	case confirmed:
		c.stopNoticeLocked(reason, sess.ID)
		return nil
	default:
		c.addPendingLocked(&pendingClose{PendingClose: marker, retryAt: c.now().Add(c.settings.HeartbeatInterval)})
		c.notice(notify.KindStopFailed, notify.LevelError, "Stop not confirmed",
			"The server did not confirm the stop; your last minutes may not be saved. The agent will keep retrying.", sess.ID)
		return fmt.Errorf("stop time log: %w", err)
	}
}

func (c *Controller) stopNoticeLocked(reason, logID string) {
	switch reason {
	case ReasonOffline:
		c.notice(notify.KindOffline, notify.LevelWarning, "Tracking stopped", "The connection was lost, so tracking was stopped.", logID)
	case ReasonIdle:
		c.notice(notify.KindIdle, notify.LevelWarning, "Tracking stopped", "No activity was detected, so tracking was stopped at your last activity.", logID)
	default:
		c.notice(notify.KindStopped, notify.LevelInfo, "Tracking stopped", "Your time has been saved.", logID)
	}
}

// Offline stops a running session because connectivity was lost.
func (c *Controller) Offline(ctx context.Context, reason string) error {
	log.Warn().Str("reason", reason).Msg("offline signal")
	err := c.stop(ctx, ReasonOffline, c.now())
	if errors.Is(err, domain.ErrNotTracking) {
		return nil
	}
	return err
}

// SetNote replaces the note. It reaches the server with the next heartbeat.
func (c *Controller) SetNote(ctx context.Context, note string) error {
	note = strings.TrimSpace(note)
	if note == "" {
		return &domain.ValidationError{Field: "note", Message: "note must not be empty"}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running {
		return domain.ErrNotTracking
	}
	c.sess.Note = note
	if err := c.store.SetNote(ctx, note); err != nil {
		log.Warn().Err(err).Msg("persist note")
	}
	c.journal(ctx, events.NoteUpdated, c.sess.ID, nil)
	return nil
}

// ResumeScreenshots re-acquires the capture stream after a denial or
// revocation.
func (c *Controller) ResumeScreenshots(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running {
		return domain.ErrNotTracking
	}
	if c.capture == nil {
		return fmt.Errorf("%w: no capture service", domain.ErrPermissionDenied)
	}
	if err := c.capture.Acquire(); err != nil {
		return err
	}
	c.screenshots = true
	c.paused.Store(false)
	log.Info().Str("time_log_id", c.sess.ID).Msg("screenshots resumed")
	return nil
}

// Recover inspects the persisted state after a (re)start. Unconfirmed closes
// are retried first. A record written by this process with a recent
// heartbeat is resumed. Anything else is closed at its last heartbeat, never
// at the current time.
func (c *Controller) Recover(ctx context.Context) error {
	stale := c.recoverPending(ctx)

	rec, err := c.store.LoadTracking(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return stale
	}
	if err != nil {
		return fmt.Errorf("load tracking record: %w", err)
	}
	if rec.LastUploadedMinute > c.lastUploaded.Load() {
		c.lastUploaded.Store(rec.LastUploadedMinute)
	}
	if !rec.IsTracking || rec.TimeLogID == "" {
		return stale
	}

	now := c.now()
	lastAlive := rec.LastHeartbeat
	if lastAlive.IsZero() {
		lastAlive = rec.StartAt
	}
	gap := now.Sub(lastAlive)
	logger := log.With().Str("time_log_id", rec.TimeLogID).Dur("gap", gap).Logger()

	switch {
	case rec.LaunchID != c.launchID:
		logger.Warn().Msg("tracking record from a previous launch; closing at last heartbeat")
		return c.autoClose(ctx, rec, lastAlive, "The app was closed while tracking.")
	case gap > c.settings.ResumeThreshold:
		logger.Warn().Msg("heartbeat gap above threshold; closing at last heartbeat")
		return c.autoClose(ctx, rec, lastAlive, "Tracking was interrupted (sleep, power or network loss).")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		return ErrBusy
	}
	sess := Session{
		ID:              rec.TimeLogID,
		ProjectID:       rec.ProjectID,
		TaskID:          rec.TaskID,
		ClientID:        rec.ClientID,
		Note:            rec.Note,
		StartedAt:       rec.StartAt,
		LastHeartbeatAt: rec.LastHeartbeat,
	}
	c.beginLocked(ctx, sess, now)
	logger.Info().Msg("session resumed")
	c.journal(ctx, events.SessionResumed, sess.ID, events.EventPayload{"gap_seconds": int(gap.Seconds())})
	return stale
}

// recoverPending loads the persisted close markers and retries each once.
// Failures stay queued for Tick.
func (c *Controller) recoverPending(ctx context.Context) error {
	markers, err := c.store.PendingCloses(ctx)
	if err != nil {
		log.Error().Err(err).Msg("load pending closes")
		return nil
	}
	var stale error
	for _, m := range markers {
		p := &pendingClose{PendingClose: m}
		c.mu.Lock()
		p = c.addPendingLocked(p)
		c.mu.Unlock()
		if rerr := c.retryClose(ctx, p); rerr != nil {
			stale = fmt.Errorf("%w: time log %s: %w", domain.ErrStaleSession, m.TimeLogID, rerr)
		}
	}
	return stale
}

// autoClose closes a stale session at lastAlive and tells the user. The
// close marker is persisted before the tracking record is consumed, so a
// failed close is retried even across restarts.
func (c *Controller) autoClose(ctx context.Context, rec repo.TrackingRecord, lastAlive time.Time, why string) error {
	p := &pendingClose{PendingClose: repo.PendingClose{
		TimeLogID: rec.TimeLogID,
		StartAt:   rec.StartAt,
		EndAt:     lastAlive,
		Note:      rec.Note,
	}}
	if err := c.store.SavePendingClose(ctx, p.PendingClose); err != nil {
		log.Error().Err(err).Str("time_log_id", rec.TimeLogID).Msg("persist pending close")
	}
	if err := c.store.ClearTracking(ctx); err != nil {
		log.Error().Err(err).Msg("clear tracking record")
	}
	c.mu.Lock()
	p = c.addPendingLocked(p)
	c.mu.Unlock()

	err := c.retryClose(ctx, p)
	msg := fmt.Sprintf("%s Time was recorded until %s, the last moment the tracker was known to be running.",
		why, lastAlive.Local().Format("15:04"))
	c.notice(notify.KindAutoClosed, notify.LevelWarning, "Tracking stopped", msg, rec.TimeLogID)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStaleSession, err)
	}
	return nil
}

// closeAt closes the log of p at its end time and drops its marker. A
// conflict means the log is already closed.
func (c *Controller) closeAt(ctx context.Context, p repo.PendingClose) error {
	minutes := Minutes(p.StartAt, p.EndAt)
	_, err := c.gw.StopLog(ctx, p.TimeLogID, p.EndAt, minutes, p.Note)
	if err != nil && !errors.Is(err, domain.ErrConflictClosed) {
		log.Warn().Err(err).Str("time_log_id", p.TimeLogID).Msg("close stale time log")
		return err
	}
	if derr := c.store.DeletePendingClose(ctx, p.TimeLogID); derr != nil {
		log.Error().Err(derr).Str("time_log_id", p.TimeLogID).Msg("drop pending close")
	}
	c.journal(ctx, events.SessionAutoClosed, p.TimeLogID, events.EventPayload{
		"end_time": p.EndAt.UTC().Format(time.RFC3339),
		"duration": minutes,
	})
	return nil
}

// addPendingLocked queues p unless a close for the same log is queued
// already, and returns the queued entry.
func (c *Controller) addPendingLocked(p *pendingClose) *pendingClose {
	for _, q := range c.pending {
		if q.TimeLogID == p.TimeLogID {
			return q
		}
	}
	c.pending = append(c.pending, p)
	return p
}

func (c *Controller) removePendingLocked(p *pendingClose) {
	for i, q := range c.pending {
		if q == p {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// Detach tears down timers and the stream but leaves the server log and the
// persisted record alone, so the next controller of this process resumes.
func (c *Controller) Detach() {
	c.mu.Lock()
	w := c.endLocked(true)
	if c.state == Running {
		c.state = Idle
	}
	c.mu.Unlock()
	if w != nil {
		w.wait()
	}
	if c.capture != nil {
		c.capture.Release()
	}
}

// HandOff moves unconfirmed closes and the last summary to next, the
// controller replacing c after a reload.
func (c *Controller) HandOff(next *Controller) {
	c.mu.Lock()
	pending, last := c.pending, c.last
	c.pending, c.last = nil, nil
	c.mu.Unlock()

	next.mu.Lock()
	defer next.mu.Unlock()
	for _, p := range pending {
		next.addPendingLocked(p)
	}
	if next.last == nil {
		next.last = last
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
