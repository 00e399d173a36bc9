package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"worktrack/internal/activity"
	"worktrack/internal/domain"
	"worktrack/internal/events"
	"worktrack/internal/notify"
	"worktrack/internal/scheduler"
)

// Tick advances the controller to the current time: retries of unconfirmed
// closes, idle check, due captures and heartbeat. Session timers fire only
// while Running.
func (c *Controller) Tick(ctx context.Context) {
	now := c.now()

	c.mu.Lock()
	var due []*pendingClose
	for _, p := range c.pending {
		if !now.Before(p.retryAt) {
			p.retryAt = now.Add(c.settings.HeartbeatInterval)
			due = append(due, p)
		}
	}
	c.mu.Unlock()
	for _, p := range due {
		_ = c.retryClose(ctx, p)
	}

	c.mu.Lock()
	if c.state != Running {
		c.mu.Unlock()
		return
	}

	if c.settings.IdleTimeout > 0 {
		last := c.recorder.LastActivity()
		if !last.IsZero() && now.Sub(last) >= c.settings.IdleTimeout {
			c.mu.Unlock()
			log.Info().Time("last_activity", last).Msg("idle timeout reached")
			if err := c.stop(ctx, ReasonIdle, last); err != nil {
				log.Warn().Err(err).Msg("idle stop")
			}
			return
		}
	}

	if due := c.sched.Due(now); len(due) > 0 && c.screenshots {
		kind := scheduler.Random
		for _, d := range due {
			if d.Kind == scheduler.Fixed {
				kind = scheduler.Fixed
			}
		}
		job := captureJob{target: scheduler.Attribute(now), kind: kind}
		if c.worker != nil && !c.worker.enqueue(job) {
			log.Warn().Time("target", job.target).Msg("capture backlog full; dropping capture")
		}
	}

	beat := !c.nextHeartbeat.IsZero() && !now.Before(c.nextHeartbeat)
	if beat {
		c.nextHeartbeat = now.Add(c.settings.HeartbeatInterval)
	}
	gen, sess := c.gen, c.sess
	c.mu.Unlock()

	if beat {
		c.heartbeat(ctx, gen, sess, now)
	}
}

// heartbeat pushes duration and note. Failures wait for the next cycle; a
// conflict means the log was closed elsewhere and ends the session.
func (c *Controller) heartbeat(ctx context.Context, gen uint64, sess Session, now time.Time) {
	minutes := Minutes(sess.StartedAt, now)
	_, err := c.gw.HeartbeatLog(ctx, sess.ID, minutes, sess.Note)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.state != Running {
		return
	}
	switch {
	case err == nil:
		c.sess.LastHeartbeatAt = now
		if terr := c.store.TouchHeartbeat(ctx, now, c.sess.Note); terr != nil {
			log.Warn().Err(terr).Msg("persist heartbeat")
		}
		c.journal(ctx, events.HeartbeatSent, sess.ID, events.EventPayload{"duration": minutes})
	case errors.Is(err, domain.ErrConflictClosed):
		log.Warn().Str("time_log_id", sess.ID).Msg("time log closed elsewhere")
		c.terminateLocked(ctx)
		c.notice(notify.KindConflict, notify.LevelWarning, "Tracking stopped",
			"This time log was already stopped on the server.", sess.ID)
		c.journal(ctx, events.SessionConflict, sess.ID, nil)
	default:
		log.Warn().Err(err).Str("time_log_id", sess.ID).Msg("heartbeat failed; retrying next cycle")
		c.journal(ctx, events.HeartbeatFailed, sess.ID, events.EventPayload{"error": err.Error()})
	}
}

// terminateLocked drops the session locally after the server closed it.
func (c *Controller) terminateLocked(ctx context.Context) {
	c.state = Stopping
	w := c.endLocked(true)
	if w != nil {
		w.wait()
	}
	if c.capture != nil {
		c.capture.Release()
	}
	if err := c.store.ClearTracking(context.WithoutCancel(ctx)); err != nil {
		log.Error().Err(err).Msg("clear tracking record")
	}
	c.last = &Summary{SessionID: c.sess.ID, StartedAt: c.sess.StartedAt, EndedAt: c.sess.LastHeartbeatAt, Reason: ReasonConflict}
	c.sess = Session{}
	c.screenshots = false
	c.state = Idle
}

// retryClose attempts the close of p once. A confirmed close leaves the
// queue; a failed one waits another heartbeat interval.
func (c *Controller) retryClose(ctx context.Context, p *pendingClose) error {
	err := c.closeAt(ctx, p.PendingClose)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		p.retryAt = c.now().Add(c.settings.HeartbeatInterval)
		return err
	}
	c.removePendingLocked(p)
	log.Info().Str("time_log_id", p.TimeLogID).Msg("pending close confirmed")
	return nil
}

// Status is a snapshot for display.
type Status struct {
	State             State    `json:"state" enum:"idle,starting,running,stopping,stopped"`
	SessionID         string   `json:"session_id,omitempty"`
	ProjectID         string   `json:"project_id,omitempty"`
	TaskID            string   `json:"task_id,omitempty"`
	ClientID          string   `json:"client_id,omitempty"`
	Note              string   `json:"note,omitempty"`
	StartedAt         string   `json:"started_at,omitempty" format:"date-time"`
	LastHeartbeatAt   string   `json:"last_heartbeat_at,omitempty" format:"date-time"`
	ElapsedSeconds    int64    `json:"elapsed_seconds"`
	Screenshots       bool     `json:"screenshots"`
	ScreenshotsPaused bool     `json:"screenshots_paused"`
	NextFixedCapture  string   `json:"next_fixed_capture,omitempty" format:"date-time"`
	LastUploadMinute  string   `json:"last_upload_minute,omitempty"`
	PendingClose      bool     `json:"pending_close"`
	LastSession       *Summary `json:"last_session,omitempty"`
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Controller) statusLocked() Status {
	st := Status{
		State:             c.state,
		PendingClose:      len(c.pending) > 0,
		ScreenshotsPaused: c.paused.Load(),
		LastSession:       c.last,
	}
	if lu := c.lastUploaded.Load(); lu > 0 {
		st.LastUploadMinute = activity.MinuteKey(lu).Time().Format("2006-01-02 15:04")
	}
	if c.state != Running {
		return st
	}
	st.SessionID = c.sess.ID
	st.ProjectID = c.sess.ProjectID
	st.TaskID = c.sess.TaskID
	st.ClientID = c.sess.ClientID
	st.Note = c.sess.Note
	st.StartedAt = c.sess.StartedAt.UTC().Format(time.RFC3339)
	if !c.sess.LastHeartbeatAt.IsZero() {
		st.LastHeartbeatAt = c.sess.LastHeartbeatAt.UTC().Format(time.RFC3339)
	}
	st.ElapsedSeconds = int64(c.now().Sub(c.sess.StartedAt) / time.Second)
	st.Screenshots = c.screenshots
	if f := c.sched.NextFixed(); !f.IsZero() {
		st.NextFixedCapture = f.UTC().Format(time.RFC3339)
	}
	return st
}
