package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"worktrack/internal/activity"
	"worktrack/internal/capture"
	"worktrack/internal/domain"
	"worktrack/internal/events"
	"worktrack/internal/gateway"
	"worktrack/internal/notify"
	"worktrack/internal/scheduler"
)

type captureJob struct {
	target time.Time
	kind   scheduler.Kind
}

// worker runs captures of one session in order, off the tick goroutine.
type worker struct {
	jobs   chan captureJob
	done   chan struct{}
	cancel context.CancelFunc
}

func (c *Controller) startWorker(sess Session) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		jobs:   make(chan captureJob, 4),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go func() {
		defer close(w.done)
		for job := range w.jobs {
			c.runCapture(ctx, sess, job)
		}
	}()
	return w
}

func (w *worker) enqueue(job captureJob) bool {
	select {
	case w.jobs <- job:
		return true
	default:
		return false
	}
}

// close stops accepting jobs. With cancel set, in-flight work is aborted
// instead of being allowed to finish.
func (w *worker) close(cancel bool) {
	close(w.jobs)
	if cancel {
		w.cancel()
	}
}

func (w *worker) wait() {
	<-w.done
	w.cancel()
}

// runCapture takes one screenshot for job.target, attaches the minute
// breakdown since the last upload and delivers it. It only touches state
// owned by the capture path, never c.mu.
func (c *Controller) runCapture(ctx context.Context, sess Session, job captureJob) {
	minute := activity.KeyOf(job.target)
	logger := log.With().Str("time_log_id", sess.ID).Time("target", job.target).Str("kind", string(job.kind)).Logger()

	last := activity.MinuteKey(c.lastUploaded.Load())
	if minute <= last {
		logger.Debug().Msg("minute already uploaded; skipping capture")
		c.journal(ctx, events.ScreenshotSkipped, sess.ID, events.EventPayload{"target": job.target.UTC().Format(time.RFC3339)})
		return
	}
	if c.capture == nil || !c.capture.Active() {
		if c.capture != nil && c.capture.Ended() {
			c.pauseScreenshots(ctx, sess.ID)
		}
		return
	}

	img, err := c.capture.Capture()
	if err != nil {
		if errors.Is(err, capture.ErrStreamEnded) {
			c.pauseScreenshots(ctx, sess.ID)
			return
		}
		logger.Warn().Err(err).Msg("capture failed")
		c.journal(ctx, events.ScreenshotFailed, sess.ID, events.EventPayload{"error": err.Error()})
		return
	}

	from := last + 1
	if start := activity.KeyOf(sess.StartedAt); start > from {
		from = start
	}
	buckets := mergeCarry(c.recorder.Flush(from, minute), c.carry)
	c.carry = nil

	res, err := c.gw.UploadScreenshot(ctx, gateway.Screenshot{
		ProjectID:  sess.ProjectID,
		TimeLogID:  sess.ID,
		Image:      img,
		CapturedAt: job.target,
		Breakdown:  breakdown(buckets),
	})
	if err != nil {
		// keep the counts for the next upload of these minutes
		c.carry = buckets
		logger.Warn().Err(err).Msg("screenshot upload failed")
		c.journal(ctx, events.ScreenshotFailed, sess.ID, events.EventPayload{"error": err.Error()})
		return
	}

	c.lastUploaded.Store(int64(minute))
	if err := c.store.MarkUploaded(context.WithoutCancel(ctx), int64(minute)); err != nil {
		logger.Warn().Err(err).Msg("persist upload watermark")
	}
	now := c.now()
	if _, err := c.store.InsertScreenshot(context.WithoutCancel(ctx), domain.Screenshot{
		TimeLogID:    sess.ID,
		ProjectID:    sess.ProjectID,
		TargetMinute: int64(minute),
		CapturedAt:   job.target.UTC().Format(time.RFC3339),
		Kind:         string(job.kind),
		RemoteID:     res.ID.String(),
		URL:          res.URL,
		Bytes:        len(img),
		Minutes:      len(buckets),
		UploadedAt:   now.UTC().Format(time.RFC3339),
	}); err != nil {
		logger.Warn().Err(err).Msg("record screenshot")
	}
	logger.Info().Int("minutes", len(buckets)).Int("bytes", len(img)).Msg("screenshot uploaded")
	c.journal(ctx, events.ScreenshotUploaded, sess.ID, events.EventPayload{
		"target":    job.target.UTC().Format(time.RFC3339),
		"kind":      string(job.kind),
		"minutes":   len(buckets),
		"remote_id": res.ID.String(),
	})
}

func (c *Controller) pauseScreenshots(ctx context.Context, logID string) {
	if !c.paused.CompareAndSwap(false, true) {
		return
	}
	log.Warn().Str("time_log_id", logID).Msg("capture stream ended")
	c.journal(ctx, events.CaptureRevoked, logID, nil)
	c.notice(notify.KindScreenshotsPaused, notify.LevelWarning, "Screenshots paused",
		"Screen sharing ended. Resume screenshots to continue capturing.", logID)
}

// mergeCarry adds counts from a failed upload back into the matching minutes.
func mergeCarry(buckets, carry []activity.Bucket) []activity.Bucket {
	if len(carry) == 0 || len(buckets) == 0 {
		return buckets
	}
	first := buckets[0].Minute
	for _, old := range carry {
		i := int(old.Minute - first)
		if i < 0 {
			i = 0
		}
		if i >= len(buckets) {
			continue
		}
		b := &buckets[i]
		b.KeyboardClicks += old.KeyboardClicks
		b.MouseClicks += old.MouseClicks
		b.MouseScrolls += old.MouseScrolls
		b.MouseMovements += old.MouseMovements
		b.TotalActivity += old.TotalActivity
	}
	return buckets
}

func breakdown(buckets []activity.Bucket) []gateway.MinuteActivity {
	out := make([]gateway.MinuteActivity, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, gateway.MinuteActivity{
			Minute:         b.Minute.Time().Format(gateway.MinuteLayout),
			KeyboardClicks: b.KeyboardClicks,
			MouseClicks:    b.MouseClicks,
			MouseScrolls:   b.MouseScrolls,
			MouseMovements: b.MouseMovements,
			TotalActivity:  b.TotalActivity,
		})
	}
	return out
}
