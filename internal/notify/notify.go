// Package notify delivers user-visible notices.
package notify

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Notice levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Notice kinds.
const (
	KindStarted           = "session.started"
	KindResumed           = "session.resumed"
	KindStopped           = "session.stopped"
	KindAutoClosed        = "session.auto_closed"
	KindConflict          = "session.conflict"
	KindIdle              = "session.idle"
	KindOffline           = "session.offline"
	KindStopFailed        = "session.stop_failed"
	KindScreenshotsPaused = "screenshots.paused"
)

// Notice is a message for the person being tracked.
type Notice struct {
	Kind      string    `json:"kind"`
	Level     string    `json:"level" enum:"info,warning,error"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	TimeLogID string    `json:"time_log_id,omitempty"`
	At        time.Time `json:"at" format:"date-time"`
}

// Notifier delivers notices. Implementations must not block for long.
type Notifier interface {
	Notify(n Notice)
}

// Log writes notices to the global logger.
type Log struct{}

func (Log) Notify(n Notice) {
	var ev *zerolog.Event
	switch n.Level {
	case LevelError:
		ev = log.Error()
	case LevelWarning:
		ev = log.Warn()
	default:
		ev = log.Info()
	}
	ev.Str("kind", n.Kind).Str("time_log_id", n.TimeLogID).Msg(n.Title + ": " + n.Message)
}

// Multi fans a notice out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(n Notice) {
	for _, x := range m {
		if x != nil {
			x.Notify(n)
		}
	}
}

// Recorder keeps notices in memory. Tests use it.
type Recorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *Recorder) Notify(n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

// Notices returns a copy of everything received so far.
func (r *Recorder) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}

// Kinds returns the kinds received so far, in order.
func (r *Recorder) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.notices))
	for _, n := range r.notices {
		out = append(out, n.Kind)
	}
	return out
}
