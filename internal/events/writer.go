package events

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Journal event types.
const (
	SessionStarted     = "session.started"
	SessionResumed     = "session.resumed"
	SessionStopped     = "session.stopped"
	SessionAutoClosed  = "session.auto_closed"
	SessionConflict    = "session.conflict"
	HeartbeatSent      = "heartbeat.sent"
	HeartbeatFailed    = "heartbeat.failed"
	ScreenshotUploaded = "screenshot.uploaded"
	ScreenshotSkipped  = "screenshot.skipped"
	ScreenshotFailed   = "screenshot.failed"
	CaptureRevoked     = "capture.revoked"
	NoteUpdated        = "note.updated"
	AgentReloaded      = "agent.reloaded"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one journal row. When ex is nil the writer's DB is used.
func (w Writer) Append(ctx context.Context, ex Execer, evtType, timeLogID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if ex == nil {
		if w.DB == nil {
			return nil
		}
		ex = w.DB
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO events(ts,type,time_log_id,payload_json) VALUES (?,?,?,?)`,
		ts, evtType, nullable(timeLogID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
