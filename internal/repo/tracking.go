package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TrackingRecord is the durable mirror of an active session. It survives
// agent restarts and is what crash and reload detection reads.
type TrackingRecord struct {
	IsTracking    bool
	StartAt       time.Time
	ProjectID     string
	TaskID        string
	ClientID      string
	Note          string
	TimeLogID     string
	LastHeartbeat time.Time
	// LaunchID is the liveness token of the process that wrote the record.
	LaunchID string
	// LastUploadedMinute is the minute key of the newest uploaded screenshot.
	LastUploadedMinute int64
}

const trackingColumns = `is_tracking,start_at,project_id,task_id,client_id,note,time_log_id,last_heartbeat,launch_id,last_uploaded_minute`

// LoadTracking returns the tracking record, or ErrNotFound if none was ever saved.
func (r Repo) LoadTracking(ctx context.Context) (TrackingRecord, error) {
	var (
		rec      TrackingRecord
		tracking int
		startAt  sql.NullString
		project  sql.NullString
		task     sql.NullString
		client   sql.NullString
		logID    sql.NullString
		hb       sql.NullString
		launch   sql.NullString
	)
	err := r.DB.QueryRowContext(ctx, `SELECT `+trackingColumns+` FROM tracking_state WHERE id=1`).
		Scan(&tracking, &startAt, &project, &task, &client, &rec.Note, &logID, &hb, &launch, &rec.LastUploadedMinute)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.IsTracking = tracking == 1
	rec.ProjectID = project.String
	rec.TaskID = task.String
	rec.ClientID = client.String
	rec.TimeLogID = logID.String
	rec.LaunchID = launch.String
	if rec.StartAt, err = parseTime(startAt); err != nil {
		return rec, fmt.Errorf("tracking start_at: %w", err)
	}
	if rec.LastHeartbeat, err = parseTime(hb); err != nil {
		return rec, fmt.Errorf("tracking last_heartbeat: %w", err)
	}
	return rec, nil
}

// SaveTracking writes rec. The stored last uploaded minute never moves backwards.
func (r Repo) SaveTracking(ctx context.Context, rec TrackingRecord) error {
	tracking := 0
	if rec.IsTracking {
		tracking = 1
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tracking_state(id,`+trackingColumns+`,updated_at)
VALUES (1,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  is_tracking=excluded.is_tracking,
  start_at=excluded.start_at,
  project_id=excluded.project_id,
  task_id=excluded.task_id,
  client_id=excluded.client_id,
  note=excluded.note,
  time_log_id=excluded.time_log_id,
  last_heartbeat=excluded.last_heartbeat,
  launch_id=excluded.launch_id,
  last_uploaded_minute=MAX(tracking_state.last_uploaded_minute, excluded.last_uploaded_minute),
  updated_at=excluded.updated_at`,
		tracking, nullableTime(rec.StartAt), nullable(rec.ProjectID), nullable(rec.TaskID), nullable(rec.ClientID),
		rec.Note, nullable(rec.TimeLogID), nullableTime(rec.LastHeartbeat), nullable(rec.LaunchID),
		rec.LastUploadedMinute, formatTime(time.Now()))
	return err
}

// TouchHeartbeat records a successful liveness confirmation.
func (r Repo) TouchHeartbeat(ctx context.Context, at time.Time, note string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tracking_state SET last_heartbeat=?, note=?, updated_at=? WHERE id=1 AND is_tracking=1`,
		formatTime(at), note, formatTime(time.Now()))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetNote updates the note of the active record.
func (r Repo) SetNote(ctx context.Context, note string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE tracking_state SET note=?, updated_at=? WHERE id=1 AND is_tracking=1`, note, formatTime(time.Now()))
	return err
}

// ClearTracking drops the active session but keeps the upload watermark.
func (r Repo) ClearTracking(ctx context.Context) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE tracking_state SET is_tracking=0, start_at=NULL, project_id=NULL, task_id=NULL,
client_id=NULL, note='', time_log_id=NULL, last_heartbeat=NULL, launch_id=NULL, updated_at=? WHERE id=1`, formatTime(time.Now()))
	return err
}

// MarkUploaded advances the last uploaded minute.
func (r Repo) MarkUploaded(ctx context.Context, minute int64) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tracking_state(id,is_tracking,note,last_uploaded_minute,updated_at) VALUES (1,0,'',?,?)
ON CONFLICT(id) DO UPDATE SET last_uploaded_minute=MAX(tracking_state.last_uploaded_minute, excluded.last_uploaded_minute), updated_at=excluded.updated_at`,
		minute, formatTime(time.Now()))
	return err
}

// LastUploadedMinute returns the upload watermark, zero when nothing was uploaded.
func (r Repo) LastUploadedMinute(ctx context.Context) (int64, error) {
	var m int64
	err := r.DB.QueryRowContext(ctx, `SELECT last_uploaded_minute FROM tracking_state WHERE id=1`).Scan(&m)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return m, err
}
