package repo

import (
	"context"
	"fmt"
	"time"
)

// PendingClose is a server time log whose close was not confirmed. It is
// kept apart from the tracking record so a new session cannot overwrite it.
type PendingClose struct {
	TimeLogID string
	StartAt   time.Time
	EndAt     time.Time
	Note      string
}

// SavePendingClose records or replaces the close marker of a time log.
func (r Repo) SavePendingClose(ctx context.Context, p PendingClose) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO pending_closes(time_log_id,start_at,end_at,note,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(time_log_id) DO UPDATE SET start_at=excluded.start_at, end_at=excluded.end_at, note=excluded.note`,
		p.TimeLogID, formatTime(p.StartAt), formatTime(p.EndAt), p.Note, formatTime(time.Now()))
	return err
}

// PendingCloses returns every unconfirmed close, oldest first.
func (r Repo) PendingCloses(ctx context.Context) ([]PendingClose, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT time_log_id,start_at,end_at,note FROM pending_closes ORDER BY created_at, time_log_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []PendingClose
	for rows.Next() {
		var p PendingClose
		var start, end string
		if err := rows.Scan(&p.TimeLogID, &start, &end, &p.Note); err != nil {
			return nil, err
		}
		if p.StartAt, err = time.Parse(time.RFC3339Nano, start); err != nil {
			return nil, fmt.Errorf("pending close %s start_at: %w", p.TimeLogID, err)
		}
		if p.EndAt, err = time.Parse(time.RFC3339Nano, end); err != nil {
			return nil, fmt.Errorf("pending close %s end_at: %w", p.TimeLogID, err)
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// DeletePendingClose drops the marker once the server confirmed the close.
func (r Repo) DeletePendingClose(ctx context.Context, timeLogID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM pending_closes WHERE time_log_id=?`, timeLogID)
	return err
}
