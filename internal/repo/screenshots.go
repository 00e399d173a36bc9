package repo

import (
	"context"
	"database/sql"

	"worktrack/internal/domain"
)

func (r Repo) InsertScreenshot(ctx context.Context, s domain.Screenshot) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO screenshots(time_log_id,project_id,target_minute,captured_at,kind,remote_id,url,bytes,minutes,uploaded_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.TimeLogID, s.ProjectID, s.TargetMinute, s.CapturedAt, s.Kind, nullable(s.RemoteID), nullable(s.URL), s.Bytes, s.Minutes, s.UploadedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListScreenshots returns uploads newest first, optionally for one time log.
func (r Repo) ListScreenshots(ctx context.Context, timeLogID string, limit int) ([]domain.Screenshot, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,time_log_id,project_id,target_minute,captured_at,kind,remote_id,url,bytes,minutes,uploaded_at FROM screenshots`
	var args []any
	if timeLogID != "" {
		query += ` WHERE time_log_id=?`
		args = append(args, timeLogID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Screenshot
	for rows.Next() {
		var s domain.Screenshot
		var remote, url sql.NullString
		if err := rows.Scan(&s.ID, &s.TimeLogID, &s.ProjectID, &s.TargetMinute, &s.CapturedAt, &s.Kind, &remote, &url, &s.Bytes, &s.Minutes, &s.UploadedAt); err != nil {
			return nil, err
		}
		s.RemoteID = remote.String
		s.URL = url.String
		res = append(res, s)
	}
	return res, rows.Err()
}
