package domain

import (
	"bytes"
	"strconv"
)

// ID is a server identifier. The time-log API emits numeric ids; the agent
// carries them as strings.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		s, err := strconv.Unquote(string(data))
		if err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	*id = ID(data)
	return nil
}

func (id ID) String() string { return string(id) }

type Project struct {
	ID          ID     `json:"id"`
	Name        string `json:"name"`
	ClientID    ID     `json:"client_id,omitempty"`
	Status      string `json:"status,omitempty"`
	Description string `json:"description,omitempty"`
}

type Task struct {
	ID        ID     `json:"id"`
	ProjectID ID     `json:"project_id"`
	Title     string `json:"title"`
	Status    string `json:"status,omitempty"`
}

// TimeLog is the server-side record of one work session.
type TimeLog struct {
	ID          ID      `json:"id"`
	ProjectID   ID      `json:"project_id"`
	TaskID      ID      `json:"task_id,omitempty"`
	ClientID    ID      `json:"client_id,omitempty"`
	StartTime   string  `json:"start_time" format:"date-time"`
	EndTime     *string `json:"end_time,omitempty" format:"date-time"`
	Duration    *int    `json:"duration,omitempty"`
	Description string  `json:"description"`
}

// Open reports whether the log has no end time.
func (l TimeLog) Open() bool {
	return l.EndTime == nil || *l.EndTime == ""
}

type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	TimeLogID string `json:"time_log_id,omitempty"`
	Payload   string `json:"payload_json"`
}

// Screenshot is the local record of an uploaded capture.
type Screenshot struct {
	ID           int64  `json:"id"`
	TimeLogID    string `json:"time_log_id"`
	ProjectID    string `json:"project_id"`
	TargetMinute int64  `json:"target_minute"`
	CapturedAt   string `json:"captured_at" format:"date-time"`
	Kind         string `json:"kind" enum:"fixed,random,final"`
	RemoteID     string `json:"remote_id,omitempty"`
	URL          string `json:"url,omitempty"`
	Bytes        int    `json:"bytes"`
	Minutes      int    `json:"minutes"`
	UploadedAt   string `json:"uploaded_at" format:"date-time"`
}
