package server

import (
	"github.com/goccy/go-json"

	"worktrack/internal/activity"
	"worktrack/internal/domain"
)

// Request payloads

type StartSessionRequest struct {
	ProjectID string `json:"project_id" minLength:"1"`
	TaskID    string `json:"task_id"`
	ClientID  string `json:"client_id,omitempty"`
	Note      string `json:"note"`
}

type NoteRequest struct {
	Note string `json:"note"`
}

type OfflineRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ActivityRequest struct {
	Events []activity.UIEvent `json:"events"`
}

// Responses

type HealthResponse struct {
	Status        string `json:"status" example:"ok"`
	LaunchID      string `json:"launch_id"`
	SchemaVersion int    `json:"schema_version"`
	Activity      string `json:"activity_source" enum:"native,heuristic"`
}

type ProjectResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ClientID    string `json:"client_id,omitempty"`
	Status      string `json:"status,omitempty"`
	Description string `json:"description,omitempty"`
}

type TaskResponse struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	Status    string `json:"status,omitempty"`
}

type ScreenshotResponse struct {
	ID         int64  `json:"id"`
	TimeLogID  string `json:"time_log_id"`
	ProjectID  string `json:"project_id"`
	CapturedAt string `json:"captured_at" format:"date-time"`
	Kind       string `json:"kind" enum:"fixed,random,final"`
	RemoteID   string `json:"remote_id,omitempty"`
	URL        string `json:"url,omitempty"`
	Bytes      int    `json:"bytes"`
	Minutes    int    `json:"minutes"`
	UploadedAt string `json:"uploaded_at" format:"date-time"`
}

type EventResponse struct {
	ID        int64          `json:"id"`
	TS        string         `json:"ts" format:"date-time"`
	Type      string         `json:"type"`
	TimeLogID string         `json:"time_log_id,omitempty"`
	Payload   map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type ActivityResponse struct {
	Accepted int `json:"accepted"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:          p.ID.String(),
		Name:        p.Name,
		ClientID:    p.ClientID.String(),
		Status:      p.Status,
		Description: p.Description,
	}
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{ID: t.ID.String(), ProjectID: t.ProjectID.String(), Title: t.Title, Status: t.Status}
}

func screenshotResponse(s domain.Screenshot) ScreenshotResponse {
	return ScreenshotResponse{
		ID:         s.ID,
		TimeLogID:  s.TimeLogID,
		ProjectID:  s.ProjectID,
		CapturedAt: s.CapturedAt,
		Kind:       s.Kind,
		RemoteID:   s.RemoteID,
		URL:        s.URL,
		Bytes:      s.Bytes,
		Minutes:    s.Minutes,
		UploadedAt: s.UploadedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{ID: e.ID, TS: e.TS, Type: e.Type, TimeLogID: e.TimeLogID, Payload: payload}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}
