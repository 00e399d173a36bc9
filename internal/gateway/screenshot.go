package gateway

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"worktrack/internal/domain"
)

// MinuteLayout is the wire format of a breakdown minute, in local time.
const MinuteLayout = "2006-01-02 15:04"

// MinuteActivity is one entry of a screenshot's minute breakdown.
type MinuteActivity struct {
	Minute         string `json:"minute"`
	KeyboardClicks int    `json:"keyboard_clicks"`
	MouseClicks    int    `json:"mouse_clicks"`
	MouseScrolls   int    `json:"mouse_scrolls"`
	MouseMovements int    `json:"mouse_movements"`
	TotalActivity  int    `json:"total_activity"`
}

type Screenshot struct {
	ProjectID  string
	TimeLogID  string
	Image      []byte
	CapturedAt time.Time
	Breakdown  []MinuteActivity
}

// ScreenshotResult is the stored record returned by the server.
type ScreenshotResult struct {
	ID         domain.ID `json:"id"`
	URL        string    `json:"url"`
	CapturedAt string    `json:"captured_at"`
}

// UploadScreenshot posts one capture as multipart form data.
func (c *Client) UploadScreenshot(ctx context.Context, s Screenshot) (ScreenshotResult, error) {
	var res ScreenshotResult
	if len(s.Image) == 0 {
		return res, fmt.Errorf("%w: empty screenshot", domain.ErrValidation)
	}
	breakdown := s.Breakdown
	if breakdown == nil {
		breakdown = []MinuteActivity{}
	}
	bd, err := json.Marshal(breakdown)
	if err != nil {
		return res, fmt.Errorf("marshal minute breakdown: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"project_id", s.ProjectID},
		{"captured_at", FormatTime(s.CapturedAt)},
		{"minute_breakdown", string(bd)},
	}
	if s.TimeLogID != "" {
		fields = append(fields, [2]string{"time_log_id", s.TimeLogID})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return res, err
		}
	}
	h := make(textproto.MIMEHeader)
	name := fmt.Sprintf("screenshot-%s.jpg", s.CapturedAt.UTC().Format("20060102-150405"))
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="screenshot"; filename="%s"`, name))
	h.Set("Content-Type", "image/jpeg")
	part, err := mw.CreatePart(h)
	if err != nil {
		return res, err
	}
	if _, err := part.Write(s.Image); err != nil {
		return res, err
	}
	if err := mw.Close(); err != nil {
		return res, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("screenshot"), &buf)
	if err != nil {
		return res, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Idempotency-Key", uuid.NewString())
	err = c.send(req, &res)
	return res, err
}
