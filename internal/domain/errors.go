package domain

import "errors"

var (
	// ErrValidation blocks a request locally before any network call.
	ErrValidation = errors.New("validation failed")
	// ErrNetwork wraps transport failures talking to the time-log API.
	ErrNetwork = errors.New("network error")
	// ErrPermissionDenied is returned when screen capture is refused.
	ErrPermissionDenied = errors.New("screen capture permission denied")
	// ErrConflictClosed means the time log was already closed server-side.
	ErrConflictClosed = errors.New("time log already closed")
	// ErrStaleSession marks a session auto-closed at its last heartbeat.
	ErrStaleSession = errors.New("stale session")
	ErrNotTracking  = errors.New("not tracking")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error { return ErrValidation }
