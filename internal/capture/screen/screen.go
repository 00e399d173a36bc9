// Package screen grabs the primary display through robotgo.
package screen

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/go-vgo/robotgo"

	"worktrack/internal/capture"
	"worktrack/internal/domain"
)

type stream struct {
	mu     sync.Mutex
	closed bool
}

// Open probes the display once so a refused permission surfaces at acquire
// time instead of on the first scheduled capture.
func Open() (capture.Stream, error) {
	img, err := robotgo.CaptureImg()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrPermissionDenied, err)
	}
	if img == nil || img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty frame", domain.ErrPermissionDenied)
	}
	return &stream{}, nil
}

var _ capture.Opener = Open

func (s *stream) Grab() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("stream closed")
	}
	img, err := robotgo.CaptureImg()
	if err != nil {
		return nil, err
	}
	if img == nil || img.Bounds().Empty() {
		return nil, errors.New("empty frame")
	}
	return img, nil
}

func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
