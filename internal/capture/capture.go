// Package capture owns the screen stream and turns frames into uploads.
package capture

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"

	"worktrack/internal/domain"
)

// ErrStreamEnded is returned when the stream was revoked or never acquired.
var ErrStreamEnded = errors.New("capture stream ended")

// Stream yields frames of the shared screen.
type Stream interface {
	Grab() (image.Image, error)
	Close() error
}

// Opener acquires a new stream. It returns an error wrapping
// domain.ErrPermissionDenied when the user refused capture.
type Opener func() (Stream, error)

// Service holds at most one stream at a time.
type Service struct {
	Open     Opener
	Quality  int
	MaxWidth int

	mu     sync.Mutex
	stream Stream
	ended  bool
}

func NewService(open Opener, quality, maxWidth int) *Service {
	return &Service{Open: open, Quality: quality, MaxWidth: maxWidth}
}

// Acquire opens the stream unless one is already held.
func (s *Service) Acquire() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != nil {
		return nil
	}
	if s.Open == nil {
		return fmt.Errorf("%w: no screen source", domain.ErrPermissionDenied)
	}
	st, err := s.Open()
	if err != nil {
		s.ended = true
		if errors.Is(err, domain.ErrPermissionDenied) {
			return err
		}
		return fmt.Errorf("%w: %w", domain.ErrPermissionDenied, err)
	}
	s.stream = st
	s.ended = false
	return nil
}

// Active reports whether a live stream is held.
func (s *Service) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream != nil
}

// Ended reports whether the stream was lost and needs an explicit resume.
func (s *Service) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Release stops the stream.
func (s *Service) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(false)
}

func (s *Service) releaseLocked(ended bool) {
	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			log.Debug().Err(err).Msg("close capture stream")
		}
		s.stream = nil
	}
	s.ended = ended
}

func (s *Service) grab() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil, ErrStreamEnded
	}
	img, err := s.stream.Grab()
	if err != nil {
		s.releaseLocked(true)
		return nil, fmt.Errorf("%w: %w", ErrStreamEnded, err)
	}
	return img, nil
}

// Configure changes the encoding of later captures.
func (s *Service) Configure(quality, maxWidth int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Quality, s.MaxWidth = quality, maxWidth
}

// Capture grabs a frame and returns it as an upload-ready JPEG.
func (s *Service) Capture() ([]byte, error) {
	img, err := s.grab()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	maxWidth, quality := s.MaxWidth, s.Quality
	s.mu.Unlock()
	return Encode(img, maxWidth, quality)
}

// Sample grabs a w*h grayscale frame for the activity heuristic.
func (s *Service) Sample(w, h int) ([]byte, error) {
	img, err := s.grab()
	if err != nil {
		return nil, err
	}
	return Gray(img, w, h), nil
}

// Encode downsizes img to maxWidth (0 keeps the size) and encodes it as JPEG.
func Encode(img image.Image, maxWidth, quality int) ([]byte, error) {
	b := img.Bounds()
	if maxWidth > 0 && b.Dx() > maxWidth {
		h := b.Dy() * maxWidth / b.Dx()
		if h < 1 {
			h = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
		img = dst
	}
	if quality <= 0 {
		quality = jpeg.DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Gray scales img to w*h and returns its luminance bytes row by row.
func Gray(img image.Image, w, h int) []byte {
	dst := image.NewGray(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	if dst.Stride == w {
		return dst.Pix
	}
	out := make([]byte, 0, w*h)
	for y := 0; y < h; y++ {
		out = append(out, dst.Pix[y*dst.Stride:y*dst.Stride+w]...)
	}
	return out
}
