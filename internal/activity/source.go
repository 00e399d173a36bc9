package activity

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"worktrack/internal/config"
	"worktrack/internal/domain"
)

// Source feeds a Sink until ctx is done. Exactly one source is selected at
// startup.
type Source interface {
	Name() string
	Run(ctx context.Context, sink Sink) error
}

// ErrNotHeuristic is returned when UI events are forwarded while the native
// hook is active.
var ErrNotHeuristic = errors.New("ui events are only accepted in heuristic mode")

// ErrSourceStopped is returned when events arrive before the source runs.
var ErrSourceStopped = errors.New("activity source is not running")

// Select picks the source for cfg. In auto mode the native hook wins when
// its command resolves on PATH.
func Select(cfg config.Activity, sampler Sampler) Source {
	mode := cfg.Mode
	if mode == config.ActivityAuto {
		mode = config.ActivityHeuristic
		if len(cfg.HookCommand) > 0 {
			if _, err := exec.LookPath(cfg.HookCommand[0]); err == nil {
				mode = config.ActivityNative
			}
		}
	}
	if mode == config.ActivityNative {
		return &NativeHookSource{Command: cfg.HookCommand}
	}
	return NewHeuristicSource(cfg.Heuristic, sampler)
}

// NativeHookSource reads per-second aggregates from a privileged helper.
// The helper writes one JSON object per line:
//
//	{"keyboard":3,"mouse_clicks":1,"scrolls":0,"movements":12}
type NativeHookSource struct {
	Command []string
	Now     func() time.Time
}

func (s *NativeHookSource) Name() string { return config.ActivityNative }

func (s *NativeHookSource) Run(ctx context.Context, sink Sink) error {
	if len(s.Command) == 0 {
		return fmt.Errorf("native hook: no command configured")
	}
	now := s.Now
	if now == nil {
		now = time.Now
	}
	cmd := exec.CommandContext(ctx, s.Command[0], s.Command[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("native hook %s: %w", s.Command[0], err)
	}
	log.Info().Str("command", strings.Join(s.Command, " ")).Msg("native activity hook started")
	if err := s.read(stdout, sink, now); err != nil {
		log.Warn().Err(err).Msg("native hook stream")
	}
	err = cmd.Wait()
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("native hook exited: %w", err)
	}
	return fmt.Errorf("native hook exited")
}

func (s *NativeHookSource) read(r io.Reader, sink Sink, now func() time.Time) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var c Counts
		if err := json.Unmarshal([]byte(line), &c); err != nil {
			log.Debug().Err(err).Str("line", line).Msg("skipping malformed hook line")
			continue
		}
		sink.Add(now(), c)
	}
	return sc.Err()
}

// Sampler returns a grayscale frame of w*h bytes.
type Sampler interface {
	Sample(w, h int) ([]byte, error)
}

// UI event kinds forwarded by a front end.
const (
	EventKeyDown   = "keydown"
	EventMouseDown = "mousedown"
	EventWheel     = "wheel"
	EventScroll    = "scroll"
	EventTouchMove = "touchmove"
	EventMouseMove = "mousemove"
)

// UIEvent is a batch of same-kind UI events.
type UIEvent struct {
	Kind  string `json:"kind"`
	Count int    `json:"count"`
}

// ToCounts maps a UI event onto activity counts.
func (e UIEvent) ToCounts() (Counts, error) {
	n := e.Count
	if n <= 0 {
		n = 1
	}
	switch e.Kind {
	case EventKeyDown:
		return Counts{Keyboard: n}, nil
	case EventMouseDown:
		return Counts{MouseClicks: n}, nil
	case EventWheel, EventScroll:
		return Counts{Scrolls: n}, nil
	case EventTouchMove, EventMouseMove:
		return Counts{Movements: n}, nil
	}
	return Counts{}, &domain.ValidationError{Field: "kind", Message: fmt.Sprintf("unknown ui event kind %q", e.Kind)}
}

// HeuristicSource takes UI-forwarded events and, once per interval, diffs a
// low resolution sample of the screen against the previous one.
type HeuristicSource struct {
	Sampler  Sampler
	Params   config.Heuristic
	Interval time.Duration
	Now      func() time.Time

	mu   sync.Mutex
	sink Sink
	prev []byte
}

func NewHeuristicSource(params config.Heuristic, sampler Sampler) *HeuristicSource {
	return &HeuristicSource{Sampler: sampler, Params: params, Interval: time.Second}
}

func (s *HeuristicSource) Name() string { return config.ActivityHeuristic }

func (s *HeuristicSource) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Forward credits UI events to the running sink.
func (s *HeuristicSource) Forward(events []UIEvent) error {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink == nil {
		return ErrSourceStopped
	}
	at := s.now()
	for _, e := range events {
		c, err := e.ToCounts()
		if err != nil {
			return err
		}
		sink.Add(at, c)
	}
	return nil
}

func (s *HeuristicSource) Run(ctx context.Context, sink Sink) error {
	s.mu.Lock()
	s.sink = sink
	s.prev = nil
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.sink = nil
		s.mu.Unlock()
	}()

	interval := s.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SampleOnce(sink)
		}
	}
}

// SampleOnce takes one sample and credits synthetic activity if the frame
// changed enough.
func (s *HeuristicSource) SampleOnce(sink Sink) {
	if s.Sampler == nil {
		return
	}
	frame, err := s.Sampler.Sample(s.Params.Width, s.Params.Height)
	if err != nil {
		s.mu.Lock()
		s.prev = nil
		s.mu.Unlock()
		return
	}
	s.mu.Lock()
	prev := s.prev
	s.prev = frame
	s.mu.Unlock()
	if prev == nil {
		return
	}
	if c, ok := s.Score(Diff(prev, frame)); ok {
		sink.Add(s.now(), c)
	}
}

// Score converts a diff score into credited counts.
func (s *HeuristicSource) Score(score int) (Counts, bool) {
	if score <= s.Params.NoiseThreshold {
		return Counts{}, false
	}
	c := Counts{Movements: 1}
	if score > s.Params.ClickThreshold {
		c.MouseClicks = 1
	}
	if score > s.Params.KeyboardThreshold {
		c.Keyboard = 1
	}
	return c, true
}

// Diff is the sum of absolute differences between two equally sized frames.
// Frames of different size count as a full change.
func Diff(a, b []byte) int {
	if len(a) != len(b) {
		return 255 * max(len(a), len(b))
	}
	sum := 0
	for i := range a {
		d := int(a[i]) - int(b[i])
		if d < 0 {
			d = -d
		}
		sum += d
	}
	return sum
}
