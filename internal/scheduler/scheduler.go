// Package scheduler decides when screenshots are taken.
//
// Time is cut into 10-minute blocks of local wall-clock time. Each block has
// one fixed capture at second 59 of its last minute and a few random
// captures at second 59 of other minutes in the block.
package scheduler

import (
	"math/rand/v2"
	"slices"
	"time"
)

// BlockMinutes is the length of a scheduling block.
const BlockMinutes = 10

// LateGrace is how far into a minute a capture may run and still be
// attributed to the previous minute.
const LateGrace = 30 * time.Second

type Kind string

const (
	Fixed  Kind = "fixed"
	Random Kind = "random"
	Final  Kind = "final"
)

// Capture is one planned screenshot.
type Capture struct {
	At   time.Time
	Kind Kind
}

// Scheduler holds the plan for the current block. It is not safe for
// concurrent use; the session controller serializes access.
type Scheduler struct {
	rng      *rand.Rand
	perBlock int
	fixed    time.Time
	randoms  []Capture
}

// New returns a scheduler drawing perBlock random captures per block.
func New(rng *rand.Rand, perBlock int) *Scheduler {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Scheduler{rng: rng, perBlock: perBlock}
}

func at59(t time.Time, minute int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), minute, 59, 0, t.Location())
}

// BlockEnd returns second 59 of the last minute of the block containing now,
// or of the next block when that instant has already passed.
func BlockEnd(now time.Time) time.Time {
	end := at59(now, now.Minute()/BlockMinutes*BlockMinutes+BlockMinutes-1)
	if now.After(end) {
		end = end.Add(BlockMinutes * time.Minute)
	}
	return end
}

// Attribute maps an execution instant to the :59 boundary it stands for.
// Within the first LateGrace of a minute that is the previous minute.
func Attribute(executed time.Time) time.Time {
	minute := executed.Truncate(time.Minute)
	if executed.Sub(minute) < LateGrace {
		return minute.Add(-time.Second)
	}
	return minute.Add(59 * time.Second)
}

// Plan computes the fixed capture and draws the random ones for the block
// that ends at BlockEnd(now).
func (s *Scheduler) Plan(now time.Time) {
	s.fixed = BlockEnd(now)
	s.randoms = s.randoms[:0]

	var candidates []time.Time
	for i := 1; i < BlockMinutes; i++ {
		c := s.fixed.Add(-time.Duration(i) * time.Minute)
		if c.After(now) {
			candidates = append(candidates, c)
		}
	}
	s.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	n := min(s.perBlock, len(candidates))
	for _, c := range candidates[:n] {
		s.randoms = append(s.randoms, Capture{At: c, Kind: Random})
	}
	slices.SortFunc(s.randoms, func(a, b Capture) int { return a.At.Compare(b.At) })
}

// Due removes and returns every capture at or before now, oldest first.
// When the fixed capture fires the next block is planned.
func (s *Scheduler) Due(now time.Time) []Capture {
	if s.fixed.IsZero() {
		return nil
	}
	var due []Capture
	kept := s.randoms[:0]
	for _, c := range s.randoms {
		if !c.At.After(now) {
			due = append(due, c)
		} else {
			kept = append(kept, c)
		}
	}
	s.randoms = kept
	if !s.fixed.After(now) {
		due = append(due, Capture{At: s.fixed, Kind: Fixed})
		next := s.fixed.Add(time.Second)
		if now.After(next) {
			next = now
		}
		s.Plan(next)
	}
	return due
}

// Pending returns the remaining plan, oldest first.
func (s *Scheduler) Pending() []Capture {
	if s.fixed.IsZero() {
		return nil
	}
	out := append([]Capture(nil), s.randoms...)
	return append(out, Capture{At: s.fixed, Kind: Fixed})
}

// NextFixed returns the planned fixed capture.
func (s *Scheduler) NextFixed() time.Time {
	return s.fixed
}

// Clear discards the plan.
func (s *Scheduler) Clear() {
	s.fixed = time.Time{}
	s.randoms = nil
}
