// Package activity accumulates per-minute input counts.
package activity

import (
	"sync"
	"time"
)

// MinuteKey identifies a calendar minute as minutes since the Unix epoch.
// It is derived from the instant, so a timezone change does not move it.
type MinuteKey int64

// KeyOf returns the minute containing t.
func KeyOf(t time.Time) MinuteKey {
	s := t.Unix()
	if s < 0 && s%60 != 0 {
		return MinuteKey(s/60 - 1)
	}
	return MinuteKey(s / 60)
}

// Time returns the first instant of the minute in the local zone.
func (k MinuteKey) Time() time.Time {
	return time.Unix(int64(k)*60, 0)
}

// Counts is one increment of activity.
type Counts struct {
	Keyboard    int `json:"keyboard"`
	MouseClicks int `json:"mouse_clicks"`
	Scrolls     int `json:"scrolls"`
	Movements   int `json:"movements"`
}

func (c Counts) total() int {
	return c.Keyboard + c.MouseClicks + c.Scrolls + c.Movements
}

// Bucket holds the counts for one minute.
type Bucket struct {
	Minute         MinuteKey
	KeyboardClicks int
	MouseClicks    int
	MouseScrolls   int
	MouseMovements int
	TotalActivity  int
}

func (b *Bucket) add(c Counts) {
	b.KeyboardClicks += c.Keyboard
	b.MouseClicks += c.MouseClicks
	b.MouseScrolls += c.Scrolls
	b.MouseMovements += c.Movements
	b.TotalActivity += c.total()
}

func (b *Bucket) merge(o *Bucket) {
	b.KeyboardClicks += o.KeyboardClicks
	b.MouseClicks += o.MouseClicks
	b.MouseScrolls += o.MouseScrolls
	b.MouseMovements += o.MouseMovements
	b.TotalActivity += o.TotalActivity
}

// Sink receives activity from a Source.
type Sink interface {
	Add(at time.Time, c Counts)
}

// Recorder keeps live buckets until a capture flushes them. Once a minute
// has been flushed it is never recreated: later events for it are credited
// to the first minute after the flush watermark.
type Recorder struct {
	mu      sync.Mutex
	buckets map[MinuteKey]*Bucket
	flushed MinuteKey
	last    time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{buckets: make(map[MinuteKey]*Bucket)}
}

func (r *Recorder) getOrCreate(k MinuteKey) *Bucket {
	b, ok := r.buckets[k]
	if !ok {
		b = &Bucket{Minute: k}
		r.buckets[k] = b
	}
	return b
}

// Add credits c to the minute containing at.
func (r *Recorder) Add(at time.Time, c Counts) {
	if c.total() <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := KeyOf(at)
	if r.flushed != 0 && k <= r.flushed {
		k = r.flushed + 1
	}
	r.getOrCreate(k).add(c)
	if at.After(r.last) {
		r.last = at
	}
}

// Flush removes every bucket up to and including through and returns one
// entry per minute in [from, through], zero-filled where nothing happened.
// Leftover buckets older than from are folded into the first entry.
func (r *Recorder) Flush(from, through MinuteKey) []Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()

	var early Bucket
	for k, b := range r.buckets {
		if k < from && k <= through {
			early.merge(b)
			delete(r.buckets, k)
		}
	}
	if through > r.flushed {
		r.flushed = through
	}
	if through < from {
		return nil
	}
	out := make([]Bucket, 0, int(through-from)+1)
	for k := from; k <= through; k++ {
		entry := Bucket{Minute: k}
		if b, ok := r.buckets[k]; ok {
			entry = *b
			delete(r.buckets, k)
		}
		out = append(out, entry)
	}
	if early.TotalActivity > 0 {
		out[0].merge(&early)
	}
	return out
}

// Peek returns a copy of the live bucket for k.
func (r *Recorder) Peek(k MinuteKey) (Bucket, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[k]
	if !ok {
		return Bucket{}, false
	}
	return *b, true
}

// Pending returns the number of live buckets.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}

// LastActivity is the instant of the newest credited event.
func (r *Recorder) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Reset drops all live buckets and sets the flush watermark. Minutes at or
// before watermark are treated as already flushed.
func (r *Recorder) Reset(watermark MinuteKey, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buckets = make(map[MinuteKey]*Bucket)
	r.flushed = watermark
	r.last = now
}
