package scheduler_test

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"worktrack/internal/scheduler"
)

func clock(h, m, s int) time.Time {
	return time.Date(2024, 3, 4, h, m, s, 0, time.UTC)
}

func seeded() *rand.Rand {
	return rand.New(rand.NewPCG(1, 2))
}

func TestBlockEnd(t *testing.T) {
	cases := []struct {
		now, want time.Time
	}{
		{clock(9, 0, 0), clock(9, 9, 59)},
		{clock(9, 4, 30), clock(9, 9, 59)},
		{clock(9, 9, 59), clock(9, 9, 59)},
		{clock(9, 10, 0), clock(9, 19, 59)},
		{clock(9, 55, 1), clock(9, 59, 59)},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, scheduler.BlockEnd(tc.now), tc.now.Format(time.TimeOnly))
	}
	// 23:59:59.5 rolls into the next day
	late := time.Date(2024, 3, 4, 23, 59, 59, 500_000_000, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 5, 0, 9, 59, 0, time.UTC), scheduler.BlockEnd(late))
}

func TestAttribute(t *testing.T) {
	assert.Equal(t, clock(10, 0, 59), scheduler.Attribute(clock(10, 1, 2)))
	assert.Equal(t, clock(10, 1, 59), scheduler.Attribute(clock(10, 1, 45)))
	assert.Equal(t, clock(10, 1, 59), scheduler.Attribute(clock(10, 1, 59)))
	assert.Equal(t, clock(10, 0, 59), scheduler.Attribute(clock(10, 1, 29)))
	assert.Equal(t, clock(10, 1, 59), scheduler.Attribute(clock(10, 1, 30)))
}

func TestPlanDrawsDistinctRandoms(t *testing.T) {
	for seed := uint64(0); seed < 50; seed++ {
		s := scheduler.New(rand.New(rand.NewPCG(seed, seed)), 3)
		s.Plan(clock(9, 0, 0))
		pending := s.Pending()
		require.Len(t, pending, 4)
		seen := map[int]bool{}
		for _, c := range pending[:3] {
			assert.Equal(t, scheduler.Random, c.Kind)
			assert.Equal(t, 59, c.At.Second())
			assert.NotEqual(t, 9, c.At.Minute())
			assert.True(t, c.At.After(clock(9, 0, 0)))
			assert.False(t, seen[c.At.Minute()])
			seen[c.At.Minute()] = true
		}
		assert.Equal(t, scheduler.Fixed, pending[3].Kind)
		assert.Equal(t, clock(9, 9, 59), pending[3].At)
	}
}

func TestPlanLateInBlockTakesWhatIsLeft(t *testing.T) {
	s := scheduler.New(seeded(), 3)
	s.Plan(clock(9, 7, 30))
	pending := s.Pending()
	// only 09:07:59 and 09:08:59 remain besides the fixed minute
	require.Len(t, pending, 3)
	assert.Equal(t, clock(9, 7, 59), pending[0].At)
	assert.Equal(t, clock(9, 8, 59), pending[1].At)
}

func TestDueFiresAndReplans(t *testing.T) {
	s := scheduler.New(seeded(), 3)
	s.Plan(clock(9, 0, 0))
	assert.Empty(t, s.Due(clock(9, 0, 30)))

	fired := 0
	for now := clock(9, 0, 0); now.Before(clock(9, 9, 59)); now = now.Add(time.Second) {
		for _, c := range s.Due(now) {
			assert.Equal(t, scheduler.Random, c.Kind)
			fired++
		}
	}
	assert.Equal(t, 3, fired)

	due := s.Due(clock(9, 9, 59))
	require.Len(t, due, 1)
	assert.Equal(t, scheduler.Fixed, due[0].Kind)
	assert.Equal(t, clock(9, 19, 59), s.NextFixed())
	assert.Len(t, s.Pending(), 4)
}

func TestDueAfterSuspensionSkipsAhead(t *testing.T) {
	s := scheduler.New(seeded(), 3)
	s.Plan(clock(9, 0, 0))
	due := s.Due(clock(9, 25, 10))
	assert.Len(t, due, 4)
	assert.Equal(t, clock(9, 29, 59), s.NextFixed())
	for _, c := range s.Pending() {
		assert.True(t, c.At.After(clock(9, 25, 10)))
	}
}

func TestClear(t *testing.T) {
	s := scheduler.New(seeded(), 3)
	s.Plan(clock(9, 0, 0))
	s.Clear()
	assert.Empty(t, s.Pending())
	assert.Empty(t, s.Due(clock(10, 0, 0)))
}
