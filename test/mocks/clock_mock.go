package mocks

import (
	"sync"
	"time"

	"github.com/AchilleasB/family-hub/penalty-service/internal/core/domain"
	"github.com/AchilleasB/family-hub/penalty-service/internal/core/ports"
)

// FakeClock is a manually advanced ports.Clock.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

var _ ports.Clock = (*FakeClock)(nil)

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// SequenceRandom returns the queued values in order, modulo n, and then
// repeats the last one.
type SequenceRandom struct {
	mu     sync.Mutex
	values []int
	pos    int
}

var _ ports.RandomSource = (*SequenceRandom)(nil)

func NewSequenceRandom(values ...int) *SequenceRandom {
	return &SequenceRandom{values: values}
}

func (r *SequenceRandom) IntN(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.values) == 0 {
		return 0
	}
	v := r.values[min(r.pos, len(r.values)-1)]
	r.pos++
	return v % n
}

// TestStart is a fixed instant used as the default test clock origin.
var TestStart = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

// IntPtr is a helper for optional durations.
func IntPtr(v int) *int { return &v }

// SamplePenalty returns a stored-shape penalty for seeding stores and caches.
func SamplePenalty(id, member string, t domain.PenaltyType, duration int) domain.Penalty {
	return domain.Penalty{
		ID:              id,
		MemberID:        member,
		Reason:          "left the bikes in the rain",
		Category:        domain.CategoryChores,
		Type:            t,
		Method:          domain.MethodFixed,
		Duration:        duration,
		Remaining:       duration,
		StartTime:       TestStart,
		EndsAt:          TestStart.Add(time.Duration(duration) * 24 * time.Hour),
		Active:          true,
		Reflections:     []domain.Reflection{},
		TimeAdjustments: []domain.TimeAdjustment{},
		CreatedBy:       "mom",
	}
}
