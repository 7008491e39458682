package clock

import (
	"sync"
	"time"
)

// Clock is the wall-clock source the release components consult.
// Implementations must be safe for concurrent use.
type Clock interface {
	Now() time.Time
}

// System reads the host clock, truncated to whole seconds in UTC.
// Release decisions never depend on sub-second precision.
type System struct{}

func (System) Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// Manual is a settable clock for tests and dry runs.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates a manual clock positioned at start (truncated to seconds).
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC().Truncate(time.Second)}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d. Negative values are ignored so the
// clock stays monotonic.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.now = m.now.Add(d).Truncate(time.Second)
	}
	return m.now
}

// Set positions the clock at t unless that would move it backwards.
func (m *Manual) Set(t time.Time) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	t = t.UTC().Truncate(time.Second)
	if t.After(m.now) {
		m.now = t
	}
	return m.now
}

// Days is a convenience for schedule arithmetic expressed in days.
func Days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
