// Package system provides the clocks that stamp attempts and fetch records:
// the UTC wall clock used in production and a manual clock for deterministic
// timings.
package system

import (
	"sync"
	"time"
)

// Clock reports the current time in UTC.
type Clock struct{}

// New creates a wall Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Manual is a clock that only moves when told to. When Step is non-zero every
// call to Now advances the clock by Step after reading it, so consecutive
// readings bracket a measurable duration.
type Manual struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewManual returns a Manual clock reading start (converted to UTC) that
// advances by step on every read.
func NewManual(start time.Time, step time.Duration) *Manual {
	return &Manual{now: start.UTC(), step: step}
}

// Now returns the current reading and applies the step.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.now
	m.now = m.now.Add(m.step)
	return t
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Set jumps the clock to t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t.UTC()
	m.mu.Unlock()
}
