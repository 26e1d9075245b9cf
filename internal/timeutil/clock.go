// Package timeutil lets the recorder, the serial mux and the mode controller
// run against a fake clock in tests.
package timeutil

import (
	"sync"
	"time"
)

// Clock is the time source for session stamps, frame arrival times and the
// slow-join warning.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	After(d time.Duration) <-chan time.Time
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}

func (RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

func (RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// MockClock only moves when told to. After channels fire once Set or Advance
// reaches their deadline.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []alarm
}

type alarm struct {
	at time.Time
	ch chan time.Time
}

func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *MockClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Set jumps to t. Moving backwards fires nothing.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
	c.ring()
}

func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	c.ring()
}

// After fires immediately for d <= 0.
func (c *MockClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.pending = append(c.pending, alarm{at: c.now.Add(d), ch: ch})
	return ch
}

// Waiters reports how many After channels have not fired yet.
func (c *MockClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *MockClock) ring() {
	c.mu.Lock()
	now := c.now
	var due []alarm
	kept := c.pending[:0]
	for _, a := range c.pending {
		if now.Before(a.at) {
			kept = append(kept, a)
		} else {
			due = append(due, a)
		}
	}
	c.pending = kept
	c.mu.Unlock()

	// buffered, so sends never block
	for _, a := range due {
		a.ch <- now
	}
}
