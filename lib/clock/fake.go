// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"sync"
	"time"
)

// FakeClock is a manually advanced Clock. Callbacks run synchronously
// inside Advance, in deadline order, so a callback must not call
// Advance itself. FakeClock is safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	changed *sync.Cond
}

type fakeTimer struct {
	deadline time.Time
	callback func()
	done     bool
}

// Fake returns a FakeClock reading initial until advanced.
func Fake(initial time.Time) *FakeClock {
	clock := &FakeClock{now: initial}
	clock.changed = sync.NewCond(&clock.mu)
	return clock
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc registers f to run when the clock reaches now+d. A
// non-positive d runs f before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}

	c.mu.Lock()
	timer := &fakeTimer{deadline: c.now.Add(d), callback: f}
	c.timers = append(c.timers, timer)
	c.changed.Broadcast()
	c.mu.Unlock()

	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if timer.done {
			return false
		}
		timer.done = true
		c.timers = slices.DeleteFunc(c.timers, func(pending *fakeTimer) bool { return pending == timer })
		return true
	}}
}

// Advance moves the clock forward by d and runs every callback whose
// deadline has been reached, earliest first.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	c.timers = slices.DeleteFunc(c.timers, func(timer *fakeTimer) bool {
		if timer.deadline.After(c.now) {
			return false
		}
		timer.done = true
		due = append(due, timer)
		return true
	})
	c.mu.Unlock()

	slices.SortStableFunc(due, func(a, b *fakeTimer) int {
		return a.deadline.Compare(b.deadline)
	})
	for _, timer := range due {
		timer.callback()
	}
}

// WaitForTimers blocks until at least n callbacks are pending. Tests
// call it before Advance so a deadline armed on another goroutine is
// not skipped.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.timers) < n {
		c.changed.Wait()
	}
}

// Pending returns the number of callbacks not yet run or stopped.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}
