// Copyright 2026 The Drawbridge Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a deterministic Clock frozen at initial. Time moves only
// when Advance is called; timers and tickers whose deadlines fall
// within the advanced window fire in deadline order.
//
// FakeClock is safe for concurrent use. AfterFunc callbacks run
// synchronously inside Advance; do not call Advance from a callback.
func Fake(initial time.Time) *FakeClock {
	fake := &FakeClock{now: initial}
	fake.registered = sync.NewCond(&fake.mu)
	return fake
}

// FakeClock is the test implementation of Clock.
type FakeClock struct {
	mu         sync.Mutex
	now        time.Time
	schedule   []*scheduled
	registered *sync.Cond
}

// scheduled is one pending timer, ticker, or After channel.
type scheduled struct {
	deadline time.Time
	channel  chan time.Time // nil for AfterFunc entries
	callback func()         // nil for channel entries
	interval time.Duration  // non-zero for tickers; rescheduled after firing
	stopped  bool
	fired    bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives when the clock advances past
// the deadline. A non-positive d delivers immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.now
		return channel
	}
	c.schedule = append(c.schedule, &scheduled{deadline: c.now.Add(d), channel: channel})
	c.registered.Broadcast()
	return channel
}

// AfterFunc schedules f to run when the clock advances past the
// deadline. A non-positive d runs f synchronously before returning.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	if d <= 0 {
		c.mu.Unlock()
		f()
		return &Timer{
			stop:  func() bool { return false },
			reset: func(time.Duration) bool { return false },
		}
	}
	defer c.mu.Unlock()

	entry := &scheduled{deadline: c.now.Add(d), callback: f}
	c.schedule = append(c.schedule, entry)
	c.registered.Broadcast()

	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if entry.stopped || entry.fired {
				return false
			}
			entry.stopped = true
			return true
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			active := !entry.stopped && !entry.fired
			entry.deadline = c.now.Add(d)
			entry.stopped = false
			if entry.fired {
				// The entry was removed from the schedule when it
				// fired; re-add it for the new deadline.
				entry.fired = false
				c.schedule = append(c.schedule, entry)
				c.registered.Broadcast()
			}
			return active
		},
	}
}

// NewTicker delivers a tick each time the clock advances past a
// multiple of d. Panics if d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	entry := &scheduled{deadline: c.now.Add(d), channel: channel, interval: d}
	c.schedule = append(c.schedule, entry)
	c.registered.Broadcast()

	return &Ticker{
		C: channel,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			entry.stopped = true
		},
	}
}

// Advance moves the clock forward by d and fires everything whose
// deadline falls within the new time, in deadline order. Channel sends
// are non-blocking (a full buffer drops the tick, matching
// time.Ticker); callbacks run synchronously in this goroutine.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.takeDue(target)
		if len(due) == 0 {
			return
		}
		sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
		for _, entry := range due {
			if entry.callback != nil {
				entry.callback()
				continue
			}
			select {
			case entry.channel <- target:
			default:
			}
		}
	}
}

// takeDue removes due entries from the schedule, rescheduling tickers
// for their next interval, and returns what should fire.
func (c *FakeClock) takeDue(target time.Time) []*scheduled {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, remaining []*scheduled
	for _, entry := range c.schedule {
		switch {
		case entry.stopped:
			// Dropped entirely.
		case !entry.deadline.After(target):
			due = append(due, entry)
		default:
			remaining = append(remaining, entry)
		}
	}
	for _, entry := range due {
		if entry.interval > 0 {
			entry.deadline = entry.deadline.Add(entry.interval)
			remaining = append(remaining, entry)
		} else {
			entry.fired = true
		}
	}
	c.schedule = remaining
	return due
}

// WaitForScheduled blocks until at least n timers or tickers are
// pending. Tests use it to close the race between a goroutine arming a
// timer and the test advancing the clock:
//
//	go session.Call(...)
//	fake.WaitForScheduled(1)
//	fake.Advance(timeout)
func (c *FakeClock) WaitForScheduled(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.activeLocked() < n {
		c.registered.Wait()
	}
}

// ScheduledCount returns the number of active pending entries.
func (c *FakeClock) ScheduledCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

func (c *FakeClock) activeLocked() int {
	active := 0
	for _, entry := range c.schedule {
		if !entry.stopped {
			active++
		}
	}
	return active
}
