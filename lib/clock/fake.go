// Copyright 2026 The Holdover Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock initialized to the given time. Time stands
// still until Advance is called.
//
// FakeClock is safe for concurrent use by multiple goroutines.
func Fake(initial time.Time) *FakeClock {
	clock := &FakeClock{current: initial}
	clock.sleepersChanged = sync.NewCond(&clock.mu)
	return clock
}

// FakeClock is a deterministic Clock for testing. Goroutines blocked
// in Sleep wake only when Advance moves the clock past their deadline.
type FakeClock struct {
	mu              sync.Mutex
	current         time.Time
	sleepers        []*sleeper
	sleepersChanged *sync.Cond
}

// sleeper is one goroutine blocked in Sleep.
type sleeper struct {
	deadline time.Time
	wake     chan time.Time
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Sleep blocks the calling goroutine until the clock advances past its
// deadline. If d <= 0, Sleep returns immediately without registering a
// sleeper.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	pending := &sleeper{
		deadline: c.current.Add(d),
		wake:     make(chan time.Time, 1),
	}
	c.sleepers = append(c.sleepers, pending)
	c.sleepersChanged.Broadcast()
	c.mu.Unlock()

	<-pending.wake
}

// Advance moves the clock forward by d and wakes every sleeper whose
// deadline falls within the new time, in deadline order. Sleepers with
// later deadlines stay blocked.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current

	var due []*sleeper
	var remaining []*sleeper
	for _, pending := range c.sleepers {
		if pending.deadline.After(target) {
			remaining = append(remaining, pending)
		} else {
			due = append(due, pending)
		}
	}
	c.sleepers = remaining
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		return due[i].deadline.Before(due[j].deadline)
	})
	for _, pending := range due {
		pending.wake <- target
	}
}

// WaitForTimers blocks until at least n sleepers are pending. This
// synchronization primitive eliminates the race between a goroutine
// registering its Sleep and the test advancing the clock.
//
// Example:
//
//	go func() { fakeClock.Sleep(5 * time.Second) }()
//	fakeClock.WaitForTimers(1)         // blocks until Sleep registers
//	fakeClock.Advance(5 * time.Second) // deterministically wakes it
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.sleepers) < n {
		c.sleepersChanged.Wait()
	}
}

// PendingCount returns the number of goroutines currently blocked in
// Sleep. Useful for test assertions.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sleepers)
}
