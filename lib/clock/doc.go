// Copyright 2026 The Holdover Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for
// testability.
//
// Production code accepts a Clock parameter instead of calling
// time.Now or time.Sleep directly. Real() is backed by the time
// package. Fake() is a deterministic clock for tests: time stands
// still until Advance is called, and goroutines blocked in Sleep wake
// only when the clock passes their deadline.
//
// The interface carries exactly the operations the handshake wait path
// uses: a polling loop reading Now against a deadline and pausing with
// Sleep between probes.
//
// # FakeClock synchronization
//
// When a goroutine calls Sleep on a FakeClock it registers a pending
// sleeper. Use WaitForTimers to block until a given number of sleepers
// are registered before calling Advance; this eliminates the race
// between a goroutine reaching its Sleep call and the test advancing
// the clock.
package clock
