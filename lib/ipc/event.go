// Copyright 2026 The Holdover Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/holdover-project/holdover/lib/clock"
)

// ErrWaitTimeout is returned by Event.Wait when the event is not
// signaled within the deadline. Callers treat this as a normal "no
// handshake available" outcome, not a failure.
var ErrWaitTimeout = errors.New("ipc: wait timed out")

// eventSize is the mapped size of an event: one 32-bit flag word.
const eventSize = 4

// waitPollInterval is how often Wait re-checks the flag word. The
// handshake has exactly one waiting reader, so a short poll against
// shared memory is simpler than a futex and indistinguishable at the
// 2-second timeout this package is used with.
const waitPollInterval = 2 * time.Millisecond

// Event is a named manual-reset event shared between processes: a
// single flag word in an mmap'd file. Signal and Reset are atomic
// stores; Wait polls with a bounded deadline.
//
// The event is manual-reset: Signal leaves it set until someone calls
// Reset. The writer never resets; only a consumer that has finished
// reading, or the next teardown, does.
//
// Close must not be called concurrently with Wait.
type Event struct {
	path string
	file *os.File
	data []byte
}

// CreateEvent creates or opens the named event in the runtime
// directory. Creating and opening are the same operation: the first
// process materializes the flag word, later processes map the same
// file.
func CreateEvent(runtimeDir, name string) (*Event, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	path := filepath.Join(runtimeDir, name)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ipc: create event %s: %w", path, err)
	}
	if err := file.Truncate(eventSize); err != nil {
		file.Close()
		return nil, fmt.Errorf("ipc: size event %s: %w", path, err)
	}
	data, err := unix.Mmap(int(file.Fd()), 0, eventSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("ipc: map event %s: %w", path, err)
	}
	return &Event{path: path, file: file, data: data}, nil
}

// word returns the shared flag word. The mapping is page-aligned, so
// the first four bytes are always suitably aligned for atomic access.
func (e *Event) word() *uint32 {
	return (*uint32)(unsafe.Pointer(&e.data[0]))
}

// Signal moves the event to the set state. The atomic store orders the
// signal after every plain write the caller made to other shared
// mappings beforehand, giving the write-then-signal publication the
// release ordering the handshake depends on.
func (e *Event) Signal() {
	atomic.StoreUint32(e.word(), 1)
}

// Reset moves the event back to the unset state. Resetting an already
// unset event is harmless.
func (e *Event) Reset() {
	atomic.StoreUint32(e.word(), 0)
}

// IsSet reports whether the event is currently signaled.
func (e *Event) IsSet() bool {
	return atomic.LoadUint32(e.word()) == 1
}

// Wait blocks until the event is signaled or the timeout elapses,
// polling the shared flag word. Returns ErrWaitTimeout on deadline
// expiry. The clock is injected so tests drive the timeout
// deterministically.
func (e *Event) Wait(clk clock.Clock, timeout time.Duration) error {
	deadline := clk.Now().Add(timeout)
	for {
		if e.IsSet() {
			return nil
		}
		if !clk.Now().Before(deadline) {
			return fmt.Errorf("%w after %v", ErrWaitTimeout, timeout)
		}
		clk.Sleep(waitPollInterval)
	}
}

// Path returns the filesystem path backing the event.
func (e *Event) Path() string { return e.path }

// Close unmaps and closes the event. The flag word survives in the
// backing file for other processes holding it open.
func (e *Event) Close() error {
	var errs []error
	if e.data != nil {
		if err := unix.Munmap(e.data); err != nil {
			errs = append(errs, fmt.Errorf("ipc: unmap event %s: %w", e.path, err))
		}
		e.data = nil
	}
	if e.file != nil {
		if err := e.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("ipc: close event %s: %w", e.path, err))
		}
		e.file = nil
	}
	return errors.Join(errs...)
}
