// Copyright 2026 The Holdover Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc provides the named shared buffer and named manual-reset
// event used to hand connection parameters across the privilege
// boundary between the regular-desktop process and the secure-desktop
// process.
//
// Both objects are fixed-size files in a shared runtime directory
// (by default /dev/shm), mapped into each process with mmap. The
// names are session-local: every process that knows the runtime
// directory and the object name reaches the same memory.
//
// [Buffer] is a fixed-size byte buffer for a single NUL-terminated
// payload. WriteString validates that the payload plus its terminator
// fits the buffer before touching any byte of the mapping, so a
// concurrent reader can never observe a partially written payload
// behind a successful write.
//
// [Event] is a manual-reset event with two states, unset and set.
// Signal and Reset are atomic stores on a shared flag word; Wait polls
// the word with a bounded deadline taken from an injected clock. The
// writer signals exactly once per successful publish and never resets;
// only a consumer that has finished reading, or the next teardown,
// resets. One waiting reader per write is supported.
//
// All marshaling rules for the shared memory region (fixed width,
// UTF-8 payload, mandatory terminator slot) live in this package;
// callers deal only in strings.
package ipc
