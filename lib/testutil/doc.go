// Copyright 2026 The Holdover Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for Holdover packages.
//
// [RequireReceive], [RequireSend], and [RequireClosed] encapsulate the
// timeout safety valve pattern (select with time.After fallback) so
// that individual tests do not need direct time.After calls.
//
// [RuntimeDir] creates a short-pathed temporary directory for the
// shared-memory objects the IPC layer places on the filesystem.
//
// [UniqueID] generates monotonically increasing identifiers so tests
// that create named IPC objects never collide when run in parallel.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
package testutil
