// Copyright 2026 The Holdover Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"os"
	"testing"
)

// RuntimeDir creates a short-named temporary directory directly in
// /tmp, suitable as the runtime directory for named IPC objects. Some
// build systems set TEST_TMPDIR to deeply nested paths; a short path
// keeps log output readable and mirrors the /dev/shm default used in
// production.
//
// The directory is automatically removed when the test completes.
func RuntimeDir(t *testing.T) string {
	t.Helper()
	directory, err := os.MkdirTemp("/tmp", "holdover-test-*")
	if err != nil {
		t.Fatalf("creating runtime directory: %v", err)
	}
	t.Cleanup(func() {
		_ = os.RemoveAll(directory)
	})
	return directory
}
