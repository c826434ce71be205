// Copyright 2026 The Holdover Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// tcpStateListen is the kernel's socket state code for LISTEN in
// /proc/net/tcp.
const tcpStateListen = "0A"

// loopback4Hex is 127.0.0.1 in the little-endian hex form the kernel
// uses for the local_address column of /proc/net/tcp.
const loopback4Hex = "0100007F"

// loopback6Hex is ::1 in the per-word little-endian hex form of
// /proc/net/tcp6.
const loopback6Hex = "00000000000000000000000001000000"

// ListeningProcessMatches verifies that a socket is listening on a
// loopback address (127.0.0.1 or ::1) at the given port and that its
// owning process runs the same executable
// image as the calling process. The secure-desktop consumer uses this
// to reject a stale or spoofed handshake pointing at an unrelated
// process before trusting the published port.
//
// Returns nil on a confirmed match. Any failure — no such listener,
// socket owner not resolvable, different executable — is returned as
// an error with enough context to diagnose from logs.
//
// Resolving the owner requires read access to the owner's /proc
// entries, which holds in the intended deployment: both processes run
// as the same user.
func ListeningProcessMatches(port int) error {
	inode, err := loopbackListenerInode(port)
	if err != nil {
		return err
	}
	ownerPID, err := socketOwner(inode)
	if err != nil {
		return fmt.Errorf("resolve owner of socket inode %s (port %d): %w", inode, port, err)
	}
	ownerImage, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", ownerPID))
	if err != nil {
		return fmt.Errorf("read executable of pid %d: %w", ownerPID, err)
	}
	selfImage, err := os.Readlink("/proc/self/exe")
	if err != nil {
		return fmt.Errorf("read own executable: %w", err)
	}
	if ownerImage != selfImage {
		return fmt.Errorf("listener on port %d belongs to %q (pid %d), not %q", port, ownerImage, ownerPID, selfImage)
	}
	return nil
}

// loopbackListenerInode scans /proc/net/tcp and /proc/net/tcp6 for a
// socket in LISTEN state bound to a loopback address on port and
// returns its inode.
func loopbackListenerInode(port int) (string, error) {
	tables := []struct {
		path      string
		wantLocal string
	}{
		{"/proc/net/tcp", fmt.Sprintf("%s:%04X", loopback4Hex, port)},
		{"/proc/net/tcp6", fmt.Sprintf("%s:%04X", loopback6Hex, port)},
	}
	for _, table := range tables {
		contents, err := os.ReadFile(table.path)
		if err != nil {
			// tcp6 is absent on kernels running without IPv6.
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return "", fmt.Errorf("read %s: %w", table.path, err)
		}
		lines := strings.Split(string(contents), "\n")
		for _, line := range lines[1:] { // Skip the header row.
			fields := strings.Fields(line)
			if len(fields) < 10 {
				continue
			}
			if fields[1] == table.wantLocal && fields[3] == tcpStateListen {
				return fields[9], nil
			}
		}
	}
	return "", fmt.Errorf("no loopback socket listening on port %d", port)
}

// socketOwner finds a process holding an open file descriptor for the
// socket with the given inode and returns its pid.
func socketOwner(inode string) (int, error) {
	target := "socket:[" + inode + "]"
	procEntries, err := os.ReadDir("/proc")
	if err != nil {
		return 0, fmt.Errorf("read /proc: %w", err)
	}
	for _, entry := range procEntries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		fdDir := filepath.Join("/proc", entry.Name(), "fd")
		fdEntries, err := os.ReadDir(fdDir)
		if err != nil {
			// Other users' processes are unreadable; skip them.
			continue
		}
		for _, fdEntry := range fdEntries {
			link, err := os.Readlink(filepath.Join(fdDir, fdEntry.Name()))
			if err != nil {
				continue
			}
			if link == target {
				return pid, nil
			}
		}
	}
	return 0, fmt.Errorf("no process holds %s", target)
}
