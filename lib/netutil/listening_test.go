// Copyright 2026 The Holdover Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"
	"testing"
)

func TestListeningProcessMatchesOwnListener(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer listener.Close()

	port := listener.Addr().(*net.TCPAddr).Port
	if err := ListeningProcessMatches(port); err != nil {
		t.Fatalf("expected own listener to match: %v", err)
	}
}

func TestListeningProcessMatchesIPv6Listener(t *testing.T) {
	listener, err := net.Listen("tcp6", "[::1]:0")
	if err != nil {
		t.Skipf("IPv6 loopback unavailable: %v", err)
	}
	defer listener.Close()

	port := listener.Addr().(*net.TCPAddr).Port
	if err := ListeningProcessMatches(port); err != nil {
		t.Fatalf("expected own ::1 listener to match: %v", err)
	}
}

func TestListeningProcessMatchesNoListener(t *testing.T) {
	// Bind and immediately release a port so nothing is listening on it.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	if err := ListeningProcessMatches(port); err == nil {
		t.Fatal("expected error for port with no listener")
	}
}

func TestIsExpectedCloseError(t *testing.T) {
	expected := []error{
		io.EOF,
		net.ErrClosed,
		syscall.EPIPE,
		syscall.ECONNRESET,
	}
	for _, err := range expected {
		if !IsExpectedCloseError(err) {
			t.Errorf("%v should be an expected close error", err)
		}
	}
	unexpected := []error{
		nil,
		errors.New("some other failure"),
		syscall.ECONNREFUSED,
	}
	for _, err := range unexpected {
		if IsExpectedCloseError(err) {
			t.Errorf("%v should not be an expected close error", err)
		}
	}
}
