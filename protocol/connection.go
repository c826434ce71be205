// Copyright 2026 The Holdover Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"fmt"
	"net"
	"strconv"
)

// ConnectionMode is a relay client's role. The leader is the producing
// side of the newly created secure-desktop peer; the follower is the
// pre-existing remote session being preserved.
type ConnectionMode string

const (
	// ModeLeader is the producing side of a relay channel.
	ModeLeader ConnectionMode = "leader"

	// ModeFollower is the consuming side of a relay channel.
	ModeFollower ConnectionMode = "follower"
)

// Valid reports whether m is a defined connection mode.
func (m ConnectionMode) Valid() bool {
	return m == ModeLeader || m == ModeFollower
}

// ConnectionInfo describes how to reach a relay: host, port, channel
// token, role, and trust level. It is an immutable value, constructed
// once per consumed handshake.
type ConnectionInfo struct {
	// Hostname is the relay host. For secure-desktop channels this is
	// always the loopback address.
	Hostname string `json:"hostname"`

	// Port is the relay's TCP port.
	Port int `json:"port"`

	// Key is the channel token presented during the join exchange.
	Key string `json:"key"`

	// Mode is the role this side takes on the channel.
	Mode ConnectionMode `json:"mode"`

	// Insecure is true when the channel's trust derives from OS
	// session isolation and loopback binding rather than transport
	// encryption. Secure-desktop channels are always insecure in this
	// sense.
	Insecure bool `json:"insecure"`
}

// Address returns the relay endpoint in "host:port" form.
func (c ConnectionInfo) Address() string {
	return net.JoinHostPort(c.Hostname, strconv.Itoa(c.Port))
}

// Validate checks that the connection info is complete enough to dial.
func (c ConnectionInfo) Validate() error {
	if c.Hostname == "" {
		return fmt.Errorf("connection info: hostname is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("connection info: port %d out of range", c.Port)
	}
	if c.Key == "" {
		return fmt.Errorf("connection info: channel key is required")
	}
	if !c.Mode.Valid() {
		return fmt.Errorf("connection info: unknown mode %q", c.Mode)
	}
	return nil
}
