// Copyright 2026 The Holdover Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Holdover
// components.
//
// Configuration is loaded from a single YAML file passed explicitly by
// the caller. There is no search path or automatic discovery; absent
// values fall back to the defaults in code. This keeps the two
// cooperating processes — the regular-desktop handler and the
// secure-desktop bootstrap — trivially in agreement about the shared
// object names they must both derive.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full Holdover configuration.
type Config struct {
	// Runtime configures the shared-memory handshake objects.
	Runtime RuntimeConfig `yaml:"runtime"`

	// Relay configures the loopback relay server.
	Relay RelayConfig `yaml:"relay"`
}

// RuntimeConfig names the shared IPC objects. Both processes must use
// identical values or the handshake can never rendezvous.
type RuntimeConfig struct {
	// Directory is where the named shared objects live. The default is
	// /dev/shm so the mappings never touch persistent storage.
	Directory string `yaml:"directory"`

	// BufferName is the name of the shared handshake buffer.
	BufferName string `yaml:"buffer_name"`

	// EventName is the name of the handshake event.
	EventName string `yaml:"event_name"`

	// BufferSize is the fixed handshake budget in bytes, including the
	// mandatory terminator slot. 64 bytes holds a five-digit port and a
	// UUID channel token with slack for the JSON syntax.
	BufferSize int `yaml:"buffer_size"`
}

// RelayConfig configures the loopback relay server.
type RelayConfig struct {
	// BindHost is the address the relay listens on. Anything other
	// than a loopback address breaks the trust model; the relay
	// refuses to bind elsewhere.
	BindHost string `yaml:"bind_host"`

	// AuthGrace is how long a connecting client has to present the
	// channel token before being disconnected.
	AuthGrace time.Duration `yaml:"auth_grace"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Runtime: RuntimeConfig{
			Directory:  "/dev/shm",
			BufferName: "holdover-handshake",
			EventName:  "holdover-handshake-event",
			BufferSize: 64,
		},
		Relay: RelayConfig{
			BindHost:  "127.0.0.1",
			AuthGrace: 5 * time.Second,
		},
	}
}

// Load reads the YAML file at path and overlays it on the defaults.
// An empty path returns the defaults unchanged.
func Load(path string) (Config, error) {
	configuration := Default()
	if path == "" {
		return configuration, nil
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(contents, &configuration); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := configuration.validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return configuration, nil
}

// validate rejects configurations that cannot work.
func (c Config) validate() error {
	if c.Runtime.Directory == "" {
		return fmt.Errorf("runtime.directory must not be empty")
	}
	if c.Runtime.BufferName == "" || c.Runtime.EventName == "" {
		return fmt.Errorf("runtime buffer and event names must not be empty")
	}
	if c.Runtime.BufferName == c.Runtime.EventName {
		return fmt.Errorf("runtime buffer and event names must differ")
	}
	if c.Runtime.BufferSize <= 1 {
		return fmt.Errorf("runtime.buffer_size %d leaves no room for payload plus terminator", c.Runtime.BufferSize)
	}
	if c.Relay.AuthGrace <= 0 {
		return fmt.Errorf("relay.auth_grace must be positive")
	}
	return nil
}
