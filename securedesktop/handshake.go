// Copyright 2026 The Holdover Authors
// SPDX-License-Identifier: Apache-2.0

package securedesktop

import (
	"encoding/json"
	"fmt"
)

// EncodeHandshake serializes a relay port and channel token into the
// handshake payload published through the shared buffer: a two-element
// JSON array, port first. The encoded form plus its NUL terminator
// must fit the fixed buffer budget; the size check belongs to the
// buffer write, not to encoding.
func EncodeHandshake(port int, channel string) (string, error) {
	payload, err := json.Marshal([]any{port, channel})
	if err != nil {
		return "", fmt.Errorf("securedesktop: encode handshake: %w", err)
	}
	return string(payload), nil
}

// DecodeHandshake parses a handshake payload back into its port and
// channel token.
func DecodeHandshake(payload string) (port int, channel string, err error) {
	var fields []json.RawMessage
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return 0, "", fmt.Errorf("securedesktop: decode handshake: %w", err)
	}
	if len(fields) != 2 {
		return 0, "", fmt.Errorf("securedesktop: handshake has %d elements, want 2", len(fields))
	}
	if err := json.Unmarshal(fields[0], &port); err != nil {
		return 0, "", fmt.Errorf("securedesktop: handshake port: %w", err)
	}
	if err := json.Unmarshal(fields[1], &channel); err != nil {
		return 0, "", fmt.Errorf("securedesktop: handshake channel: %w", err)
	}
	return port, channel, nil
}
