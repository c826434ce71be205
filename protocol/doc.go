// Copyright 2026 The Holdover Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the relay wire protocol shared by every
// Holdover component: the closed registry of message types, the
// Message envelope, the newline-delimited JSON serializer, and the
// ConnectionInfo value describing how to reach a relay.
//
// The wire format is one JSON object per line. Every frame carries a
// reserved "type" key naming a registered message type; the remaining
// keys are the message fields. A frame whose type is missing or not in
// the registry is a protocol error, never a silently dropped message.
package protocol
